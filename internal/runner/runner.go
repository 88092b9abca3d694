// Package runner implements the delegation runner: it spawns one external
// agent child process, pumps its stdout through a line-based marker
// callback, evaluates watchdogs on a tick, and supervises termination. It
// is the sole owner of the child's process handle.
//
// Children are started in their own process group (Setpgid) so that
// termination signals reach any grandchildren the agent binary spawns;
// shutdown is SIGTERM, a grace window, then SIGKILL, always draining the
// wait channel.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/phrazzld/agentrund/internal/model"
)

// Origin identifies which supervisory concern requested an abort.
type Origin string

const (
	OriginSignal Origin = "signal"
	OriginHealth Origin = "health"
	OriginPolicy Origin = "policy"
	OriginNone   Origin = "none"
)

// originPriority orders watchdog evaluation: signal first, then health,
// then policy.
var originPriority = []Origin{OriginSignal, OriginHealth, OriginPolicy}

// Watchdog is a ticking evaluator consulted by the runner. Check returns a
// non-empty reason to request an abort.
type Watchdog struct {
	Origin   Origin
	Interval time.Duration
	Check    func(now time.Time) (reason string)

	lastTick time.Time
}

// Spec describes one delegated child invocation.
type Spec struct {
	Label        string
	Argv         []string
	Cwd          string
	Env          []string
	Watchdogs    []*Watchdog
	OnStdoutLine func(line string) model.ProgressMarker
	Snapshot     func(now time.Time) model.HealthSnapshot
	TickInterval time.Duration
	GraceTimeout time.Duration
	KillTimeout  time.Duration
}

// Outcome is the result of one delegated command.
type Outcome struct {
	ExitCode    int
	Stderr      string
	Aborted     bool
	AbortOrigin Origin
	AbortReason string
	Health      model.HealthSnapshot
}

// Run spawns the child, supervises it to completion or abort, and returns
// its outcome. ctx cancellation is treated as an OriginSignal abort.
func Run(ctx context.Context, spec Spec) (Outcome, error) {
	if spec.TickInterval <= 0 {
		spec.TickInterval = time.Second
	}
	if spec.GraceTimeout <= 0 {
		spec.GraceTimeout = 5 * time.Second
	}
	if spec.KillTimeout <= 0 {
		spec.KillTimeout = 5 * time.Second
	}
	if len(spec.Argv) == 0 {
		return Outcome{}, fmt.Errorf("runner: empty argv for %q", spec.Label)
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = spec.Env
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("runner: stdout pipe for %q: %w", spec.Label, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("runner: stderr pipe for %q: %w", spec.Label, err)
	}

	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("runner: start %q: %w", spec.Label, err)
	}

	var stderrBuf strings.Builder
	var stderrMu sync.Mutex

	var pump errgroup.Group
	pump.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			if spec.OnStdoutLine != nil {
				_ = spec.OnStdoutLine(scanner.Text())
			}
		}
		return nil
	})
	pump.Go(func() error {
		buf := make([]byte, 4096)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				stderrMu.Lock()
				stderrBuf.Write(buf[:n])
				stderrMu.Unlock()
			}
			if err != nil {
				if err != io.EOF {
					return err
				}
				return nil
			}
		}
	})

	// cmd.Wait is deferred until both pumps hit EOF so the final stdout
	// lines are never lost to Wait closing the pipes. The child's exit
	// still surfaces on waitCh promptly: its death EOFs the pipes, the
	// pumps drain, and Wait returns.
	waitCh := make(chan error, 1)
	go func() {
		_ = pump.Wait()
		waitCh <- cmd.Wait()
	}()

	origin, reason := watch(ctx, spec, waitCh)

	var out Outcome
	if origin != OriginNone {
		waitErr := terminate(cmd, waitCh, spec.GraceTimeout, spec.KillTimeout)
		out.Aborted = true
		out.AbortOrigin = origin
		out.AbortReason = reason
		if cmd.ProcessState != nil {
			out.ExitCode = cmd.ProcessState.ExitCode()
		} else if waitErr != nil {
			out.ExitCode = -1
		}
	} else if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	stderrMu.Lock()
	out.Stderr = stderrBuf.String()
	stderrMu.Unlock()

	if spec.Snapshot != nil {
		out.Health = spec.Snapshot(time.Now())
	}

	return out, nil
}

// watch runs the tick loop until the child exits naturally or a watchdog
// (or ctx cancellation) requests an abort.
func watch(ctx context.Context, spec Spec, waitCh chan error) (Origin, string) {
	ticker := time.NewTicker(spec.TickInterval)
	defer ticker.Stop()

	now := time.Now()
	for _, w := range spec.Watchdogs {
		w.lastTick = now
	}

	for {
		select {
		case <-waitCh:
			return OriginNone, ""
		case <-ctx.Done():
			return OriginSignal, ctx.Err().Error()
		case t := <-ticker.C:
			if origin, reason := evaluateWatchdogs(spec.Watchdogs, t); origin != OriginNone {
				return origin, reason
			}
		}
	}
}

// evaluateWatchdogs consults every due watchdog in origin-priority order
// and returns the first abort request.
func evaluateWatchdogs(watchdogs []*Watchdog, now time.Time) (Origin, string) {
	for _, origin := range originPriority {
		for _, w := range watchdogs {
			if w.Origin != origin {
				continue
			}
			if now.Sub(w.lastTick) < w.Interval {
				continue
			}
			w.lastTick = now
			if reason := w.Check(now); reason != "" {
				return w.Origin, reason
			}
		}
	}
	return OriginNone, ""
}

// terminate sends a polite signal to the child's process group, waits up
// to grace for a natural exit, then forcibly kills the group and waits up
// to kill for that to take effect.
func terminate(cmd *exec.Cmd, waitCh chan error, grace, kill time.Duration) error {
	if cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid

	_ = unix.Kill(-pid, unix.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	_ = unix.Kill(-pid, unix.SIGKILL)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(kill):
		return fmt.Errorf("runner: process group %d did not exit after SIGKILL", pid)
	}
}
