// Package pressure implements the pressure reader: a read-only view of the
// most recent host-pressure snapshot written by an external host watchdog
// to a newline-delimited JSON log.
//
// The reader tails the log via fsnotify write notifications, keeping the
// latest parsed record cached, with a ticker as a backstop for filesystems
// where the watch cannot be established.
package pressure

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/phrazzld/agentrund/internal/model"
)

// Config parameterizes one Reader.
type Config struct {
	LogPath      string
	FreshnessTTL time.Duration
	PollInterval time.Duration // ticker fallback when fsnotify can't be established.
}

// DefaultConfig returns the reader's conservative defaults.
func DefaultConfig(logPath string) Config {
	return Config{
		LogPath:      logPath,
		FreshnessTTL: 15 * time.Second,
		PollInterval: 2 * time.Second,
	}
}

// record is one line of the host watchdog's NDJSON log. Only kind=="sample"
// records carry a pressure snapshot; other kinds (e.g. lifecycle markers)
// are read and discarded.
type record struct {
	Kind           string                 `json:"kind"`
	Ts             time.Time              `json:"ts"`
	Severity       model.PressureSeverity `json:"severity"`
	NodeCount      int                    `json:"nodeCount"`
	NodeRssMB      float64                `json:"nodeRssMB"`
	TotalProcesses int                    `json:"totalProcesses"`
	Reasons        []string               `json:"reasons"`
}

// Reader maintains the most recently observed pressure snapshot.
type Reader struct {
	cfg Config
	log *zap.Logger

	mu     sync.RWMutex
	latest *model.PressureSnapshot
	offset int64

	stop chan struct{}
	once sync.Once
}

// New constructs a Reader. Call Start to begin following the log.
func New(cfg Config, log *zap.Logger) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{cfg: cfg, log: log, stop: make(chan struct{})}
}

// Start begins following the pressure log in a background goroutine. It
// returns immediately; the goroutine exits when ctx is canceled or Close is
// called.
func (r *Reader) Start(ctx context.Context) {
	r.refresh() // best-effort initial read; never blocks on absence.

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Warn("pressure: fsnotify unavailable, falling back to polling", zap.Error(err))
		go r.pollLoop(ctx)
		return
	}

	dir := filepath.Dir(r.cfg.LogPath)
	if err := watcher.Add(dir); err != nil {
		r.log.Warn("pressure: watch directory failed, falling back to polling", zap.Error(err), zap.String("dir", dir))
		_ = watcher.Close()
		go r.pollLoop(ctx)
		return
	}

	go r.watchLoop(ctx, watcher)
}

func (r *Reader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()
	target := filepath.Base(r.cfg.LogPath)
	ticker := time.NewTicker(r.cfg.PollInterval * 5) // backstop even with a live watcher.
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) == target {
				r.refresh()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("pressure: fsnotify error", zap.Error(err))
		case <-ticker.C:
			r.refresh()
		}
	}
}

func (r *Reader) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.refresh()
		}
	}
}

// Close stops any background goroutine started by Start.
func (r *Reader) Close() {
	r.once.Do(func() { close(r.stop) })
}

// refresh tails new bytes since the last read offset, parsing any newly
// appended sample records. Never raises: every failure is logged and
// leaves the cached snapshot untouched.
func (r *Reader) refresh() {
	f, err := os.Open(r.cfg.LogPath)
	if err != nil {
		return // absent file: contract is "return none", not an error.
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return
	}

	r.mu.Lock()
	offset := r.offset
	r.mu.Unlock()

	if info.Size() < offset {
		offset = 0 // log was rotated/truncated.
	}
	if info.Size() == offset {
		return
	}

	if _, err := f.Seek(offset, 0); err != nil {
		r.log.Warn("pressure: seek failed", zap.Error(err))
		return
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var newest *model.PressureSnapshot
	var readBytes int64
	for scanner.Scan() {
		line := scanner.Bytes()
		readBytes += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // malformed line: skip, never raise.
		}
		if rec.Kind != "sample" {
			continue
		}
		snap := model.PressureSnapshot{
			Ts:             rec.Ts,
			Severity:       rec.Severity,
			NodeCount:      rec.NodeCount,
			NodeRssMB:      rec.NodeRssMB,
			TotalProcesses: rec.TotalProcesses,
			Reasons:        rec.Reasons,
		}
		if newest == nil || snap.Ts.After(newest.Ts) {
			newest = &snap
		}
	}

	r.mu.Lock()
	r.offset = offset + readBytes
	if newest != nil && (r.latest == nil || newest.Ts.After(r.latest.Ts)) {
		r.latest = newest
	}
	r.mu.Unlock()
}

// CurrentPressure implements admission.PressureReader. Returns none if no
// sample has ever been observed, or the cached sample has aged past
// FreshnessTTL.
func (r *Reader) CurrentPressure() (model.PressureSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return model.PressureSnapshot{}, false
	}
	if time.Since(r.latest.Ts) > r.cfg.FreshnessTTL {
		return model.PressureSnapshot{}, false
	}
	return *r.latest, true
}
