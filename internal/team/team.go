// Package team implements the team executor: fan out a declared team of
// agents in parallel, bounded by the parallelism the admission controller
// grants, and return each member's result in the team's declared order
// regardless of completion order.
//
// Members write into a pre-allocated results slice at their declaration
// index, so completion order never affects result order. Each member
// acquires its own admission slot; a slot rejection fails that member's
// card without aborting its siblings.
package team

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/phrazzld/agentrund/internal/admission"
	"github.com/phrazzld/agentrund/internal/model"
)

// Member is one resolved team participant.
type Member struct {
	Name         string
	SystemPrompt string
	Source       model.AgentSource
}

// InvokeRequest is what the team executor asks an Invoker to run.
type InvokeRequest struct {
	Agent        string
	SystemPrompt string
	Task         string
	Depth        int
	RunID        string
	Governor     *model.GovernorOverrides
}

// Invoker runs one delegated agent invocation end to end (recovery
// coordinator driving the delegation runner) and returns its result. The
// concrete wiring lives with the caller assembling the executor; this
// package only depends on the narrow contract.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) model.AgentRunResult
}

// Metrics records a completed fan-out's duration and member statuses. May
// be nil.
type Metrics interface {
	ObserveTeamFanout(d time.Duration, statuses []string)
}

// Resolver discovers team membership and agent definitions.
type Resolver interface {
	ResolveTeam(name string) ([]string, error)
	DiscoverAgents(scope string) (map[string]Member, error)
}

// Request is the input to Execute.
type Request struct {
	Team               string
	Goal               string
	Scope              string
	ConcurrencyRequest int
	Depth              int
	RunID              string

	// Governor narrows the daemon-wide governor policy for every member of
	// this run. Nil inherits the configured policy unchanged.
	Governor *model.GovernorOverrides
}

// OnUpdate is invoked with a card's index and new value after every card
// transition, for the caller's dashboard state. May be nil.
type OnUpdate func(index int, card model.AgentRunResult)

// Result is the team executor's output (spec's TeamExecutionResult).
type Result struct {
	Team    string
	Goal    string
	Results []model.AgentRunResult
}

// Config parameterizes one Executor.
type Config struct {
	MaxConcurrency int
}

// Executor runs one team invocation end to end.
type Executor struct {
	cfg       Config
	admission *admission.Controller
	resolver  Resolver
	invoker   Invoker
	metrics   Metrics
	log       *zap.Logger
}

// New constructs an Executor. metrics may be nil.
func New(cfg Config, adm *admission.Controller, resolver Resolver, invoker Invoker, metrics Metrics, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{cfg: cfg, admission: adm, resolver: resolver, invoker: invoker, metrics: metrics, log: log}
}

func idempotencyKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Execute resolves the team, preflights a run lease, fans the members out
// bounded by the granted parallelism, and ends the lease failed if any
// member's card failed.
func (e *Executor) Execute(ctx context.Context, req Request, onUpdate OnUpdate) (Result, error) {
	started := time.Now()
	memberNames, err := e.resolver.ResolveTeam(req.Team)
	if err != nil || len(memberNames) == 0 {
		return Result{}, fmt.Errorf("team: unknown or empty team %q: %w", req.Team, err)
	}

	agents, err := e.resolver.DiscoverAgents(req.Scope)
	if err != nil || len(agents) == 0 {
		return Result{}, fmt.Errorf("team: no agents discovered in scope %q: %w", req.Scope, err)
	}

	parallelism := req.ConcurrencyRequest
	if parallelism <= 0 || parallelism > e.cfg.MaxConcurrency {
		parallelism = e.cfg.MaxConcurrency
	}

	key := idempotencyKey("team", req.Team, req.Goal, req.Scope,
		strconv.Itoa(req.Depth), strconv.Itoa(parallelism), req.Governor.Fingerprint())
	grant, err := e.admission.PreflightRun(admission.PreflightRequest{
		RunID:                req.RunID,
		IdempotencyKey:       key,
		Kind:                 model.LeaseKindTeam,
		Depth:                req.Depth,
		RequestedParallelism: parallelism,
	})
	if err != nil {
		return Result{}, fmt.Errorf("team: preflight rejected: %w", err)
	}

	cards := make([]model.AgentRunResult, len(memberNames))
	var cardsMu sync.Mutex
	setCard := func(i int, card model.AgentRunResult) {
		cardsMu.Lock()
		cards[i] = card
		cardsMu.Unlock()
		if onUpdate != nil {
			onUpdate(i, card)
		}
	}
	sem := semaphore.NewWeighted(int64(parallelism))
	var grp errgroup.Group
	var anyFailed atomic.Bool

	for i, name := range memberNames {
		i, name := i, name
		member, known := agents[name]
		if !known {
			setCard(i, model.AgentRunResult{Agent: name, Status: model.RunStatusFailed, Error: "unknown team member"})
			anyFailed.Store(true)
			continue
		}
		setCard(i, model.AgentRunResult{Agent: name, Source: member.Source, Status: model.RunStatusPending})

		grp.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				setCard(i, model.AgentRunResult{Agent: name, Status: model.RunStatusFailed, Error: err.Error()})
				anyFailed.Store(true)
				return nil
			}
			defer sem.Release(1)

			slot, err := e.admission.AcquireSlot(admission.AcquireSlotRequest{RunID: req.RunID, Depth: req.Depth + 1, Agent: name})
			if err != nil {
				setCard(i, model.AgentRunResult{Agent: name, Status: model.RunStatusFailed, Error: err.Error()})
				anyFailed.Store(true)
				return nil
			}
			setCard(i, model.AgentRunResult{Agent: name, Source: member.Source, Status: model.RunStatusRunning})

			task := fmt.Sprintf("Team: %s\nGoal: %s", req.Team, req.Goal)
			result := e.invoker.Invoke(ctx, InvokeRequest{
				Agent:        name,
				SystemPrompt: member.SystemPrompt,
				Task:         task,
				Depth:        req.Depth + 1,
				RunID:        req.RunID,
				Governor:     req.Governor,
			})
			result.Agent = name
			result.Source = member.Source
			setCard(i, result)

			status := model.RunStatusOK
			if result.Status == model.RunStatusFailed {
				anyFailed.Store(true)
				status = model.RunStatusFailed
			}
			if err := e.admission.ReleaseSlot(slot, status); err != nil {
				e.log.Warn("team: release slot failed", zap.Error(err), zap.String("agent", name))
			}
			return nil
		})
	}

	_ = grp.Wait()

	endStatus := model.RunStatusOK
	if anyFailed.Load() {
		endStatus = model.RunStatusFailed
	}
	if err := e.admission.EndRun(grant, endStatus); err != nil {
		e.log.Warn("team: end run failed", zap.Error(err), zap.String("team", req.Team))
	}

	if e.metrics != nil {
		statuses := make([]string, len(cards))
		for i, card := range cards {
			statuses[i] = string(card.Status)
		}
		e.metrics.ObserveTeamFanout(time.Since(started), statuses)
	}

	return Result{Team: req.Team, Goal: req.Goal, Results: cards}, nil
}
