// Package pipeline implements the pipeline executor: a sequential
// step-by-step template expansion over delegated agent invocations, one
// admission slot at a time, where any step's failure marks every remaining
// step skipped.
//
// Each step's prompt template sees $INPUT (the previous step's output,
// initially the goal) and $ORIGINAL (the original goal). Steps move
// pending -> running -> ok|failed; an upstream failure short-circuits the
// run and marks every later step failed with reason "skipped".
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/phrazzld/agentrund/internal/admission"
	"github.com/phrazzld/agentrund/internal/model"
)

// StepState is one step's position in its local state machine.
type StepState string

const (
	StepPending StepState = "pending"
	StepRunning StepState = "running"
	StepOK      StepState = "ok"
	StepFailed  StepState = "failed"
)

// Step is one declared pipeline step.
type Step struct {
	Agent          string
	SystemPrompt   string
	PromptTemplate string // may reference $INPUT and $ORIGINAL
}

// Spec is a resolved pipeline definition.
type Spec struct {
	Name      string
	BuildOnly bool
	Steps     []Step
}

// Resolver discovers pipeline specs.
type Resolver interface {
	ResolvePipeline(name string) (Spec, error)
}

// Checkpoint records one step transition for the dashboard-state stream.
type Checkpoint struct {
	StepIndex int
	Agent     string
	State     StepState
	Reason    string
}

// InvokeRequest is what the pipeline executor asks an Invoker to run.
type InvokeRequest struct {
	Agent        string
	SystemPrompt string
	Task         string
	Depth        int
	RunID        string
	Governor     *model.GovernorOverrides
}

// Invoker runs one delegated agent invocation end to end.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) model.AgentRunResult
}

// Metrics records a completed pipeline run's duration and per-step terminal
// states. May be nil.
type Metrics interface {
	ObservePipelineRun(d time.Duration, states []string)
}

// Request is the input to Execute.
type Request struct {
	Pipeline           string
	Goal               string
	Scope              string
	Depth              int
	RunID              string
	WorkflowCapability string // build-only gate: empty means no restriction

	// Governor narrows the daemon-wide governor policy for every step of
	// this run. Nil inherits the configured policy unchanged.
	Governor *model.GovernorOverrides
}

// Result is the pipeline executor's output (spec's PipelineExecutionResult).
type Result struct {
	Pipeline    string
	Goal        string
	Checkpoints []Checkpoint
	Results     []model.AgentRunResult
}

// OnCheckpoint is invoked after every step transition, for the dashboard
// state stream. May be nil.
type OnCheckpoint func(Checkpoint)

// Executor runs one pipeline invocation end to end.
type Executor struct {
	admission *admission.Controller
	resolver  Resolver
	invoker   Invoker
	metrics   Metrics
	log       *zap.Logger
}

// New constructs an Executor. metrics may be nil.
func New(adm *admission.Controller, resolver Resolver, invoker Invoker, metrics Metrics, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{admission: adm, resolver: resolver, invoker: invoker, metrics: metrics, log: log}
}

func idempotencyKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// render expands $INPUT and $ORIGINAL in a step's prompt template.
func render(template, input, original string) string {
	r := strings.NewReplacer("$INPUT", input, "$ORIGINAL", original)
	return r.Replace(template)
}

// Execute resolves the pipeline, applies the capability policy, preflights
// a run lease, then runs the steps sequentially, feeding each step's output
// into the next step's template.
func (e *Executor) Execute(ctx context.Context, req Request, onCheckpoint OnCheckpoint) (Result, error) {
	started := time.Now()
	spec, err := e.resolver.ResolvePipeline(req.Pipeline)
	if err != nil || len(spec.Steps) == 0 {
		return Result{}, fmt.Errorf("pipeline: unknown or empty pipeline %q: %w", req.Pipeline, err)
	}

	if spec.BuildOnly && req.WorkflowCapability != "" && req.WorkflowCapability != "build" {
		return Result{}, fmt.Errorf("pipeline: %q is build-only, forbidden by workflow capability %q", req.Pipeline, req.WorkflowCapability)
	}

	key := idempotencyKey("pipeline", req.Pipeline, req.Goal, req.Scope,
		strconv.Itoa(req.Depth), "1", req.Governor.Fingerprint())
	grant, err := e.admission.PreflightRun(admission.PreflightRequest{
		RunID:                req.RunID,
		IdempotencyKey:       key,
		Kind:                 model.LeaseKindPipeline,
		Depth:                req.Depth,
		RequestedParallelism: 1,
	})
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: preflight rejected: %w", err)
	}

	results := make([]model.AgentRunResult, len(spec.Steps))
	checkpoints := make([]Checkpoint, 0, len(spec.Steps)*2)
	emit := func(cp Checkpoint) {
		checkpoints = append(checkpoints, cp)
		if onCheckpoint != nil {
			onCheckpoint(cp)
		}
	}

	for i := range spec.Steps {
		emit(Checkpoint{StepIndex: i, Agent: spec.Steps[i].Agent, State: StepPending})
	}

	input := req.Goal
	failedAt := -1

	for i, step := range spec.Steps {
		if failedAt >= 0 {
			idx := i
			results[i] = model.AgentRunResult{Agent: step.Agent, Status: model.RunStatusFailed, Error: "skipped", StepIndex: &idx}
			emit(Checkpoint{StepIndex: i, Agent: step.Agent, State: StepFailed, Reason: "skipped"})
			continue
		}

		emit(Checkpoint{StepIndex: i, Agent: step.Agent, State: StepRunning})

		slot, err := e.admission.AcquireSlot(admission.AcquireSlotRequest{RunID: req.RunID, Depth: req.Depth + 1, Agent: step.Agent})
		if err != nil {
			idx := i
			results[i] = model.AgentRunResult{Agent: step.Agent, Status: model.RunStatusFailed, Error: err.Error(), StepIndex: &idx}
			emit(Checkpoint{StepIndex: i, Agent: step.Agent, State: StepFailed, Reason: err.Error()})
			failedAt = i
			continue
		}

		task := render(step.PromptTemplate, input, req.Goal)
		result := e.invoker.Invoke(ctx, InvokeRequest{
			Agent:        step.Agent,
			SystemPrompt: step.SystemPrompt,
			Task:         task,
			Depth:        req.Depth + 1,
			RunID:        req.RunID,
			Governor:     req.Governor,
		})
		idx := i
		result.StepIndex = &idx
		results[i] = result

		status := model.RunStatusOK
		state := StepOK
		if result.Status == model.RunStatusFailed {
			status = model.RunStatusFailed
			state = StepFailed
			failedAt = i
		} else {
			input = result.Output
		}
		if err := e.admission.ReleaseSlot(slot, status); err != nil {
			e.log.Warn("pipeline: release slot failed", zap.Error(err), zap.String("agent", step.Agent))
		}
		emit(Checkpoint{StepIndex: i, Agent: step.Agent, State: state, Reason: result.Error})
	}

	endStatus := model.RunStatusOK
	if failedAt >= 0 {
		endStatus = model.RunStatusFailed
	}
	if err := e.admission.EndRun(grant, endStatus); err != nil {
		e.log.Warn("pipeline: end run failed", zap.Error(err), zap.String("pipeline", req.Pipeline))
	}

	if e.metrics != nil {
		states := make([]string, len(results))
		for i, r := range results {
			states[i] = string(r.Status)
		}
		e.metrics.ObservePipelineRun(time.Since(started), states)
	}

	return Result{Pipeline: req.Pipeline, Goal: req.Goal, Checkpoints: checkpoints, Results: results}, nil
}
