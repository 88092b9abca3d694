// Package invoke wires the delegation runner, health monitor, adaptive
// governor, and recovery coordinator together into the single `Invoke`
// call the team and pipeline executors depend on through their respective
// narrow Invoker interfaces.
//
// One call to Invoke drives zero or more delegation-runner attempts: each
// attempt's outcome is classified into a recovery.Reason and handed to the
// Recovery Coordinator, which decides whether to retry (with backoff),
// complete (possibly degraded), or fail outright.
package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/phrazzld/agentrund/internal/governor"
	"github.com/phrazzld/agentrund/internal/health"
	"github.com/phrazzld/agentrund/internal/model"
	"github.com/phrazzld/agentrund/internal/pipeline"
	"github.com/phrazzld/agentrund/internal/recovery"
	"github.com/phrazzld/agentrund/internal/runner"
	"github.com/phrazzld/agentrund/internal/team"
)

// Config parameterizes one Invoker.
type Config struct {
	BinaryPath   string
	Cwd          string
	TickInterval time.Duration
	GraceTimeout time.Duration
	KillTimeout  time.Duration

	Health   health.Config
	Governor governor.Config
	Recovery recovery.Config

	// Quorum enables the cross-attempt consensus extension when
	// QuorumMin > 1: successful attempts are repeated until enough of
	// them agree on an output fingerprint.
	Quorum recovery.QuorumConfig

	// Caller identifies the invoking component for the child's environment
	// (team, pipeline, or master).
	Caller string

	// Counter receives call/result events for the delegation tools observed
	// on the child's stdout, feeding the admission circuit's gap tripwire.
	// May be nil.
	Counter ToolCounter
}

// Metrics is the per-invocation instrumentation the Invoker updates. May
// be nil; it never influences control flow.
type Metrics interface {
	ObserveHealthClassification(classification string)
	ObserveHealthAbort(reason string)
	ObserveGovernorAbort(band string)
	ObserveRecoveryAttempt(reason string)
	ObserveRecoveryDegraded()
	ObserveRecoveryExhausted()
	ObserveQuorumEvaluation(action string)
}

// ToolCounter is the admission controller's counter surface: every
// delegation-tool start observed on a child's stream becomes a recorded
// call, every end a recorded result.
type ToolCounter interface {
	RecordToolCall(kind model.ToolKind) error
	RecordToolResult(kind model.ToolKind) error
}

// orchestrationToolKinds maps the child's delegation tool names to the
// counter kinds the circuit breaker tracks. Other tool names never touch
// the counters.
var orchestrationToolKinds = map[string]model.ToolKind{
	"run_team":     model.ToolKindTeam,
	"run_pipeline": model.ToolKindPipeline,
	"delegate":     model.ToolKindSubagent,
}

// Invoker drives one delegated agent invocation end to end, satisfying
// both internal/team.Invoker and internal/pipeline.Invoker.
type Invoker struct {
	cfg     Config
	metrics Metrics
	log     *zap.Logger
}

// New constructs an Invoker. metrics may be nil.
func New(cfg Config, metrics Metrics, log *zap.Logger) *Invoker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Invoker{cfg: cfg, metrics: metrics, log: log}
}

// recordToolEvent forwards a delegation-tool marker to the admission
// counters. Counter failures are logged, never surfaced: the stream
// observer must not fail a healthy child over admission-state I/O.
func (iv *Invoker) recordToolEvent(marker model.ProgressMarker) {
	if iv.cfg.Counter == nil {
		return
	}
	kind, ok := orchestrationToolKinds[marker.ToolName]
	if !ok {
		return
	}
	var err error
	switch marker.Kind {
	case model.MarkerToolStart:
		err = iv.cfg.Counter.RecordToolCall(kind)
	case model.MarkerToolEnd:
		err = iv.cfg.Counter.RecordToolResult(kind)
	}
	if err != nil {
		iv.log.Warn("invoke: tool counter update failed", zap.Error(err), zap.String("tool", marker.ToolName))
	}
}

// request is the common shape of team.InvokeRequest / pipeline.InvokeRequest.
// Both sibling packages define an identically-shaped type; Invoke accepts
// the fields directly so one implementation satisfies both interfaces via
// the thin adapter methods below.
type request struct {
	Agent        string
	SystemPrompt string
	Task         string
	Depth        int
	RunID        string
	Governor     *model.GovernorOverrides
}

// contentBlock is one block of a message_end event's content array.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// usagePayload is the usage object nested in a message_end event's message.
type usagePayload struct {
	Input         int64   `json:"input"`
	Output        int64   `json:"output"`
	CacheRead     int64   `json:"cacheRead"`
	CacheWrite    int64   `json:"cacheWrite"`
	CostUSD       float64 `json:"costUsd"`
	ContextTokens int64   `json:"contextTokens"`
}

// messagePayload is the message object nested in a message_end event.
type messagePayload struct {
	Role         string         `json:"role"`
	Content      []contentBlock `json:"content"`
	Usage        *usagePayload  `json:"usage,omitempty"`
	StopReason   string         `json:"stopReason,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// eventLine is one newline-delimited JSON record on the child's stdout:
// tool_execution_start, tool_execution_end, or message_end. Any other type
// is carried through as an opaque marker.
type eventLine struct {
	Type       string          `json:"type"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	Message    *messagePayload `json:"message,omitempty"`
}

// malformedJSONAction is the synthetic marker action produced when a
// child's stdout line fails to parse, so health/governor observers still
// see an event instead of the line vanishing silently.
const malformedJSONAction = "event:malformed_json"

// parseMarker turns one raw stdout line into a ProgressMarker and the
// eventLine it was decoded from. It never drops a line: malformed JSON
// yields a MarkerOther carrying malformedJSONAction. Fingerprint is left
// unset here — it is derived by the caller from observed attempt state,
// never trusted from the child's own payload.
func parseMarker(line string) (model.ProgressMarker, eventLine) {
	var ev eventLine
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return model.ProgressMarker{Kind: model.MarkerOther, Action: malformedJSONAction}, eventLine{}
	}

	switch ev.Type {
	case "tool_execution_start":
		return model.ProgressMarker{Kind: model.MarkerToolStart, Action: ev.ToolName, ToolName: ev.ToolName}, ev
	case "tool_execution_end":
		return model.ProgressMarker{Kind: model.MarkerToolEnd, Action: ev.ToolName, ToolName: ev.ToolName}, ev
	case "message_end":
		kind := model.MarkerAssistant
		if ev.Message != nil && ev.Message.ErrorMessage != "" {
			kind = model.MarkerAssistantErr
		}
		return model.ProgressMarker{Kind: kind, Action: messageText(ev.Message)}, ev
	default:
		return model.ProgressMarker{Kind: model.MarkerOther, Action: ev.Type}, ev
	}
}

// messageText flattens a message_end event's text content blocks into the
// attempt's output string.
func messageText(msg *messagePayload) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// invoke drives the full retry loop for one logical invocation.
func (iv *Invoker) invoke(ctx context.Context, req request) model.AgentRunResult {
	coordinator := recovery.New(iv.cfg.Recovery)

	var quorum *recovery.QuorumState
	if iv.cfg.Quorum.QuorumMin > 1 {
		qc := iv.cfg.Quorum
		if qc.MaxAttempts <= 0 {
			qc.MaxAttempts = iv.cfg.Recovery.MaxAttempts
		}
		quorum = recovery.NewQuorumState(qc)
	}

	var lastHealth model.HealthSnapshot
	var lastUsage model.Usage
	var lastGov *model.GovernorScore

	attempt := 1
	for {
		outcome, snap, usage, govScore, output := iv.attemptOnce(ctx, req, attempt)
		lastHealth = snap
		lastUsage = usage
		lastGov = govScore

		reason := classify(outcome)
		iv.observeAttempt(outcome, snap, govScore, reason)
		dec := coordinator.Decide(recovery.Attempt{Reason: reason, Output: output}, attempt)

		switch dec.Action {
		case recovery.ActionComplete:
			if quorum != nil && reason == recovery.ReasonOK {
				action, detail := quorum.EvaluateQuorum(output, attempt)
				if iv.metrics != nil {
					iv.metrics.ObserveQuorumEvaluation(string(action))
				}
				switch action {
				case recovery.QuorumContinue:
					attempt++
					continue
				case recovery.QuorumFail:
					return model.AgentRunResult{
						Agent:    req.Agent,
						Status:   model.RunStatusFailed,
						Output:   output,
						Error:    detail,
						Usage:    lastUsage,
						Governor: lastGov,
						Health:   &lastHealth,
						Attempts: attempt,
					}
				case recovery.QuorumFinalize:
					output = detail
				}
			}
			if dec.Degraded && iv.metrics != nil {
				iv.metrics.ObserveRecoveryDegraded()
			}
			return model.AgentRunResult{
				Agent:    req.Agent,
				Status:   model.RunStatusOK,
				Output:   output,
				Usage:    lastUsage,
				Governor: lastGov,
				Health:   &lastHealth,
				Degraded: dec.Degraded,
				Attempts: attempt,
			}
		case recovery.ActionFail:
			if iv.metrics != nil && attempt >= iv.cfg.Recovery.MaxAttempts {
				iv.metrics.ObserveRecoveryExhausted()
			}
			errMsg := string(reason)
			if outcome.Aborted {
				errMsg = fmt.Sprintf("%s: %s", outcome.AbortOrigin, outcome.AbortReason)
			}
			return model.AgentRunResult{
				Agent:    req.Agent,
				Status:   model.RunStatusFailed,
				Output:   output,
				Error:    errMsg,
				Usage:    lastUsage,
				Governor: lastGov,
				Health:   &lastHealth,
				Attempts: attempt,
			}
		case recovery.ActionRetry:
			select {
			case <-ctx.Done():
				return model.AgentRunResult{
					Agent: req.Agent, Status: model.RunStatusFailed,
					Error: "canceled during retry backoff", Attempts: attempt,
				}
			case <-time.After(dec.Delay):
			}
			attempt++
		}
	}
}

// observeAttempt updates per-attempt instrumentation. No-op without a
// metrics sink.
func (iv *Invoker) observeAttempt(outcome runner.Outcome, snap model.HealthSnapshot, govScore *model.GovernorScore, reason recovery.Reason) {
	if iv.metrics == nil {
		return
	}
	iv.metrics.ObserveRecoveryAttempt(string(reason))
	iv.metrics.ObserveHealthClassification(string(snap.Classification))
	if outcome.Aborted {
		switch outcome.AbortOrigin {
		case runner.OriginHealth:
			iv.metrics.ObserveHealthAbort(outcome.AbortReason)
		case runner.OriginPolicy:
			if govScore != nil {
				iv.metrics.ObserveGovernorAbort(string(govScore.Band))
			}
		}
	}
}

// governorConfigFor applies one run's overrides to the daemon-wide governor
// policy. Zero-valued override fields inherit the configured value.
func governorConfigFor(base governor.Config, ov *model.GovernorOverrides) governor.Config {
	if ov == nil {
		return base
	}
	cfg := base
	if ov.Mode != "" {
		cfg.Mode = governor.Mode(ov.Mode)
	}
	if ov.CostBudgetUSD > 0 {
		cfg.CostBudgetUSD = ov.CostBudgetUSD
	}
	if ov.TokenBudget > 0 {
		cfg.TokenBudget = ov.TokenBudget
	}
	if ov.EmergencyFuse > 0 {
		cfg.EmergencyFuse = ov.EmergencyFuse
	}
	return cfg
}

// classify maps a runner.Outcome to the recovery reason taxonomy.
func classify(o runner.Outcome) recovery.Reason {
	if o.Aborted {
		switch o.AbortOrigin {
		case runner.OriginHealth:
			if strings.Contains(o.AbortReason, "same_tool_phase") || strings.Contains(o.AbortReason, "tool=") {
				return recovery.ReasonStallSameToolPhase
			}
			return recovery.ReasonStallNoProgress
		case runner.OriginPolicy:
			return recovery.ReasonPolicyAbort
		case runner.OriginSignal:
			return recovery.ReasonTransientIO
		}
	}
	if o.ExitCode != 0 {
		return recovery.ReasonNonzeroExit
	}
	return recovery.ReasonOK
}

// attemptOnce spawns one child process, supervises it with health and
// governor watchdogs, and accumulates assistant output as the attempt's
// result text.
func (iv *Invoker) attemptOnce(ctx context.Context, req request, attempt int) (runner.Outcome, model.HealthSnapshot, model.Usage, *model.GovernorScore, string) {
	monitor := health.New(req.RunID, req.Agent, iv.cfg.Health)
	gov := governor.New(governorConfigFor(iv.cfg.Governor, req.Governor), time.Now())

	var outputMu sync.Mutex
	var output string
	var usage model.Usage

	var fpMu sync.Mutex
	var outstandingTool string

	argv := []string{
		iv.cfg.BinaryPath,
		"--json-events",
		"--no-session",
		"--no-extensions",
		"--system-prompt", req.SystemPrompt,
		"--task", req.Task,
	}
	env := append(os.Environ(),
		"AGENTRUND_DEPTH="+strconv.Itoa(req.Depth),
		"AGENTRUND_CALLER="+iv.cfg.Caller,
		"AGENTRUND_RUN_ID="+req.RunID,
		"AGENTRUND_AGENT="+req.Agent,
		"AGENTRUND_ATTEMPT="+strconv.Itoa(attempt),
	)

	onLine := func(line string) model.ProgressMarker {
		marker, ev := parseMarker(line)
		now := time.Now()

		// Fingerprint is derived from state this process has itself
		// observed — outstanding tool plus the marker's own content —
		// never from a field the child could set to fake progress.
		fpMu.Lock()
		switch marker.Kind {
		case model.MarkerToolStart:
			outstandingTool = marker.ToolName
		case model.MarkerToolEnd:
			outstandingTool = ""
		}
		marker.Fingerprint = fmt.Sprintf("%s:%s:%d", marker.Kind, outstandingTool, len(marker.Action))
		fpMu.Unlock()

		monitor.OnMarker(marker, now)
		gov.Observe(marker, ev.IsError, now)
		iv.recordToolEvent(marker)

		if ev.Type == "message_end" && ev.Message != nil {
			outputMu.Lock()
			output = marker.Action
			if u := ev.Message.Usage; u != nil {
				usage.InputTokens += u.Input
				usage.OutputTokens += u.Output
				usage.CacheRead += u.CacheRead
				usage.CacheWrite += u.CacheWrite
				usage.CostUSD += u.CostUSD
				usage.ContextTokens = u.ContextTokens
				gov.RecordUsage(u.CostUSD, u.Input+u.Output)
			}
			outputMu.Unlock()
		}
		return marker
	}

	watchdogs := []*runner.Watchdog{
		{
			Origin:   runner.OriginHealth,
			Interval: iv.cfg.TickInterval,
			Check: func(now time.Time) string {
				reason, abort := monitor.Tick(now)
				if !abort {
					return ""
				}
				return reason
			},
		},
		{
			Origin:   runner.OriginPolicy,
			Interval: iv.cfg.TickInterval,
			Check: func(now time.Time) string {
				action, reason := gov.Tick(now)
				if action != governor.ActionAbort {
					return ""
				}
				return reason
			},
		},
	}

	spec := runner.Spec{
		Label:        req.Agent,
		Argv:         argv,
		Cwd:          iv.cfg.Cwd,
		Env:          env,
		Watchdogs:    watchdogs,
		OnStdoutLine: onLine,
		Snapshot:     monitor.Snapshot,
		TickInterval: iv.cfg.TickInterval,
		GraceTimeout: iv.cfg.GraceTimeout,
		KillTimeout:  iv.cfg.KillTimeout,
	}

	outcome, err := runner.Run(ctx, spec)
	if err != nil {
		iv.log.Warn("invoke: runner error", zap.Error(err), zap.String("agent", req.Agent))
		outcome.Aborted = true
		outcome.AbortOrigin = runner.OriginSignal
		outcome.AbortReason = err.Error()
	}

	score := gov.Summary(time.Now())
	outputMu.Lock()
	out := output
	finalUsage := usage
	outputMu.Unlock()

	return outcome, outcome.Health, finalUsage, &score, out
}

// TeamAdapter implements internal/team.Invoker over a shared Invoker.
// A distinct wrapper type is needed because team.InvokeRequest and
// pipeline.InvokeRequest are different named types, and a single Invoke
// method cannot be overloaded across them.
type TeamAdapter struct{ *Invoker }

// Invoke implements internal/team.Invoker.
func (a TeamAdapter) Invoke(ctx context.Context, req team.InvokeRequest) model.AgentRunResult {
	return a.Invoker.invoke(ctx, request(req))
}

// PipelineAdapter implements internal/pipeline.Invoker over a shared Invoker.
type PipelineAdapter struct{ *Invoker }

// Invoke implements internal/pipeline.Invoker.
func (a PipelineAdapter) Invoke(ctx context.Context, req pipeline.InvokeRequest) model.AgentRunResult {
	return a.Invoker.invoke(ctx, request(req))
}
