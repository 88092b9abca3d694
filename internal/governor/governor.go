// Package governor implements the adaptive governor: a per-run
// low-progress scorer with a configurable mode (observe/warn/enforce) and
// independent tripwires.
//
// Tracked signals per tick: tool starts/ends and their novelty (distinct
// tool signatures over a rolling window), assistant output volume,
// verification-command execution (test/lint/type/build patterns), retry
// churn (repeated identical failed tool calls), and idle duration. These
// combine into a rolling-window score via an EWMA accumulator.
//
// The escalation band is selected by elapsed wall-time tier; deeper bands
// apply stricter thresholds and a smaller strike budget. Low-progress
// strikes accumulate while score < threshold and decay on recovery;
// exceeding the strike budget is an abort in enforce mode, a warning in
// warn mode, and silent in observe mode.
//
// Independently of the score, four direct tripwires are evaluated every
// tick: loop detection, retry churn, an optional cost/token budget, and an
// emergency fuse that always aborts regardless of mode.
package governor

import (
	"strings"
	"sync"
	"time"

	"github.com/phrazzld/agentrund/internal/model"
)

// Mode controls whether a crossed budget produces an abort, a warning, or
// nothing at all.
type Mode string

const (
	ModeObserve Mode = "observe"
	ModeWarn    Mode = "warn"
	ModeEnforce Mode = "enforce"
)

// BandConfig is the threshold and strike budget for one elapsed-time tier.
type BandConfig struct {
	Threshold    float64
	StrikeBudget int
}

// Config parameterizes one Governor instance.
type Config struct {
	Mode           Mode
	Bands          map[model.GovernorBand]BandConfig
	Alpha          float64 // EWMA smoothing factor for the rolling score.
	LoopThreshold  int     // consecutive identical tool signatures => loop.
	ChurnThreshold int     // identical failed tool calls => retry churn.
	CostBudgetUSD  float64 // 0 disables.
	TokenBudget    int64   // 0 disables.
	EmergencyFuse  time.Duration
}

// DefaultConfig returns a conservative default band table.
func DefaultConfig() Config {
	return Config{
		Mode:  ModeEnforce,
		Alpha: 0.7,
		Bands: map[model.GovernorBand]BandConfig{
			model.BandEarly:    {Threshold: 0.2, StrikeBudget: 6},
			model.BandMid:      {Threshold: 0.35, StrikeBudget: 4},
			model.BandLate:     {Threshold: 0.5, StrikeBudget: 3},
			model.BandOvertime: {Threshold: 0.65, StrikeBudget: 2},
		},
		LoopThreshold:  5,
		ChurnThreshold: 3,
		EmergencyFuse:  4 * time.Hour,
	}
}

// Action is the per-tick verdict: continue, warn, or abort.
type Action string

const (
	ActionContinue Action = "continue"
	ActionWarn     Action = "warn"
	ActionAbort    Action = "abort"
)

// Accumulator is an EWMA smoother: P_{t+1} = alpha*P_t + (1-alpha)*A_t,
// used as the Governor's rolling-score smoother.
type Accumulator struct {
	mu    sync.Mutex
	alpha float64
	value float64
}

// NewAccumulator creates an Accumulator. alpha must be in [0,1].
func NewAccumulator(alpha float64) *Accumulator {
	if alpha < 0.0 || alpha > 1.0 {
		panic("governor: alpha must be in [0.0, 1.0]")
	}
	return &Accumulator{alpha: alpha}
}

// Update applies one EWMA step and returns the new value.
func (a *Accumulator) Update(instant float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = a.alpha*a.value + (1.0-a.alpha)*instant
	return a.value
}

// Value returns the current smoothed value without updating it.
func (a *Accumulator) Value() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value
}

var verificationPatterns = []string{"test", "lint", "typecheck", "type-check", "build", "vet"}

// Governor tracks one run's activity and renders a per-tick verdict.
type Governor struct {
	mu sync.Mutex

	cfg       Config
	startedAt time.Time
	score     *Accumulator

	strikes int

	lastSignature    string
	repeatCount      int
	failedSignatures map[string]int

	toolsSinceTick      int
	novelSinceTick      map[string]struct{}
	verificationSeen    bool
	assistantCharsSince int
	lastActivityAt      time.Time

	costUSD float64
	tokens  int64

	aborted bool
}

// New creates a Governor for one run, started at the given time.
func New(cfg Config, startedAt time.Time) *Governor {
	return &Governor{
		cfg:              cfg,
		startedAt:        startedAt,
		score:            NewAccumulator(cfg.Alpha),
		failedSignatures: map[string]int{},
		novelSinceTick:   map[string]struct{}{},
		lastActivityAt:   startedAt,
	}
}

// toolSignature derives a simple repeatable signature for loop/churn
// detection. Kept deliberately simple: tool name plus a coarse argument
// hash the caller may pack into Action (e.g. "grep:pattern=foo").
func toolSignature(marker model.ProgressMarker) string {
	if marker.ToolName == "" {
		return marker.Action
	}
	return marker.ToolName + ":" + marker.Action
}

// Observe applies one progress marker to the rolling signal accumulators.
// failed indicates the marker was a tool_end with isError=true.
func (g *Governor) Observe(marker model.ProgressMarker, failed bool, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastActivityAt = now

	switch marker.Kind {
	case model.MarkerToolStart, model.MarkerToolEnd:
		g.toolsSinceTick++
		sig := toolSignature(marker)
		g.novelSinceTick[sig] = struct{}{}

		if sig == g.lastSignature {
			g.repeatCount++
		} else {
			g.repeatCount = 1
			g.lastSignature = sig
		}

		for _, p := range verificationPatterns {
			if strings.Contains(strings.ToLower(marker.ToolName), p) {
				g.verificationSeen = true
			}
		}

		if failed {
			g.failedSignatures[sig]++
		} else {
			delete(g.failedSignatures, sig)
		}

	case model.MarkerAssistant:
		g.assistantCharsSince += len(marker.Action)
	}
}

// RecordUsage accumulates cost/token totals for the optional budget
// tripwire.
func (g *Governor) RecordUsage(costUSD float64, tokens int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.costUSD += costUSD
	g.tokens += tokens
}

// Tick renders the per-tick verdict and resets the since-last-tick
// counters. Must be called on a fixed interval by the delegation runner's
// watchdog.
func (g *Governor) Tick(now time.Time) (Action, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	elapsed := now.Sub(g.startedAt)

	// Emergency fuse: always aborts, independent of mode.
	if g.cfg.EmergencyFuse > 0 && elapsed >= g.cfg.EmergencyFuse {
		g.aborted = true
		return ActionAbort, "emergency_fuse"
	}

	// Direct tripwires, evaluated independently of the rolling score.
	if g.cfg.LoopThreshold > 0 && g.repeatCount >= g.cfg.LoopThreshold {
		return g.gate("loop_detected")
	}
	for _, n := range g.failedSignatures {
		if n >= g.cfg.ChurnThreshold {
			return g.gate("retry_churn")
		}
	}
	if g.cfg.CostBudgetUSD > 0 && g.costUSD >= g.cfg.CostBudgetUSD {
		return g.gate("cost_budget_exceeded")
	}
	if g.cfg.TokenBudget > 0 && g.tokens >= g.cfg.TokenBudget {
		return g.gate("token_budget_exceeded")
	}

	band := elapsedBand(elapsed)
	bc, ok := g.cfg.Bands[band]
	if !ok {
		bc = BandConfig{Threshold: 0.5, StrikeBudget: 3}
	}

	instant := g.instantActivityLocked(now)
	smoothed := g.score.Update(instant)

	if smoothed < bc.Threshold {
		g.strikes++
	} else if g.strikes > 0 {
		g.strikes--
	}

	g.resetTickWindowLocked()

	if g.strikes > bc.StrikeBudget {
		return g.gate("low_progress")
	}
	return ActionContinue, ""
}

// gate applies the configured Mode to a tripped condition.
func (g *Governor) gate(reason string) (Action, string) {
	switch g.cfg.Mode {
	case ModeEnforce:
		g.aborted = true
		return ActionAbort, reason
	case ModeWarn:
		return ActionWarn, reason
	default: // ModeObserve
		return ActionContinue, reason
	}
}

// instantActivityLocked derives A_t in [0,1] from the since-last-tick
// counters: novelty ratio, assistant volume, a verification bonus, an idle
// penalty. Caller holds mu.
func (g *Governor) instantActivityLocked(now time.Time) float64 {
	if g.toolsSinceTick == 0 && g.assistantCharsSince == 0 {
		idle := now.Sub(g.lastActivityAt)
		if idle > 2*time.Minute {
			return 0.0
		}
		return 0.4
	}

	novelty := 0.0
	if g.toolsSinceTick > 0 {
		novelty = float64(len(g.novelSinceTick)) / float64(g.toolsSinceTick)
	}

	volume := float64(g.assistantCharsSince) / 2000.0
	if volume > 1.0 {
		volume = 1.0
	}

	activity := 0.6*novelty + 0.4*volume
	if g.verificationSeen {
		activity += 0.2
	}
	if activity > 1.0 {
		activity = 1.0
	}
	return activity
}

func (g *Governor) resetTickWindowLocked() {
	g.toolsSinceTick = 0
	g.novelSinceTick = map[string]struct{}{}
	g.verificationSeen = false
	g.assistantCharsSince = 0
}

// Summary returns the terminal GovernorSummary attached to the run's
// result for observability.
func (g *Governor) Summary(now time.Time) model.GovernorScore {
	g.mu.Lock()
	defer g.mu.Unlock()
	band := elapsedBand(now.Sub(g.startedAt))
	bc := g.cfg.Bands[band]
	return model.GovernorScore{
		Score:     g.score.Value(),
		Threshold: bc.Threshold,
		Strikes:   g.strikes,
		Band:      band,
	}
}

func elapsedBand(elapsed time.Duration) model.GovernorBand {
	switch {
	case elapsed < 5*time.Minute:
		return model.BandEarly
	case elapsed < 15*time.Minute:
		return model.BandMid
	case elapsed < 45*time.Minute:
		return model.BandLate
	default:
		return model.BandOvertime
	}
}
