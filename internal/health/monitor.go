// Package health implements the health monitor: a per-child classifier of
// progress derived from fingerprint deltas and tool-phase timing.
//
// Classification bands:
//
//	healthy  — now-lastMeaningfulProgressAt < WarnNoProgress.
//	slow     — past WarnNoProgress, below the abort thresholds.
//	stalled  — past AbortNoProgress (no tool open), AbortQuickTool (a
//	           short-latency tool open), or AbortActiveTool (a long-running
//	           tool open).
//	wedged   — stalled, with an unchanged fingerprint across >= WedgedTicks
//	           consecutive watchdog ticks, and stuck in the same tool phase.
//
// Monotonicity: LastEventAt never decreases; markers are applied in arrival
// order by the caller (the delegation runner feeds them in stdout order).
// Health-originated aborts are cooperative: Tick returns a string the caller
// attributes to abortOrigin=health; nothing here terminates a process.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/phrazzld/agentrund/internal/model"
)

// Config parameterizes the classification thresholds. These are
// deliberately not hardcoded: callers should tune them per deployment and
// tests should exercise the boundaries explicitly rather than assume
// defaults.
type Config struct {
	WarnNoProgress   time.Duration
	AbortNoProgress  time.Duration
	AbortQuickTool   time.Duration
	AbortActiveTool  time.Duration
	ShortToolLatency time.Duration
	WedgedTicks      int
	AbortEnabled     bool
}

// DefaultConfig returns conservative, named thresholds suitable as a
// starting point for an operator's own tuning.
func DefaultConfig() Config {
	return Config{
		WarnNoProgress:   2 * time.Minute,
		AbortNoProgress:  10 * time.Minute,
		AbortQuickTool:   90 * time.Second,
		AbortActiveTool:  5 * time.Minute,
		ShortToolLatency: 30 * time.Second,
		WedgedTicks:      3,
		AbortEnabled:     true,
	}
}

// Monitor tracks one child's health snapshot across its lifetime.
type Monitor struct {
	mu  sync.Mutex
	cfg Config

	snapshot model.HealthSnapshot

	openTool      string
	openToolSince time.Time

	consecutiveStalledSameFingerprint int
	lastFingerprintAtTick             string
}

// New creates a Monitor for one run/agent pair, initialised healthy.
func New(runID, agent string, cfg Config) *Monitor {
	now := time.Now()
	return &Monitor{
		cfg: cfg,
		snapshot: model.HealthSnapshot{
			RunID:                    runID,
			Agent:                    agent,
			Ts:                       now,
			LastEventAt:              now,
			LastMeaningfulProgressAt: now,
			Classification:           model.ClassHealthy,
		},
	}
}

// OnMarker applies one parsed progress marker. Must be called in stdout
// arrival order; lastEventAt is monotonically non-decreasing as a result.
func (m *Monitor) OnMarker(marker model.ProgressMarker, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if at.Before(m.snapshot.LastEventAt) {
		at = m.snapshot.LastEventAt
	}
	m.snapshot.LastEventAt = at
	m.snapshot.LastAction = marker.Action

	switch marker.Kind {
	case model.MarkerToolStart:
		m.snapshot.ToolCalls++
		m.openTool = marker.ToolName
		m.openToolSince = at
	case model.MarkerToolEnd:
		if m.openTool == marker.ToolName {
			m.openTool = ""
		}
	case model.MarkerAssistant:
		m.snapshot.Turns++
		m.snapshot.AssistantChars += len(marker.Action)
	}

	if marker.IsMeaningful() && marker.Fingerprint != "" && marker.Fingerprint != m.snapshot.ProgressFingerprint {
		m.snapshot.ProgressFingerprint = marker.Fingerprint
		m.snapshot.LastMeaningfulProgressAt = at
		m.consecutiveStalledSameFingerprint = 0
	}
}

// classifyLocked recomputes the classification given now. Caller holds mu.
func (m *Monitor) classifyLocked(now time.Time) model.Classification {
	idle := now.Sub(m.snapshot.LastMeaningfulProgressAt)

	if idle < m.cfg.WarnNoProgress {
		return model.ClassHealthy
	}

	stalled := false
	switch {
	case m.openTool == "":
		stalled = idle >= m.cfg.AbortNoProgress
	case now.Sub(m.openToolSince) < m.cfg.ShortToolLatency:
		stalled = idle >= m.cfg.AbortQuickTool
	default:
		stalled = idle >= m.cfg.AbortActiveTool
	}

	if !stalled {
		return model.ClassSlow
	}

	if m.consecutiveStalledSameFingerprint >= m.cfg.WedgedTicks {
		return model.ClassWedged
	}
	return model.ClassStalled
}

// Tick is invoked by the delegation runner's watchdog at a fixed interval.
// It recomputes the classification, updates the snapshot, and — unless
// AbortEnabled is false (warn-only mode) — returns an abort message of the
// form "stall:<classification>:<detail>" once the classification reaches
// stalled or wedged. Returns ("", false) otherwise.
func (m *Monitor) Tick(now time.Time) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshot.Ts = now
	class := m.classifyLocked(now)

	if class == model.ClassStalled || class == model.ClassWedged {
		if m.snapshot.ProgressFingerprint == m.lastFingerprintAtTick {
			m.consecutiveStalledSameFingerprint++
		} else {
			m.consecutiveStalledSameFingerprint = 1
		}
	} else {
		m.consecutiveStalledSameFingerprint = 0
	}
	m.lastFingerprintAtTick = m.snapshot.ProgressFingerprint
	// Reclassify with this tick counted, so the tick that reaches
	// WedgedTicks reports wedged.
	class = m.classifyLocked(now)
	m.snapshot.Classification = class

	if !m.cfg.AbortEnabled {
		return "", false
	}
	if class != model.ClassStalled && class != model.ClassWedged {
		return "", false
	}

	detail := "no-progress"
	if m.openTool != "" {
		detail = fmt.Sprintf("tool=%s", m.openTool)
	}
	return fmt.Sprintf("stall:%s:%s", class, detail), true
}

// Snapshot returns a copy of the current health snapshot, recomputing the
// classification against the given time without mutating tick counters.
func (m *Monitor) Snapshot(now time.Time) model.HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot
	snap.Ts = now
	snap.Classification = m.classifyLocked(now)
	return snap
}
