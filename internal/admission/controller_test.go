package admission

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/phrazzld/agentrund/internal/model"
)

// fakePressure lets tests drive the pressure guard deterministically.
type fakePressure struct {
	snap model.PressureSnapshot
	ok   bool
}

func (f *fakePressure) CurrentPressure() (model.PressureSnapshot, bool) {
	return f.snap, f.ok
}

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	if cfg.StatePath == "" {
		cfg.StatePath = filepath.Join(t.TempDir(), "state.json")
	}
	if cfg.LockWait == 0 {
		cfg.LockWait = time.Second
	}
	if cfg.LockStale == 0 {
		cfg.LockStale = 10 * time.Second
	}
	c, err := New(cfg, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func baseConfig() Config {
	return Config{
		MaxInFlightRuns:  2,
		MaxInFlightSlots: 4,
		MaxDepth:         3,
		RunLeaseTTL:      time.Minute,
		SlotLeaseTTL:     time.Minute,
		BreakerCooldown:  50 * time.Millisecond,
		GapThreshold:     5,
		GapResetQuiet:    time.Hour,
	}
}

// Depth <= maxDepth is never rejected with DEPTH_EXCEEDED; depth >
// maxDepth always rejected with it.
func TestPreflightRun_DepthGuard(t *testing.T) {
	c := newTestController(t, baseConfig())

	if _, err := c.PreflightRun(PreflightRequest{RunID: "r1", IdempotencyKey: "k1", Depth: 3, RequestedParallelism: 1}); err != nil {
		t.Fatalf("depth==maxDepth should be allowed: %v", err)
	}

	_, err := c.PreflightRun(PreflightRequest{RunID: "r2", IdempotencyKey: "k2", Depth: 4, RequestedParallelism: 1})
	if err == nil {
		t.Fatal("expected rejection for depth > maxDepth")
	}
	rejErr, ok := err.(*RejectError)
	if !ok || rejErr.Code != CodeDepthExceeded {
		t.Fatalf("expected CodeDepthExceeded, got %#v", err)
	}
}

// Two preflights with identical idempotencyKey return the
// same leaseId (deduplication).
func TestPreflightRun_IdempotentDedup(t *testing.T) {
	c := newTestController(t, baseConfig())

	g1, err := c.PreflightRun(PreflightRequest{RunID: "r1", IdempotencyKey: "same-key", Depth: 0, RequestedParallelism: 1})
	if err != nil {
		t.Fatalf("first preflight: %v", err)
	}
	g2, err := c.PreflightRun(PreflightRequest{RunID: "r1-retry", IdempotencyKey: "same-key", Depth: 0, RequestedParallelism: 1})
	if err != nil {
		t.Fatalf("second preflight: %v", err)
	}
	if g1.LeaseID != g2.LeaseID {
		t.Fatalf("expected same leaseId, got %q and %q", g1.LeaseID, g2.LeaseID)
	}
	if !g2.Deduped {
		t.Fatal("second grant should be marked deduped")
	}

	status, err := c.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.ActiveRuns != 1 {
		t.Fatalf("expected exactly one RunLease after dedup, got %d", status.ActiveRuns)
	}
}

// Non-expired RunLeases never exceed maxInFlightRuns.
func TestPreflightRun_RunCapReached(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxInFlightRuns = 1
	c := newTestController(t, cfg)

	if _, err := c.PreflightRun(PreflightRequest{RunID: "r1", IdempotencyKey: "k1", RequestedParallelism: 1}); err != nil {
		t.Fatalf("first run should be admitted: %v", err)
	}
	_, err := c.PreflightRun(PreflightRequest{RunID: "r2", IdempotencyKey: "k2", RequestedParallelism: 1})
	if err == nil {
		t.Fatal("expected RUN_CAP_REACHED rejection")
	}
	if rejErr := err.(*RejectError); rejErr.Code != CodeRunCapReached {
		t.Fatalf("expected CodeRunCapReached, got %v", rejErr.Code)
	}
}

func TestPreflightRun_SlotCapReachedOnRequestedParallelism(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxInFlightSlots = 2
	c := newTestController(t, cfg)

	_, err := c.PreflightRun(PreflightRequest{RunID: "r1", IdempotencyKey: "k1", RequestedParallelism: 3})
	if err == nil {
		t.Fatal("expected SLOT_CAP_REACHED rejection")
	}
	if rejErr := err.(*RejectError); rejErr.Code != CodeSlotCapReached {
		t.Fatalf("expected CodeSlotCapReached, got %v", rejErr.Code)
	}
}

// Every successful preflight can be matched by EndRun, which
// removes the lease.
func TestEndRun_RemovesLease(t *testing.T) {
	c := newTestController(t, baseConfig())
	grant, err := c.PreflightRun(PreflightRequest{RunID: "r1", IdempotencyKey: "k1", RequestedParallelism: 1})
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if err := c.EndRun(grant, model.RunStatusOK); err != nil {
		t.Fatalf("EndRun: %v", err)
	}
	status, err := c.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.ActiveRuns != 0 {
		t.Fatalf("expected 0 active runs after EndRun, got %d", status.ActiveRuns)
	}
}

// Crashed-caller leases are pruned no later than their TTL (property 5's
// second clause).
func TestPreflightRun_ExpiredLeasePruned(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxInFlightRuns = 1
	cfg.RunLeaseTTL = 10 * time.Millisecond
	c := newTestController(t, cfg)

	if _, err := c.PreflightRun(PreflightRequest{RunID: "r1", IdempotencyKey: "k1", RequestedParallelism: 1}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	// A second run should now be admitted because the first lease's TTL
	// has elapsed and is pruned before the cap check.
	if _, err := c.PreflightRun(PreflightRequest{RunID: "r2", IdempotencyKey: "k2", RequestedParallelism: 1}); err != nil {
		t.Fatalf("expected admission after expiry, got rejection: %v", err)
	}
}

// The host-pressure circuit never closes while pressure stays
// critical; closes once pressure clears and cooldown elapses.
func TestPreflightRun_CircuitOpensOnHostPressureAndHeals(t *testing.T) {
	pr := &fakePressure{snap: model.PressureSnapshot{Severity: model.PressureCritical}, ok: true}
	cfg := baseConfig()
	cfg.BreakerCooldown = 20 * time.Millisecond
	c, err := New(cfg.withStatePath(t), pr, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.PreflightRun(PreflightRequest{RunID: "r1", IdempotencyKey: "k1", RequestedParallelism: 1})
	if err == nil {
		t.Fatal("expected rejection while pressure is critical")
	}
	rejErr := err.(*RejectError)
	if rejErr.Code != CodeCircuitOpenHostPressure {
		t.Fatalf("expected CIRCUIT_OPEN_HOST_PRESSURE, got %v", rejErr.Code)
	}
	if rejErr.RetryAfter <= 0 {
		t.Fatal("expected a positive retryAfter hint")
	}

	// Still critical: a retry after cooldown elapses must still be rejected.
	time.Sleep(30 * time.Millisecond)
	_, err = c.PreflightRun(PreflightRequest{RunID: "r2", IdempotencyKey: "k2", RequestedParallelism: 1})
	if err == nil {
		t.Fatal("circuit must not heal while pressure stays critical")
	}

	// Pressure clears: next evaluation after cooldown should succeed.
	pr.snap.Severity = model.PressureOK
	time.Sleep(30 * time.Millisecond)
	if _, err := c.PreflightRun(PreflightRequest{RunID: "r3", IdempotencyKey: "k3", RequestedParallelism: 1}); err != nil {
		t.Fatalf("expected admission once pressure clears and cooldown elapses: %v", err)
	}
}

// The depth guard rejects without mutating state.
func TestPreflightRun_DepthGuardDoesNotMutateState(t *testing.T) {
	c := newTestController(t, baseConfig())
	_, err := c.PreflightRun(PreflightRequest{RunID: "r1", IdempotencyKey: "k1", Depth: 99, RequestedParallelism: 1})
	if err == nil {
		t.Fatal("expected rejection")
	}
	status, err := c.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.ActiveRuns != 0 {
		t.Fatalf("depth guard rejection must not create a lease, got %d active runs", status.ActiveRuns)
	}
}

// Gap guard: recording calls without matching results beyond the threshold
// opens the circuit with reason call_result_gap.
func TestRecordToolCall_OpensCircuitOnGap(t *testing.T) {
	cfg := baseConfig()
	cfg.GapThreshold = 2
	c := newTestController(t, cfg)

	for i := 0; i < 3; i++ {
		if err := c.RecordToolCall(model.ToolKindSubagent); err != nil {
			t.Fatalf("RecordToolCall: %v", err)
		}
	}

	_, err := c.PreflightRun(PreflightRequest{RunID: "r1", IdempotencyKey: "k1", RequestedParallelism: 1})
	if err == nil {
		t.Fatal("expected rejection once gap exceeds threshold")
	}
	if rejErr := err.(*RejectError); rejErr.Code != CodeCircuitOpenGap && rejErr.Code != CodeCircuitOpen {
		t.Fatalf("expected a circuit-open rejection, got %v", rejErr.Code)
	}
}

// Recording results never drives the fleet-wide gap negative
// across an out-of-order call/result sequence, and never errors.
func TestRecordToolResult_NeverNegativeGap(t *testing.T) {
	c := newTestController(t, baseConfig())
	for i := 0; i < 5; i++ {
		if err := c.RecordToolResult(model.ToolKindTeam); err != nil {
			t.Fatalf("RecordToolResult (out of order): %v", err)
		}
	}
	// Must not have tripped the circuit or panicked; a subsequent preflight
	// should succeed normally.
	if _, err := c.PreflightRun(PreflightRequest{RunID: "r1", IdempotencyKey: "k1", RequestedParallelism: 1}); err != nil {
		t.Fatalf("unexpected rejection after out-of-order results: %v", err)
	}
}

// A counter gap over threshold trips the circuit when recorded; once the
// quiet period and the breaker cooldown have both elapsed, the gap is
// zeroed, the circuit heals, and the next preflight is admitted.
func TestPreflightRun_CounterQuietPeriodReset(t *testing.T) {
	cfg := baseConfig()
	cfg.GapThreshold = 1
	cfg.GapResetQuiet = 10 * time.Millisecond
	cfg.BreakerCooldown = 10 * time.Millisecond
	c := newTestController(t, cfg)

	if err := c.RecordToolCall(model.ToolKindTeam); err != nil {
		t.Fatalf("RecordToolCall: %v", err)
	}
	if err := c.RecordToolCall(model.ToolKindTeam); err != nil {
		t.Fatalf("RecordToolCall: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	// The quiet period and the cooldown have both elapsed since the last
	// counter update, so the gap is reset to zero, the call_result_gap
	// trigger no longer holds, the circuit closes, and this preflight is
	// admitted rather than rejected.
	if _, err := c.PreflightRun(PreflightRequest{RunID: "r1", IdempotencyKey: "k1", RequestedParallelism: 1}); err != nil {
		t.Fatalf("expected admission after quiet-period counter reset: %v", err)
	}
}

func TestAcquireSlot_SlotCapReached(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxInFlightSlots = 1
	c := newTestController(t, cfg)

	grant, err := c.PreflightRun(PreflightRequest{RunID: "r1", IdempotencyKey: "k1", RequestedParallelism: 1})
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if _, err := c.AcquireSlot(AcquireSlotRequest{RunID: grant.RunID, Depth: 1, Agent: "a"}); err != nil {
		t.Fatalf("first slot: %v", err)
	}
	_, err = c.AcquireSlot(AcquireSlotRequest{RunID: grant.RunID, Depth: 1, Agent: "b"})
	if err == nil {
		t.Fatal("expected SLOT_CAP_REACHED")
	}
	if rejErr := err.(*RejectError); rejErr.Code != CodeSlotCapReached {
		t.Fatalf("expected CodeSlotCapReached, got %v", rejErr.Code)
	}
}

func TestReleaseSlot_RemovesSlot(t *testing.T) {
	c := newTestController(t, baseConfig())
	grant, err := c.PreflightRun(PreflightRequest{RunID: "r1", IdempotencyKey: "k1", RequestedParallelism: 1})
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	slot, err := c.AcquireSlot(AcquireSlotRequest{RunID: grant.RunID, Depth: 1, Agent: "a"})
	if err != nil {
		t.Fatalf("acquire slot: %v", err)
	}
	if err := c.ReleaseSlot(slot, model.RunStatusOK); err != nil {
		t.Fatalf("release slot: %v", err)
	}
	status, err := c.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.ActiveSlots != 0 {
		t.Fatalf("expected 0 active slots, got %d", status.ActiveSlots)
	}
}

func TestEvaluateToolGate_DepthGuard(t *testing.T) {
	c := newTestController(t, baseConfig())
	if err := c.EvaluateToolGate(model.ToolKindSubagent, 3, "team:core"); err != nil {
		t.Fatalf("depth at cap should pass: %v", err)
	}
	err := c.EvaluateToolGate(model.ToolKindSubagent, 4, "team:core")
	if err == nil {
		t.Fatal("expected DEPTH_EXCEEDED")
	}
	if rejErr := err.(*RejectError); rejErr.Code != CodeDepthExceeded {
		t.Fatalf("expected CodeDepthExceeded, got %v", rejErr.Code)
	}
}

func TestEvaluateToolGate_TeamAndPipelineAreMasterOnly(t *testing.T) {
	c := newTestController(t, baseConfig())
	if err := c.EvaluateToolGate(model.ToolKindTeam, 0, CallerMaster); err != nil {
		t.Fatalf("master caller should pass the team gate: %v", err)
	}
	if err := c.EvaluateToolGate(model.ToolKindTeam, 1, "team:core"); err == nil {
		t.Fatal("delegated caller must be refused the team tool")
	}
	if err := c.EvaluateToolGate(model.ToolKindPipeline, 1, "pipeline:deploy"); err == nil {
		t.Fatal("delegated caller must be refused the pipeline tool")
	}
	// The subagent tool stays available to delegated callers (depth
	// permitting).
	if err := c.EvaluateToolGate(model.ToolKindSubagent, 1, "team:core"); err != nil {
		t.Fatalf("delegated caller should pass the subagent gate: %v", err)
	}
}

func TestManualCloseCircuit(t *testing.T) {
	pr := &fakePressure{snap: model.PressureSnapshot{Severity: model.PressureCritical}, ok: true}
	cfg := baseConfig()
	c, err := New(cfg.withStatePath(t), pr, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	_, _ = c.PreflightRun(PreflightRequest{RunID: "r1", IdempotencyKey: "k1", RequestedParallelism: 1})
	status, err := c.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Circuit.Status != model.CircuitOpen {
		t.Fatal("expected circuit to be open")
	}

	if err := c.ManualCloseCircuit(); err != nil {
		t.Fatalf("ManualCloseCircuit: %v", err)
	}
	status, err = c.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Circuit.Status != model.CircuitClosed {
		t.Fatal("expected circuit closed after manual override")
	}
}

// withStatePath is a small test helper so Config literals in this file
// don't all need to thread a TempDir by hand.
func (c Config) withStatePath(t *testing.T) Config {
	t.Helper()
	c.StatePath = filepath.Join(t.TempDir(), "state.json")
	if c.LockWait == 0 {
		c.LockWait = time.Second
	}
	if c.LockStale == 0 {
		c.LockStale = 10 * time.Second
	}
	return c
}
