// Package admission implements the persistent admission state and the
// admission controller: a fail-closed gate granting and releasing run and
// slot leases, and tripping/healing a circuit breaker.
//
// Every decision is a read-modify-write of one on-disk document under an
// exclusive lock, so co-resident launcher processes see a single fleet-wide
// view of in-flight capacity.
package admission

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/phrazzld/agentrund/internal/eventlog"
	"github.com/phrazzld/agentrund/internal/model"
)

// PressureReader supplies the host-pressure snapshot consumed by the
// pressure guard.
type PressureReader interface {
	CurrentPressure() (model.PressureSnapshot, bool)
}

// Metrics is the subset of Prometheus instrumentation the controller
// updates. Kept as a small interface (rather than a concrete dependency on
// the observability package's type) so admission has no import-time
// coupling to how metrics are registered.
type Metrics interface {
	ObserveRunAllowed()
	ObserveRunDenied(code string)
	ObserveSlotAllowed()
	ObserveSlotDenied(code string)
	ObserveCircuitOpen(reason string)
	ObserveCircuitClosed()
	SetActiveRuns(n int)
	SetActiveSlots(n int)
	SetMaxGap(n int64)
}

// Config parameterizes one Controller.
type Config struct {
	StatePath    string
	DedupDBPath  string // empty disables the crash-durable dedup cache.
	EventLogPath string
	MaxBytes     int64
	MaxBackups   int

	MaxInFlightRuns  int
	MaxInFlightSlots int
	MaxDepth         int
	RunLeaseTTL      time.Duration
	SlotLeaseTTL     time.Duration

	BreakerCooldown time.Duration
	GapThreshold    int64
	GapResetQuiet   time.Duration

	LockWait  time.Duration
	LockStale time.Duration
}

// DefaultConfig returns conservative defaults for every threshold.
func DefaultConfig(statePath string) Config {
	return Config{
		StatePath:        statePath,
		EventLogPath:     statePath + ".events.ndjson",
		MaxBytes:         10 << 20,
		MaxBackups:       5,
		MaxInFlightRuns:  8,
		MaxInFlightSlots: 32,
		MaxDepth:         3,
		RunLeaseTTL:      30 * time.Minute,
		SlotLeaseTTL:     20 * time.Minute,
		BreakerCooldown:  2 * time.Minute,
		GapThreshold:     50,
		GapResetQuiet:    5 * time.Minute,
		LockWait:         5 * time.Second,
		LockStale:        30 * time.Second,
	}
}

// Controller is the fleet-wide admission gate.
type Controller struct {
	cfg      Config
	store    *store
	dedup    *dedupCache
	pressure PressureReader
	events   *eventlog.Logger
	metrics  Metrics
	log      *zap.Logger
}

// New constructs a Controller. pressure, events, and metrics may be nil;
// metrics and events are observability-only and never gate admission
// decisions.
func New(cfg Config, pressure PressureReader, events *eventlog.Logger, metrics Metrics, log *zap.Logger) (*Controller, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		cfg:      cfg,
		store:    newStore(cfg.StatePath, cfg.LockWait, cfg.LockStale),
		pressure: pressure,
		events:   events,
		metrics:  metrics,
		log:      log,
	}
	if cfg.DedupDBPath != "" {
		d, err := openDedupCache(cfg.DedupDBPath)
		if err != nil {
			return nil, err
		}
		c.dedup = d
	}
	return c, nil
}

// Close releases the controller's own resources (dedup cache). The state
// file itself has no open handle between calls.
func (c *Controller) Close() error {
	if c.dedup != nil {
		return c.dedup.Close()
	}
	return nil
}

func (c *Controller) emit(kind eventlog.Kind, fields map[string]any) {
	if c.events != nil {
		c.events.Emit(kind, fields)
	}
}

// PreflightRequest is the input to PreflightRun.
type PreflightRequest struct {
	RunID                string
	IdempotencyKey       string
	Kind                 model.LeaseKind
	Depth                int
	RequestedParallelism int
}

// Grant is returned by every successful admission call.
type Grant struct {
	LeaseID string
	RunID   string
	Deduped bool
}

// pruneExpiredLocked removes run and slot leases whose TTL has passed; it
// does not touch the circuit. Caller holds the store lock (st is the
// in-place document being mutated).
func pruneExpiredLocked(st *model.AdmissionState, now time.Time) {
	for id, lease := range st.Runs {
		if lease.Expired(now) {
			delete(st.Runs, id)
		}
	}
	for id, slot := range st.Slots {
		if slot.Expired(now) {
			delete(st.Slots, id)
		}
	}
}

// maxGap returns the largest outstanding call/result gap across tracked
// tool kinds. Never negative: out-of-order results can drive an
// individual kind's gap negative but that is clamped to 0 for this
// fleet-wide figure (spec invariant 3: never crash on negative gaps).
func maxGap(counters map[model.ToolKind]model.CounterPair) int64 {
	var max int64
	for _, cp := range counters {
		g := cp.Gap()
		if g < 0 {
			g = 0
		}
		if g > max {
			max = g
		}
	}
	return max
}

// evaluateCircuitLocked runs the immediate-guard stack shared by
// PreflightRun and AcquireSlot: depth guard, pressure guard, counter
// decay, gap guard, and the open-circuit check. Returns a non-nil
// RejectError if any guard fires.
func (c *Controller) evaluateCircuitLocked(st *model.AdmissionState, now time.Time, depth int) *RejectError {
	if depth > c.cfg.MaxDepth {
		return reject(CodeDepthExceeded, fmt.Sprintf("depth %d exceeds max %d", depth, c.cfg.MaxDepth))
	}

	if c.pressure != nil {
		if snap, ok := c.pressure.CurrentPressure(); ok && snap.Severity == model.PressureCritical {
			c.openCircuitLocked(st, model.ReasonHostPressure, "host pressure critical", now)
			return rejectRetry(CodeCircuitOpenHostPressure, "host pressure critical", st.Circuit.CooldownUntil.Sub(now))
		}
	}

	gap := maxGap(st.Counters)
	if gap > c.cfg.GapThreshold && !st.CountersLastUpdatedAt.IsZero() &&
		now.Sub(st.CountersLastUpdatedAt) >= c.cfg.GapResetQuiet {
		st.Counters = map[model.ToolKind]model.CounterPair{}
		c.emit(eventlog.KindCounterReset, map[string]any{"previousGap": gap})
		gap = 0
	}

	if gap > c.cfg.GapThreshold {
		c.openCircuitLocked(st, model.ReasonCallResultGap, fmt.Sprintf("gap %d exceeds threshold %d", gap, c.cfg.GapThreshold), now)
		return reject(CodeCircuitOpenGap, fmt.Sprintf("call/result gap %d exceeds threshold %d", gap, c.cfg.GapThreshold))
	}

	if st.Circuit.Status == model.CircuitOpen {
		if now.Before(st.Circuit.CooldownUntil) {
			return rejectRetry(CodeCircuitOpen, string(*st.Circuit.Reason), st.Circuit.CooldownUntil.Sub(now))
		}
		// Cooldown elapsed: attempt to close unless the trigger still holds.
		if c.triggerStillHoldsLocked(st, now) {
			return rejectRetry(CodeCircuitOpen, string(*st.Circuit.Reason), c.cfg.BreakerCooldown)
		}
		c.closeCircuitLocked(st)
	}

	return nil
}

// triggerStillHoldsLocked re-checks whether the condition that opened the
// circuit is still true, used when cooldown has elapsed.
func (c *Controller) triggerStillHoldsLocked(st *model.AdmissionState, now time.Time) bool {
	if st.Circuit.Reason == nil {
		return false
	}
	switch *st.Circuit.Reason {
	case model.ReasonHostPressure:
		if c.pressure == nil {
			return false
		}
		snap, ok := c.pressure.CurrentPressure()
		return ok && snap.Severity == model.PressureCritical
	case model.ReasonCallResultGap:
		return maxGap(st.Counters) > c.cfg.GapThreshold
	default:
		return false
	}
}

func (c *Controller) openCircuitLocked(st *model.AdmissionState, reason model.CircuitReason, details string, now time.Time) {
	if st.Circuit.Status == model.CircuitOpen {
		return
	}
	r := reason
	st.Circuit = model.CircuitState{
		Status:        model.CircuitOpen,
		Reason:        &r,
		Details:       details,
		OpenedAt:      now,
		CooldownUntil: now.Add(c.cfg.BreakerCooldown),
		Trips:         st.Circuit.Trips + 1,
	}
	if c.metrics != nil {
		c.metrics.ObserveCircuitOpen(string(reason))
	}
	c.emit(eventlog.KindCircuitOpen, map[string]any{"reason": reason, "details": details})
	c.log.Warn("circuit opened", zap.String("reason", string(reason)), zap.String("details", details))
}

func (c *Controller) closeCircuitLocked(st *model.AdmissionState) {
	st.Circuit = model.CircuitState{Status: model.CircuitClosed, Trips: st.Circuit.Trips}
	if c.metrics != nil {
		c.metrics.ObserveCircuitClosed()
	}
	c.emit(eventlog.KindCircuitClosed, nil)
	c.log.Info("circuit closed")
}

// PreflightRun prunes expired leases, runs the immediate-guard stack, then
// either dedups onto an existing lease or allocates a fresh one.
func (c *Controller) PreflightRun(req PreflightRequest) (Grant, error) {
	var grant Grant
	now := time.Now()

	mutateErr := c.store.withLock(func(st *model.AdmissionState) error {
		pruneExpiredLocked(st, now)

		if rejErr := c.evaluateCircuitLocked(st, now, req.Depth); rejErr != nil {
			return rejErr
		}

		if existing, ok := c.findByIdempotencyKeyLocked(st, req.IdempotencyKey, req.RunID); ok {
			existing.ExpiresAt = now.Add(c.cfg.RunLeaseTTL)
			st.Runs[existing.LeaseID] = existing
			grant = Grant{LeaseID: existing.LeaseID, RunID: existing.RunID, Deduped: true}
			c.emit(eventlog.KindRunDeduped, map[string]any{"leaseId": existing.LeaseID, "runId": req.RunID})
			return nil
		}
		if c.dedup != nil {
			if leaseID, ok, err := c.dedup.lookup(req.IdempotencyKey, now); err == nil && ok {
				if existing, present := st.Runs[leaseID]; present {
					existing.ExpiresAt = now.Add(c.cfg.RunLeaseTTL)
					st.Runs[leaseID] = existing
					grant = Grant{LeaseID: leaseID, RunID: existing.RunID, Deduped: true}
					c.emit(eventlog.KindRunDeduped, map[string]any{"leaseId": leaseID, "runId": req.RunID, "source": "dedupCache"})
					return nil
				}
			}
		}

		if len(st.Runs) >= c.cfg.MaxInFlightRuns {
			return reject(CodeRunCapReached, fmt.Sprintf("%d runs already in flight", len(st.Runs)))
		}
		if req.RequestedParallelism > c.cfg.MaxInFlightSlots {
			return reject(CodeSlotCapReached, fmt.Sprintf("requested parallelism %d exceeds slot cap %d", req.RequestedParallelism, c.cfg.MaxInFlightSlots))
		}

		lease := model.RunLease{
			LeaseID:              uuid.NewString(),
			RunID:                req.RunID,
			IdempotencyKey:       req.IdempotencyKey,
			Kind:                 req.Kind,
			Depth:                req.Depth,
			RequestedParallelism: req.RequestedParallelism,
			CreatedAt:            now,
			ExpiresAt:            now.Add(c.cfg.RunLeaseTTL),
		}
		st.Runs[lease.LeaseID] = lease
		grant = Grant{LeaseID: lease.LeaseID, RunID: lease.RunID}

		if c.dedup != nil {
			_ = c.dedup.put(req.IdempotencyKey, lease.LeaseID, lease.ExpiresAt)
			if _, err := c.dedup.maybePrune(now, c.cfg.RunLeaseTTL); err != nil {
				c.log.Warn("dedup cache prune failed", zap.Error(err))
			}
		}
		return nil
	})

	if mutateErr != nil {
		return c.failPreflight(req, mutateErr)
	}

	if c.metrics != nil {
		c.metrics.ObserveRunAllowed()
	}
	if !grant.Deduped {
		c.emit(eventlog.KindRunAllowed, map[string]any{"leaseId": grant.LeaseID, "runId": req.RunID, "kind": req.Kind})
	}
	return grant, nil
}

func (c *Controller) failPreflight(req PreflightRequest, err error) (Grant, error) {
	rejErr, ok := err.(*RejectError)
	if !ok {
		rejErr = reject(CodeStateError, err.Error())
		c.emit(eventlog.KindStateError, map[string]any{"op": "preflight_run", "error": err.Error()})
	}
	if c.metrics != nil {
		c.metrics.ObserveRunDenied(string(rejErr.Code))
	}
	c.emit(eventlog.KindRunDenied, map[string]any{"code": rejErr.Code, "reason": rejErr.Reason, "runId": req.RunID})
	return Grant{}, rejErr
}

// findByIdempotencyKeyLocked scans the in-memory runs for a matching key or
// runId. Linear scan is acceptable: MaxInFlightRuns bounds this fleet-wide.
func (c *Controller) findByIdempotencyKeyLocked(st *model.AdmissionState, key, runID string) (model.RunLease, bool) {
	for _, lease := range st.Runs {
		if lease.IdempotencyKey == key || lease.RunID == runID {
			return lease, true
		}
	}
	return model.RunLease{}, false
}

// EndRun releases a RunLease. status is accepted for symmetry with the
// spec's contract but does not otherwise affect admission bookkeeping.
func (c *Controller) EndRun(grant Grant, status model.RunStatus) error {
	err := c.store.withLock(func(st *model.AdmissionState) error {
		delete(st.Runs, grant.LeaseID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("admission: end run: %w", err)
	}
	c.emit(eventlog.KindRunEnd, map[string]any{"leaseId": grant.LeaseID, "runId": grant.RunID, "status": status})
	return nil
}

// AcquireSlotRequest is the input to AcquireSlot.
type AcquireSlotRequest struct {
	RunID string
	Depth int
	Agent string
}

// AcquireSlot runs the same immediate-guard stack as PreflightRun, then
// enforces the slot cap and refreshes the parent RunLease's expiry.
func (c *Controller) AcquireSlot(req AcquireSlotRequest) (Grant, error) {
	var grant Grant
	now := time.Now()

	mutateErr := c.store.withLock(func(st *model.AdmissionState) error {
		pruneExpiredLocked(st, now)

		if rejErr := c.evaluateCircuitLocked(st, now, req.Depth); rejErr != nil {
			return rejErr
		}

		if len(st.Slots) >= c.cfg.MaxInFlightSlots {
			return reject(CodeSlotCapReached, fmt.Sprintf("%d slots already in flight", len(st.Slots)))
		}

		for id, run := range st.Runs {
			if run.RunID == req.RunID {
				run.ExpiresAt = now.Add(c.cfg.RunLeaseTTL)
				st.Runs[id] = run
				break
			}
		}

		slot := model.SlotLease{
			LeaseID:   uuid.NewString(),
			RunID:     req.RunID,
			Depth:     req.Depth,
			Agent:     req.Agent,
			CreatedAt: now,
			ExpiresAt: now.Add(c.cfg.SlotLeaseTTL),
		}
		st.Slots[slot.LeaseID] = slot
		grant = Grant{LeaseID: slot.LeaseID, RunID: req.RunID}
		return nil
	})

	if mutateErr != nil {
		rejErr, ok := mutateErr.(*RejectError)
		if !ok {
			rejErr = reject(CodeStateError, mutateErr.Error())
			c.emit(eventlog.KindStateError, map[string]any{"op": "acquire_slot", "error": mutateErr.Error()})
		}
		if c.metrics != nil {
			c.metrics.ObserveSlotDenied(string(rejErr.Code))
		}
		c.emit(eventlog.KindSlotDenied, map[string]any{"code": rejErr.Code, "runId": req.RunID, "agent": req.Agent})
		return Grant{}, rejErr
	}

	if c.metrics != nil {
		c.metrics.ObserveSlotAllowed()
	}
	c.emit(eventlog.KindSlotAllowed, map[string]any{"leaseId": grant.LeaseID, "runId": req.RunID, "agent": req.Agent})
	return grant, nil
}

// ReleaseSlot releases a SlotLease.
func (c *Controller) ReleaseSlot(grant Grant, status model.RunStatus) error {
	err := c.store.withLock(func(st *model.AdmissionState) error {
		delete(st.Slots, grant.LeaseID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("admission: release slot: %w", err)
	}
	c.emit(eventlog.KindSlotRelease, map[string]any{"leaseId": grant.LeaseID, "status": status})
	return nil
}

// CallerMaster is the caller identity of a top-level session. The team and
// pipeline entry points are callable only with this identity; delegated
// children may only use the subagent tool.
const CallerMaster = "master"

// EvaluateToolGate is invoked before any delegate-spawning tool call. It
// rejects before a child is ever spawned: the depth guard applies to every
// kind, and the team/pipeline entry points are additionally master-only.
func (c *Controller) EvaluateToolGate(kind model.ToolKind, depth int, caller string) error {
	if kind != model.ToolKindSubagent && caller != CallerMaster {
		c.emit(eventlog.KindToolGateDenied, map[string]any{"kind": kind, "caller": caller, "reason": "master_only"})
		return fmt.Errorf("admission: %s tool is master-only, refused for delegated caller %q", kind, caller)
	}
	if depth > c.cfg.MaxDepth {
		err := reject(CodeDepthExceeded, fmt.Sprintf("depth %d exceeds max %d", depth, c.cfg.MaxDepth))
		c.emit(eventlog.KindToolGateDenied, map[string]any{"code": err.Code, "depth": depth})
		return err
	}
	return nil
}

// RecordToolCall increments the call counter for kind and trips the
// circuit immediately if the new gap crosses the threshold; the guard is
// also re-evaluated lazily at preflight/acquire time, with the counters as
// the single source of truth.
func (c *Controller) RecordToolCall(kind model.ToolKind) error {
	now := time.Now()
	return c.store.withLock(func(st *model.AdmissionState) error {
		cp := st.Counters[kind]
		cp.Calls++
		st.Counters[kind] = cp
		st.CountersLastUpdatedAt = now
		if c.metrics != nil {
			c.metrics.SetMaxGap(maxGap(st.Counters))
		}
		c.emit(eventlog.KindCounterCall, map[string]any{"kind": kind})
		if gap := maxGap(st.Counters); gap > c.cfg.GapThreshold {
			c.openCircuitLocked(st, model.ReasonCallResultGap, fmt.Sprintf("gap %d exceeds threshold %d", gap, c.cfg.GapThreshold), now)
		}
		return nil
	})
}

// RecordToolResult increments the result counter for kind. Out-of-order
// results (result before call, across processes) never drive the counter
// negative in the fleet-wide gap computation (see maxGap). May close the
// circuit immediately if the gap that opened it has since closed and the
// cooldown has elapsed.
func (c *Controller) RecordToolResult(kind model.ToolKind) error {
	now := time.Now()
	return c.store.withLock(func(st *model.AdmissionState) error {
		cp := st.Counters[kind]
		cp.Results++
		st.Counters[kind] = cp
		if c.metrics != nil {
			c.metrics.SetMaxGap(maxGap(st.Counters))
		}
		c.emit(eventlog.KindCounterResult, map[string]any{"kind": kind})
		if st.Circuit.Status == model.CircuitOpen && !now.Before(st.Circuit.CooldownUntil) && !c.triggerStillHoldsLocked(st, now) {
			c.closeCircuitLocked(st)
		}
		return nil
	})
}

// Status is the read-only view returned by GetStatus.
type Status struct {
	Now         time.Time
	ActiveRuns  int
	ActiveSlots int
	MaxGap      int64
	Circuit     model.CircuitState
	Pressure    *model.PressureSnapshot
}

// GetStatus returns a consistent snapshot of admission state.
func (c *Controller) GetStatus() (Status, error) {
	var s Status
	now := time.Now()
	err := c.store.withLockRead(func(st model.AdmissionState) error {
		s = Status{
			Now:         now,
			ActiveRuns:  len(st.Runs),
			ActiveSlots: len(st.Slots),
			MaxGap:      maxGap(st.Counters),
			Circuit:     st.Circuit,
		}
		return nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("admission: get status: %w", err)
	}
	if c.pressure != nil {
		if snap, ok := c.pressure.CurrentPressure(); ok {
			s.Pressure = &snap
		}
	}
	if c.metrics != nil {
		c.metrics.SetActiveRuns(s.ActiveRuns)
		c.metrics.SetActiveSlots(s.ActiveSlots)
	}
	return s, nil
}

// GetPolicy returns the controller's configured thresholds, for display by
// the operator control plane.
func (c *Controller) GetPolicy() Config {
	return c.cfg
}

// ManualCloseCircuit closes the circuit regardless of its trigger, tagged
// with reason=manual. Exposed to the operator control plane only.
func (c *Controller) ManualCloseCircuit() error {
	return c.store.withLock(func(st *model.AdmissionState) error {
		c.closeCircuitLocked(st)
		r := model.ReasonManual
		st.Circuit.Reason = &r
		return nil
	})
}

// ListRuns returns every currently held RunLease, for display by the
// operator control plane's ListRuns call.
func (c *Controller) ListRuns() ([]model.RunLease, error) {
	var runs []model.RunLease
	err := c.store.withLockRead(func(st model.AdmissionState) error {
		runs = make([]model.RunLease, 0, len(st.Runs))
		for _, r := range st.Runs {
			runs = append(runs, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("admission: list runs: %w", err)
	}
	return runs, nil
}
