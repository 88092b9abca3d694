package team

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/agentrund/internal/admission"
	"github.com/phrazzld/agentrund/internal/model"
)

type fakeResolver struct {
	teams  map[string][]string
	agents map[string]Member
}

func (f *fakeResolver) ResolveTeam(name string) ([]string, error) {
	members, ok := f.teams[name]
	if !ok {
		return nil, nil
	}
	return members, nil
}

func (f *fakeResolver) DiscoverAgents(scope string) (map[string]Member, error) {
	return f.agents, nil
}

type fakeInvoker struct {
	result func(req InvokeRequest) model.AgentRunResult
}

func (f *fakeInvoker) Invoke(ctx context.Context, req InvokeRequest) model.AgentRunResult {
	return f.result(req)
}

func newTestExecutor(t *testing.T, resolver Resolver, invoker Invoker, maxConcurrency int) *Executor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "admission.json")
	cfg := admission.Config{
		StatePath:        path,
		MaxInFlightRuns:  100,
		MaxInFlightSlots: 100,
		MaxDepth:         10,
		RunLeaseTTL:      time.Minute,
		SlotLeaseTTL:     time.Minute,
		BreakerCooldown:  50 * time.Millisecond,
		GapThreshold:     5,
		GapResetQuiet:    time.Hour,
		LockWait:         time.Second,
		LockStale:        10 * time.Second,
	}
	adm, err := admission.New(cfg, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("admission.New: %v", err)
	}
	t.Cleanup(func() { _ = adm.Close(); os.Remove(path) })
	return New(Config{MaxConcurrency: maxConcurrency}, adm, resolver, invoker, nil, nil)
}

func TestExecute_UnknownTeamRejected(t *testing.T) {
	resolver := &fakeResolver{teams: map[string][]string{}, agents: map[string]Member{}}
	invoker := &fakeInvoker{result: func(req InvokeRequest) model.AgentRunResult { return model.AgentRunResult{Status: model.RunStatusOK} }}
	exec := newTestExecutor(t, resolver, invoker, 4)

	_, err := exec.Execute(context.Background(), Request{Team: "ghost", Goal: "g", Scope: "s", RunID: "r1"}, nil)
	if err == nil {
		t.Fatal("expected rejection for an unknown team")
	}
}

func TestExecute_UnknownAgentInScopeMarkedFailed(t *testing.T) {
	resolver := &fakeResolver{
		teams:  map[string][]string{"t1": {"alice", "ghost"}},
		agents: map[string]Member{"alice": {Name: "alice"}},
	}
	invoker := &fakeInvoker{result: func(req InvokeRequest) model.AgentRunResult {
		return model.AgentRunResult{Status: model.RunStatusOK, Output: "done:" + req.Agent}
	}}
	exec := newTestExecutor(t, resolver, invoker, 4)

	res, err := exec.Execute(context.Background(), Request{Team: "t1", Goal: "g", Scope: "s", RunID: "r1"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Results) != 2 {
		t.Fatalf("expected 2 result cards, got %d", len(res.Results))
	}
	if res.Results[1].Status != model.RunStatusFailed {
		t.Fatalf("expected the unknown member to be marked failed, got %+v", res.Results[1])
	}
	if res.Results[0].Status != model.RunStatusOK {
		t.Fatalf("expected alice to succeed, got %+v", res.Results[0])
	}
}

// Results must be returned in declaration order
// regardless of which member finishes its invocation first.
func TestExecute_ResultsPreserveDeclarationOrderRegardlessOfCompletion(t *testing.T) {
	resolver := &fakeResolver{
		teams: map[string][]string{"t1": {"slow", "fast"}},
		agents: map[string]Member{
			"slow": {Name: "slow"},
			"fast": {Name: "fast"},
		},
	}
	invoker := &fakeInvoker{result: func(req InvokeRequest) model.AgentRunResult {
		// "slow" sleeps so that "fast" completes first, exercising that
		// result ordering is by index, not completion order.
		if req.Agent == "slow" {
			time.Sleep(20 * time.Millisecond)
		}
		return model.AgentRunResult{Status: model.RunStatusOK, Output: req.Agent}
	}}
	exec := newTestExecutor(t, resolver, invoker, 4)

	res, err := exec.Execute(context.Background(), Request{Team: "t1", Goal: "g", Scope: "s", RunID: "r1"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Results) != 2 || res.Results[0].Output != "slow" || res.Results[1].Output != "fast" {
		t.Fatalf("expected order [slow fast], got %+v", res.Results)
	}
}

func TestExecute_AnyMemberFailedEndsRunFailed(t *testing.T) {
	resolver := &fakeResolver{
		teams: map[string][]string{"t1": {"a", "b"}},
		agents: map[string]Member{
			"a": {Name: "a"},
			"b": {Name: "b"},
		},
	}
	invoker := &fakeInvoker{result: func(req InvokeRequest) model.AgentRunResult {
		if req.Agent == "b" {
			return model.AgentRunResult{Status: model.RunStatusFailed, Error: "boom"}
		}
		return model.AgentRunResult{Status: model.RunStatusOK}
	}}
	exec := newTestExecutor(t, resolver, invoker, 4)

	res, err := exec.Execute(context.Background(), Request{Team: "t1", Goal: "g", Scope: "s", RunID: "r1"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	failedCount := 0
	for _, r := range res.Results {
		if r.Status == model.RunStatusFailed {
			failedCount++
		}
	}
	if failedCount != 1 {
		t.Fatalf("expected exactly 1 failed card, got %d", failedCount)
	}
}

func TestExecute_ConcurrencyRequestClampedToMax(t *testing.T) {
	resolver := &fakeResolver{
		teams:  map[string][]string{"t1": {"a"}},
		agents: map[string]Member{"a": {Name: "a"}},
	}
	invoker := &fakeInvoker{result: func(req InvokeRequest) model.AgentRunResult {
		return model.AgentRunResult{Status: model.RunStatusOK}
	}}
	exec := newTestExecutor(t, resolver, invoker, 2)

	_, err := exec.Execute(context.Background(), Request{Team: "t1", Goal: "g", Scope: "s", ConcurrencyRequest: 999, RunID: "r1"}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

// Every card transition (pending, running, terminal) reaches the dashboard
// callback, and the final update carries the terminal status.
func TestExecute_OnUpdateStreamsCardTransitions(t *testing.T) {
	resolver := &fakeResolver{
		teams:  map[string][]string{"t1": {"a"}},
		agents: map[string]Member{"a": {Name: "a"}},
	}
	invoker := &fakeInvoker{result: func(req InvokeRequest) model.AgentRunResult {
		return model.AgentRunResult{Status: model.RunStatusOK, Output: "done"}
	}}
	exec := newTestExecutor(t, resolver, invoker, 4)

	var mu sync.Mutex
	var seen []model.RunStatus
	_, err := exec.Execute(context.Background(), Request{Team: "t1", Goal: "g", Scope: "s", RunID: "r1"}, func(i int, card model.AgentRunResult) {
		mu.Lock()
		seen = append(seen, card.Status)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(seen) != 3 || seen[0] != model.RunStatusPending || seen[1] != model.RunStatusRunning || seen[2] != model.RunStatusOK {
		t.Fatalf("unexpected update sequence: %v", seen)
	}
}

// Same team/goal/scope but different requested parallelism must not
// collide on one idempotency key: each caller gets its own lease with its
// own granted parallelism.
func TestExecute_DistinctConcurrencyRequestsDoNotShareALease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admission.json")
	cfg := admission.Config{
		StatePath:        path,
		MaxInFlightRuns:  100,
		MaxInFlightSlots: 100,
		MaxDepth:         10,
		RunLeaseTTL:      time.Minute,
		SlotLeaseTTL:     time.Minute,
		BreakerCooldown:  50 * time.Millisecond,
		GapThreshold:     5,
		GapResetQuiet:    time.Hour,
		LockWait:         time.Second,
		LockStale:        10 * time.Second,
	}
	adm, err := admission.New(cfg, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("admission.New: %v", err)
	}
	t.Cleanup(func() { _ = adm.Close() })

	block := make(chan struct{})
	invoker := &fakeInvoker{result: func(req InvokeRequest) model.AgentRunResult {
		<-block
		return model.AgentRunResult{Status: model.RunStatusOK}
	}}
	resolver := &fakeResolver{
		teams:  map[string][]string{"t1": {"a"}},
		agents: map[string]Member{"a": {Name: "a"}},
	}
	exec := New(Config{MaxConcurrency: 8}, adm, resolver, invoker, nil, nil)

	var wg sync.WaitGroup
	for i, conc := range []int{1, 4} {
		wg.Add(1)
		runID := fmt.Sprintf("r%d", i)
		c := conc
		go func() {
			defer wg.Done()
			_, _ = exec.Execute(context.Background(), Request{Team: "t1", Goal: "g", Scope: "s", ConcurrencyRequest: c, RunID: runID}, nil)
		}()
	}

	// Both runs are now blocked inside their member invocation; poll until
	// admission has seen both preflights.
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, err := adm.GetStatus()
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if status.ActiveRuns == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 distinct run leases (no dedup across parallelism), got %d", status.ActiveRuns)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(block)
	wg.Wait()
}

// A per-run governor override reaches every member invocation untouched.
func TestExecute_GovernorOverridesReachInvoker(t *testing.T) {
	resolver := &fakeResolver{
		teams:  map[string][]string{"t1": {"a"}},
		agents: map[string]Member{"a": {Name: "a"}},
	}
	var seen *model.GovernorOverrides
	invoker := &fakeInvoker{result: func(req InvokeRequest) model.AgentRunResult {
		seen = req.Governor
		return model.AgentRunResult{Status: model.RunStatusOK}
	}}
	exec := newTestExecutor(t, resolver, invoker, 4)

	ov := &model.GovernorOverrides{Mode: "observe", CostBudgetUSD: 2.5}
	_, err := exec.Execute(context.Background(), Request{Team: "t1", Goal: "g", Scope: "s", RunID: "r1", Governor: ov}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if seen == nil || seen.Mode != "observe" || seen.CostBudgetUSD != 2.5 {
		t.Fatalf("governor overrides did not reach the invoker: %+v", seen)
	}
}
