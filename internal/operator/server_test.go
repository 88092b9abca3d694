package operator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/phrazzld/agentrund/internal/admission"
	"github.com/phrazzld/agentrund/internal/model"
)

type fakeProvider struct {
	status      admission.Status
	statusErr   error
	runs        []model.RunLease
	runsErr     error
	resetErr    error
	resetCalled bool
}

func (f *fakeProvider) GetStatus() (admission.Status, error) { return f.status, f.statusErr }
func (f *fakeProvider) GetPolicy() admission.Config          { return admission.Config{} }
func (f *fakeProvider) ListRuns() ([]model.RunLease, error)  { return f.runs, f.runsErr }
func (f *fakeProvider) ManualCloseCircuit() error {
	f.resetCalled = true
	return f.resetErr
}

func startTestServer(t *testing.T, provider StatusProvider) (*Client, func()) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "operator.sock")
	srv := NewServer(socketPath, provider, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	var client *Client
	var err error
	for i := 0; i < 50; i++ {
		dialCtx, dialCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		client, err = Dial(dialCtx, socketPath)
		dialCancel()
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		cancel()
		t.Fatalf("dial operator socket: %v", err)
	}

	return client, func() {
		client.Close()
		cancel()
		<-errCh
	}
}

func TestServer_GetStatus_RoundTrips(t *testing.T) {
	provider := &fakeProvider{status: admission.Status{
		ActiveRuns:  2,
		ActiveSlots: 3,
		MaxGap:      5,
		Circuit:     model.CircuitState{Status: model.CircuitClosed},
	}}
	client, stop := startTestServer(t, provider)
	defer stop()

	resp, err := client.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if resp.ActiveRuns != 2 || resp.ActiveSlots != 3 || resp.MaxGap != 5 {
		t.Fatalf("unexpected status: %+v", resp)
	}
}

func TestServer_GetStatus_PropagatesProviderError(t *testing.T) {
	provider := &fakeProvider{statusErr: errors.New("state file corrupt")}
	client, stop := startTestServer(t, provider)
	defer stop()

	if _, err := client.GetStatus(context.Background()); err == nil {
		t.Fatal("expected an error from GetStatus when the provider fails")
	}
}

func TestServer_ListRuns_ReturnsLeases(t *testing.T) {
	provider := &fakeProvider{runs: []model.RunLease{
		{LeaseID: "l1", RunID: "r1"},
		{LeaseID: "l2", RunID: "r2"},
	}}
	client, stop := startTestServer(t, provider)
	defer stop()

	resp, err := client.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(resp.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(resp.Runs))
	}
}

func TestServer_ResetCircuit_InvokesProvider(t *testing.T) {
	provider := &fakeProvider{}
	client, stop := startTestServer(t, provider)
	defer stop()

	resp, err := client.ResetCircuit(context.Background())
	if err != nil {
		t.Fatalf("ResetCircuit: %v", err)
	}
	if !resp.OK || !provider.resetCalled {
		t.Fatal("expected ResetCircuit to invoke ManualCloseCircuit and report ok")
	}
}

func TestServer_ExecuteTeam_UnimplementedWhenNotConfigured(t *testing.T) {
	provider := &fakeProvider{}
	socketPath := filepath.Join(t.TempDir(), "operator.sock")
	srv := NewServer(socketPath, provider, nil, nil, nil)

	_, err := srv.ExecuteTeam(context.Background(), &ExecuteTeamRequest{Team: "t1"})
	if err == nil {
		t.Fatal("expected Unimplemented when no TeamRunner is configured")
	}
}

func TestServer_ExecutePipeline_UnimplementedWhenNotConfigured(t *testing.T) {
	provider := &fakeProvider{}
	socketPath := filepath.Join(t.TempDir(), "operator.sock")
	srv := NewServer(socketPath, provider, nil, nil, nil)

	_, err := srv.ExecutePipeline(context.Background(), &ExecutePipelineRequest{Pipeline: "p1"})
	if err == nil {
		t.Fatal("expected Unimplemented when no PipelineRunner is configured")
	}
}
