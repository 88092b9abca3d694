// Package operator — server.go
//
// Local control plane for agentrund: a grpc service listening on a Unix
// domain socket, exposing GetStatus, ListRuns, and ResetCircuit to the
// operator CLI.
//
// Socket path: /run/agentrund/operator.sock (configurable).
// Permissions: 0600, owned by the daemon's user. Only local, same-host
// callers with filesystem access to the socket can connect — there is no
// network listener and no distributed membership of any kind.
//
// Wire format: grpc framing with a custom JSON codec (content-subtype
// "json") instead of protobuf — the service surface is small and stable
// enough that hand-written request/response structs read more plainly
// than generated protobuf message types, while still getting grpc's
// connection management, deadlines, and status-code semantics.
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled by grpc's own connection/goroutine model.
//   - Max concurrent streams bounded via grpc.MaxConcurrentStreams.
//   - ResetCircuit is logged; other calls are not.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/phrazzld/agentrund/internal/admission"
	"github.com/phrazzld/agentrund/internal/model"
	"github.com/phrazzld/agentrund/internal/pipeline"
	"github.com/phrazzld/agentrund/internal/team"
)

const (
	maxConcurrentStreams = 4
	codecName            = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements grpc/encoding.Codec over encoding/json, so the wire
// format is plain JSON framed by grpc instead of protobuf.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return codecName }

// StatusProvider is the subset of the admission controller the operator
// control plane reads and mutates.
type StatusProvider interface {
	GetStatus() (admission.Status, error)
	GetPolicy() admission.Config
	ListRuns() ([]model.RunLease, error)
	ManualCloseCircuit() error
}

// StatusResponse mirrors admission.Status, for display by the operator
// CLI.
type StatusResponse struct {
	Now         time.Time               `json:"now"`
	ActiveRuns  int                     `json:"activeRuns"`
	ActiveSlots int                     `json:"activeSlots"`
	MaxGap      int64                   `json:"maxGap"`
	Circuit     model.CircuitState      `json:"circuit"`
	Pressure    *model.PressureSnapshot `json:"pressure,omitempty"`
}

// ListRunsResponse carries every currently held run lease.
type ListRunsResponse struct {
	Runs []model.RunLease `json:"runs"`
}

// ResetCircuitResponse confirms a manual circuit close.
type ResetCircuitResponse struct {
	OK bool `json:"ok"`
}

// empty is the request type for GetStatus/ListRuns/ResetCircuit; none of
// them take parameters.
type empty struct{}

// TeamRunner is the subset of internal/team.Executor the operator control
// plane can drive on the launcher's behalf.
type TeamRunner interface {
	Execute(ctx context.Context, req team.Request, onUpdate team.OnUpdate) (team.Result, error)
}

// PipelineRunner is the subset of internal/pipeline.Executor the operator
// control plane can drive on the launcher's behalf.
type PipelineRunner interface {
	Execute(ctx context.Context, req pipeline.Request, onCheckpoint pipeline.OnCheckpoint) (pipeline.Result, error)
}

// ExecuteTeamRequest is the wire request for ExecuteTeam.
type ExecuteTeamRequest struct {
	Team               string                   `json:"team"`
	Goal               string                   `json:"goal"`
	Scope              string                   `json:"scope"`
	ConcurrencyRequest int                      `json:"concurrencyRequest"`
	RunID              string                   `json:"runId"`
	Governor           *model.GovernorOverrides `json:"governor,omitempty"`
}

// ExecutePipelineRequest is the wire request for ExecutePipeline.
type ExecutePipelineRequest struct {
	Pipeline string                   `json:"pipeline"`
	Goal     string                   `json:"goal"`
	Scope    string                   `json:"scope"`
	RunID    string                   `json:"runId"`
	Governor *model.GovernorOverrides `json:"governor,omitempty"`
}

// Server is the operator control-plane grpc server.
type Server struct {
	socketPath   string
	provider     StatusProvider
	teamExec     TeamRunner
	pipelineExec PipelineRunner
	log          *zap.Logger
	grpcServer   *grpc.Server
}

// NewServer creates an operator Server. teamExec/pipelineExec may be nil,
// in which case ExecuteTeam/ExecutePipeline return Unimplemented.
func NewServer(socketPath string, provider StatusProvider, teamExec TeamRunner, pipelineExec PipelineRunner, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{socketPath: socketPath, provider: provider, teamExec: teamExec, pipelineExec: pipelineExec, log: log}
}

// ListenAndServe starts the operator socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = lis.Close()
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.grpcServer = grpc.NewServer(
		grpc.MaxConcurrentStreams(maxConcurrentStreams),
		grpc.ForceServerCodec(jsonCodec{}),
	)
	s.grpcServer.RegisterService(&serviceDesc, s)

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		s.grpcServer.GracefulStop()
	}()

	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("operator: serve %q: %w", s.socketPath, err)
	}
	return nil
}

// GetStatus returns the controller's current status snapshot.
func (s *Server) GetStatus(ctx context.Context, _ *empty) (*StatusResponse, error) {
	st, err := s.provider.GetStatus()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get status: %v", err)
	}
	return &StatusResponse{
		Now:         st.Now,
		ActiveRuns:  st.ActiveRuns,
		ActiveSlots: st.ActiveSlots,
		MaxGap:      st.MaxGap,
		Circuit:     st.Circuit,
		Pressure:    st.Pressure,
	}, nil
}

// ListRuns returns every currently held run lease.
func (s *Server) ListRuns(ctx context.Context, _ *empty) (*ListRunsResponse, error) {
	runs, err := s.provider.ListRuns()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "list runs: %v", err)
	}
	return &ListRunsResponse{Runs: runs}, nil
}

// ResetCircuit manually closes the circuit breaker regardless of trigger.
func (s *Server) ResetCircuit(ctx context.Context, _ *empty) (*ResetCircuitResponse, error) {
	if err := s.provider.ManualCloseCircuit(); err != nil {
		return nil, status.Errorf(codes.Internal, "reset circuit: %v", err)
	}
	s.log.Info("operator: circuit manually reset")
	return &ResetCircuitResponse{OK: true}, nil
}

// ExecuteTeam runs a declared team to completion and returns every
// member's result.
func (s *Server) ExecuteTeam(ctx context.Context, req *ExecuteTeamRequest) (*team.Result, error) {
	if s.teamExec == nil {
		return nil, status.Error(codes.Unimplemented, "team execution not configured")
	}
	result, err := s.teamExec.Execute(ctx, team.Request{
		Team:               req.Team,
		Goal:               req.Goal,
		Scope:              req.Scope,
		ConcurrencyRequest: req.ConcurrencyRequest,
		RunID:              req.RunID,
		Governor:           req.Governor,
	}, nil)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "execute team: %v", err)
	}
	return &result, nil
}

// ExecutePipeline runs a declared pipeline to completion and returns every
// step's checkpoint history and result.
func (s *Server) ExecutePipeline(ctx context.Context, req *ExecutePipelineRequest) (*pipeline.Result, error) {
	if s.pipelineExec == nil {
		return nil, status.Error(codes.Unimplemented, "pipeline execution not configured")
	}
	result, err := s.pipelineExec.Execute(ctx, pipeline.Request{
		Pipeline: req.Pipeline,
		Goal:     req.Goal,
		Scope:    req.Scope,
		RunID:    req.RunID,
		Governor: req.Governor,
	}, nil)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "execute pipeline: %v", err)
	}
	return &result, nil
}

// serviceDesc hand-describes the operator grpc service: no .proto file is
// compiled, so the method handlers are wired directly instead of through
// generated stubs.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "agentrund.operator.Operator",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "ListRuns", Handler: listRunsHandler},
		{MethodName: "ResetCircuit", Handler: resetCircuitHandler},
		{MethodName: "ExecuteTeam", Handler: executeTeamHandler},
		{MethodName: "ExecutePipeline", Handler: executePipelineHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agentrund/operator.proto",
}

func getStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/agentrund.operator.Operator/GetStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).GetStatus(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

func listRunsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).ListRuns(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/agentrund.operator.Operator/ListRuns"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).ListRuns(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

func resetCircuitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).ResetCircuit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/agentrund.operator.Operator/ResetCircuit"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).ResetCircuit(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

func executeTeamHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ExecuteTeamRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).ExecuteTeam(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/agentrund.operator.Operator/ExecuteTeam"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).ExecuteTeam(ctx, req.(*ExecuteTeamRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func executePipelineHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ExecutePipelineRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).ExecutePipeline(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/agentrund.operator.Operator/ExecutePipeline"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).ExecutePipeline(ctx, req.(*ExecutePipelineRequest))
	}
	return interceptor(ctx, in, info, handler)
}
