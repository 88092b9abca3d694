package operator

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a thin grpc client for the operator control plane, used by the
// operator CLI. It dials a Unix socket directly rather than going through
// DNS-style name resolution.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the operator socket at socketPath.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, "unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("operator: dial %q: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// GetStatus calls the GetStatus RPC.
func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.conn.Invoke(ctx, "/agentrund.operator.Operator/GetStatus", &empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListRuns calls the ListRuns RPC.
func (c *Client) ListRuns(ctx context.Context) (*ListRunsResponse, error) {
	out := new(ListRunsResponse)
	if err := c.conn.Invoke(ctx, "/agentrund.operator.Operator/ListRuns", &empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResetCircuit calls the ResetCircuit RPC.
func (c *Client) ResetCircuit(ctx context.Context) (*ResetCircuitResponse, error) {
	out := new(ResetCircuitResponse)
	if err := c.conn.Invoke(ctx, "/agentrund.operator.Operator/ResetCircuit", &empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}
