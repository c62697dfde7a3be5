package handler

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/fifo-allocation/internal/core/service"
)

func newTestClient(t *testing.T) *AllocationClient {
	t.Helper()
	allocations, _ := newTestAllocations(t)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterAllocationServiceServer(srv, NewGRPCHandler(allocations))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewAllocationClient(conn)
}

func TestGRPC_PushAndReplay(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	req := &AllocationRPCRequest{MaterialCode: "MAT-1", Quantity: 40, ContainerSize: 25, IdempotencyToken: "T1"}

	first, err := client.Push(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Success)
	require.NotNil(t, first.Commit)
	assert.Len(t, first.Commit.Records, 3)

	second, err := client.Push(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, 3, second.Commit.Superseded)
}

func TestGRPC_ShortageInBody(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.Push(context.Background(), &AllocationRPCRequest{MaterialCode: "MAT-1", Quantity: 100, IdempotencyToken: "T1"})

	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Plan)
	assert.Equal(t, 20, resp.Plan.Shortage)
}

func TestGRPC_Scan(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.Scan(context.Background(), &AllocationRPCRequest{MaterialCode: "MAT-1", Quantity: 40})

	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.True(t, resp.FifoViolationRisk)
}

func TestGRPC_Plan(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.Plan(context.Background(), &AllocationRPCRequest{MaterialCode: "MAT-1", Quantity: 40, ContainerSize: 25})

	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Len(t, resp.Lines, 3)
}

func TestGRPC_InvalidArgument(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Push(context.Background(), &AllocationRPCRequest{MaterialCode: "MAT-1", Quantity: 0, IdempotencyToken: "T1"})

	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRPCFailure_CommitFailureStaysInBody(t *testing.T) {
	err := &service.CommitFailedError{Token: "T1", Partial: true, Err: fmt.Errorf("batch b1: %w", service.ErrInvalidRequest)}

	resp, rpcErr := rpcFailure(err, &AllocationRPCResponse{})

	require.NoError(t, rpcErr)
	assert.False(t, resp.Success)
	assert.True(t, resp.Partial)
	assert.Equal(t, "commit failed", resp.Message)
}
