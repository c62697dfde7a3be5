package handler

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/fifo-allocation/internal/adapter/storage"
	"github.com/rl1809/fifo-allocation/internal/core/service"
)

type GRPCHandler struct {
	allocations *service.AllocationService
}

func NewGRPCHandler(allocations *service.AllocationService) *GRPCHandler {
	return &GRPCHandler{allocations: allocations}
}

func (h *GRPCHandler) Plan(ctx context.Context, req *AllocationRPCRequest) (*AllocationRPCResponse, error) {
	result, err := h.allocations.PlanOnly(ctx, req.toDomain())
	if err != nil {
		return rpcFailure(err, &AllocationRPCResponse{})
	}
	message := "plan covers request"
	if !result.Plan.Complete() {
		message = "plan has a shortage"
	}
	return &AllocationRPCResponse{
		Success: result.Plan.Complete(),
		Message: message,
		Plan:    &result.Plan,
		Lines:   result.Lines,
	}, nil
}

func (h *GRPCHandler) Scan(ctx context.Context, req *AllocationRPCRequest) (*AllocationRPCResponse, error) {
	result, err := h.allocations.AllocateSingleBatch(ctx, req.toDomain())
	resp := &AllocationRPCResponse{}
	if result != nil {
		resp.Plan = &result.Plan
		resp.Commit = result.Commit
		resp.FifoViolationRisk = result.FifoViolationRisk
	}
	if err != nil {
		return rpcFailure(err, resp)
	}
	resp.Success = true
	resp.Message = "scan deducted"
	return resp, nil
}

func (h *GRPCHandler) Push(ctx context.Context, req *AllocationRPCRequest) (*AllocationRPCResponse, error) {
	result, err := h.allocations.AllocateAndCommitMultiBatch(ctx, req.toDomain())
	resp := &AllocationRPCResponse{}
	if result != nil {
		resp.Plan = &result.Plan
		resp.Lines = result.Lines
		resp.Commit = result.Commit
	}
	if err != nil {
		return rpcFailure(err, resp)
	}
	resp.Success = true
	resp.Message = "shipment committed"
	return resp, nil
}

// rpcFailure reports business outcomes in the response body and only
// infrastructure failures as gRPC status errors.
func rpcFailure(err error, resp *AllocationRPCResponse) (*AllocationRPCResponse, error) {
	resp.Success = false

	var cf *service.CommitFailedError
	switch {
	case errors.As(err, &cf):
		resp.Message = "commit failed"
		resp.Partial = cf.Partial
	case errors.Is(err, service.ErrInvalidRequest):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrAlreadyInFlight):
		resp.Message = "token already in flight"
	case errors.Is(err, service.ErrInsufficientStock):
		resp.Message = err.Error()
	case errors.Is(err, storage.ErrStoreUnavailable):
		return nil, status.Error(codes.Unavailable, "store unavailable")
	default:
		return nil, status.Error(codes.Internal, "internal error")
	}
	return resp, nil
}
