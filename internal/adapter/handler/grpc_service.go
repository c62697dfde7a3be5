package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/rl1809/fifo-allocation/internal/core/domain"
)

// The allocation service has no protobuf schema; messages travel as JSON
// under the "json" content subtype.
const (
	jsonCodecName = "json"
	serviceName   = "allocation.v1.AllocationService"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type AllocationRPCRequest struct {
	MaterialCode     string `json:"material_code"`
	Quantity         int32  `json:"quantity"`
	FactoryScope     string `json:"factory_scope"`
	Location         string `json:"location"`
	ContainerSize    int32  `json:"container_size"`
	IdempotencyToken string `json:"idempotency_token"`
}

func (r *AllocationRPCRequest) toDomain() domain.AllocationRequest {
	return domain.AllocationRequest{
		MaterialCode:     r.MaterialCode,
		RequiredQuantity: int(r.Quantity),
		Scope:            domain.Scope{FactoryScope: r.FactoryScope, Location: r.Location},
		ContainerSize:    int(r.ContainerSize),
		IdempotencyToken: r.IdempotencyToken,
	}
}

type AllocationRPCResponse struct {
	Success           bool                    `json:"success"`
	Message           string                  `json:"message"`
	Plan              *domain.AllocationPlan  `json:"plan,omitempty"`
	Lines             []domain.AllocationLine `json:"lines,omitempty"`
	Commit            *domain.CommitResult    `json:"commit,omitempty"`
	FifoViolationRisk bool                    `json:"fifo_violation_risk,omitempty"`
	Partial           bool                    `json:"partial,omitempty"`
}

type AllocationServer interface {
	Plan(context.Context, *AllocationRPCRequest) (*AllocationRPCResponse, error)
	Scan(context.Context, *AllocationRPCRequest) (*AllocationRPCResponse, error)
	Push(context.Context, *AllocationRPCRequest) (*AllocationRPCResponse, error)
}

type allocationCall func(AllocationServer, context.Context, *AllocationRPCRequest) (*AllocationRPCResponse, error)

func unaryHandler(method string, call allocationCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(AllocationRPCRequest)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AllocationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + serviceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AllocationServer), ctx, req.(*AllocationRPCRequest))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var AllocationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AllocationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Plan", Handler: unaryHandler("Plan", AllocationServer.Plan)},
		{MethodName: "Scan", Handler: unaryHandler("Scan", AllocationServer.Scan)},
		{MethodName: "Push", Handler: unaryHandler("Push", AllocationServer.Push)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "allocation/v1",
}

func RegisterAllocationServiceServer(s grpc.ServiceRegistrar, srv AllocationServer) {
	s.RegisterService(&AllocationServiceDesc, srv)
}

// AllocationClient calls the allocation service over JSON-encoded gRPC.
type AllocationClient struct {
	cc grpc.ClientConnInterface
}

func NewAllocationClient(cc grpc.ClientConnInterface) *AllocationClient {
	return &AllocationClient{cc: cc}
}

func (c *AllocationClient) invoke(ctx context.Context, method string, in *AllocationRPCRequest, opts []grpc.CallOption) (*AllocationRPCResponse, error) {
	out := new(AllocationRPCResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AllocationClient) Plan(ctx context.Context, in *AllocationRPCRequest, opts ...grpc.CallOption) (*AllocationRPCResponse, error) {
	return c.invoke(ctx, "Plan", in, opts)
}

func (c *AllocationClient) Scan(ctx context.Context, in *AllocationRPCRequest, opts ...grpc.CallOption) (*AllocationRPCResponse, error) {
	return c.invoke(ctx, "Scan", in, opts)
}

func (c *AllocationClient) Push(ctx context.Context, in *AllocationRPCRequest, opts ...grpc.CallOption) (*AllocationRPCResponse, error) {
	return c.invoke(ctx, "Push", in, opts)
}
