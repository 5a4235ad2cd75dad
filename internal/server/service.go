package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "triage.sql_guard.v1.SQLGuardService"

const (
	askMethod      = "/" + ServiceName + "/Ask"
	validateMethod = "/" + ServiceName + "/Validate"
)

// SQLGuardService is the RPC surface. Messages travel as google.protobuf.Struct
// so the service needs no generated code; messages.go maps them to Go types.
type SQLGuardService interface {
	Ask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes SQLGuardService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SQLGuardService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ask", Handler: askHandler},
		{MethodName: "Validate", Handler: validateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sql_guard/v1/sql_guard.proto",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv SQLGuardService) {
	s.RegisterService(&ServiceDesc, srv)
}

func askHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SQLGuardService).Ask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: askMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SQLGuardService).Ask(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func validateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SQLGuardService).Validate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: validateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SQLGuardService).Validate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls SQLGuardService with typed messages.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Ask runs one question through the assistant.
func (c *Client) Ask(ctx context.Context, req AskRequest, opts ...grpc.CallOption) (*AskResponse, error) {
	in, err := req.toStruct()
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, askMethod, in, out, opts...); err != nil {
		return nil, err
	}
	resp := askResponseFromStruct(out)
	return &resp, nil
}

// Validate checks a statement without executing it.
func (c *Client) Validate(ctx context.Context, req ValidateRequest, opts ...grpc.CallOption) (*ValidateResponse, error) {
	in, err := req.toStruct()
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, validateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	resp := validateResponseFromStruct(out)
	return &resp, nil
}
