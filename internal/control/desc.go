package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name. Messages are
// google.protobuf.Struct so no generated code is required.
const ServiceName = "opusmt.control.v1.ModelControl"

type ModelControlServer interface {
	ListRoutes(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadModel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UnloadModel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClearModels(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Translate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TranslateBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ModelControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ModelControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ModelControlServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ModelControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ModelControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListRoutes", ModelControlServer.ListRoutes),
		unary("LoadModel", ModelControlServer.LoadModel),
		unary("UnloadModel", ModelControlServer.UnloadModel),
		unary("ClearModels", ModelControlServer.ClearModels),
		unary("Translate", ModelControlServer.Translate),
		unary("TranslateBatch", ModelControlServer.TranslateBatch),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "opusmt/control/v1/control.proto",
}

func RegisterModelControlServer(s grpc.ServiceRegistrar, srv ModelControlServer) {
	s.RegisterService(&ModelControlServiceDesc, srv)
}

// Client is a thin caller for ModelControl.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) call(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListRoutes(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, "ListRoutes", nil)
}

func (c *Client) LoadModel(ctx context.Context, source, target string) (*structpb.Struct, error) {
	return c.call(ctx, "LoadModel", map[string]any{"source": source, "target": target})
}

func (c *Client) UnloadModel(ctx context.Context, source, target string) (*structpb.Struct, error) {
	return c.call(ctx, "UnloadModel", map[string]any{"source": source, "target": target})
}

func (c *Client) ClearModels(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, "ClearModels", nil)
}

func (c *Client) Translate(ctx context.Context, source, target, text string) (*structpb.Struct, error) {
	return c.call(ctx, "Translate", map[string]any{"source": source, "target": target, "text": text})
}

func (c *Client) TranslateBatch(ctx context.Context, source, target string, texts []string) (*structpb.Struct, error) {
	return c.call(ctx, "TranslateBatch", map[string]any{"source": source, "target": target, "texts": anyList(texts)})
}

func anyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
