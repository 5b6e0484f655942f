package syncsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Messages are protobuf well-known types, so no generated code is needed.
//
//	Digest:       Empty  -> Struct{root, count}
//	Exchange:     Struct{root, entries} -> Struct{root, entries, conflicts}
//	LastExchange: Empty  -> Timestamp
const serviceName = "meshdeploy.knowledge.v1.KnowledgeSync"

// KnowledgeSyncServer is the server API for the KnowledgeSync service.
type KnowledgeSyncServer interface {
	Digest(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Exchange(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LastExchange(context.Context, *emptypb.Empty) (*timestamppb.Timestamp, error)
}

// UnimplementedKnowledgeSyncServer can be embedded to have forward compatible implementations.
type UnimplementedKnowledgeSyncServer struct{}

func (UnimplementedKnowledgeSyncServer) Digest(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Digest not implemented")
}
func (UnimplementedKnowledgeSyncServer) Exchange(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Exchange not implemented")
}
func (UnimplementedKnowledgeSyncServer) LastExchange(context.Context, *emptypb.Empty) (*timestamppb.Timestamp, error) {
	return nil, status.Error(codes.Unimplemented, "method LastExchange not implemented")
}

func RegisterKnowledgeSyncServer(s grpc.ServiceRegistrar, srv KnowledgeSyncServer) {
	s.RegisterService(&KnowledgeSync_ServiceDesc, srv)
}

// KnowledgeSyncClient is the client API for the KnowledgeSync service.
type KnowledgeSyncClient interface {
	Digest(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	Exchange(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	LastExchange(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*timestamppb.Timestamp, error)
}

type knowledgeSyncClient struct{ cc grpc.ClientConnInterface }

func NewKnowledgeSyncClient(cc grpc.ClientConnInterface) KnowledgeSyncClient {
	return &knowledgeSyncClient{cc: cc}
}

func (c *knowledgeSyncClient) Digest(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Digest", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *knowledgeSyncClient) Exchange(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Exchange", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *knowledgeSyncClient) LastExchange(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*timestamppb.Timestamp, error) {
	out := new(timestamppb.Timestamp)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/LastExchange", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _KnowledgeSync_Digest_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KnowledgeSyncServer).Digest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Digest"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KnowledgeSyncServer).Digest(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _KnowledgeSync_Exchange_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KnowledgeSyncServer).Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Exchange"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KnowledgeSyncServer).Exchange(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _KnowledgeSync_LastExchange_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KnowledgeSyncServer).LastExchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/LastExchange"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KnowledgeSyncServer).LastExchange(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// KnowledgeSync_ServiceDesc is the grpc.ServiceDesc for the KnowledgeSync service.
var KnowledgeSync_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*KnowledgeSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Digest", Handler: _KnowledgeSync_Digest_Handler},
		{MethodName: "Exchange", Handler: _KnowledgeSync_Exchange_Handler},
		{MethodName: "LastExchange", Handler: _KnowledgeSync_LastExchange_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "knowledge_sync.proto",
}
