package importpb

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName = "kvimport.ImportKV"

	openMethod  = "/" + ServiceName + "/Open"
	writeMethod = "/" + ServiceName + "/Write"
	closeMethod = "/" + ServiceName + "/Close"
)

// ImportKVServer is the server API of the ImportKV service.
type ImportKVServer interface {
	Open(context.Context, *OpenRequest) (*OpenResponse, error)
	Write(WriteServerStream) error
	Close(context.Context, *CloseRequest) (*CloseResponse, error)
}

// WriteServerStream is the server side of a Write stream.
type WriteServerStream interface {
	Send(*WriteResponse) error
	Recv() (*WriteRequest, error)
	grpc.ServerStream
}

type writeServerStream struct {
	grpc.ServerStream
}

func (x *writeServerStream) Send(m *WriteResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *writeServerStream) Recv() (*WriteRequest, error) {
	m := new(WriteRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func RegisterImportKVServer(s grpc.ServiceRegistrar, srv ImportKVServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func openHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(OpenRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ImportKVServer).Open(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: openMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ImportKVServer).Open(ctx, req.(*OpenRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func closeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CloseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ImportKVServer).Close(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: closeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ImportKVServer).Close(ctx, req.(*CloseRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func writeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ImportKVServer).Write(&writeServerStream{stream})
}

// ServiceDesc describes the ImportKV service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ImportKVServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Open", Handler: openHandler},
		{MethodName: "Close", Handler: closeHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Write",
			Handler:       writeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "kvimport/importpb",
}
