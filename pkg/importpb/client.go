package importpb

import (
	"context"

	"google.golang.org/grpc"
)

// DefaultCallOptions selects the msgpack codec for every call.
func DefaultCallOptions() grpc.DialOption {
	return grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName))
}

// ImportKVClient is the low level client of the ImportKV service. The
// connection must be created with DefaultCallOptions.
type ImportKVClient struct {
	cc grpc.ClientConnInterface
}

func NewImportKVClient(cc grpc.ClientConnInterface) *ImportKVClient {
	return &ImportKVClient{cc: cc}
}

func (c *ImportKVClient) Open(ctx context.Context, in *OpenRequest, opts ...grpc.CallOption) (*OpenResponse, error) {
	out := new(OpenResponse)
	if err := c.cc.Invoke(ctx, openMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ImportKVClient) Close(ctx context.Context, in *CloseRequest, opts ...grpc.CallOption) (*CloseResponse, error) {
	out := new(CloseResponse)
	if err := c.cc.Invoke(ctx, closeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ImportKVClient) Write(ctx context.Context, opts ...grpc.CallOption) (*WriteClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], writeMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &WriteClientStream{stream}, nil
}

// WriteClientStream is the client side of a Write stream.
type WriteClientStream struct {
	grpc.ClientStream
}

func (x *WriteClientStream) Send(m *WriteRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *WriteClientStream) Recv() (*WriteResponse, error) {
	m := new(WriteResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
