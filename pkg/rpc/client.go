package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"kvimport/pkg/importpb"
	"kvimport/pkg/types"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to one import server.
type Client struct {
	conn *grpc.ClientConn
	api  *importpb.ImportKVClient
}

// Dial connects to target without transport security. Extra options are
// applied after the defaults.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		importpb.DefaultCallOptions(),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}
	return &Client{conn: conn, api: importpb.NewImportKVClient(conn)}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// OpenEngine opens engine id. Service errors match the kverrors sentinels.
func (c *Client) OpenEngine(ctx context.Context, id types.EngineID) error {
	resp, err := c.api.Open(ctx, &importpb.OpenRequest{UUID: id[:]})
	if err != nil {
		return err
	}
	return resp.Error.Err()
}

// CloseEngine finalizes engine id.
func (c *Client) CloseEngine(ctx context.Context, id types.EngineID) error {
	resp, err := c.api.Close(ctx, &importpb.CloseRequest{UUID: id[:]})
	if err != nil {
		return err
	}
	return resp.Error.Err()
}

// WriteResult collects the responses of one write stream.
type WriteResult struct {
	Errors  []*importpb.Error
	Summary *importpb.WriteSummary
}

// Err returns the first error response.
func (r *WriteResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0].Err()
}

// Write streams batches into engine id over a single write stream.
// Responses are read while sending so the server is never blocked on us.
func (c *Client) Write(ctx context.Context, id types.EngineID, batches ...types.WriteBatch) (*WriteResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.api.Write(ctx)
	if err != nil {
		return nil, err
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := stream.Send(&importpb.WriteRequest{Head: &importpb.WriteHead{UUID: id[:]}}); err != nil {
			return sendError(err)
		}
		for _, b := range batches {
			if err := stream.Send(&importpb.WriteRequest{Batch: importpb.NewBatch(b)}); err != nil {
				return sendError(err)
			}
		}
		return stream.CloseSend()
	})

	result := &WriteResult{}
	var recvErr error
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			recvErr = err
			break
		}
		if resp.Error != nil {
			result.Errors = append(result.Errors, resp.Error)
		}
		if resp.Summary != nil {
			result.Summary = resp.Summary
		}
	}
	cancel()
	sendErr := g.Wait()

	if recvErr != nil {
		return result, recvErr
	}
	if result.Summary == nil && len(result.Errors) == 0 && sendErr != nil {
		return result, sendErr
	}
	return result, nil
}

// sendError hides io.EOF, which only means the server already ended the
// stream; its final word is read by Recv.
func sendError(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
