package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/ipfrx/pkg/api"
)

// Client calls a remote ipfd over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method and decodes its result into out, which may
// be nil.
func (c *Client) Call(ctx context.Context, method string, in map[string]any, out any) error {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), req, resp); err != nil {
		return fromStatus(err)
	}
	return decode(resp, out)
}

// StreamLog calls fn for each log record the server streams until ctx is
// cancelled or fn returns an error.
func (c *Client) StreamLog(ctx context.Context, in map[string]any, fn func(api.EventEntry) error) error {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return err
	}
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(StreamLogMethod))
	if err != nil {
		return fromStatus(err)
	}
	if err := stream.SendMsg(req); err != nil {
		return fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return fromStatus(err)
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			err = fromStatus(err)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		var e api.EventEntry
		if err := decode(msg, &e); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// Local calls a Server in the same process through the same encoding as
// the network path.
type Local struct {
	s *Server
}

// NewLocal returns an in-process caller for s.
func NewLocal(s *Server) *Local {
	return &Local{s: s}
}

// Call invokes a unary method on the local server.
func (l *Local) Call(ctx context.Context, method string, in map[string]any, out any) error {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	resp, err := l.s.Call(ctx, method, req)
	if err != nil {
		return fromStatus(err)
	}
	return decode(resp, out)
}

// StreamLog follows the local event buffer.
func (l *Local) StreamLog(ctx context.Context, in map[string]any, fn func(api.EventEntry) error) error {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return err
	}
	err = l.s.streamLog(ctx, args{req}, func(msg *structpb.Struct) error {
		var e api.EventEntry
		if err := decode(msg, &e); err != nil {
			return err
		}
		return fn(e)
	})
	if err != nil {
		return fromStatus(err)
	}
	return nil
}
