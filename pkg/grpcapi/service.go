package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/ipfrx/pkg/ipferr"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ipf.v1.Control"

// StreamLogMethod is the server-streaming log method.
const StreamLogMethod = "StreamLog"

// ControlServer is the server side of the Control service. Every unary
// method takes and returns a google.protobuf.Struct; the response carries
// the result under "data".
type ControlServer interface {
	Call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)
	StreamLog(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

// ServiceDesc describes the Control service for grpc.Server.RegisterService.
var ServiceDesc = buildServiceDesc()

func buildServiceDesc() grpc.ServiceDesc {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)

	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*ControlServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    StreamLogMethod,
			Handler:       streamLogHandler,
			ServerStreams: true,
		}},
		Metadata: "ipf/v1/control.proto",
	}
	for _, name := range names {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    unaryHandler(name),
		})
	}
	return desc
}

// FullMethod returns the RPC path of a Control method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unaryHandler(name string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			return srv.(ControlServer).Call(ctx, name, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
		return interceptor(ctx, in, info, call)
	}
}

func streamLogHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).StreamLog(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// encode wraps v as {"data": v}.
func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(map[string]any{"data": v})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

// decode unpacks the "data" field of an encoded response into out.
func decode(resp *structpb.Struct, out any) error {
	if out == nil {
		return nil
	}
	data, ok := resp.GetFields()["data"]
	if !ok {
		return nil
	}
	b, err := protojson.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// args reads request fields.
type args struct{ *structpb.Struct }

func (a args) String(key string) string {
	return a.GetFields()[key].GetStringValue()
}

func (a args) Bool(key string) bool {
	return a.GetFields()[key].GetBoolValue()
}

func (a args) Int(key string, def int) int {
	v, ok := a.GetFields()[key]
	if !ok {
		return def
	}
	return int(v.GetNumberValue())
}

var kindCodes = map[ipferr.Kind]codes.Code{
	ipferr.KindExists:    codes.AlreadyExists,
	ipferr.KindNotFound:  codes.NotFound,
	ipferr.KindSyntax:    codes.InvalidArgument,
	ipferr.KindInvalid:   codes.FailedPrecondition,
	ipferr.KindExhausted: codes.ResourceExhausted,
}

// toStatus converts an error to a gRPC status by kind.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code, ok := kindCodes[ipferr.KindOf(err)]
	if !ok {
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// fromStatus turns a gRPC status back into a kinded error.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for kind, code := range kindCodes {
		if st.Code() == code {
			return ipferr.Errorf(kind, "%s", st.Message())
		}
	}
	if st.Code() == codes.Canceled {
		return context.Canceled
	}
	return errors.New(st.Message())
}
