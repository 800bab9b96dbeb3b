package dispatch

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lifeline.v1.Dispatch"

const (
	streamCommandsMethod = "/" + ServiceName + "/StreamCommands"
	latestAlertMethod    = "/" + ServiceName + "/LatestAlert"
)

// DispatchServer is the server API for lifeline.v1.Dispatch. Messages are
// well-known protobuf types so no generated code is needed.
type DispatchServer interface {
	// StreamCommands streams every mission envelope published after the
	// call starts.
	StreamCommands(*emptypb.Empty, CommandStream) error
	// LatestAlert returns the most recent alert.
	LatestAlert(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// CommandStream is the server side of StreamCommands.
type CommandStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type commandStream struct {
	grpc.ServerStream
}

func (s *commandStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

func streamCommandsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DispatchServer).StreamCommands(in, &commandStream{stream})
}

func latestAlertHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DispatchServer).LatestAlert(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: latestAlertMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DispatchServer).LatestAlert(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DispatchServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LatestAlert", Handler: latestAlertHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamCommands", Handler: streamCommandsHandler, ServerStreams: true},
	},
	Metadata: "lifeline/v1/dispatch.proto",
}

// RegisterDispatchServer registers srv on s.
func RegisterDispatchServer(s grpc.ServiceRegistrar, srv DispatchServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Client is a minimal client for lifeline.v1.Dispatch, used by tools and
// tests.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// CommandReceiver is the client side of StreamCommands.
type CommandReceiver interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type commandReceiver struct {
	grpc.ClientStream
}

func (r *commandReceiver) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := r.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// StreamCommands opens a command stream.
func (c *Client) StreamCommands(ctx context.Context, opts ...grpc.CallOption) (CommandReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], streamCommandsMethod, opts...)
	if err != nil {
		return nil, err
	}
	r := &commandReceiver{stream}
	if err := r.ClientStream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := r.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return r, nil
}

// LatestAlert fetches the most recent alert.
func (c *Client) LatestAlert(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, latestAlertMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
