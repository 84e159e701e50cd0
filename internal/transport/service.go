package transport

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName   = "repcore.Donor"
	pingMethod    = "/" + serviceName + "/Ping"
	restoreMethod = "/" + serviceName + "/Restore"
)

// DonorService is the server side of the donor service.
type DonorService interface {
	Ping(ctx context.Context, req *PingRequest) (*PingResponse, error)
	Restore(req *RestoreRequest, stream RestoreServerStream) error
}

// RestoreServerStream is the server side of a restore stream.
type RestoreServerStream interface {
	Send(*RestoreFrame) error
	Context() context.Context
}

type restoreServerStream struct {
	grpc.ServerStream
}

func (s *restoreServerStream) Send(f *RestoreFrame) error {
	return s.ServerStream.SendMsg(f)
}

var donorServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DonorService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Restore", Handler: restoreHandler, ServerStreams: true},
	},
	Metadata: "repcore/donor",
}

// RegisterDonorService registers srv on s.
func RegisterDonorService(s grpc.ServiceRegistrar, srv DonorService) {
	s.RegisterService(&donorServiceDesc, srv)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DonorService).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pingMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DonorService).Ping(ctx, req.(*PingRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func restoreHandler(srv any, stream grpc.ServerStream) error {
	in := new(RestoreRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DonorService).Restore(in, &restoreServerStream{stream})
}

// DonorClient is the client side of the donor service.
type DonorClient struct {
	cc grpc.ClientConnInterface
}

func NewDonorClient(cc grpc.ClientConnInterface) *DonorClient {
	return &DonorClient{cc: cc}
}

func (c *DonorClient) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error) {
	out := new(PingResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, pingMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Restore opens a restore stream. The request is sent immediately; frames are read with Recv until io.EOF.
func (c *DonorClient) Restore(ctx context.Context, in *RestoreRequest, opts ...grpc.CallOption) (*RestoreClientStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &donorServiceDesc.Streams[0], restoreMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &RestoreClientStream{stream: stream}, nil
}

// RestoreClientStream is the client side of a restore stream.
type RestoreClientStream struct {
	stream grpc.ClientStream
}

func (s *RestoreClientStream) Recv() (*RestoreFrame, error) {
	f := new(RestoreFrame)
	if err := s.stream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}
