package council

import (
	"context"
	"errors"

	"github.com/ashureev/review-bridge/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server is the council as implemented behind the gRPC descriptor.
type Server interface {
	// Review streams results with send and returns the aggregate result.
	Review(ctx context.Context, req ReviewRequest, send func(CapabilityResult) error) (*ReviewResult, error)
	Fix(ctx context.Context, req FixRequest) (*domain.FixResult, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Fix", Handler: fixHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Review", Handler: reviewHandler, ServerStreams: true},
	},
	Metadata: "council/v1/council.proto",
}

// RegisterServer exposes srv and a SERVING health status on s.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) *health.Server {
	s.RegisterService(&serviceDesc, srv)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

func fixHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		var fr FixRequest
		if err := fromStruct(req.(*structpb.Struct), &fr); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		res, err := srv.(Server).Fix(ctx, fr)
		if err != nil {
			return nil, toStatus(err)
		}
		return toStruct(res)
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fixMethod}
	return interceptor(ctx, in, info, handle)
}

func reviewHandler(srv any, stream grpc.ServerStream) error {
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	var req ReviewRequest
	if err := fromStruct(in, &req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	send := func(cr CapabilityResult) error {
		msg, err := toStruct(envelope{Capability: &cr})
		if err != nil {
			return err
		}
		return stream.SendMsg(msg)
	}
	res, err := srv.(Server).Review(stream.Context(), req, send)
	if err != nil {
		return toStatus(err)
	}
	msg, err := toStruct(envelope{Result: res})
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(msg)
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	var re *domain.RemoteError
	if errors.As(err, &re) {
		return status.Error(codes.FailedPrecondition, re.Message)
	}
	return status.Error(codes.Unknown, err.Error())
}
