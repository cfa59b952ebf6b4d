// Package grpc serves exported services over the generic quasar.Invoke/Call
// method. Payloads are structpb structs, so no generated stubs are needed.
package grpc

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/provider"
	"github.com/oriys/quasar/internal/remote"
	"github.com/oriys/quasar/internal/rpc"
)

// invokeServer is the handler type of the generic service.
type invokeServer interface {
	Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var invokeServiceDesc = grpc.ServiceDesc{
	ServiceName: remote.GRPCServiceName,
	HandlerType: (*invokeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: remote.GRPCMethodName, Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quasar/invoke",
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(invokeServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: remote.GRPCMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(invokeServer).Call(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type Server struct {
	services *provider.Registry
	server   *grpc.Server
	lis      net.Listener
}

func NewServer(services *provider.Registry) *Server {
	s := &Server{services: services}
	s.server = grpc.NewServer(grpc.ChainUnaryInterceptor(
		tracingInterceptor,
		loggingInterceptor,
		errorHandlingInterceptor,
	))
	s.server.RegisterService(&invokeServiceDesc, s)
	return s
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.Serve(lis)
	return nil
}

// Serve serves on lis in the background.
func (s *Server) Serve(lis net.Listener) {
	s.lis = lis
	logging.Op().Info("gRPC server started", "addr", lis.Addr().String())

	go func() {
		if err := s.server.Serve(lis); err != nil {
			logging.Op().Error("gRPC server error", "error", err)
		}
	}()
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

func (s *Server) Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := remote.DecodeRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if r.Service == "" {
		return nil, status.Error(codes.InvalidArgument, "service name is required")
	}

	inv := r.Invocation()
	if inv.Attachment(rpc.AttachRequestID) == "" {
		if id := requestIDFromMetadata(ctx); id != "" {
			inv.Attachments[rpc.AttachRequestID] = id
		}
	}

	res, err := s.services.Invoke(ctx, r.Service, inv)
	if err != nil {
		return nil, err
	}
	out, err := remote.EncodeResult(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}
