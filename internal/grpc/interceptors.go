package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/remote"
	"github.com/oriys/quasar/internal/rpc"
)

// loggingInterceptor logs all gRPC requests
func loggingInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()
	requestID := requestIDFromMetadata(ctx)

	logging.Op().Debug("gRPC request started",
		"method", info.FullMethod,
		"request_id", requestID,
	)

	resp, err := handler(ctx, req)

	duration := time.Since(start)

	if err != nil {
		logging.Op().Warn("gRPC request failed",
			"method", info.FullMethod,
			"request_id", requestID,
			"duration", duration,
			"error", err,
		)
	} else {
		logging.Op().Debug("gRPC request completed",
			"method", info.FullMethod,
			"request_id", requestID,
			"duration", duration,
		)
	}

	return resp, err
}

// tracingInterceptor continues the caller's trace in a server span.
func tracingInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	ctx = observability.ExtractGRPCMetadata(ctx)
	ctx, span := observability.StartServerSpan(ctx, info.FullMethod,
		observability.AttrRequestID.String(requestIDFromMetadata(ctx)),
	)
	defer span.End()

	resp, err := handler(ctx, req)
	if err != nil {
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
	}
	return resp, err
}

// errorHandlingInterceptor converts invocation errors to gRPC status codes
// and turns handler panics into errors.
func errorHandlingInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (resp interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			logging.Op().Error("gRPC handler panicked", "method", info.FullMethod, "panic", p)
			resp, err = nil, remote.StatusFromError(rpc.NewError(rpc.CodeUnknown, "handler panicked: %v", p))
		}
	}()

	resp, err = handler(ctx, req)
	if err != nil {
		return nil, remote.StatusFromError(err)
	}
	return resp, nil
}

func requestIDFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(remote.MetadataRequestID); len(v) > 0 {
		return v[0]
	}
	return ""
}
