package grpcx

import (
	"context"

	"github.com/md-rashed-zaman/userevents/libs/tracectx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Metadata keys are lowercase per gRPC conventions.
const (
	RequestIDMetadataKey = "x-request-id"
	TraceIDMetadataKey   = "x-trace-id"
)

// UnaryServerTraceIDInterceptor resolves the trace id from incoming metadata,
// binds it to the handler context and echoes it back in response headers.
func UnaryServerTraceIDInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		inbound := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(RequestIDMetadataKey); len(vals) > 0 {
				inbound = vals[0]
			}
		}
		id := tracectx.Resolve(inbound)
		_ = grpc.SetHeader(ctx, metadata.Pairs(TraceIDMetadataKey, id))
		return handler(tracectx.With(ctx, id), req)
	}
}
