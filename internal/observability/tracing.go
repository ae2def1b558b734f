package observability

import (
	"context"

	"github.com/Alexander-D-Karpov/parley/internal/common/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// RequestIDInterceptor tags each request with a request id taken from the
// x-request-id header or generated, and stores a scoped logger in the
// context for logging.FromContext.
func RequestIDInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		requestID := headerOr(ctx, "x-request-id")

		ctx = logging.WithLogger(ctx, logger.With(zap.String("method", info.FullMethod)))
		ctx = logging.WithRequestID(ctx, requestID)

		_ = grpc.SetHeader(ctx, metadata.Pairs("x-request-id", requestID))
		return handler(ctx, req)
	}
}

func headerOr(ctx context.Context, key string) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(key); len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
	}
	return uuid.NewString()
}
