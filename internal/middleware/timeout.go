package middleware

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TimeoutInterceptor bounds every unary call. Handlers observe the deadline
// through their context.
func TimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := handler(ctx, req)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			if _, ok := status.FromError(err); !ok || status.Code(err) == codes.Unknown {
				return nil, status.Errorf(codes.DeadlineExceeded, "request timeout exceeded")
			}
		}
		return resp, err
	}
}
