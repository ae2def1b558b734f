package api

import (
	"time"

	"github.com/Alexander-D-Karpov/parley/internal/middleware"
	"github.com/Alexander-D-Karpov/parley/internal/observability"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const maxMessageSize = 4 * 1024 * 1024

// NewServer builds a gRPC server with the Parley service, the standard
// health service and reflection registered. Extra interceptors run after
// the timeout and before validation.
func NewServer(handler ParleyServer, logger *zap.Logger, metrics *observability.Metrics, requestTimeout time.Duration, extra ...grpc.UnaryServerInterceptor) (*grpc.Server, *health.Server) {
	unary := []grpc.UnaryServerInterceptor{
		middleware.RecoveryInterceptor(logger),
		observability.RequestIDInterceptor(logger),
	}
	stream := []grpc.StreamServerInterceptor{
		middleware.StreamRecoveryInterceptor(logger),
	}
	if metrics != nil {
		unary = append(unary, metrics.UnaryServerInterceptor())
		stream = append(stream, metrics.StreamServerInterceptor())
	}
	unary = append(unary, middleware.TimeoutInterceptor(requestTimeout))
	unary = append(unary, extra...)
	unary = append(unary, middleware.ValidationInterceptor())

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)

	Register(server, handler)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)

	return server, healthServer
}
