package ratelimit

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Caller is implemented by requests that name the user making them.
type Caller interface {
	CallerID() string
}

type Interceptor struct {
	limiter *Limiter
}

func NewInterceptor(limiter *Limiter) *Interceptor {
	return &Interceptor{limiter: limiter}
}

func (i *Interceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if !i.limiter.Allow(ctx, classify(info.FullMethod), callerKey(ctx, req)) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded, please try again later")
		}
		return handler(ctx, req)
	}
}

func classify(method string) Class {
	name := method[strings.LastIndex(method, "/")+1:]
	switch {
	case name == "SuggestReply" || name == "RetrieveContext":
		return ClassAssist
	case strings.Contains(name, "Message") || name == "ToggleReaction":
		return ClassMessage
	default:
		return ClassDefault
	}
}

func callerKey(ctx context.Context, req any) string {
	if c, ok := req.(Caller); ok {
		if id := c.CallerID(); id != "" {
			return "user:" + id
		}
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if xff := md.Get("x-forwarded-for"); len(xff) > 0 {
			return "ip:" + strings.TrimSpace(strings.Split(xff[0], ",")[0])
		}
		if realIP := md.Get("x-real-ip"); len(realIP) > 0 {
			return "ip:" + realIP[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return "addr:" + p.Addr.String()
	}
	return "anonymous"
}
