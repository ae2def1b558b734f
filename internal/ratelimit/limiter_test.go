package ratelimit

import (
	"context"
	"testing"

	"github.com/Alexander-D-Karpov/parley/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type request struct{ user string }

func (r request) CallerID() string { return r.user }

func TestLocalLimiterPerCaller(t *testing.T) {
	l := NewLimiter(nil, map[Class]LimitConfig{ClassDefault: {RequestsPerMinute: 1, Burst: 2}}, zap.NewNop())
	defer l.Close()
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, ClassMessage, "a"))
	assert.True(t, l.Allow(ctx, ClassMessage, "a"))
	assert.False(t, l.Allow(ctx, ClassMessage, "a"))
	assert.True(t, l.Allow(ctx, ClassMessage, "b"), "callers have separate budgets")

	require.NoError(t, l.Reset(ctx, ClassMessage, "a"))
	assert.True(t, l.Allow(ctx, ClassMessage, "a"))
}

func TestUnconfiguredClassIsUnlimited(t *testing.T) {
	l := NewLimiter(nil, map[Class]LimitConfig{}, zap.NewNop())
	defer l.Close()
	for range 100 {
		require.True(t, l.Allow(context.Background(), ClassAssist, "a"))
	}
}

func TestRedisLimiterWindow(t *testing.T) {
	c := testutil.GetCache(t)
	l := NewLimiter(c, map[Class]LimitConfig{ClassAssist: {RequestsPerMinute: 2, Burst: 1}}, zap.NewNop())
	defer l.Close()
	ctx := context.Background()

	for range 3 {
		require.True(t, l.Allow(ctx, ClassAssist, "u1"))
	}
	assert.False(t, l.Allow(ctx, ClassAssist, "u1"))

	require.NoError(t, l.Reset(ctx, ClassAssist, "u1"))
	assert.True(t, l.Allow(ctx, ClassAssist, "u1"))
}

func TestClassify(t *testing.T) {
	tests := map[string]Class{
		"/parley.v1.Parley/SendMessage":       ClassMessage,
		"/parley.v1.Parley/DeleteMessage":     ClassMessage,
		"/parley.v1.Parley/ToggleReaction":    ClassMessage,
		"/parley.v1.Parley/SuggestReply":      ClassAssist,
		"/parley.v1.Parley/RetrieveContext":   ClassAssist,
		"/parley.v1.Parley/FetchConversation": ClassDefault,
	}
	for method, want := range tests {
		assert.Equal(t, want, classify(method), method)
	}
}

func TestCallerKey(t *testing.T) {
	assert.Equal(t, "user:u1", callerKey(context.Background(), request{user: "u1"}))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-forwarded-for", "10.0.0.1, 10.0.0.2"))
	assert.Equal(t, "ip:10.0.0.1", callerKey(ctx, request{}))

	assert.Equal(t, "anonymous", callerKey(context.Background(), struct{}{}))
}

func TestInterceptorRejectsOverLimit(t *testing.T) {
	l := NewLimiter(nil, map[Class]LimitConfig{ClassDefault: {RequestsPerMinute: 1, Burst: 1}}, zap.NewNop())
	defer l.Close()
	unary := NewInterceptor(l).Unary()

	info := &grpc.UnaryServerInfo{FullMethod: "/parley.v1.Parley/FetchThread"}
	handler := func(context.Context, any) (any, error) { return "ok", nil }

	resp, err := unary(context.Background(), request{user: "u1"}, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	_, err = unary(context.Background(), request{user: "u1"}, info, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}
