package api

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	apperrors "github.com/Alexander-D-Karpov/parley/internal/common/errors"
	"github.com/Alexander-D-Karpov/parley/internal/messages"
	"github.com/Alexander-D-Karpov/parley/internal/messaging"
	"github.com/Alexander-D-Karpov/parley/internal/observability"
	"github.com/Alexander-D-Karpov/parley/internal/retrieval"
	"github.com/Alexander-D-Karpov/parley/internal/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeWriter struct {
	sent    messaging.Message
	profile messages.Member
}

func (w *fakeWriter) SendMessage(_ context.Context, draft messaging.Message) (messaging.Message, error) {
	w.sent = draft
	draft.ID = "42"
	return draft, nil
}

func (w *fakeWriter) EditMessage(_ context.Context, userID, messageID, content string) (messaging.Message, error) {
	if userID != "u1" {
		return messaging.Message{}, apperrors.Forbidden("only the author can change this message")
	}
	return messaging.Message{ID: messageID, Content: content}, nil
}

func (w *fakeWriter) DeleteMessage(context.Context, string, string) error {
	return apperrors.NotFound("message not found")
}

func (w *fakeWriter) ToggleReaction(_ context.Context, userID, messageID, emoji string) (messaging.Message, error) {
	return messaging.Message{ID: messageID, Reactions: []messaging.Reaction{{UserID: userID, Emoji: emoji}}}, nil
}

func (w *fakeWriter) UpdateProfile(_ context.Context, m messages.Member) error {
	w.profile = m
	return nil
}

type fakeRetriever struct{}

func (fakeRetriever) RetrieveContext(_ context.Context, _ string, f retrieval.Filters, _ int) ([]vectorindex.Match, error) {
	return []vectorindex.Match{{
		ID:    "m1",
		Score: 0.9,
		Metadata: vectorindex.Metadata{
			AuthorID:  f.AuthorID,
			Content:   "yep",
			CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}}, nil
}

type fakeReader struct {
	loc messaging.Locator
}

func (r *fakeReader) FetchConversationMessages(_ context.Context, loc messaging.Locator) ([]messaging.Message, error) {
	r.loc = loc
	return []messaging.Message{{ID: "1", Content: "first"}, {ID: "2", Content: "second"}}, nil
}

func (r *fakeReader) FetchThreadReplies(_ context.Context, parentID string) ([]messaging.Message, error) {
	return []messaging.Message{{ID: "3", ParentID: parentID}}, nil
}

type failingVectorizer struct{}

func (failingVectorizer) RunBatch(context.Context, int) (int, error) {
	return 0, errors.New("embedding service down")
}

func startServer(t *testing.T, handler *Handler) (*Client, *grpc.ClientConn) {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	metrics := observability.NewMetrics(zap.NewNop())
	server, _ := NewServer(handler, zap.NewNop(), metrics, 5*time.Second)

	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return NewClient(conn), conn
}

func TestSendMessageRoundTrip(t *testing.T) {
	writer := &fakeWriter{}
	client, _ := startServer(t, &Handler{Writer: writer})

	resp, err := client.SendMessage(context.Background(), &SendMessageRequest{Message: messaging.Message{
		Content:   "hello",
		Author:    messaging.Author{ID: "u1"},
		ChannelID: "c1",
	}})
	require.NoError(t, err)
	assert.Equal(t, "42", resp.Message.ID)
	assert.Equal(t, "hello", writer.sent.Content)
}

func TestValidationRejectsIncompleteRequests(t *testing.T) {
	client, _ := startServer(t, &Handler{Writer: &fakeWriter{}})

	_, err := client.EditMessage(context.Background(), &EditMessageRequest{UserID: "u1"})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "content, message_id required")
}

func TestDomainErrorsMapToStatus(t *testing.T) {
	client, _ := startServer(t, &Handler{Writer: &fakeWriter{}, Vectorizer: failingVectorizer{}})

	_, err := client.EditMessage(context.Background(), &EditMessageRequest{UserID: "u2", MessageID: "m1", Content: "x"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = client.DeleteMessage(context.Background(), &DeleteMessageRequest{UserID: "u1", MessageID: "m1"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Vectorize(context.Background(), &VectorizeRequest{MinThreshold: 1})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	_, err = client.SuggestReply(context.Background(), &SuggestReplyRequest{UserID: "u1", Incoming: "hi"})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestRetrieveContextReturnsStyle(t *testing.T) {
	client, _ := startServer(t, &Handler{Retriever: fakeRetriever{}})

	resp, err := client.RetrieveContext(context.Background(), &RetrieveContextRequest{Prompt: "lunch?", AuthorID: "u1"})
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "u1 (2024-01-01T00:00:00Z): yep", resp.StyleContext)
}

func TestUpdateProfile(t *testing.T) {
	writer := &fakeWriter{}
	client, _ := startServer(t, &Handler{Writer: writer})

	_, err := client.UpdateProfile(context.Background(), &UpdateProfileRequest{UserID: "u1", DisplayName: "Ada", HasCustomName: true})
	require.NoError(t, err)
	assert.Equal(t, "Ada", writer.profile.DisplayName)
	assert.True(t, writer.profile.HasCustomName)
}

func TestHealthServiceRegistered(t *testing.T) {
	_, conn := startServer(t, &Handler{})

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestRemoteFetchesDirectConversation(t *testing.T) {
	reader := &fakeReader{}
	client, _ := startServer(t, &Handler{Reader: reader})
	remote := client.Remote()

	msgs, err := remote.FetchConversationMessages(context.Background(), messaging.DirectLocator("bob", "alice"))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "dm:alice:bob", reader.loc.Topic())

	replies, err := remote.FetchThreadReplies(context.Background(), "1")
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "1", replies[0].ParentID)
}

func TestRemoteWritesPropagateErrors(t *testing.T) {
	client, _ := startServer(t, &Handler{Writer: &fakeWriter{}})
	remote := client.Remote()

	msg, err := remote.ToggleReaction(context.Background(), "u1", "m1", "👍")
	require.NoError(t, err)
	assert.True(t, msg.HasReaction("u1", "👍"))

	err = remote.DeleteMessage(context.Background(), "u1", "m1")
	assert.Equal(t, codes.NotFound, status.Code(err))
}
