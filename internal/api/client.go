package api

import (
	"context"

	"github.com/Alexander-D-Karpov/parley/internal/messaging"
	"google.golang.org/grpc"
)

// Client calls a Parley server over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest, opts ...grpc.CallOption) (*MessageResponse, error) {
	return invoke[MessageResponse](ctx, c, "SendMessage", req, opts...)
}

func (c *Client) EditMessage(ctx context.Context, req *EditMessageRequest, opts ...grpc.CallOption) (*MessageResponse, error) {
	return invoke[MessageResponse](ctx, c, "EditMessage", req, opts...)
}

func (c *Client) DeleteMessage(ctx context.Context, req *DeleteMessageRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, "DeleteMessage", req, opts...)
}

func (c *Client) ToggleReaction(ctx context.Context, req *ToggleReactionRequest, opts ...grpc.CallOption) (*MessageResponse, error) {
	return invoke[MessageResponse](ctx, c, "ToggleReaction", req, opts...)
}

func (c *Client) UpdateProfile(ctx context.Context, req *UpdateProfileRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, "UpdateProfile", req, opts...)
}

func (c *Client) FetchConversation(ctx context.Context, req *FetchConversationRequest, opts ...grpc.CallOption) (*MessagesResponse, error) {
	return invoke[MessagesResponse](ctx, c, "FetchConversation", req, opts...)
}

func (c *Client) FetchThread(ctx context.Context, req *FetchThreadRequest, opts ...grpc.CallOption) (*MessagesResponse, error) {
	return invoke[MessagesResponse](ctx, c, "FetchThread", req, opts...)
}

func (c *Client) RetrieveContext(ctx context.Context, req *RetrieveContextRequest, opts ...grpc.CallOption) (*RetrieveContextResponse, error) {
	return invoke[RetrieveContextResponse](ctx, c, "RetrieveContext", req, opts...)
}

func (c *Client) SuggestReply(ctx context.Context, req *SuggestReplyRequest, opts ...grpc.CallOption) (*SuggestReplyResponse, error) {
	return invoke[SuggestReplyResponse](ctx, c, "SuggestReply", req, opts...)
}

func (c *Client) Vectorize(ctx context.Context, req *VectorizeRequest, opts ...grpc.CallOption) (*VectorizeResponse, error) {
	return invoke[VectorizeResponse](ctx, c, "Vectorize", req, opts...)
}

// Remote presents a Client as the fetch and write sides of a realtime
// controller.
type Remote struct {
	client *Client
}

func (c *Client) Remote() *Remote {
	return &Remote{client: c}
}

func (r *Remote) FetchConversationMessages(ctx context.Context, loc messaging.Locator) ([]messaging.Message, error) {
	req := &FetchConversationRequest{WorkspaceID: loc.WorkspaceID, ChannelID: loc.ChannelID}
	if loc.IsDirect() {
		req.Participants = loc.Participants[:]
	}
	resp, err := r.client.FetchConversation(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (r *Remote) FetchThreadReplies(ctx context.Context, parentID string) ([]messaging.Message, error) {
	resp, err := r.client.FetchThread(ctx, &FetchThreadRequest{ParentID: parentID})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (r *Remote) SendMessage(ctx context.Context, draft messaging.Message) (messaging.Message, error) {
	resp, err := r.client.SendMessage(ctx, &SendMessageRequest{Message: draft})
	if err != nil {
		return messaging.Message{}, err
	}
	return resp.Message, nil
}

func (r *Remote) EditMessage(ctx context.Context, userID, messageID, content string) (messaging.Message, error) {
	resp, err := r.client.EditMessage(ctx, &EditMessageRequest{UserID: userID, MessageID: messageID, Content: content})
	if err != nil {
		return messaging.Message{}, err
	}
	return resp.Message, nil
}

func (r *Remote) DeleteMessage(ctx context.Context, userID, messageID string) error {
	_, err := r.client.DeleteMessage(ctx, &DeleteMessageRequest{UserID: userID, MessageID: messageID})
	return err
}

func (r *Remote) ToggleReaction(ctx context.Context, userID, messageID, emoji string) (messaging.Message, error) {
	resp, err := r.client.ToggleReaction(ctx, &ToggleReactionRequest{UserID: userID, MessageID: messageID, Emoji: emoji})
	if err != nil {
		return messaging.Message{}, err
	}
	return resp.Message, nil
}
