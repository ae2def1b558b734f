package api

import (
	"context"

	"github.com/Alexander-D-Karpov/parley/internal/common/errors"
	"github.com/Alexander-D-Karpov/parley/internal/messages"
	"github.com/Alexander-D-Karpov/parley/internal/realtime"
	"github.com/Alexander-D-Karpov/parley/internal/retrieval"
	"github.com/Alexander-D-Karpov/parley/internal/vectorindex"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

const ServiceName = "parley.v1.Parley"

// ParleyServer is the service surface registered with gRPC.
type ParleyServer interface {
	SendMessage(ctx context.Context, req *SendMessageRequest) (*MessageResponse, error)
	EditMessage(ctx context.Context, req *EditMessageRequest) (*MessageResponse, error)
	DeleteMessage(ctx context.Context, req *DeleteMessageRequest) (*Empty, error)
	ToggleReaction(ctx context.Context, req *ToggleReactionRequest) (*MessageResponse, error)
	UpdateProfile(ctx context.Context, req *UpdateProfileRequest) (*Empty, error)
	FetchConversation(ctx context.Context, req *FetchConversationRequest) (*MessagesResponse, error)
	FetchThread(ctx context.Context, req *FetchThreadRequest) (*MessagesResponse, error)
	RetrieveContext(ctx context.Context, req *RetrieveContextRequest) (*RetrieveContextResponse, error)
	SuggestReply(ctx context.Context, req *SuggestReplyRequest) (*SuggestReplyResponse, error)
	Vectorize(ctx context.Context, req *VectorizeRequest) (*VectorizeResponse, error)
}

type Writer interface {
	realtime.Writer
	UpdateProfile(ctx context.Context, member messages.Member) error
}

type Retriever interface {
	RetrieveContext(ctx context.Context, prompt string, filters retrieval.Filters, topK int) ([]vectorindex.Match, error)
}

type Suggester interface {
	SuggestReply(ctx context.Context, userID, incoming string, filters retrieval.Filters) (string, error)
}

type Vectorizer interface {
	RunBatch(ctx context.Context, minThreshold int) (int, error)
}

// Handler adapts the domain services to ParleyServer. Collaborators left
// nil answer Unimplemented.
type Handler struct {
	Writer     Writer
	Reader     realtime.Fetcher
	Retriever  Retriever
	Suggester  Suggester
	Vectorizer Vectorizer
}

var errUnimplemented = errors.NewAppError(codes.Unimplemented, "method not enabled on this server", nil)

func (h *Handler) SendMessage(ctx context.Context, req *SendMessageRequest) (*MessageResponse, error) {
	if h.Writer == nil {
		return nil, errors.ToGRPCError(errUnimplemented)
	}
	msg, err := h.Writer.SendMessage(ctx, req.Message)
	if err != nil {
		return nil, errors.ToGRPCError(err)
	}
	return &MessageResponse{Message: msg}, nil
}

func (h *Handler) EditMessage(ctx context.Context, req *EditMessageRequest) (*MessageResponse, error) {
	if h.Writer == nil {
		return nil, errors.ToGRPCError(errUnimplemented)
	}
	msg, err := h.Writer.EditMessage(ctx, req.UserID, req.MessageID, req.Content)
	if err != nil {
		return nil, errors.ToGRPCError(err)
	}
	return &MessageResponse{Message: msg}, nil
}

func (h *Handler) DeleteMessage(ctx context.Context, req *DeleteMessageRequest) (*Empty, error) {
	if h.Writer == nil {
		return nil, errors.ToGRPCError(errUnimplemented)
	}
	if err := h.Writer.DeleteMessage(ctx, req.UserID, req.MessageID); err != nil {
		return nil, errors.ToGRPCError(err)
	}
	return &Empty{}, nil
}

func (h *Handler) ToggleReaction(ctx context.Context, req *ToggleReactionRequest) (*MessageResponse, error) {
	if h.Writer == nil {
		return nil, errors.ToGRPCError(errUnimplemented)
	}
	msg, err := h.Writer.ToggleReaction(ctx, req.UserID, req.MessageID, req.Emoji)
	if err != nil {
		return nil, errors.ToGRPCError(err)
	}
	return &MessageResponse{Message: msg}, nil
}

func (h *Handler) UpdateProfile(ctx context.Context, req *UpdateProfileRequest) (*Empty, error) {
	if h.Writer == nil {
		return nil, errors.ToGRPCError(errUnimplemented)
	}
	err := h.Writer.UpdateProfile(ctx, messages.Member{
		ID:             req.UserID,
		DisplayName:    req.DisplayName,
		AvatarURL:      req.AvatarURL,
		HasCustomName:  req.HasCustomName,
		HasCustomImage: req.HasCustomImage,
	})
	if err != nil {
		return nil, errors.ToGRPCError(err)
	}
	return &Empty{}, nil
}

func (h *Handler) FetchConversation(ctx context.Context, req *FetchConversationRequest) (*MessagesResponse, error) {
	if h.Reader == nil {
		return nil, errors.ToGRPCError(errUnimplemented)
	}
	msgs, err := h.Reader.FetchConversationMessages(ctx, req.Locator())
	if err != nil {
		return nil, errors.ToGRPCError(err)
	}
	return &MessagesResponse{Messages: msgs}, nil
}

func (h *Handler) FetchThread(ctx context.Context, req *FetchThreadRequest) (*MessagesResponse, error) {
	if h.Reader == nil {
		return nil, errors.ToGRPCError(errUnimplemented)
	}
	msgs, err := h.Reader.FetchThreadReplies(ctx, req.ParentID)
	if err != nil {
		return nil, errors.ToGRPCError(err)
	}
	return &MessagesResponse{Messages: msgs}, nil
}

func (h *Handler) RetrieveContext(ctx context.Context, req *RetrieveContextRequest) (*RetrieveContextResponse, error) {
	if h.Retriever == nil {
		return nil, errors.ToGRPCError(errUnimplemented)
	}
	matches, err := h.Retriever.RetrieveContext(ctx, req.Prompt, retrieval.Filters{
		AuthorID:    req.AuthorID,
		ChannelID:   req.ChannelID,
		WorkspaceID: req.WorkspaceID,
	}, req.TopK)
	if err != nil {
		return nil, errors.ToGRPCError(err)
	}
	return &RetrieveContextResponse{
		Matches:      matches,
		StyleContext: retrieval.BuildStyleContext(matches),
	}, nil
}

func (h *Handler) SuggestReply(ctx context.Context, req *SuggestReplyRequest) (*SuggestReplyResponse, error) {
	if h.Suggester == nil {
		return nil, errors.ToGRPCError(errUnimplemented)
	}
	reply, err := h.Suggester.SuggestReply(ctx, req.UserID, req.Incoming, retrieval.Filters{
		ChannelID:   req.ChannelID,
		WorkspaceID: req.WorkspaceID,
	})
	if err != nil {
		return nil, errors.ToGRPCError(err)
	}
	return &SuggestReplyResponse{Reply: reply}, nil
}

func (h *Handler) Vectorize(ctx context.Context, req *VectorizeRequest) (*VectorizeResponse, error) {
	if h.Vectorizer == nil {
		return nil, errors.ToGRPCError(errUnimplemented)
	}
	n, err := h.Vectorizer.RunBatch(ctx, req.MinThreshold)
	if err != nil {
		return nil, errors.ToGRPCError(errors.Unavailable("vectorization failed", err))
	}
	return &VectorizeResponse{Processed: n}, nil
}

func Register(s grpc.ServiceRegistrar, srv ParleyServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ParleyServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SendMessage", ParleyServer.SendMessage),
		unary("EditMessage", ParleyServer.EditMessage),
		unary("DeleteMessage", ParleyServer.DeleteMessage),
		unary("ToggleReaction", ParleyServer.ToggleReaction),
		unary("UpdateProfile", ParleyServer.UpdateProfile),
		unary("FetchConversation", ParleyServer.FetchConversation),
		unary("FetchThread", ParleyServer.FetchThread),
		unary("RetrieveContext", ParleyServer.RetrieveContext),
		unary("SuggestReply", ParleyServer.SuggestReply),
		unary("Vectorize", ParleyServer.Vectorize),
	},
	Metadata: "parley/v1/parley.json",
}

func unary[Req, Resp any](name string, call func(ParleyServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ParleyServer), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, handler)
		},
	}
}
