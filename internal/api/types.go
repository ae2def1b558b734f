package api

import (
	"errors"
	"slices"
	"strings"

	"github.com/Alexander-D-Karpov/parley/internal/messaging"
	"github.com/Alexander-D-Karpov/parley/internal/vectorindex"
)

type Empty struct{}

type SendMessageRequest struct {
	Message messaging.Message `json:"message"`
}

func (r *SendMessageRequest) Validate() error {
	if r.Message.Author.ID == "" {
		return errors.New("message.author.id is required")
	}
	if r.Message.ChannelID == "" && len(r.Message.Participants) == 0 && r.Message.ParentID == "" {
		return errors.New("message needs a channel, participants or parent")
	}
	return nil
}

func (r *SendMessageRequest) CallerID() string { return r.Message.Author.ID }

type MessageResponse struct {
	Message messaging.Message `json:"message"`
}

type EditMessageRequest struct {
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

func (r *EditMessageRequest) Validate() error {
	return required(map[string]string{"user_id": r.UserID, "message_id": r.MessageID, "content": r.Content})
}

func (r *EditMessageRequest) CallerID() string { return r.UserID }

type DeleteMessageRequest struct {
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
}

func (r *DeleteMessageRequest) Validate() error {
	return required(map[string]string{"user_id": r.UserID, "message_id": r.MessageID})
}

func (r *DeleteMessageRequest) CallerID() string { return r.UserID }

type ToggleReactionRequest struct {
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

func (r *ToggleReactionRequest) Validate() error {
	return required(map[string]string{"user_id": r.UserID, "message_id": r.MessageID, "emoji": r.Emoji})
}

func (r *ToggleReactionRequest) CallerID() string { return r.UserID }

type UpdateProfileRequest struct {
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name"`
	AvatarURL      string `json:"avatar_url"`
	HasCustomName  bool   `json:"has_custom_name"`
	HasCustomImage bool   `json:"has_custom_image"`
}

func (r *UpdateProfileRequest) Validate() error {
	return required(map[string]string{"user_id": r.UserID})
}

func (r *UpdateProfileRequest) CallerID() string { return r.UserID }

type FetchConversationRequest struct {
	WorkspaceID  string   `json:"workspace_id"`
	ChannelID    string   `json:"channel_id"`
	Participants []string `json:"participants"`
}

func (r *FetchConversationRequest) Validate() error {
	if r.ChannelID == "" && len(r.Participants) != 2 {
		return errors.New("channel_id or exactly two participants are required")
	}
	return nil
}

func (r *FetchConversationRequest) Locator() messaging.Locator {
	if r.ChannelID != "" {
		return messaging.ChannelLocator(r.WorkspaceID, r.ChannelID)
	}
	return messaging.DirectLocator(r.Participants[0], r.Participants[1])
}

type FetchThreadRequest struct {
	ParentID string `json:"parent_id"`
}

func (r *FetchThreadRequest) Validate() error {
	return required(map[string]string{"parent_id": r.ParentID})
}

type MessagesResponse struct {
	Messages []messaging.Message `json:"messages"`
}

type RetrieveContextRequest struct {
	Prompt      string `json:"prompt"`
	AuthorID    string `json:"author_id"`
	ChannelID   string `json:"channel_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	TopK        int    `json:"top_k,omitempty"`
}

func (r *RetrieveContextRequest) Validate() error {
	return required(map[string]string{"prompt": r.Prompt, "author_id": r.AuthorID})
}

func (r *RetrieveContextRequest) CallerID() string { return r.AuthorID }

type RetrieveContextResponse struct {
	Matches      []vectorindex.Match `json:"matches"`
	StyleContext string              `json:"style_context"`
}

type SuggestReplyRequest struct {
	UserID      string `json:"user_id"`
	Incoming    string `json:"incoming"`
	ChannelID   string `json:"channel_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

func (r *SuggestReplyRequest) Validate() error {
	return required(map[string]string{"user_id": r.UserID, "incoming": r.Incoming})
}

func (r *SuggestReplyRequest) CallerID() string { return r.UserID }

type SuggestReplyResponse struct {
	Reply string `json:"reply"`
}

type VectorizeRequest struct {
	MinThreshold int `json:"min_threshold"`
}

func (r *VectorizeRequest) Validate() error {
	if r.MinThreshold < 0 {
		return errors.New("min_threshold must not be negative")
	}
	return nil
}

type VectorizeResponse struct {
	Processed int `json:"processed"`
}

func required(fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return errors.New(strings.Join(missing, ", ") + " required")
}
