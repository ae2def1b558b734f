package messaging

import (
	"slices"
	"time"
)

type Kind int

const (
	KindChannel Kind = iota
	KindThreadReply
	KindDirect
)

func (k Kind) String() string {
	switch k {
	case KindChannel:
		return "channel"
	case KindThreadReply:
		return "thread_reply"
	case KindDirect:
		return "direct"
	default:
		return "unknown"
	}
}

type Author struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	AvatarURL      string `json:"avatar_url,omitempty"`
	HasCustomName  bool   `json:"has_custom_name,omitempty"`
	HasCustomImage bool   `json:"has_custom_image,omitempty"`
}

type Message struct {
	ID           string      `json:"id"`
	Content      string      `json:"content"`
	Author       Author      `json:"author"`
	WorkspaceID  string      `json:"workspace_id,omitempty"`
	ChannelID    string      `json:"channel_id,omitempty"`
	Participants []string    `json:"participants,omitempty"`
	ParentID     string      `json:"parent_id,omitempty"`
	ThreadID     string      `json:"thread_id,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Reactions    []Reaction  `json:"reactions,omitempty"`
	Attachment   *Attachment `json:"attachment,omitempty"`
	ReplyCount   int         `json:"reply_count,omitempty"`
	IsVectorized bool        `json:"is_vectorized"`
	Nonce        string      `json:"nonce,omitempty"`

	// ReactionsUpdatedAt moves when the reaction set changes. UpdatedAt
	// only moves on content edits.
	ReactionsUpdatedAt time.Time `json:"reactions_updated_at,omitzero"`

	// Provisional marks a locally appended entry that has not been confirmed
	// by the write path. Never serialized.
	Provisional bool `json:"-"`
}

type Reaction struct {
	ID     string `json:"id"`
	Emoji  string `json:"emoji"`
	UserID string `json:"user_id"`
}

type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
}

func (m *Message) Kind() Kind {
	switch {
	case m.ParentID != "":
		return KindThreadReply
	case len(m.Participants) > 0:
		return KindDirect
	default:
		return KindChannel
	}
}

func (m *Message) IsThreadReply() bool {
	return m.ParentID != ""
}

func (m *Message) IsDM() bool {
	return len(m.Participants) > 0
}

func (m *Message) Edited() bool {
	return !m.UpdatedAt.IsZero() && !m.UpdatedAt.Equal(m.CreatedAt)
}

// Locator returns the conversation the message is displayed in. Thread
// replies report the owning channel.
func (m *Message) Locator() Locator {
	if m.IsDM() {
		return DirectLocator(m.Participants[0], m.Participants[len(m.Participants)-1])
	}
	return ChannelLocator(m.WorkspaceID, m.ChannelID)
}

func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if m.IsDM() {
		if len(m.Participants) != 2 {
			return ErrInvalidConversation
		}
		if m.ChannelID != "" || m.ParentID != "" {
			return ErrInvalidConversation
		}
		return nil
	}
	if m.ChannelID == "" {
		return ErrInvalidConversation
	}
	if (m.ParentID == "") != (m.ThreadID == "") {
		return ErrInvalidConversation
	}
	return nil
}

func (m *Message) HasReaction(userID, emoji string) bool {
	return m.reactionIndex(userID, emoji) >= 0
}

func (m *Message) reactionIndex(userID, emoji string) int {
	return slices.IndexFunc(m.Reactions, func(r Reaction) bool {
		return r.UserID == userID && r.Emoji == emoji
	})
}

// ToggleReaction adds the (user, emoji) reaction or removes it when it is
// already present. It reports whether the reaction was added.
func (m *Message) ToggleReaction(r Reaction) bool {
	if i := m.reactionIndex(r.UserID, r.Emoji); i >= 0 {
		m.Reactions = slices.Delete(m.Reactions, i, i+1)
		return false
	}
	m.Reactions = append(m.Reactions, r)
	return true
}

// Clone returns a deep copy so callers cannot alias store-owned slices.
func (m *Message) Clone() Message {
	c := *m
	c.Participants = slices.Clone(m.Participants)
	c.Reactions = slices.Clone(m.Reactions)
	if m.Attachment != nil {
		att := *m.Attachment
		c.Attachment = &att
	}
	return c
}

// Compare orders messages by creation time, ties broken by id.
func Compare(a, b *Message) int {
	if a.CreatedAt.Before(b.CreatedAt) {
		return -1
	}
	if a.CreatedAt.After(b.CreatedAt) {
		return 1
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
