package messaging

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingID           = errors.New("message id is required")
	ErrInvalidConversation = errors.New("message must belong to exactly one of channel, thread or direct conversation")
	ErrInvalidTopic        = errors.New("invalid topic")
)

const (
	channelTopicPrefix = "channel:"
	directTopicPrefix  = "dm:"
)

// Locator identifies a channel or a direct conversation. Direct locators
// always hold their participants in sorted order.
type Locator struct {
	WorkspaceID  string    `json:"workspace_id,omitempty"`
	ChannelID    string    `json:"channel_id,omitempty"`
	Participants [2]string `json:"participants,omitempty"`
}

func ChannelLocator(workspaceID, channelID string) Locator {
	return Locator{WorkspaceID: workspaceID, ChannelID: channelID}
}

func DirectLocator(userA, userB string) Locator {
	if userA > userB {
		userA, userB = userB, userA
	}
	return Locator{Participants: [2]string{userA, userB}}
}

func (l Locator) IsDirect() bool {
	return l.ChannelID == "" && l.Participants[0] != ""
}

func (l Locator) IsZero() bool {
	return l.ChannelID == "" && l.Participants[0] == "" && l.Participants[1] == ""
}

// Topic is the broker topic for the conversation. Threads share their
// channel's topic.
func (l Locator) Topic() string {
	if l.IsDirect() {
		return directTopicPrefix + l.Participants[0] + ":" + l.Participants[1]
	}
	return channelTopicPrefix + l.ChannelID
}

func (l Locator) String() string {
	return l.Topic()
}

// Contains reports whether msg is displayed in this conversation, ignoring
// whether it is a thread reply.
func (l Locator) Contains(msg *Message) bool {
	if l.IsDirect() {
		if len(msg.Participants) != 2 {
			return false
		}
		return DirectLocator(msg.Participants[0], msg.Participants[1]).Participants == l.Participants
	}
	return l.ChannelID != "" && msg.ChannelID == l.ChannelID
}

// TopicForChannel derives the topic of a channel conversation.
func TopicForChannel(channelID string) string {
	return ChannelLocator("", channelID).Topic()
}

// TopicForDirect derives the topic of a direct conversation; the result does
// not depend on argument order.
func TopicForDirect(userA, userB string) string {
	return DirectLocator(userA, userB).Topic()
}

func ParseTopic(topic string) (Locator, error) {
	switch {
	case strings.HasPrefix(topic, channelTopicPrefix):
		id := strings.TrimPrefix(topic, channelTopicPrefix)
		if id == "" {
			return Locator{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
		}
		return ChannelLocator("", id), nil
	case strings.HasPrefix(topic, directTopicPrefix):
		parts := strings.Split(strings.TrimPrefix(topic, directTopicPrefix), ":")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Locator{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
		}
		return DirectLocator(parts[0], parts[1]), nil
	default:
		return Locator{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
}
