package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Alexander-D-Karpov/parley/internal/messaging"
	"github.com/google/uuid"
)

var (
	ErrUnknownEvent   = errors.New("unknown event kind")
	ErrMalformedEvent = errors.New("malformed event")
)

type Kind string

const (
	KindCreated              Kind = "created"
	KindUpdated              Kind = "updated"
	KindDeleted              Kind = "deleted"
	KindMemberProfileChanged Kind = "memberProfileChanged"
)

// Payload is implemented only by the event types in this package.
type Payload interface {
	Kind() Kind
	isPayload()
}

type MessageCreated struct {
	Message messaging.Message `json:"message"`
}

type MessageUpdated struct {
	Message messaging.Message `json:"message"`
}

type MessageDeleted struct {
	MessageID string `json:"message_id"`
}

type MemberProfileChanged struct {
	AuthorID       string `json:"author_id"`
	DisplayName    string `json:"display_name"`
	AvatarURL      string `json:"avatar_url"`
	HasCustomName  bool   `json:"has_custom_name"`
	HasCustomImage bool   `json:"has_custom_image"`
}

func (MessageCreated) Kind() Kind       { return KindCreated }
func (MessageUpdated) Kind() Kind       { return KindUpdated }
func (MessageDeleted) Kind() Kind       { return KindDeleted }
func (MemberProfileChanged) Kind() Kind { return KindMemberProfileChanged }

func (MessageCreated) isPayload()       {}
func (MessageUpdated) isPayload()       {}
func (MessageDeleted) isPayload()       {}
func (MemberProfileChanged) isPayload() {}

type Event struct {
	ID        string
	Topic     string
	CreatedAt time.Time
	Payload   Payload
}

func New(topic string, payload Payload) Event {
	return Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
}

type envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	CreatedAt time.Time       `json:"created_at"`
	Kind      Kind            `json:"kind"`
	Data      json.RawMessage `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedEvent)
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(envelope{
		ID:        e.ID,
		Topic:     e.Topic,
		CreatedAt: e.CreatedAt,
		Kind:      e.Payload.Kind(),
		Data:      data,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var payload Payload
	switch env.Kind {
	case KindCreated:
		var p MessageCreated
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		payload = p
	case KindUpdated:
		var p MessageUpdated
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		payload = p
	case KindDeleted:
		var p MessageDeleted
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		payload = p
	case KindMemberProfileChanged:
		var p MemberProfileChanged
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		payload = p
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Kind)
	}

	*e = Event{
		ID:        env.ID,
		Topic:     env.Topic,
		CreatedAt: env.CreatedAt,
		Payload:   payload,
	}
	return e.Validate()
}

// Validate rejects events whose payload lacks the identity it refers to.
func (e Event) Validate() error {
	switch p := e.Payload.(type) {
	case MessageCreated:
		if p.Message.ID == "" {
			return fmt.Errorf("%w: created without message id", ErrMalformedEvent)
		}
	case MessageUpdated:
		if p.Message.ID == "" {
			return fmt.Errorf("%w: updated without message id", ErrMalformedEvent)
		}
	case MessageDeleted:
		if p.MessageID == "" {
			return fmt.Errorf("%w: deleted without message id", ErrMalformedEvent)
		}
	case MemberProfileChanged:
		if p.AuthorID == "" {
			return fmt.Errorf("%w: profile change without author id", ErrMalformedEvent)
		}
	case nil:
		return fmt.Errorf("%w: missing payload", ErrMalformedEvent)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, p)
	}
	return nil
}

func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		if errors.Is(err, ErrUnknownEvent) || errors.Is(err, ErrMalformedEvent) {
			return Event{}, err
		}
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return e, nil
}
