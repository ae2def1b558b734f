package chat

import (
	"context"
	"strings"

	"github.com/Alexander-D-Karpov/parley/internal/common/errors"
	"github.com/Alexander-D-Karpov/parley/internal/events"
	"github.com/Alexander-D-Karpov/parley/internal/messages"
	"github.com/Alexander-D-Karpov/parley/internal/messaging"
	"github.com/Alexander-D-Karpov/parley/internal/tasks"
	"github.com/Alexander-D-Karpov/parley/internal/vectorindex"
	"go.uber.org/zap"
)

// Store is the persistence the write path needs.
type Store interface {
	Create(ctx context.Context, msg *messaging.Message) error
	GetByID(ctx context.Context, id string) (*messaging.Message, error)
	UpdateContent(ctx context.Context, id, content string) error
	SoftDelete(ctx context.Context, id string) (*messaging.Message, error)
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
	UpsertMember(ctx context.Context, m messages.Member) error
	ChannelsByAuthor(ctx context.Context, authorID string) ([]messaging.Locator, error)
}

type Submitter interface {
	Submit(name string, fn tasks.Func) bool
}

type VectorizeTrigger interface {
	Fire() bool
}

// Auditor records destructive writes. Failures are logged, never returned.
type Auditor interface {
	LogMessageEdit(ctx context.Context, userID, messageID string, previousLength int) error
	LogMessageDelete(ctx context.Context, userID, messageID, topic string) error
	LogProfileUpdate(ctx context.Context, userID string, conversations int) error
}

// Service persists writes and announces them on the conversation topic.
// Index maintenance is handed to the task queue and never fails a write.
type Service struct {
	repo    Store
	broker  events.Broker
	logger  *zap.Logger
	queue   Submitter
	trigger VectorizeTrigger
	index   vectorindex.Index
	audit   Auditor
}

func NewService(repo Store, broker events.Broker, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		broker: broker,
		logger: logger,
	}
}

// WithIndexing enables opportunistic vectorization after sends and index
// cleanup after deletes.
func (s *Service) WithIndexing(queue Submitter, trigger VectorizeTrigger, index vectorindex.Index) *Service {
	s.queue = queue
	s.trigger = trigger
	s.index = index
	return s
}

func (s *Service) WithAudit(auditor Auditor) *Service {
	s.audit = auditor
	return s
}

func (s *Service) SendMessage(ctx context.Context, draft messaging.Message) (messaging.Message, error) {
	if draft.Author.ID == "" {
		return messaging.Message{}, errors.BadRequest("author id is required")
	}
	draft.Content = strings.TrimSpace(draft.Content)
	if draft.Content == "" && draft.Attachment == nil {
		return messaging.Message{}, errors.BadRequest("content or attachment is required")
	}
	if draft.ParentID != "" {
		parent, err := s.repo.GetByID(ctx, draft.ParentID)
		if err != nil {
			return messaging.Message{}, err
		}
		if parent.IsThreadReply() || parent.IsDM() {
			return messaging.Message{}, errors.BadRequest("threads can only start from channel messages")
		}
		draft.WorkspaceID = parent.WorkspaceID
		draft.ChannelID = parent.ChannelID
		draft.ThreadID = parent.ID
	}

	draft.ID = ""
	draft.Reactions = nil
	draft.ReplyCount = 0
	draft.IsVectorized = false
	draft.Provisional = false

	if err := s.repo.Create(ctx, &draft); err != nil {
		return messaging.Message{}, err
	}

	msg, err := s.repo.GetByID(ctx, draft.ID)
	if err != nil {
		return messaging.Message{}, err
	}

	s.publish(ctx, msg.Locator(), events.MessageCreated{Message: *msg})
	if s.trigger != nil {
		s.trigger.Fire()
	}

	s.logger.Debug("message sent",
		zap.String("message_id", msg.ID),
		zap.String("author_id", msg.Author.ID),
		zap.Stringer("kind", msg.Kind()),
	)
	return *msg, nil
}

func (s *Service) EditMessage(ctx context.Context, userID, messageID, content string) (messaging.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return messaging.Message{}, errors.BadRequest("content is required")
	}

	previous, err := s.owned(ctx, userID, messageID)
	if err != nil {
		return messaging.Message{}, err
	}
	if err := s.repo.UpdateContent(ctx, messageID, content); err != nil {
		return messaging.Message{}, err
	}
	if s.audit != nil {
		s.auditErr(s.audit.LogMessageEdit(ctx, userID, messageID, len(previous.Content)))
	}

	msg, err := s.repo.GetByID(ctx, messageID)
	if err != nil {
		return messaging.Message{}, err
	}

	s.publish(ctx, msg.Locator(), events.MessageUpdated{Message: *msg})
	return *msg, nil
}

func (s *Service) DeleteMessage(ctx context.Context, userID, messageID string) error {
	if _, err := s.owned(ctx, userID, messageID); err != nil {
		return err
	}

	deleted, err := s.repo.SoftDelete(ctx, messageID)
	if err != nil {
		return err
	}

	s.publish(ctx, deleted.Locator(), events.MessageDeleted{MessageID: deleted.ID})
	if s.audit != nil {
		s.auditErr(s.audit.LogMessageDelete(ctx, userID, deleted.ID, deleted.Locator().Topic()))
	}

	if s.queue != nil && s.index != nil {
		id := deleted.ID
		s.queue.Submit("index-delete", func(ctx context.Context) error {
			return s.index.Delete(ctx, []string{id})
		})
	}
	return nil
}

func (s *Service) ToggleReaction(ctx context.Context, userID, messageID, emoji string) (messaging.Message, error) {
	if userID == "" || emoji == "" {
		return messaging.Message{}, errors.BadRequest("user id and emoji are required")
	}

	if _, err := s.repo.ToggleReaction(ctx, messageID, userID, emoji); err != nil {
		return messaging.Message{}, err
	}

	msg, err := s.repo.GetByID(ctx, messageID)
	if err != nil {
		return messaging.Message{}, err
	}

	s.publish(ctx, msg.Locator(), events.MessageUpdated{Message: *msg})
	return *msg, nil
}

// UpdateProfile stores the member profile and announces it on every
// conversation the member has written in.
func (s *Service) UpdateProfile(ctx context.Context, member messages.Member) error {
	if member.ID == "" {
		return errors.BadRequest("member id is required")
	}
	if err := s.repo.UpsertMember(ctx, member); err != nil {
		return err
	}

	locators, err := s.repo.ChannelsByAuthor(ctx, member.ID)
	if err != nil {
		return err
	}

	payload := events.MemberProfileChanged{
		AuthorID:       member.ID,
		DisplayName:    member.DisplayName,
		AvatarURL:      member.AvatarURL,
		HasCustomName:  member.HasCustomName,
		HasCustomImage: member.HasCustomImage,
	}
	for _, loc := range locators {
		s.publish(ctx, loc, payload)
	}
	if s.audit != nil {
		s.auditErr(s.audit.LogProfileUpdate(ctx, member.ID, len(locators)))
	}
	return nil
}

func (s *Service) owned(ctx context.Context, userID, messageID string) (*messaging.Message, error) {
	msg, err := s.repo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Author.ID != userID {
		return nil, errors.Forbidden("only the author can change this message")
	}
	return msg, nil
}

func (s *Service) auditErr(err error) {
	if err != nil {
		s.logger.Warn("failed to record audit event", zap.Error(err))
	}
}

// publish failures are logged only: the write is durable and subscribers
// catch up on their next backfill.
func (s *Service) publish(ctx context.Context, loc messaging.Locator, payload events.Payload) {
	topic := loc.Topic()
	if err := s.broker.Publish(ctx, topic, events.New(topic, payload)); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("topic", topic),
			zap.String("kind", string(payload.Kind())),
			zap.Error(err),
		)
	}
}
