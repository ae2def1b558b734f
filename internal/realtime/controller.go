package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/Alexander-D-Karpov/parley/internal/common/errors"
	"github.com/Alexander-D-Karpov/parley/internal/events"
	"github.com/Alexander-D-Karpov/parley/internal/messagestore"
	"github.com/Alexander-D-Karpov/parley/internal/messaging"
	"github.com/Alexander-D-Karpov/parley/internal/observability"
	"github.com/Alexander-D-Karpov/parley/internal/retry"
	"go.uber.org/zap"
)

var (
	ErrClosed   = errors.New("sync controller is closed")
	ErrReadOnly = errors.New("sync controller has no writer")
)

const (
	threadFetchTimeout = 15 * time.Second
	resyncTimeout      = 30 * time.Second
)

type State int

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

// Fetcher is the read side of the persistence layer used for backfill.
type Fetcher interface {
	FetchConversationMessages(ctx context.Context, loc messaging.Locator) ([]messaging.Message, error)
	FetchThreadReplies(ctx context.Context, parentID string) ([]messaging.Message, error)
}

// Writer is the write path. Each call persists and publishes the matching
// event; the controller reconciles the returned message locally as well.
type Writer interface {
	SendMessage(ctx context.Context, draft messaging.Message) (messaging.Message, error)
	EditMessage(ctx context.Context, userID, messageID, content string) (messaging.Message, error)
	DeleteMessage(ctx context.Context, userID, messageID string) error
	ToggleReaction(ctx context.Context, userID, messageID, emoji string) (messaging.Message, error)
}

type subscription struct {
	locator messaging.Locator
	state   State
}

// Controller binds a Store to broker topics. The subscription registry is
// owned by the instance; Close releases every binding.
type Controller struct {
	broker  events.Broker
	fetcher Fetcher
	writer  Writer
	store   *messagestore.Store
	logger  *zap.Logger
	metrics *observability.Metrics
	retry   retry.Config
	onApply func(messaging.Locator, events.Event)

	// bindMu serializes broker subscribe and unsubscribe calls so each one
	// observes the registry as it is when the broker is touched.
	bindMu sync.Mutex

	mu       sync.Mutex
	subs     map[string]*subscription
	fetching map[string]bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(broker events.Broker, fetcher Fetcher, writer Writer, store *messagestore.Store, logger *zap.Logger) *Controller {
	cfg := retry.DefaultConfig()
	cfg.Retryable = apperrors.IsRetryable

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		broker:   broker,
		fetcher:  fetcher,
		writer:   writer,
		store:    store,
		logger:   logger,
		retry:    cfg,
		subs:     make(map[string]*subscription),
		fetching: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
	if n, ok := broker.(events.ReconnectNotifier); ok {
		n.OnReconnect(c.resubscribed)
	}
	return c
}

func (c *Controller) SetRetryConfig(cfg retry.Config) {
	if cfg.Retryable == nil {
		cfg.Retryable = apperrors.IsRetryable
	}
	c.retry = cfg
}

func (c *Controller) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

// OnApplied registers fn to run after each event that changed the store.
// Call before subscribing.
func (c *Controller) OnApplied(fn func(loc messaging.Locator, evt events.Event)) {
	c.onApply = fn
}

func (c *Controller) Store() *messagestore.Store {
	return c.store
}

// State reports the subscription state of loc's topic.
func (c *Controller) State(loc messaging.Locator) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, ok := c.subs[loc.Topic()]; ok {
		return sub.state
	}
	return StateUnsubscribed
}

func (c *Controller) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	return topics
}

// Subscribe binds loc's topic and backfills its messages. Subscribing a
// topic that is already subscribing or subscribed is a no-op.
func (c *Controller) Subscribe(ctx context.Context, loc messaging.Locator) error {
	if loc.IsZero() {
		return apperrors.BadRequest("conversation locator is empty")
	}
	topic := loc.Topic()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return nil
	}
	sub := &subscription{locator: loc, state: StateSubscribing}
	c.subs[topic] = sub
	c.mu.Unlock()

	bound, err := c.bind(ctx, topic, sub)
	if err != nil {
		c.forget(topic, sub)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	if !bound || !c.current(topic, sub) {
		// Unsubscribed while the broker handshake was in flight. A newer
		// subscription of the same topic keeps the binding.
		c.release(topic)
		return nil
	}

	if err := c.backfill(ctx, loc); err != nil {
		if c.forget(topic, sub) {
			c.release(topic)
		}
		return err
	}

	c.mu.Lock()
	if c.subs[topic] == sub {
		sub.state = StateSubscribed
	}
	c.mu.Unlock()

	c.logger.Debug("conversation subscribed", zap.String("topic", topic))
	return nil
}

func (c *Controller) backfill(ctx context.Context, loc messaging.Locator) error {
	var msgs []messaging.Message
	err := retry.WithBackoff(ctx, c.retry, func(ctx context.Context) error {
		var err error
		msgs, err = c.fetcher.FetchConversationMessages(ctx, loc)
		return err
	})
	if err != nil {
		return fmt.Errorf("backfill %s: %w", loc.Topic(), err)
	}

	applied := c.store.UpsertAll(msgs)
	c.logger.Debug("backfill applied",
		zap.String("topic", loc.Topic()),
		zap.Int("fetched", len(msgs)),
		zap.Int("applied", applied),
	)
	return nil
}

// bind subscribes topic at the broker on behalf of sub. It reports false
// without touching the broker when sub was already replaced or removed.
func (c *Controller) bind(ctx context.Context, topic string, sub *subscription) (bool, error) {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	if !c.current(topic, sub) {
		return false, nil
	}
	err := retry.WithBackoff(ctx, c.retry, func(ctx context.Context) error {
		return c.broker.Subscribe(ctx, topic, c.handlerFor(topic))
	})
	return err == nil, err
}

// release drops the broker binding of topic unless a subscription owns the
// topic again.
func (c *Controller) release(topic string) {
	if err := c.unbind(topic); err != nil {
		c.logger.Warn("failed to release topic",
			zap.String("topic", topic),
			zap.Error(err),
		)
	}
}

func (c *Controller) unbind(topic string) error {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	c.mu.Lock()
	_, owned := c.subs[topic]
	c.mu.Unlock()
	if owned {
		return nil
	}
	return c.broker.Unsubscribe(topic)
}

func (c *Controller) current(topic string, sub *subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[topic] == sub
}

func (c *Controller) forget(topic string, sub *subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[topic] != sub {
		return false
	}
	delete(c.subs, topic)
	return true
}

// Unsubscribe tears down loc's binding. It is safe in any state.
func (c *Controller) Unsubscribe(loc messaging.Locator) error {
	topic := loc.Topic()

	c.mu.Lock()
	_, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if err := c.unbind(topic); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	c.logger.Debug("conversation unsubscribed", zap.String("topic", topic))
	return nil
}

// SwitchTo leaves every other conversation and subscribes loc.
func (c *Controller) SwitchTo(ctx context.Context, loc messaging.Locator) error {
	target := loc.Topic()

	c.mu.Lock()
	var leaving []messaging.Locator
	for topic, sub := range c.subs {
		if topic != target {
			leaving = append(leaving, sub.locator)
		}
	}
	c.mu.Unlock()

	for _, l := range leaving {
		if err := c.Unsubscribe(l); err != nil {
			c.logger.Warn("failed to leave conversation",
				zap.String("topic", l.Topic()),
				zap.Error(err),
			)
		}
	}
	return c.Subscribe(ctx, loc)
}

// Resync refetches the backfill of a conversation, subscribing it first if
// needed. Events missed while the broker was unreachable are recovered this
// way.
func (c *Controller) Resync(ctx context.Context, loc messaging.Locator) error {
	if c.State(loc) == StateUnsubscribed {
		return c.Subscribe(ctx, loc)
	}
	return c.backfill(ctx, loc)
}

// resubscribed runs when the broker re-established topic after a transport
// failure. The refetch happens off the broker's dispatch goroutine.
func (c *Controller) resubscribed(topic string) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	var loc messaging.Locator
	if ok {
		loc = sub.locator
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.logger.Info("broker resubscribed, refetching conversation", zap.String("topic", topic))
	c.background(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, resyncTimeout)
		defer cancel()

		if !c.current(topic, sub) {
			return
		}
		if err := c.backfill(ctx, loc); err != nil {
			c.logger.Warn("failed to resync conversation",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
	})
}

// background runs fn on a goroutine tied to the controller's lifetime. It
// reports false once the controller is closed.
func (c *Controller) background(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
	return true
}

// OpenThread backfills a thread and returns its current view.
func (c *Controller) OpenThread(ctx context.Context, parentID string) (messaging.Message, []messaging.Message, error) {
	if err := c.loadThread(ctx, parentID); err != nil {
		return messaging.Message{}, nil, err
	}

	parent, replies, ok := c.store.ViewThread(parentID)
	if !ok {
		return messaging.Message{}, nil, apperrors.NotFound("thread parent not loaded")
	}
	return parent, replies, nil
}

func (c *Controller) loadThread(ctx context.Context, parentID string) error {
	var replies []messaging.Message
	err := retry.WithBackoff(ctx, c.retry, func(ctx context.Context) error {
		var err error
		replies, err = c.fetcher.FetchThreadReplies(ctx, parentID)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch thread %s: %w", parentID, err)
	}

	c.store.UpsertAll(replies)
	c.store.MarkThreadLoaded(parentID)
	return nil
}

func (c *Controller) handlerFor(topic string) events.Handler {
	return func(_ context.Context, evt events.Event) {
		c.mu.Lock()
		sub, ok := c.subs[topic]
		var loc messaging.Locator
		if ok {
			loc = sub.locator
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("dropping event for inactive topic",
				zap.String("topic", topic),
				zap.String("event_id", evt.ID),
			)
			c.metrics.RecordSyncEvent(eventKind(evt), "dropped")
			return
		}

		c.apply(loc, evt)
	}
}

func (c *Controller) apply(loc messaging.Locator, evt events.Event) {
	kind := eventKind(evt)

	switch p := evt.Payload.(type) {
	case events.MessageCreated:
		if !c.upsertEvent(loc, evt, p.Message) {
			return
		}
		if p.Message.IsThreadReply() {
			c.reconcileThread(p.Message.ParentID)
		}

	case events.MessageUpdated:
		if !c.upsertEvent(loc, evt, p.Message) {
			return
		}

	case events.MessageDeleted:
		removed, ok := c.store.Remove(p.MessageID)
		if ok && removed.IsThreadReply() {
			c.reconcileThread(removed.ParentID)
		}

	case events.MemberProfileChanged:
		touched := c.store.EnrichByAuthor(p.AuthorID, messagestore.ProfilePatch{
			DisplayName:    p.DisplayName,
			AvatarURL:      p.AvatarURL,
			HasCustomName:  p.HasCustomName,
			HasCustomImage: p.HasCustomImage,
		})
		c.logger.Debug("author profile applied",
			zap.String("author_id", p.AuthorID),
			zap.Int("messages", touched),
		)

	default:
		c.logger.Warn("dropping unknown event",
			zap.String("event_id", evt.ID),
			zap.String("type", fmt.Sprintf("%T", evt.Payload)),
		)
		c.metrics.RecordSyncEvent(kind, "dropped")
		return
	}

	c.metrics.RecordSyncEvent(kind, "applied")
	if c.onApply != nil {
		c.onApply(loc, evt)
	}
}

func (c *Controller) upsertEvent(loc messaging.Locator, evt events.Event, msg messaging.Message) bool {
	if !loc.Contains(&msg) {
		c.logger.Warn("dropping event for another conversation",
			zap.String("topic", loc.Topic()),
			zap.String("event_id", evt.ID),
			zap.String("message_id", msg.ID),
		)
		c.metrics.RecordSyncEvent(eventKind(evt), "dropped")
		return false
	}
	if err := c.store.Upsert(msg); err != nil {
		c.logger.Warn("dropping malformed event",
			zap.String("event_id", evt.ID),
			zap.Error(err),
		)
		c.metrics.RecordSyncEvent(eventKind(evt), "dropped")
		return false
	}
	return true
}

// reconcileThread brings the parent's reply count back in line with the
// thread. A thread that was never loaded is fetched in the background, at
// most one fetch per parent at a time.
func (c *Controller) reconcileThread(parentID string) {
	if c.store.ThreadLoaded(parentID) {
		c.store.RecomputeReplyCount(parentID)
		return
	}
	if _, ok := c.store.Get(parentID); !ok {
		return
	}

	c.mu.Lock()
	if c.fetching[parentID] {
		c.mu.Unlock()
		return
	}
	c.fetching[parentID] = true
	c.mu.Unlock()

	started := c.background(func(ctx context.Context) {
		defer c.doneFetching(parentID)

		ctx, cancel := context.WithTimeout(ctx, threadFetchTimeout)
		defer cancel()

		if err := c.loadThread(ctx, parentID); err != nil {
			c.logger.Warn("failed to reconcile thread",
				zap.String("parent_id", parentID),
				zap.Error(err),
			)
		}
	})
	if !started {
		c.doneFetching(parentID)
	}
}

func (c *Controller) doneFetching(parentID string) {
	c.mu.Lock()
	delete(c.fetching, parentID)
	c.mu.Unlock()
}

// Send appends a provisional entry, writes the message and swaps in the
// authoritative copy. A failed write removes the provisional entry.
func (c *Controller) Send(ctx context.Context, draft messaging.Message) (messaging.Message, error) {
	if c.writer == nil {
		return messaging.Message{}, ErrReadOnly
	}

	local := c.store.AddProvisional(draft)
	draft.Nonce = local.Nonce

	msg, err := c.writer.SendMessage(ctx, draft)
	if err != nil {
		c.store.DropProvisional(local.ID)
		return messaging.Message{}, err
	}

	if err := c.store.ConfirmProvisional(local.ID, msg); err != nil {
		c.store.DropProvisional(local.ID)
		return messaging.Message{}, err
	}
	if msg.IsThreadReply() && c.store.ThreadLoaded(msg.ParentID) {
		c.store.RecomputeReplyCount(msg.ParentID)
	}
	return msg, nil
}

// React toggles a reaction locally, then on the server. The local toggle is
// reverted when the write fails.
func (c *Controller) React(ctx context.Context, userID, messageID, emoji string) error {
	if c.writer == nil {
		return ErrReadOnly
	}

	_, localErr := c.store.ToggleReaction(messageID, userID, emoji)

	msg, err := c.writer.ToggleReaction(ctx, userID, messageID, emoji)
	if err != nil {
		if localErr == nil {
			_, _ = c.store.ToggleReaction(messageID, userID, emoji)
		}
		return err
	}
	return c.store.Upsert(msg)
}

func (c *Controller) Edit(ctx context.Context, userID, messageID, content string) (messaging.Message, error) {
	if c.writer == nil {
		return messaging.Message{}, ErrReadOnly
	}

	msg, err := c.writer.EditMessage(ctx, userID, messageID, content)
	if err != nil {
		return messaging.Message{}, err
	}
	if err := c.store.Upsert(msg); err != nil {
		return messaging.Message{}, err
	}
	return msg, nil
}

func (c *Controller) Delete(ctx context.Context, userID, messageID string) error {
	if c.writer == nil {
		return ErrReadOnly
	}

	if err := c.writer.DeleteMessage(ctx, userID, messageID); err != nil {
		return err
	}
	if removed, ok := c.store.Remove(messageID); ok && removed.IsThreadReply() {
		if c.store.ThreadLoaded(removed.ParentID) {
			c.store.RecomputeReplyCount(removed.ParentID)
		}
	}
	return nil
}

// Close unsubscribes every topic and waits for background fetches to stop.
// The controller rejects new subscriptions afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	c.cancel()

	var errs []error
	for _, topic := range topics {
		if err := c.unbind(topic); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", topic, err))
		}
	}
	c.wg.Wait()
	return errors.Join(errs...)
}

func eventKind(evt events.Event) string {
	if evt.Payload == nil {
		return "unknown"
	}
	return string(evt.Payload.Kind())
}
