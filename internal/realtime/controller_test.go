package realtime

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	apperrors "github.com/Alexander-D-Karpov/parley/internal/common/errors"
	"github.com/Alexander-D-Karpov/parley/internal/events"
	"github.com/Alexander-D-Karpov/parley/internal/messagestore"
	"github.com/Alexander-D-Karpov/parley/internal/messaging"
	"github.com/Alexander-D-Karpov/parley/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func msg(id, channel string, offset time.Duration) messaging.Message {
	return messaging.Message{
		ID:        id,
		Content:   "text " + id,
		Author:    messaging.Author{ID: "u1", Name: "Ada"},
		ChannelID: channel,
		CreatedAt: t0.Add(offset),
		UpdatedAt: t0.Add(offset),
	}
}

func replyTo(id, parent string, offset time.Duration) messaging.Message {
	m := msg(id, "c1", offset)
	m.ParentID = parent
	m.ThreadID = parent
	return m
}

// fakeBroker keeps handlers after Unsubscribe so tests can simulate stray
// deliveries that were already in flight.
type fakeBroker struct {
	mu           sync.Mutex
	handlers     map[string]events.Handler
	active       map[string]bool
	subscribes   int
	failNext     int
	unsubscribed []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: map[string]events.Handler{}, active: map[string]bool{}}
}

func (b *fakeBroker) Subscribe(_ context.Context, topic string, h events.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribes++
	if b.failNext > 0 {
		b.failNext--
		return apperrors.Unavailable("broker down", nil)
	}
	b.handlers[topic] = h
	b.active[topic] = true
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active[topic] = false
	b.unsubscribed = append(b.unsubscribed, topic)
	return nil
}

func (b *fakeBroker) Publish(ctx context.Context, topic string, evt events.Event) error {
	b.deliver(ctx, topic, evt)
	return nil
}

func (b *fakeBroker) deliver(ctx context.Context, topic string, evt events.Event) {
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	if h != nil {
		h(ctx, evt)
	}
}

type fakeFetcher struct {
	mu            sync.Mutex
	conversations map[string][]messaging.Message
	threads       map[string][]messaging.Message
	convCalls     int
	threadCalls   int
	gate          chan struct{}
	started       chan struct{}
	threadGate    chan struct{}
	err           error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		conversations: map[string][]messaging.Message{},
		threads:       map[string][]messaging.Message{},
	}
}

func (f *fakeFetcher) FetchConversationMessages(ctx context.Context, loc messaging.Locator) ([]messaging.Message, error) {
	f.mu.Lock()
	f.convCalls++
	gate, started, err := f.gate, f.started, f.err
	out := slices.Clone(f.conversations[loc.Topic()])
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, err
}

func (f *fakeFetcher) FetchThreadReplies(ctx context.Context, parentID string) ([]messaging.Message, error) {
	f.mu.Lock()
	f.threadCalls++
	gate := f.threadGate
	out := slices.Clone(f.threads[parentID])
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (f *fakeFetcher) calls() (conv, thread int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convCalls, f.threadCalls
}

// gatedBroker holds the first Subscribe until gate is closed.
type gatedBroker struct {
	*fakeBroker
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func newGatedBroker() *gatedBroker {
	return &gatedBroker{
		fakeBroker: newFakeBroker(),
		entered:    make(chan struct{}),
		gate:       make(chan struct{}),
	}
}

func (b *gatedBroker) Subscribe(ctx context.Context, topic string, h events.Handler) error {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.gate
	}
	return b.fakeBroker.Subscribe(ctx, topic, h)
}

func (b *fakeBroker) bound(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[topic]
}

// reconnectingBroker lets tests fire the resubscribe hook.
type reconnectingBroker struct {
	*fakeBroker
	hook func(topic string)
}

func (b *reconnectingBroker) OnReconnect(fn func(topic string)) {
	b.hook = fn
}

type fakeWriter struct {
	sendErr  error
	reactErr error
	sent     []messaging.Message
}

func (w *fakeWriter) SendMessage(_ context.Context, draft messaging.Message) (messaging.Message, error) {
	if w.sendErr != nil {
		return messaging.Message{}, w.sendErr
	}
	w.sent = append(w.sent, draft)
	out := draft
	out.ID = "srv-" + draft.Nonce
	out.CreatedAt = t0
	out.UpdatedAt = t0
	return out, nil
}

func (w *fakeWriter) EditMessage(_ context.Context, _, messageID, content string) (messaging.Message, error) {
	m := msg(messageID, "c1", 0)
	m.Content = content
	m.UpdatedAt = t0.Add(time.Hour)
	return m, nil
}

func (w *fakeWriter) DeleteMessage(context.Context, string, string) error { return nil }

func (w *fakeWriter) ToggleReaction(_ context.Context, userID, messageID, emoji string) (messaging.Message, error) {
	if w.reactErr != nil {
		return messaging.Message{}, w.reactErr
	}
	m := msg(messageID, "c1", 0)
	m.Reactions = []messaging.Reaction{{ID: "r-srv", UserID: userID, Emoji: emoji}}
	return m, nil
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond, Multiplier: 2}
}

func newController(b events.Broker, f Fetcher, w Writer) *Controller {
	c := New(b, f, w, messagestore.New(), zap.NewNop())
	c.SetRetryConfig(fastRetry())
	return c
}

func viewIDs(c *Controller, loc messaging.Locator) []string {
	var out []string
	for m := range c.Store().ViewConversation(loc) {
		out = append(out, m.ID)
	}
	return out
}

var channel = messaging.ChannelLocator("w1", "c1")

func TestSubscribeIsIdempotent(t *testing.T) {
	broker := newFakeBroker()
	fetcher := newFakeFetcher()
	fetcher.conversations[channel.Topic()] = []messaging.Message{msg("m2", "c1", time.Second), msg("m1", "c1", 0)}
	c := newController(broker, fetcher, nil)
	defer c.Close()

	require.NoError(t, c.Subscribe(context.Background(), channel))
	require.NoError(t, c.Subscribe(context.Background(), channel))

	assert.Equal(t, StateSubscribed, c.State(channel))
	assert.Equal(t, 1, broker.subscribes)
	assert.Equal(t, 1, fetcher.convCalls)
	assert.Equal(t, []string{"m1", "m2"}, viewIDs(c, channel))
}

func TestSubscribeRetriesTransientBrokerErrors(t *testing.T) {
	broker := newFakeBroker()
	broker.failNext = 2
	c := newController(broker, newFakeFetcher(), nil)
	defer c.Close()

	require.NoError(t, c.Subscribe(context.Background(), channel))
	assert.Equal(t, 3, broker.subscribes)
	assert.Equal(t, StateSubscribed, c.State(channel))
}

func TestSubscribeFailureLeavesTopicUnsubscribed(t *testing.T) {
	broker := newFakeBroker()
	fetcher := newFakeFetcher()
	fetcher.err = apperrors.BadRequest("no such channel")
	c := newController(broker, fetcher, nil)
	defer c.Close()

	err := c.Subscribe(context.Background(), channel)
	require.Error(t, err)
	assert.True(t, apperrors.IsBadRequest(err))
	assert.Equal(t, 1, fetcher.convCalls, "client errors are not retried")
	assert.Equal(t, StateUnsubscribed, c.State(channel))
	assert.Contains(t, broker.unsubscribed, channel.Topic())
}

func TestEventsAreApplied(t *testing.T) {
	broker := newFakeBroker()
	c := newController(broker, newFakeFetcher(), nil)
	defer c.Close()
	require.NoError(t, c.Subscribe(context.Background(), channel))

	ctx := context.Background()
	topic := channel.Topic()

	broker.deliver(ctx, topic, events.New(topic, events.MessageCreated{Message: msg("m1", "c1", 0)}))
	broker.deliver(ctx, topic, events.New(topic, events.MessageCreated{Message: msg("m1", "c1", 0)}))
	assert.Equal(t, []string{"m1"}, viewIDs(c, channel))

	edited := msg("m1", "c1", 0)
	edited.Content = "edited"
	edited.UpdatedAt = t0.Add(time.Minute)
	broker.deliver(ctx, topic, events.New(topic, events.MessageUpdated{Message: edited}))
	got, _ := c.Store().Get("m1")
	assert.Equal(t, "edited", got.Content)

	broker.deliver(ctx, topic, events.New(topic, events.MemberProfileChanged{AuthorID: "u1", DisplayName: "Ada L."}))
	got, _ = c.Store().Get("m1")
	assert.Equal(t, "Ada L.", got.Author.Name)

	broker.deliver(ctx, topic, events.New(topic, events.MessageDeleted{MessageID: "m1"}))
	broker.deliver(ctx, topic, events.New(topic, events.MessageDeleted{MessageID: "m1"}))
	assert.Empty(t, viewIDs(c, channel))
}

func TestOnAppliedSkipsDroppedEvents(t *testing.T) {
	broker := newFakeBroker()
	c := newController(broker, newFakeFetcher(), nil)
	defer c.Close()

	var applied []string
	c.OnApplied(func(_ messaging.Locator, evt events.Event) {
		applied = append(applied, evt.ID)
	})
	require.NoError(t, c.Subscribe(context.Background(), channel))

	topic := channel.Topic()
	kept := events.New(topic, events.MessageCreated{Message: msg("m1", "c1", 0)})
	broker.deliver(context.Background(), topic, kept)
	broker.deliver(context.Background(), topic, events.New(topic, events.MessageCreated{Message: msg("x", "c9", 0)}))

	assert.Equal(t, []string{kept.ID}, applied)
}

func TestEventForOtherChannelIsDropped(t *testing.T) {
	broker := newFakeBroker()
	c := newController(broker, newFakeFetcher(), nil)
	defer c.Close()
	require.NoError(t, c.Subscribe(context.Background(), channel))

	broker.deliver(context.Background(), channel.Topic(),
		events.New(channel.Topic(), events.MessageCreated{Message: msg("x", "c9", 0)}))
	assert.Zero(t, c.Store().Len())
}

func TestSwitchDropsStrayEvents(t *testing.T) {
	broker := newFakeBroker()
	c := newController(broker, newFakeFetcher(), nil)
	defer c.Close()

	other := messaging.DirectLocator("u2", "u1")
	require.NoError(t, c.Subscribe(context.Background(), channel))
	require.NoError(t, c.SwitchTo(context.Background(), other))

	assert.Equal(t, StateUnsubscribed, c.State(channel))
	assert.Equal(t, StateSubscribed, c.State(other))
	assert.Equal(t, []string{channel.Topic()}, broker.unsubscribed)

	broker.deliver(context.Background(), channel.Topic(),
		events.New(channel.Topic(), events.MessageCreated{Message: msg("late", "c1", 0)}))
	assert.Zero(t, c.Store().Len())
}

func TestResubscribeDuringHandshakeKeepsBinding(t *testing.T) {
	broker := newGatedBroker()
	c := newController(broker, newFakeFetcher(), nil)
	defer c.Close()

	first := make(chan error, 1)
	go func() { first <- c.Subscribe(context.Background(), channel) }()
	<-broker.entered

	left := make(chan error, 1)
	go func() { left <- c.Unsubscribe(channel) }()
	require.Eventually(t, func() bool { return c.State(channel) == StateUnsubscribed }, 2*time.Second, time.Millisecond)

	again := make(chan error, 1)
	go func() { again <- c.Subscribe(context.Background(), channel) }()
	require.Eventually(t, func() bool { return c.State(channel) == StateSubscribing }, 2*time.Second, time.Millisecond)

	close(broker.gate)
	require.NoError(t, <-first)
	require.NoError(t, <-left)
	require.NoError(t, <-again)

	assert.Equal(t, StateSubscribed, c.State(channel))
	assert.True(t, broker.bound(channel.Topic()), "live subscription lost its broker binding")

	topic := channel.Topic()
	broker.deliver(context.Background(), topic, events.New(topic, events.MessageCreated{Message: msg("m1", "c1", 0)}))
	assert.Equal(t, []string{"m1"}, viewIDs(c, channel))
}

func TestUnsubscribeDuringHandshakeReleasesBinding(t *testing.T) {
	broker := newGatedBroker()
	c := newController(broker, newFakeFetcher(), nil)
	defer c.Close()

	first := make(chan error, 1)
	go func() { first <- c.Subscribe(context.Background(), channel) }()
	<-broker.entered

	left := make(chan error, 1)
	go func() { left <- c.Unsubscribe(channel) }()
	require.Eventually(t, func() bool { return c.State(channel) == StateUnsubscribed }, 2*time.Second, time.Millisecond)

	close(broker.gate)
	require.NoError(t, <-first)
	require.NoError(t, <-left)

	assert.Equal(t, StateUnsubscribed, c.State(channel))
	assert.False(t, broker.bound(channel.Topic()))
}

func TestReconnectRefetchesSubscribedTopics(t *testing.T) {
	broker := &reconnectingBroker{fakeBroker: newFakeBroker()}
	fetcher := newFakeFetcher()
	fetcher.conversations[channel.Topic()] = []messaging.Message{msg("m1", "c1", 0)}

	c := newController(broker, fetcher, nil)
	defer c.Close()
	require.NotNil(t, broker.hook, "controller registers for reconnects")
	require.NoError(t, c.Subscribe(context.Background(), channel))

	fetcher.mu.Lock()
	fetcher.conversations[channel.Topic()] = append(fetcher.conversations[channel.Topic()], msg("missed", "c1", time.Second))
	fetcher.mu.Unlock()

	broker.hook(channel.Topic())
	require.Eventually(t, func() bool { return c.Store().Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "missed"}, viewIDs(c, channel))

	other := messaging.ChannelLocator("w1", "other")
	broker.hook(other.Topic())
	conv, _ := fetcher.calls()
	assert.Equal(t, 2, conv, "topics that are not subscribed are ignored")
	assert.Equal(t, StateUnsubscribed, c.State(other))
}

func TestResync(t *testing.T) {
	broker := newFakeBroker()
	fetcher := newFakeFetcher()
	fetcher.conversations[channel.Topic()] = []messaging.Message{msg("m1", "c1", 0)}

	c := newController(broker, fetcher, nil)
	defer c.Close()

	require.NoError(t, c.Resync(context.Background(), channel))
	assert.Equal(t, StateSubscribed, c.State(channel), "resync subscribes an unknown conversation")
	assert.Equal(t, 1, broker.subscribes)

	fetcher.mu.Lock()
	fetcher.conversations[channel.Topic()] = append(fetcher.conversations[channel.Topic()], msg("m2", "c1", time.Second))
	fetcher.mu.Unlock()

	require.NoError(t, c.Resync(context.Background(), channel))
	assert.Equal(t, []string{"m1", "m2"}, viewIDs(c, channel))
	assert.Equal(t, 1, broker.subscribes, "a subscribed conversation is only refetched")
}

func TestReplyTriggersThreadFetchWhenNotLoaded(t *testing.T) {
	broker := newFakeBroker()
	fetcher := newFakeFetcher()
	parent := msg("p", "c1", 0)
	parent.ReplyCount = 1
	fetcher.conversations[channel.Topic()] = []messaging.Message{parent}
	fetcher.threads["p"] = []messaging.Message{replyTo("r1", "p", time.Second), replyTo("r2", "p", 2*time.Second)}

	c := newController(broker, fetcher, nil)
	defer c.Close()
	require.NoError(t, c.Subscribe(context.Background(), channel))

	broker.deliver(context.Background(), channel.Topic(),
		events.New(channel.Topic(), events.MessageCreated{Message: replyTo("r2", "p", 2*time.Second)}))

	require.Eventually(t, func() bool { return c.Store().ThreadLoaded("p") }, 2*time.Second, 5*time.Millisecond)
	_, threadCalls := fetcher.calls()
	assert.Equal(t, 1, threadCalls)
	got, _ := c.Store().Get("p")
	assert.Equal(t, 2, got.ReplyCount)
	assert.Equal(t, []string{"p"}, viewIDs(c, channel), "replies stay out of the channel view")

	broker.deliver(context.Background(), channel.Topic(),
		events.New(channel.Topic(), events.MessageCreated{Message: replyTo("r3", "p", 3*time.Second)}))

	_, threadCalls = fetcher.calls()
	assert.Equal(t, 1, threadCalls, "a loaded thread is recomputed locally")
	got, _ = c.Store().Get("p")
	assert.Equal(t, 3, got.ReplyCount)

	broker.deliver(context.Background(), channel.Topic(),
		events.New(channel.Topic(), events.MessageDeleted{MessageID: "r1"}))
	got, _ = c.Store().Get("p")
	assert.Equal(t, 2, got.ReplyCount)
}

func TestThreadFetchDoesNotStallDispatch(t *testing.T) {
	broker := newFakeBroker()
	fetcher := newFakeFetcher()
	fetcher.conversations[channel.Topic()] = []messaging.Message{msg("p", "c1", 0)}
	fetcher.threads["p"] = []messaging.Message{replyTo("r1", "p", time.Second)}
	fetcher.threadGate = make(chan struct{})

	c := newController(broker, fetcher, nil)
	defer c.Close()
	require.NoError(t, c.Subscribe(context.Background(), channel))

	topic := channel.Topic()
	broker.deliver(context.Background(), topic, events.New(topic, events.MessageCreated{Message: replyTo("r1", "p", time.Second)}))
	require.Eventually(t, func() bool {
		_, threadCalls := fetcher.calls()
		return threadCalls == 1
	}, 2*time.Second, 5*time.Millisecond)

	broker.deliver(context.Background(), topic, events.New(topic, events.MessageCreated{Message: replyTo("r2", "p", 2*time.Second)}))
	broker.deliver(context.Background(), topic, events.New(topic, events.MessageCreated{Message: msg("m2", "c1", 3*time.Second)}))

	assert.Equal(t, []string{"p", "m2"}, viewIDs(c, channel), "events after a reply apply while its thread loads")
	assert.False(t, c.Store().ThreadLoaded("p"))
	_, threadCalls := fetcher.calls()
	assert.Equal(t, 1, threadCalls, "one fetch per parent while in flight")

	close(fetcher.threadGate)
	require.Eventually(t, func() bool { return c.Store().ThreadLoaded("p") }, 2*time.Second, 5*time.Millisecond)
	got, _ := c.Store().Get("p")
	assert.Equal(t, 2, got.ReplyCount)
}

func TestCloseCancelsThreadFetch(t *testing.T) {
	broker := newFakeBroker()
	fetcher := newFakeFetcher()
	fetcher.conversations[channel.Topic()] = []messaging.Message{msg("p", "c1", 0)}
	fetcher.threadGate = make(chan struct{})

	c := newController(broker, fetcher, nil)
	require.NoError(t, c.Subscribe(context.Background(), channel))

	topic := channel.Topic()
	broker.deliver(context.Background(), topic, events.New(topic, events.MessageCreated{Message: replyTo("r1", "p", time.Second)}))

	require.NoError(t, c.Close())
	assert.False(t, c.Store().ThreadLoaded("p"))
}

func TestOpenThread(t *testing.T) {
	broker := newFakeBroker()
	fetcher := newFakeFetcher()
	fetcher.conversations[channel.Topic()] = []messaging.Message{msg("p", "c1", 0)}
	fetcher.threads["p"] = []messaging.Message{replyTo("r2", "p", 2*time.Second), replyTo("r1", "p", time.Second)}

	c := newController(broker, fetcher, nil)
	defer c.Close()
	require.NoError(t, c.Subscribe(context.Background(), channel))

	parent, replies, err := c.OpenThread(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, 2, parent.ReplyCount)
	require.Len(t, replies, 2)
	assert.Equal(t, "r1", replies[0].ID)

	_, _, err = c.OpenThread(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestBackfillRaceKeepsNewestData(t *testing.T) {
	broker := newFakeBroker()
	fetcher := newFakeFetcher()
	fetcher.gate = make(chan struct{})
	fetcher.started = make(chan struct{})
	fetcher.conversations[channel.Topic()] = []messaging.Message{msg("m1", "c1", 0)}

	c := newController(broker, fetcher, nil)
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.Subscribe(context.Background(), channel) }()

	<-fetcher.started
	assert.Equal(t, StateSubscribing, c.State(channel))

	newer := msg("m1", "c1", 0)
	newer.Content = "edited during backfill"
	newer.UpdatedAt = t0.Add(time.Minute)
	broker.deliver(context.Background(), channel.Topic(),
		events.New(channel.Topic(), events.MessageUpdated{Message: newer}))

	close(fetcher.gate)
	require.NoError(t, <-done)

	got, _ := c.Store().Get("m1")
	assert.Equal(t, "edited during backfill", got.Content)
}

func TestSendReplacesProvisional(t *testing.T) {
	broker := newFakeBroker()
	writer := &fakeWriter{}
	c := newController(broker, newFakeFetcher(), writer)
	defer c.Close()
	require.NoError(t, c.Subscribe(context.Background(), channel))

	draft := messaging.Message{Content: "hi", Author: messaging.Author{ID: "u1"}, ChannelID: "c1"}
	sent, err := c.Send(context.Background(), draft)
	require.NoError(t, err)

	require.Len(t, writer.sent, 1)
	assert.NotEmpty(t, writer.sent[0].Nonce)
	assert.Equal(t, []string{sent.ID}, viewIDs(c, channel))

	// The broker echo of the same write must not duplicate it.
	broker.deliver(context.Background(), channel.Topic(),
		events.New(channel.Topic(), events.MessageCreated{Message: sent}))
	assert.Equal(t, 1, c.Store().Len())
}

func TestSendFailureDropsProvisional(t *testing.T) {
	writer := &fakeWriter{sendErr: errors.New("write failed")}
	c := newController(newFakeBroker(), newFakeFetcher(), writer)
	defer c.Close()

	_, err := c.Send(context.Background(), messaging.Message{Content: "hi", ChannelID: "c1"})
	assert.Error(t, err)
	assert.Zero(t, c.Store().Len())
}

func TestReactRevertsOnFailure(t *testing.T) {
	broker := newFakeBroker()
	fetcher := newFakeFetcher()
	fetcher.conversations[channel.Topic()] = []messaging.Message{msg("m1", "c1", 0)}
	writer := &fakeWriter{reactErr: errors.New("rejected")}

	c := newController(broker, fetcher, writer)
	defer c.Close()
	require.NoError(t, c.Subscribe(context.Background(), channel))

	assert.Error(t, c.React(context.Background(), "u2", "m1", "👍"))
	got, _ := c.Store().Get("m1")
	assert.Empty(t, got.Reactions)

	writer.reactErr = nil
	require.NoError(t, c.React(context.Background(), "u2", "m1", "👍"))
	got, _ = c.Store().Get("m1")
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, "r-srv", got.Reactions[0].ID)
}

func TestEditAndDelete(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.conversations[channel.Topic()] = []messaging.Message{msg("m1", "c1", 0)}
	c := newController(newFakeBroker(), fetcher, &fakeWriter{})
	defer c.Close()
	require.NoError(t, c.Subscribe(context.Background(), channel))

	edited, err := c.Edit(context.Background(), "u1", "m1", "new text")
	require.NoError(t, err)
	assert.True(t, edited.Edited())

	got, _ := c.Store().Get("m1")
	assert.Equal(t, "new text", got.Content)

	require.NoError(t, c.Delete(context.Background(), "u1", "m1"))
	assert.Zero(t, c.Store().Len())
}

func TestReadOnlyController(t *testing.T) {
	c := newController(newFakeBroker(), newFakeFetcher(), nil)
	defer c.Close()

	_, err := c.Send(context.Background(), messaging.Message{Content: "x"})
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, c.React(context.Background(), "u", "m", "x"), ErrReadOnly)
}

func TestCloseReleasesEverything(t *testing.T) {
	broker := newFakeBroker()
	c := newController(broker, newFakeFetcher(), nil)

	dm := messaging.DirectLocator("a", "b")
	require.NoError(t, c.Subscribe(context.Background(), channel))
	require.NoError(t, c.Subscribe(context.Background(), dm))

	require.NoError(t, c.Close())
	assert.Empty(t, c.Topics())
	assert.ElementsMatch(t, []string{channel.Topic(), dm.Topic()}, broker.unsubscribed)
	assert.ErrorIs(t, c.Subscribe(context.Background(), channel), ErrClosed)
	assert.NoError(t, c.Unsubscribe(channel))
}

func TestControllerOverHub(t *testing.T) {
	hub := events.NewHub(zap.NewNop())
	defer func() { _ = hub.Shutdown(context.Background()) }()

	client, err := hub.Connect("viewer")
	require.NoError(t, err)

	c := newController(client, newFakeFetcher(), nil)
	defer c.Close()

	dm := messaging.DirectLocator("u1", "u2")
	require.NoError(t, c.Subscribe(context.Background(), dm))

	m := msg("d1", "", 0)
	m.Participants = []string{"u2", "u1"}
	require.NoError(t, hub.Publish(context.Background(), messaging.TopicForDirect("u2", "u1"),
		events.New(dm.Topic(), events.MessageCreated{Message: m})))

	assert.Eventually(t, func() bool {
		return c.Store().Len() == 1
	}, 2*time.Second, 5*time.Millisecond)
}
