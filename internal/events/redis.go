package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBroker carries events over Redis pub/sub, one PubSub connection per
// subscribed topic. go-redis reconnects a dropped PubSub by itself; the
// hook registered with OnReconnect hears about it.
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*redis.PubSub

	hookMu      sync.Mutex
	onReconnect func(topic string)
}

func NewRedisBroker(client *redis.Client, prefix string, logger *zap.Logger) *RedisBroker {
	return &RedisBroker{
		client: client,
		prefix: prefix,
		logger: logger,
		subs:   make(map[string]*redis.PubSub),
	}
}

// OnReconnect replaces the hook run when a topic is resubscribed after a
// dropped connection.
func (b *RedisBroker) OnReconnect(fn func(topic string)) {
	b.hookMu.Lock()
	b.onReconnect = fn
	b.hookMu.Unlock()
}

func (b *RedisBroker) channel(topic string) string {
	return b.prefix + topic
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("nil handler for topic %s", topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[topic]; ok {
		return nil
	}

	ps := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	b.subs[topic] = ps

	go b.dispatch(topic, ps, handler)

	b.logger.Debug("subscribed to redis channel",
		zap.String("topic", topic),
		zap.String("channel", b.channel(topic)),
	)
	return nil
}

// dispatch delivers messages until the PubSub is closed. The initial
// subscribe confirmation was consumed by Subscribe, so every confirmation
// seen here follows a reconnect.
func (b *RedisBroker) dispatch(topic string, ps *redis.PubSub, handler Handler) {
	for item := range ps.ChannelWithSubscriptions() {
		switch msg := item.(type) {
		case *redis.Subscription:
			if msg.Kind == "subscribe" {
				b.resubscribed(topic)
			}
		case *redis.Message:
			evt, err := Decode([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("dropping undecodable event",
					zap.String("topic", topic),
					zap.Error(err),
				)
				continue
			}
			if evt.Topic == "" {
				evt.Topic = topic
			}
			handler(context.Background(), evt)
		}
	}
	b.logger.Debug("redis subscription closed", zap.String("topic", topic))
}

func (b *RedisBroker) resubscribed(topic string) {
	b.hookMu.Lock()
	fn := b.onReconnect
	b.hookMu.Unlock()

	b.logger.Info("redis channel resubscribed", zap.String("topic", topic))
	if fn != nil {
		fn(topic)
	}
}

func (b *RedisBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	ps, ok := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	if err := ps.Close(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, evt Event) error {
	if evt.Topic == "" {
		evt.Topic = topic
	}
	data, err := Encode(evt)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(topic), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close tears down every subscription. The underlying client is owned by
// the caller.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*redis.PubSub)
	b.mu.Unlock()

	var firstErr error
	for topic, ps := range subs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", topic, err)
		}
	}
	return firstErr
}
