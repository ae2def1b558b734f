package events

import "context"

// Handler receives events for one subscribed topic.
type Handler func(ctx context.Context, evt Event)

// Broker is the narrow publish/subscribe contract the sync engine relies
// on. Delivery is at-least-once and unordered across topics.
type Broker interface {
	// Subscribe binds handler to topic. Subscribing an already bound topic
	// is a no-op.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	// Unsubscribe is safe to call for topics that were never subscribed.
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, evt Event) error
}

// ReconnectNotifier is implemented by brokers that re-establish
// subscriptions on their own after a transport failure. Events published
// during the gap are lost, so fn should refetch the topic's state. fn runs
// on the broker's dispatch path and must not block.
type ReconnectNotifier interface {
	OnReconnect(fn func(topic string))
}
