package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var ErrHubClosed = errors.New("event hub is shut down")

const defaultSendBuffer = 256

// Hub is an in-process broker. Each connected Client owns its topic
// bindings and a pump goroutine that dispatches to its handlers.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	topics     map[string]map[string]bool
	logger     *zap.Logger
	bufferSize int
	shutdown   bool
}

type Client struct {
	ID       string
	hub      *Hub
	sendChan chan Event
	handlers map[string]Handler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		topics:     make(map[string]map[string]bool),
		logger:     logger,
		bufferSize: defaultSendBuffer,
	}
}

// Connect registers a client. Connecting an id that is already connected
// replaces the previous client.
func (h *Hub) Connect(clientID string) (*Client, error) {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		h.logger.Warn("rejecting new client during shutdown", zap.String("client_id", clientID))
		return nil, ErrHubClosed
	}
	previous := h.clients[clientID]

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		ID:       clientID,
		hub:      h,
		sendChan: make(chan Event, h.bufferSize),
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	h.clients[clientID] = client
	if previous != nil {
		h.detachLocked(previous)
	}
	h.mu.Unlock()

	if previous != nil {
		previous.stop()
	}

	go client.pump(h.logger)

	h.logger.Info("client connected", zap.String("client_id", clientID))
	return client, nil
}

func (h *Hub) subscribe(c *Client, topic string, handler Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.shutdown {
		return ErrHubClosed
	}
	if h.clients[c.ID] != c {
		return fmt.Errorf("client %s is not connected", c.ID)
	}

	c.mu.Lock()
	_, already := c.handlers[topic]
	if !already {
		c.handlers[topic] = handler
	}
	c.mu.Unlock()

	if already {
		return nil
	}

	if _, exists := h.topics[topic]; !exists {
		h.topics[topic] = make(map[string]bool)
	}
	h.topics[topic][c.ID] = true

	h.logger.Debug("client subscribed to topic",
		zap.String("client_id", c.ID),
		zap.String("topic", topic),
	)
	return nil
}

func (h *Hub) unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.mu.Lock()
	delete(c.handlers, topic)
	c.mu.Unlock()

	if users, exists := h.topics[topic]; exists && h.clients[c.ID] == c {
		delete(users, c.ID)
		if len(users) == 0 {
			delete(h.topics, topic)
		}
	}

	h.logger.Debug("client unsubscribed from topic",
		zap.String("client_id", c.ID),
		zap.String("topic", topic),
	)
}

// Publish fans evt out to every client subscribed to topic. A slow
// subscriber applies back-pressure up to ctx rather than losing the event.
func (h *Hub) Publish(ctx context.Context, topic string, evt Event) error {
	if evt.Topic == "" {
		evt.Topic = topic
	}

	h.mu.RLock()
	if h.shutdown {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	targets := make([]*Client, 0, len(h.topics[topic]))
	for clientID := range h.topics[topic] {
		if c, ok := h.clients[clientID]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		h.logger.Debug("topic has no subscribers", zap.String("topic", topic))
		return nil
	}

	delivered := 0
	for _, c := range targets {
		select {
		case c.sendChan <- evt:
			delivered++
		case <-c.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h.logger.Debug("broadcast completed",
		zap.String("topic", topic),
		zap.String("event_id", evt.ID),
		zap.Int("subscribers", len(targets)),
		zap.Int("delivered", delivered),
	)
	return nil
}

func (h *Hub) TopicHasSubscribers(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs, ok := h.topics[topic]
	return ok && len(subs) > 0
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if h.clients[c.ID] == c {
		delete(h.clients, c.ID)
	}
	h.detachLocked(c)
	h.mu.Unlock()

	c.stop()
	h.logger.Info("client disconnected", zap.String("client_id", c.ID))
}

func (h *Hub) detachLocked(c *Client) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for topic := range c.handlers {
		if users, exists := h.topics[topic]; exists {
			delete(users, c.ID)
			if len(users) == 0 {
				delete(h.topics, topic)
			}
		}
	}
}

func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shutdown = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.topics = make(map[string]map[string]bool)
	h.mu.Unlock()

	h.logger.Info("shutting down event hub", zap.Int("clients", len(clients)))

	for _, c := range clients {
		c.cancel()
	}
	for _, c := range clients {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Client) Subscribe(_ context.Context, topic string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("nil handler for topic %s", topic)
	}
	return c.hub.subscribe(c, topic, handler)
}

func (c *Client) Unsubscribe(topic string) error {
	c.hub.unsubscribe(c, topic)
	return nil
}

func (c *Client) Publish(ctx context.Context, topic string, evt Event) error {
	return c.hub.Publish(ctx, topic, evt)
}

// Close disconnects the client and waits for its pump to exit.
func (c *Client) Close() error {
	c.hub.removeClient(c)
	return nil
}

func (c *Client) stop() {
	c.cancel()
	<-c.done
}

func (c *Client) pump(logger *zap.Logger) {
	defer close(c.done)

	for {
		select {
		case evt := <-c.sendChan:
			c.mu.RLock()
			handler, ok := c.handlers[evt.Topic]
			c.mu.RUnlock()

			if !ok {
				logger.Debug("dropping event for unbound topic",
					zap.String("client_id", c.ID),
					zap.String("topic", evt.Topic),
				)
				continue
			}
			handler(c.ctx, evt)

		case <-c.ctx.Done():
			logger.Debug("client context cancelled", zap.String("client_id", c.ID))
			return
		}
	}
}
