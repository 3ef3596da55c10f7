package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/huangang/reviewpulse/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// sseClient is one connected stream and the event channels it listens on.
type sseClient struct {
	ch       chan AnalysisEvent
	channels map[string]struct{}
}

// SSEHub manages SSE client connections and routes events to the clients that asked for them
type SSEHub struct {
	clients map[string]*sseClient
	mu      sync.RWMutex
}

// NewSSEHub creates a new SSE hub instance
func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients: make(map[string]*sseClient),
	}
}

// Subscribe registers a client for the given event channels and returns its event stream
func (h *SSEHub) Subscribe(clientID string, channels ...string) <-chan AnalysisEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.clients[clientID]; ok {
		close(old.ch)
	}

	// Buffered so a slow reader never blocks the relay
	c := &sseClient{
		ch:       make(chan AnalysisEvent, 100),
		channels: make(map[string]struct{}, len(channels)),
	}
	for _, name := range channels {
		c.channels[name] = struct{}{}
	}
	h.clients[clientID] = c
	return c.ch
}

// Unsubscribe removes a client from the hub
func (h *SSEHub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[clientID]; ok {
		close(c.ch)
		delete(h.clients, clientID)
	}
}

// Dispatch delivers an event received on channel to every client listening on it
func (h *SSEHub) Dispatch(channel string, event AnalysisEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		if _, ok := c.channels[channel]; !ok {
			continue
		}
		// Non-blocking send - drop event if client buffer is full
		select {
		case c.ch <- event:
		default:
		}
	}
}

// ClientCount returns the number of connected clients
func (h *SSEHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Global SSE Hub instance
var globalSSEHub *SSEHub
var sseHubOnce sync.Once

// GetSSEHub returns the global SSE hub singleton
func GetSSEHub() *SSEHub {
	sseHubOnce.Do(func() {
		globalSSEHub = NewSSEHub()
	})
	return globalSSEHub
}

// RelayEvents pattern-subscribes to every analysis event channel and feeds the hub until
// ctx is cancelled. Events published by any instance reach clients connected to this one.
func RelayEvents(ctx context.Context, rdb redis.UniversalClient, hub *SSEHub) error {
	pubsub := rdb.PSubscribe(ctx, eventChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	logger.Infof("[SSE] Relay subscribed to %s*", eventChannelPrefix)

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("[SSE] Relay stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var event AnalysisEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warnf("[SSE] Dropping malformed event on %s: %v", msg.Channel, err)
				continue
			}
			hub.Dispatch(msg.Channel, event)
		}
	}
}
