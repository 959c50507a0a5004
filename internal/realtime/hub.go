// Package realtime pushes session lifecycle events (finalized, artifact
// ready, artifact graded) to connected admin dashboards over WebSocket, with
// Redis pub/sub fanout across server instances.
package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait (seconds) are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Event names published on the admin feed.
const (
	EventSessionFinalized = "session_finalized"
	EventArtifactReady    = "artifact_ready"
	EventArtifactGraded   = "artifact_graded"
)

// Publisher publishes events to Redis for cross-instance broadcast.
type Publisher interface {
	PublishEvent(event string, payload []byte) error
}

// Subscriber subscribes to the feed channel and invokes handler for incoming
// events.
type Subscriber interface {
	Subscribe(handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains the set of connected admin clients and broadcasts events.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
	logger  *zap.Logger
	pub     Publisher
	cancel  func()
}

// NewHub creates the admin feed hub and starts the Redis subscription when a
// subscriber is provided.
func NewHub(logger *zap.Logger, pub Publisher, sub Subscriber) *Hub {
	h := &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
		pub:     pub,
	}
	if sub != nil {
		cancel, err := sub.Subscribe(func(event string, payload []byte) {
			h.broadcast(event, json.RawMessage(payload))
		})
		if err != nil {
			logger.Warn("admin feed subscription failed", zap.Error(err))
		} else {
			h.cancel = cancel
		}
	}
	return h
}

// Close stops the Redis subscription.
func (h *Hub) Close() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Register adds a connected client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("admin client connected", zap.String("client_id", c.ID))
}

// Unregister removes a client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()
	h.logger.Debug("admin client disconnected", zap.String("client_id", c.ID))
}

// Publish sends an event to Redis when configured (so every instance,
// including this one, broadcasts exactly once), falling back to a local
// broadcast otherwise.
func (h *Hub) Publish(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if h.pub != nil {
		if err := h.pub.PublishEvent(event, data); err == nil {
			return
		}
	}
	h.broadcast(event, json.RawMessage(data))
}

func (h *Hub) broadcast(event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}
