// ABOUTME: Per-connection outboxes for websocket clients
// ABOUTME: Fan-out marshals once and delivers without blocking; slow connections drop frames

package gateway

import (
	"log/slog"
	"sync"
)

// outboxSize is the frame buffer for each connection.
const outboxSize = 256

// Hub maps connection ids to their outbound frame channels. It knows
// nothing about rooms; callers pass the recipient set from the registry.
type Hub struct {
	mu       sync.RWMutex
	outboxes map[string]chan []byte
	logger   *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		outboxes: make(map[string]chan []byte),
		logger:   logger.With("component", "hub"),
	}
}

// Register creates the outbox for connID. Registering an id twice returns
// the existing channel.
func (h *Hub) Register(connID string) <-chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.outboxes[connID]; ok {
		return ch
	}
	ch := make(chan []byte, outboxSize)
	h.outboxes[connID] = ch
	return ch
}

// Unregister removes connID and closes its outbox.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.outboxes[connID]; ok {
		delete(h.outboxes, connID)
		close(ch)
	}
}

// Send delivers one event to connID.
func (h *Hub) Send(connID, eventType string, payload any) {
	h.Broadcast([]string{connID}, eventType, payload)
}

// Broadcast delivers one event to every id in connIDs. Unknown ids are skipped.
func (h *Hub) Broadcast(connIDs []string, eventType string, payload any) {
	if len(connIDs) == 0 {
		return
	}
	frame, err := encodeEnvelope(eventType, payload)
	if err != nil {
		h.logger.Error("failed to encode event", "event", eventType, "error", err)
		return
	}

	// Deliver under the read lock so Unregister cannot close a channel
	// mid-send; sends never block.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range connIDs {
		ch, ok := h.outboxes[id]
		if !ok {
			continue
		}
		select {
		case ch <- frame:
		default:
			h.logger.Warn("dropped event for slow connection", "conn_id", id, "event", eventType)
		}
	}
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.outboxes)
}

// Close closes every outbox.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.outboxes {
		close(ch)
		delete(h.outboxes, id)
	}
}
