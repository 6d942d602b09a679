// Package websocket streams sync events to connected operator consoles.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/premiumsync/internal/model"
)

// Event is one notification pushed to every client.
type Event struct {
	Type string    `json:"type"`
	ID   string    `json:"id,omitempty"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// SyncRunEvent announces the outcome of a sync pass. The type is
// sync_<status>, e.g. sync_completed.
func SyncRunEvent(run model.SyncRun) Event {
	return Event{
		Type: "sync_" + string(run.Status),
		ID:   run.ID,
		At:   run.FinishedAt,
		Data: run,
	}
}

// Hub tracks connected clients and fans events out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and closes its send channel. Calling it twice
// is harmless.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast queues ev for every client. Clients whose buffer is full miss it.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal broadcast", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("websocket client too slow, dropping event", "type", ev.Type)
		}
	}
}

// BroadcastSyncRun is an entitlement.ReportCallback.
func (h *Hub) BroadcastSyncRun(run model.SyncRun) {
	h.Broadcast(SyncRunEvent(run))
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
