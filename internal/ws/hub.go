package ws

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// OnlineEvent is the event name pushed to presence subscribers.
const OnlineEvent = "getOnlineUsers"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub tracks connected subscribers per account and pushes the online list
// to everyone whenever it changes.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[Subscriber]struct{}
	logger  *slog.Logger
}

type onlinePayload struct {
	Event  string   `json:"event"`
	Online []string `json:"online"`
}

// NewHub creates an initialized Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]map[Subscriber]struct{}),
		logger:  logger,
	}
}

// Register marks userID online through client and broadcasts the new list.
func (h *Hub) Register(userID string, client Subscriber) {
	h.mu.Lock()
	conns, ok := h.clients[userID]
	if !ok {
		conns = make(map[Subscriber]struct{})
		h.clients[userID] = conns
	}
	conns[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("presence connected", "user_id", userID)
	h.broadcastOnline()
}

// Unregister removes client. The account goes offline once its last
// connection is gone.
func (h *Hub) Unregister(userID string, client Subscriber) {
	if !h.remove(userID, client) {
		return
	}
	h.logger.Info("presence disconnected", "user_id", userID)
	h.broadcastOnline()
}

// Online returns the sorted ids of accounts with at least one connection.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsOnline reports whether userID has a live connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]map[Subscriber]struct{})
	h.mu.Unlock()
	for _, conns := range clients {
		for c := range conns {
			c.Close()
		}
	}
}

func (h *Hub) remove(userID string, client Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.clients[userID]
	if !ok {
		return false
	}
	if _, ok := conns[client]; !ok {
		return false
	}
	delete(conns, client)
	if len(conns) == 0 {
		delete(h.clients, userID)
	}
	return true
}

type target struct {
	userID string
	client Subscriber
}

func (h *Hub) broadcastOnline() {
	payload, err := json.Marshal(onlinePayload{Event: OnlineEvent, Online: h.Online()})
	if err != nil {
		h.logger.Error("presence payload encode failed", "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]target, 0, len(h.clients))
	for id, conns := range h.clients {
		for c := range conns {
			targets = append(targets, target{userID: id, client: c})
		}
	}
	h.mu.RUnlock()

	var dropped bool
	for _, t := range targets {
		if err := t.client.Send(payload); err != nil {
			t.client.Close()
			if h.remove(t.userID, t.client) {
				dropped = true
			}
		}
	}
	if dropped {
		h.broadcastOnline()
	}
}
