// Package transport carries the engine's wire protocol: JSON command
// and event frames over a WebSocket, plus binary frames for archive
// chunks streamed during a run. Events are droppable status updates;
// chunks are payload and always block until written.
package transport

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Command is one client request frame.
type Command struct {
	// ID correlates the reply event with the request.
	ID     string          `json:"id,omitempty"`
	Action string          `json:"action"`
	Policy string          `json:"policy,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Event is one server push frame.
type Event struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Policy  string `json:"policy,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewEvent builds an event for a policy-scoped notification.
func NewEvent(kind, policyName string, payload any) Event {
	return Event{Type: kind, Policy: policyName, Payload: payload}
}

// ErrorEvent builds the failure reply for a command.
func ErrorEvent(cmd Command, err error) Event {
	return Event{Type: cmd.Action + "_failed", ID: cmd.ID, Policy: cmd.Policy, Error: err.Error()}
}

// ReplyEvent builds the success reply for a command.
func ReplyEvent(cmd Command, payload any) Event {
	return Event{Type: cmd.Action + "_result", ID: cmd.ID, Policy: cmd.Policy, Payload: payload}
}

// Hub maintains the set of active connections, keyed by connection ID.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With("component", "transport"),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
}

// Unregister removes a client and closes its event channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		close(c.events)
	}
	h.mu.Unlock()
}

// Send delivers an event to one connection. A full event buffer drops
// the frame rather than stalling the caller; every dropped event is
// superseded by a later one or recoverable from a fresh list.
func (h *Hub) Send(connID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", "type", ev.Type, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[connID]; ok {
		c.trySend(data)
	}
}

// SendToIdentity delivers an event to every connection the identity
// holds, dropping per-connection when a buffer is full.
func (h *Hub) SendToIdentity(identity string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", "type", ev.Type, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.Identity == identity {
			c.trySend(data)
		}
	}
}

// Get returns the client for a connection ID.
func (h *Hub) Get(connID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	return c, ok
}

// CloseConn force-closes one connection, if present.
func (h *Hub) CloseConn(connID string) {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if ok {
		c.Close()
	}
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
