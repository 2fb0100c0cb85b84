package control

import (
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"
)

// EventType classifies a push notification.
type EventType string

const (
	// EventTrustPending fires when an untrusted peer's chunk was
	// buffered and awaits an operator decision.
	EventTrustPending EventType = "trust_pending"
	// EventSessionEstablished fires on handshake completion.
	EventSessionEstablished EventType = "session_established"
	// EventSessionDropped fires on session teardown.
	EventSessionDropped EventType = "session_dropped"
	// EventPeerExpired fires when a peer record ages out.
	EventPeerExpired EventType = "peer_expired"
)

// Event is one push notification, serialized as JSON to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	PublicKey string    `json:"public_key,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// clientQueueDepth bounds each subscriber's outbound queue; a
// subscriber that cannot keep up is disconnected rather than allowed
// to stall the hub.
const clientQueueDepth = 32

// EventHub pushes daemon events to WebSocket subscribers (the HTTP API
// and CLI). The daemon mounts ServeHTTP at /events on the control
// listen address when one is configured.
type EventHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	conn *websocket.Conn
	out  chan Event
}

// NewEventHub returns a hub with no subscribers.
func NewEventHub() *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{},
		clients:  make(map[*hubClient]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket subscription.
func (h *EventHub) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.WithError(err).Warn("control: websocket upgrade failed")
		return
	}

	client := &hubClient{conn: conn, out: make(chan Event, clientQueueDepth)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writePump(client)
}

func (h *EventHub) writePump(client *hubClient) {
	defer client.conn.Close()

	for ev := range client.out {
		if err := client.conn.WriteJSON(ev); err != nil {
			h.remove(client)
			return
		}
	}
}

func (h *EventHub) remove(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.out)
	}
}

// Publish fans an event out to every subscriber. Subscribers whose
// queue is full are dropped.
func (h *EventHub) Publish(ev Event) {
	h.mu.Lock()
	var stalled []*hubClient
	for client := range h.clients {
		select {
		case client.out <- ev:
		default:
			stalled = append(stalled, client)
		}
	}
	for _, client := range stalled {
		delete(h.clients, client)
		close(client.out)
	}
	h.mu.Unlock()
}

// Subscribers returns the current subscriber count.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and rejects new ones.
func (h *EventHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	for client := range h.clients {
		delete(h.clients, client)
		close(client.out)
	}
	return nil
}
