// Package stream pushes order payment updates to processing pages over
// websockets. The hub is an events.Notifier, so it only ever sees committed
// transitions.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/paybridge/internal/events"
)

// Update is the message written to subscribers.
type Update struct {
	Type        string          `json:"type"`
	OrderRef    string          `json:"orderRef"`
	OrderStatus string          `json:"orderStatus,omitempty"`
	Topic       string          `json:"topic,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	At          time.Time       `json:"at"`
}

type client struct {
	orderRef string
	send     chan []byte
	once     sync.Once
}

func (c *client) close() { c.once.Do(func() { close(c.send) }) }

// Hub tracks subscribers per order reference.
type Hub struct {
	// SendBuffer bounds queued messages per client; a client that falls behind is dropped.
	SendBuffer int
	Logger     zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	closed  bool
}

// NewHub returns an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{SendBuffer: 16, Logger: logger, clients: make(map[string]map[*client]struct{})}
}

func (h *Hub) Name() string { return "websocket" }

// register subscribes to orderRef and queues first as the opening message.
func (h *Hub) register(orderRef string, first []byte) (*client, bool) {
	size := h.SendBuffer
	if size <= 0 {
		size = 16
	}
	c := &client{orderRef: orderRef, send: make(chan []byte, size)}
	c.send <- first
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	if h.clients == nil {
		h.clients = make(map[string]map[*client]struct{})
	}
	set, ok := h.clients[orderRef]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[orderRef] = set
	}
	set[c] = struct{}{}
	return c, true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if set, ok := h.clients[c.orderRef]; ok {
		if _, exists := set[c]; exists {
			delete(set, c)
			c.close()
		}
		if len(set) == 0 {
			delete(h.clients, c.orderRef)
		}
	}
}

// Subscribers reports how many clients watch orderRef.
func (h *Hub) Subscribers(orderRef string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[orderRef])
}

// Notify forwards ev to everyone watching its aggregate. It never blocks on a
// slow client.
func (h *Hub) Notify(_ context.Context, ev events.Event) error {
	var body struct {
		OrderStatus string `json:"orderStatus"`
	}
	_ = json.Unmarshal(ev.Payload, &body)
	msg, err := json.Marshal(Update{
		Type:        "payment_update",
		OrderRef:    ev.AggregateID,
		OrderStatus: body.OrderStatus,
		Topic:       ev.Topic,
		Payload:     ev.Payload,
		At:          ev.OccurredAt,
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[ev.AggregateID] {
		select {
		case c.send <- msg:
		default:
			h.Logger.Warn().Str("order_ref", ev.AggregateID).Msg("stream_client_dropped")
			h.removeLocked(c)
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, set := range h.clients {
		for c := range set {
			c.close()
		}
	}
	h.clients = nil
}
