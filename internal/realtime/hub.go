package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"tradedesk/internal/observability/metrics"
	orderevents "tradedesk/internal/orders/application/events"
	settlementevents "tradedesk/internal/settlement/application/events"
)

// allOrders is the room of clients that follow every order.
const allOrders = "*"

// Event is a websocket message. Clients treat it as a refetch hint; the
// payload never replaces a read of the order.
type Event struct {
	Type    string          `json:"type"`
	OrderID string          `json:"order_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type roomEvent struct {
	room  string
	event Event
}

// Hub keeps connected clients by room and broadcasts change notifications.
type Hub struct {
	rooms      map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan roomEvent
	mu         sync.RWMutex
}

// NewHub creates a hub. Call Run before registering clients.
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan roomEvent, 256),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.mu.Lock()
			if h.rooms[client.room] == nil {
				h.rooms[client.room] = make(map[*Client]bool)
			}
			h.rooms[client.room][client] = true
			h.mu.Unlock()
			metrics.SetRealtimeClients(h.Clients())
		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			metrics.SetRealtimeClients(h.Clients())
		case msg := <-h.broadcast:
			message, err := json.Marshal(msg.event)
			if err != nil {
				continue
			}
			h.mu.Lock()
			h.sendLocked(allOrders, message)
			if msg.room != allOrders {
				h.sendLocked(msg.room, message)
			}
			h.mu.Unlock()
			metrics.SetRealtimeClients(h.Clients())
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.rooms {
		n += len(clients)
	}
	return n
}

// Broadcast queues event for the clients following its order and for the
// clients following all orders.
func (h *Hub) Broadcast(event Event) {
	room := event.OrderID
	if room == "" {
		room = allOrders
	}
	h.broadcast <- roomEvent{room: room, event: event}
}

// HandleEvent converts a domain event into a websocket notification.
func (h *Hub) HandleEvent(ctx context.Context, event any) error {
	_ = ctx
	var out Event
	switch e := event.(type) {
	case orderevents.OrderStatusChanged:
		out = Event{Type: "order.status_changed", OrderID: e.OrderID}
	case orderevents.OrderUpdated:
		out = Event{Type: "order.updated", OrderID: e.OrderID}
	case settlementevents.SettlementBatchApplied:
		out = Event{Type: "settlement.batch_applied"}
	case nil:
		return errors.New("realtime: nil event")
	default:
		return fmt.Errorf("realtime: unsupported event %T", event)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	out.Payload = payload
	h.Broadcast(out)
	return nil
}

// a slow client is dropped rather than blocking the hub
func (h *Hub) sendLocked(room string, message []byte) {
	for client := range h.rooms[room] {
		select {
		case client.send <- message:
		default:
			h.removeLocked(client)
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	clients, ok := h.rooms[client.room]
	if !ok {
		return
	}
	if _, exists := clients[client]; !exists {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.rooms, client.room)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for _, clients := range h.rooms {
		for client := range clients {
			h.removeLocked(client)
		}
	}
	h.mu.Unlock()
	metrics.SetRealtimeClients(0)
}
