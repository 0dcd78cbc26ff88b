package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/campusbite/ordersync/internal/enum"
	"github.com/campusbite/ordersync/internal/order"
	"github.com/google/uuid"
)

// Message is one frame on the push stream.
type Message struct {
	Type    string       `json:"type"`
	OrderID string       `json:"order_id,omitempty"`
	Status  order.Status `json:"db_status,omitempty"`
}

// actorEvent routes a message to the rooms of specific actors, or to every
// client of a role when Role is set.
type actorEvent struct {
	ActorIDs []uuid.UUID
	Role     string
	Message  Message
}

// Hub maintains the set of active clients and broadcasts messages to them.
// Every actor has its own room; an actor may have several dashboards open.
type Hub struct {
	// Registered clients by actor ID
	rooms map[uuid.UUID]map[*Client]bool

	// Registered clients by role
	roles map[string]map[*Client]bool

	// Inbound messages from clients (register/unregister)
	register   chan *Client
	unregister chan *Client

	// Outbound messages to broadcast
	broadcast chan *actorEvent

	// Closed when Run returns
	done chan struct{}

	log *slog.Logger

	// Mutex for thread-safe room access
	mu sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		rooms:      make(map[uuid.UUID]map[*Client]bool),
		roles:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *actorEvent, 256),
		done:       make(chan struct{}),
		log:        log.With("component", "ws-hub"),
	}
}

// Run starts the hub's main loop and returns when ctx is done.
// This should be called as a goroutine: go hub.Run(ctx)
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.rooms[client.actorID] == nil {
				h.rooms[client.actorID] = make(map[*Client]bool)
			}
			h.rooms[client.actorID][client] = true
			if h.roles[client.role] == nil {
				h.roles[client.role] = make(map[*Client]bool)
			}
			h.roles[client.role][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case event := <-h.broadcast:
			// Marshal message to JSON once
			message, err := json.Marshal(event.Message)
			if err != nil {
				h.log.Error("encode push message", "error", err)
				continue
			}

			h.mu.Lock()
			if event.Role != "" {
				for client := range h.roles[event.Role] {
					h.sendLocked(client, message)
				}
			}
			for _, actorID := range event.ActorIDs {
				for client := range h.rooms[actorID] {
					h.sendLocked(client, message)
				}
			}
			h.mu.Unlock()
		}
	}
}

// join registers client. It reports false once the hub has stopped.
func (h *Hub) join(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) publish(event *actorEvent) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	}
}

func (h *Hub) sendLocked(client *Client, message []byte) {
	select {
	case client.send <- message:
	default:
		// Client's send buffer is full, drop it
		h.log.Warn("slow client dropped", "actor_id", client.actorID.String())
		h.removeLocked(client)
	}
}

func (h *Hub) removeLocked(client *Client) {
	clients, ok := h.rooms[client.actorID]
	if !ok {
		return
	}
	if _, exists := clients[client]; !exists {
		return
	}
	delete(clients, client)
	close(client.send)
	// Clean up empty rooms
	if len(clients) == 0 {
		delete(h.rooms, client.actorID)
	}
	if peers := h.roles[client.role]; peers != nil {
		delete(peers, client)
		if len(peers) == 0 {
			delete(h.roles, client.role)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for actorID, clients := range h.rooms {
		for client := range clients {
			close(client.send)
		}
		delete(h.rooms, actorID)
	}
	clear(h.roles)
}

// BroadcastStatus sends an order_status message to every connected dashboard
// of the given actors. Duplicate and nil actor IDs are skipped.
func (h *Hub) BroadcastStatus(orderID string, status order.Status, actors ...uuid.UUID) {
	seen := make(map[uuid.UUID]bool, len(actors))
	ids := make([]uuid.UUID, 0, len(actors))
	for _, id := range actors {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return
	}
	h.publish(&actorEvent{
		ActorIDs: ids,
		Message: Message{
			Type:    enum.MessageOrderStatus,
			OrderID: orderID,
			Status:  status,
		},
	})
}

// BroadcastRole sends an order_status message to every dashboard of a role.
func (h *Hub) BroadcastRole(role, orderID string, status order.Status) {
	h.publish(&actorEvent{
		Role: role,
		Message: Message{
			Type:    enum.MessageOrderStatus,
			OrderID: orderID,
			Status:  status,
		},
	})
}

// Connected reports how many dashboards an actor has open.
func (h *Hub) Connected(actorID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[actorID])
}
