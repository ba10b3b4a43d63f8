// Package notify fans session and dispatch events out to per-tenant
// listeners.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
package notify

import (
	"sync"
	"sync/atomic"
)

// Event names mirror the realtime channel contract.
const (
	EventUserID        = "userId"
	EventQRCode        = "qrCode"
	EventAuthenticated = "authenticated"
	EventLog           = "log"
)

// Event is one message for a tenant's listeners. Data should be small and
// JSON-serializable.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Notifier publishes an event to every listener of a tenant.
type Notifier interface {
	Publish(tenantID string, e Event)
}

// Hub is the in-memory Notifier used by the websocket layer. Listeners
// subscribe to a tenant and get their own buffered channel.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[uint64]chan Event
	seq   atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[uint64]chan Event)}
}

// Publish delivers e to every subscriber of tenantID without blocking. Full
// subscriber channels are skipped.
func (h *Hub) Publish(tenantID string, e Event) {
	h.mu.RLock()
	room := h.rooms[tenantID]
	chs := make([]chan Event, 0, len(room))
	for _, ch := range room {
		chs = append(chs, ch)
	}
	h.mu.RUnlock()

	for _, ch := range chs {
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from the send panic rather than serializing with a lock.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

// Subscribe registers a listener on the tenant's room and returns its channel
// plus an idempotent unsubscribe.
func (h *Hub) Subscribe(tenantID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := h.seq.Add(1)

	h.mu.Lock()
	room := h.rooms[tenantID]
	if room == nil {
		room = make(map[uint64]chan Event)
		h.rooms[tenantID] = room
	}
	room[id] = ch
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			if room := h.rooms[tenantID]; room != nil {
				delete(room, id)
				if len(room) == 0 {
					delete(h.rooms, tenantID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Listeners reports how many subscribers a tenant currently has.
func (h *Hub) Listeners(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[tenantID])
}
