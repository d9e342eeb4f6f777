// Package registry tracks which subscriptions are attached to which room.
//
// The outer mutex only guards the room map and the subscriber index; each
// room guards its own subscriber set, so fan-out in one room never blocks
// membership changes in another.
package registry

import (
	"sync"

	"github.com/fireside-chat/fireside/internal/subscription"
)

type room struct {
	mu   sync.RWMutex
	subs map[string]*subscription.Subscription
}

// Registry is the in-memory map from room ID to its live subscriber set.
// A subscriber belongs to at most one room at a time.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
	index map[string]string // subscriber ID -> room ID
}

func New() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
		index: make(map[string]string),
	}
}

// Subscribe registers sub under its room, creating the room on first use.
// If the same subscriber ID is already registered (a reconnect or a room
// switch) the prior handle is removed atomically and returned so the
// caller can close it; its queue is discarded without being drained
// further.
func (r *Registry) Subscribe(sub *subscription.Subscription) (replaced *subscription.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if oldRoomID, ok := r.index[sub.ID]; ok {
		replaced = r.removeLocked(oldRoomID, sub.ID)
	}

	rm, ok := r.rooms[sub.RoomID]
	if !ok {
		rm = &room{subs: make(map[string]*subscription.Subscription)}
		r.rooms[sub.RoomID] = rm
	}

	rm.mu.Lock()
	rm.subs[sub.ID] = sub
	rm.mu.Unlock()

	r.index[sub.ID] = sub.RoomID
	return replaced
}

// Unsubscribe removes the subscriber's handle if present and returns it.
// It is a no-op on unknown IDs; double-unsubscribe never errors.
func (r *Registry) Unsubscribe(roomID, subscriberID string) *subscription.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(roomID, subscriberID)
}

// Drop removes sub only if it is still the registered handle for its
// subscriber ID. Used by the subscription close hook so a stale handle
// closing late never evicts its replacement.
func (r *Registry) Drop(sub *subscription.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[sub.RoomID]
	if !ok {
		return
	}

	rm.mu.Lock()
	current := rm.subs[sub.ID]
	if current == sub {
		delete(rm.subs, sub.ID)
	}
	empty := len(rm.subs) == 0
	rm.mu.Unlock()

	if current == sub {
		delete(r.index, sub.ID)
	}
	if empty {
		delete(r.rooms, sub.RoomID)
	}
}

// Snapshot returns a point-in-time copy of the room's subscriber set.
// Iterating the copy during fan-out is never corrupted by concurrent
// subscribe or unsubscribe calls.
func (r *Registry) Snapshot(roomID string) []*subscription.Subscription {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()

	out := make([]*subscription.Subscription, 0, len(rm.subs))
	for _, sub := range rm.subs {
		out = append(out, sub)
	}
	return out
}

// RoomOf returns the room a subscriber is currently registered in.
func (r *Registry) RoomOf(subscriberID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.index[subscriberID]
	return roomID, ok
}

// SubscriberCount returns the number of live subscribers in a room.
func (r *Registry) SubscriberCount(roomID string) int {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.subs)
}

// RoomCount returns the number of rooms with at least one subscriber.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// removeLocked removes and returns a handle. Caller holds r.mu.
func (r *Registry) removeLocked(roomID, subscriberID string) *subscription.Subscription {
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}

	rm.mu.Lock()
	sub, ok := rm.subs[subscriberID]
	if ok {
		delete(rm.subs, subscriberID)
	}
	empty := len(rm.subs) == 0
	rm.mu.Unlock()

	if ok {
		delete(r.index, subscriberID)
	}
	if empty {
		delete(r.rooms, roomID)
	}
	return sub
}
