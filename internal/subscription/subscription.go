// Package subscription implements one viewer's live feed of a room: a
// bounded FIFO of messages drained by the connection's delivery loop.
//
// Backpressure policy is drop-oldest-and-flag: when the queue is full the
// oldest undelivered message is evicted and the subscription is marked as
// having a gap. The connection adapter notices the gap and recovers the
// missing messages from the durable store, so a slow client costs bounded
// memory but still converges on the full transcript.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/fireside-chat/fireside/internal/domain"
)

// State of a subscription. Active -> ActiveWithGap -> Active on catch-up;
// any state -> Closed, which is terminal.
type State int

const (
	StateActive State = iota
	StateActiveWithGap
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateActiveWithGap:
		return "active_with_gap"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Subscription is a per-connection handle on a room's live feed.
type Subscription struct {
	ID             string
	RoomID         string
	ConnectedSince time.Time

	mu            sync.Mutex
	queue         []domain.Message
	capacity      int
	gap           bool
	closed        bool
	lastDelivered string

	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
	onClose func()
}

// New creates an active subscription with the given queue capacity.
// Capacity must be at least 1.
func New(id, roomID string, capacity int) *Subscription {
	if capacity < 1 {
		capacity = 1
	}
	return &Subscription{
		ID:             id,
		RoomID:         roomID,
		ConnectedSince: time.Now(),
		queue:          make([]domain.Message, 0, capacity),
		capacity:       capacity,
		notify:         make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

// OnClose registers a hook invoked exactly once when the subscription
// closes, after the queue is discarded. Used by the engine to unregister
// the handle from the room registry.
func (s *Subscription) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// Push enqueues a message for delivery. It never blocks: on a full queue
// the oldest undelivered message is evicted and the gap flag is set.
// Returns ErrSubscriptionClosed after Close, which callers treat as
// benign.
func (s *Subscription) Push(msg domain.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSubscriptionClosed
	}
	if len(s.queue) >= s.capacity {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.gap = true
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until a message is available, the subscription closes, or
// ctx is cancelled. Messages at or below the delivery watermark are
// skipped, so a catch-up fetch never causes duplicates.
func (s *Subscription) Next(ctx context.Context) (domain.Message, error) {
	for {
		s.mu.Lock()
		for len(s.queue) > 0 {
			msg := s.queue[0]
			copy(s.queue, s.queue[1:])
			s.queue = s.queue[:len(s.queue)-1]
			if msg.ID <= s.lastDelivered {
				continue
			}
			s.lastDelivered = msg.ID
			s.mu.Unlock()
			return msg, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return domain.Message{}, domain.ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return domain.Message{}, ctx.Err()
		case <-s.done:
			return domain.Message{}, domain.ErrSubscriptionClosed
		case <-s.notify:
		}
	}
}

// TakeGap reads and clears the gap flag. When it reports true the caller
// must backfill from the store starting after the returned watermark and
// then advance the watermark with MarkDelivered.
func (s *Subscription) TakeGap() (sinceID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.gap {
		return "", false
	}
	s.gap = false
	return s.lastDelivered, true
}

// RestoreGap re-flags an unresolved gap. Used when a recovery fetch fails
// or only covered part of the missed span, so the next delivery cycle
// fetches again from the current watermark.
func (s *Subscription) RestoreGap() {
	s.mu.Lock()
	if !s.closed {
		s.gap = true
	}
	s.mu.Unlock()
}

// ResumeFrom seeds the delivery watermark for a rejoining subscriber and
// flags everything after id for recovery. The feed then backfills the
// missed span through the same path as an overflow gap.
func (s *Subscription) ResumeFrom(id string) {
	s.mu.Lock()
	if !s.closed {
		if id > s.lastDelivered {
			s.lastDelivered = id
		}
		s.gap = true
	}
	s.mu.Unlock()
}

// PeekOldest returns the ID of the oldest queued message. The queue is
// contiguous, so recovery is complete once the watermark reaches it.
func (s *Subscription) PeekOldest() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	return s.queue[0].ID, true
}

// MarkDelivered advances the delivery watermark after messages were
// delivered out of band (catch-up fetch). IDs at or below the watermark
// are skipped by Next.
func (s *Subscription) MarkDelivered(id string) {
	s.mu.Lock()
	if id > s.lastDelivered {
		s.lastDelivered = id
	}
	s.mu.Unlock()
}

// LastDelivered returns the current delivery watermark.
func (s *Subscription) LastDelivered() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDelivered
}

// State reports the subscription's current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return StateClosed
	case s.gap:
		return StateActiveWithGap
	default:
		return StateActive
	}
}

// Len returns the number of queued undelivered messages.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close terminates the subscription: the queue is discarded, any blocked
// Next call wakes with ErrSubscriptionClosed, and the OnClose hook runs.
// Close is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		fn := s.onClose
		s.mu.Unlock()

		close(s.done)
		if fn != nil {
			fn()
		}
	})
}
