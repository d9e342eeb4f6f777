// Package engine implements the broadcast core: a posted message is
// persisted first, then fanned out to every live subscriber of its room.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/fireside-chat/fireside/internal/domain"
	"github.com/fireside-chat/fireside/internal/registry"
	"github.com/fireside-chat/fireside/internal/store"
	"github.com/fireside-chat/fireside/internal/subscription"
	"github.com/fireside-chat/fireside/pkg/log"
)

// Config tunes the engine.
type Config struct {
	// MaxBodyBytes rejects oversized messages before persistence.
	MaxBodyBytes int `mapstructure:"max_body_bytes"`
	// QueueCapacity bounds each subscriber's outbound queue.
	QueueCapacity int `mapstructure:"queue_capacity"`
	// CatchUpBatch bounds a single gap-recovery fetch.
	CatchUpBatch int `mapstructure:"catch_up_batch"`
}

// Engine accepts new messages, records them durably, and delivers them to
// the room's current subscriber set in persisted order.
type Engine struct {
	store    store.MessageStore
	registry *registry.Registry
	cfg      Config

	// pubMu serializes append + fan-out per room so every subscriber
	// observes messages in exactly the order the store persisted them.
	// The registry lock is never held across a store call.
	pubMu struct {
		sync.Mutex
		rooms map[string]*sync.Mutex
	}
}

func New(st store.MessageStore, reg *registry.Registry, cfg Config) *Engine {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4096
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.CatchUpBatch <= 0 {
		cfg.CatchUpBatch = 256
	}
	e := &Engine{store: st, registry: reg, cfg: cfg}
	e.pubMu.rooms = make(map[string]*sync.Mutex)
	return e
}

// Post validates, persists, and fans out one message. On a storage
// failure nothing is delivered and the caller may retry. A slow
// subscriber never blocks or fails the post; its own overflow policy
// applies instead.
func (e *Engine) Post(ctx context.Context, roomID, authorID, authorName, body string) (domain.Message, error) {
	if strings.TrimSpace(body) == "" {
		return domain.Message{}, &domain.ValidationError{Reason: "empty body"}
	}
	if len(body) > e.cfg.MaxBodyBytes {
		return domain.Message{}, &domain.ValidationError{Reason: "body too large"}
	}

	mu := e.roomPublishLock(roomID)
	mu.Lock()
	defer mu.Unlock()

	msg, err := e.store.Append(ctx, roomID, authorID, authorName, body)
	if err != nil {
		if !domain.IsStorage(err) {
			err = &domain.StorageError{Op: "append", Err: err}
		}
		return domain.Message{}, err
	}

	subs := e.registry.Snapshot(roomID)
	for _, sub := range subs {
		if err := sub.Push(msg); err != nil && !errors.Is(err, domain.ErrSubscriptionClosed) {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Str(log.FieldSubscriberID, sub.ID).Msg("enqueue failed")
		}
	}

	l := log.Ctx(ctx)
	l.Debug().
		Str(log.FieldRoomID, roomID).
		Str(log.FieldMessageID, msg.ID).
		Int("fanout", len(subs)).
		Msg("message fanned out")

	return msg, nil
}

// Subscribe attaches a new live feed for subscriberID on roomID. A second
// subscribe with the same subscriber ID (reconnect, or a switch to another
// room) closes and replaces the prior handle; no message posted to the old
// room after the switch reaches the new handle.
func (e *Engine) Subscribe(roomID, subscriberID string) *subscription.Subscription {
	sub := subscription.New(subscriberID, roomID, e.cfg.QueueCapacity)
	sub.OnClose(func() {
		e.registry.Drop(sub)
	})

	if replaced := e.registry.Subscribe(sub); replaced != nil {
		replaced.Close()
	}
	return sub
}

// Unsubscribe detaches and closes the subscriber's handle. No-op if it is
// not registered.
func (e *Engine) Unsubscribe(roomID, subscriberID string) {
	if sub := e.registry.Unsubscribe(roomID, subscriberID); sub != nil {
		sub.Close()
	}
}

// History returns up to limit messages of roomID after sinceID, oldest
// first. Used to backfill a new subscriber and for gap recovery.
func (e *Engine) History(ctx context.Context, roomID, sinceID string, limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > e.cfg.CatchUpBatch {
		limit = e.cfg.CatchUpBatch
	}
	msgs, err := e.store.RangeSince(ctx, roomID, sinceID, limit)
	if err != nil {
		if !domain.IsStorage(err) {
			err = &domain.StorageError{Op: "range_since", Err: err}
		}
		return nil, err
	}
	return msgs, nil
}

// CatchUp recovers one batch of a subscription's flagged gap: it fetches
// up to CatchUpBatch messages persisted after the delivery watermark and
// advances the watermark past them so queued duplicates are skipped. A
// span wider than one batch stays flagged until a later call reaches the
// oldest queued message, and a failed fetch also stays flagged so the
// next delivery cycle retries. Returns nil when no gap was pending.
func (e *Engine) CatchUp(ctx context.Context, sub *subscription.Subscription) ([]domain.Message, error) {
	sinceID, ok := sub.TakeGap()
	if !ok {
		return nil, nil
	}

	recovered, err := e.History(ctx, sub.RoomID, sinceID, e.cfg.CatchUpBatch)
	if err != nil {
		sub.RestoreGap()
		return nil, err
	}
	if len(recovered) > 0 {
		last := recovered[len(recovered)-1].ID
		sub.MarkDelivered(last)

		// A full batch may not have reached the span's end. The queue
		// holds a contiguous tail, so once the watermark is at or past
		// its oldest message nothing is missing in between.
		if len(recovered) == e.cfg.CatchUpBatch {
			if oldest, queued := sub.PeekOldest(); !queued || last < oldest {
				sub.RestoreGap()
			}
		}
	}

	l := log.Ctx(ctx)
	l.Debug().
		Str(log.FieldRoomID, sub.RoomID).
		Str(log.FieldSubscriberID, sub.ID).
		Int("recovered", len(recovered)).
		Msg("gap catch-up completed")

	return recovered, nil
}

// QueueCapacity reports the configured per-subscriber queue bound.
func (e *Engine) QueueCapacity() int {
	return e.cfg.QueueCapacity
}

func (e *Engine) roomPublishLock(roomID string) *sync.Mutex {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	mu, ok := e.pubMu.rooms[roomID]
	if !ok {
		mu = &sync.Mutex{}
		e.pubMu.rooms[roomID] = mu
	}
	return mu
}
