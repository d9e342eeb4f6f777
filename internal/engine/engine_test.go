package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fireside-chat/fireside/internal/domain"
	"github.com/fireside-chat/fireside/internal/registry"
	"github.com/fireside-chat/fireside/internal/store"
	"github.com/fireside-chat/fireside/internal/subscription"
)

// failingStore rejects every write so persistence-failure paths can be
// exercised.
type failingStore struct {
	store.MessageStore
}

func (f *failingStore) Append(ctx context.Context, roomID, authorID, authorName, body string) (domain.Message, error) {
	return domain.Message{}, errors.New("connection refused")
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return New(st, registry.New(), cfg), st
}

func drain(t *testing.T, sub *subscription.Subscription, n int) []domain.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := make([]domain.Message, 0, n)
	for len(out) < n {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestEngine_PostValidation(t *testing.T) {
	req := require.New(t)
	eng, st := newTestEngine(t, Config{MaxBodyBytes: 10})
	ctx := context.Background()

	_, err := eng.Post(ctx, "general", "u1", "alice", "   ")
	req.True(domain.IsValidation(err))

	_, err = eng.Post(ctx, "general", "u1", "alice", "this body is far too long")
	req.True(domain.IsValidation(err))

	// Nothing persisted.
	msgs, err := st.RangeSince(ctx, "general", "", 10)
	req.NoError(err)
	req.Empty(msgs)
}

func TestEngine_StorageFailureDeliversNothing(t *testing.T) {
	req := require.New(t)
	reg := registry.New()
	eng := New(&failingStore{}, reg, Config{})
	ctx := context.Background()

	sub := eng.Subscribe("general", "s1")
	defer sub.Close()

	_, err := eng.Post(ctx, "general", "u1", "alice", "hi")
	req.True(domain.IsStorage(err))
	req.Equal(0, sub.Len())
}

func TestEngine_FanOutToRoomSubscribers(t *testing.T) {
	req := require.New(t)
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	a := eng.Subscribe("general", "s1")
	b := eng.Subscribe("general", "s2")
	other := eng.Subscribe("random", "s3")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	posted, err := eng.Post(ctx, "general", "u1", "alice", "hi")
	req.NoError(err)
	req.NotEmpty(posted.ID)

	for _, sub := range []*subscription.Subscription{a, b} {
		got := drain(t, sub, 1)[0]
		req.Equal(posted.ID, got.ID)
		req.Equal("hi", got.Body)
		req.Equal("alice", got.AuthorName)
	}

	// The other room saw nothing.
	req.Equal(0, other.Len())
}

func TestEngine_ConcurrentPostsPreserveOrder(t *testing.T) {
	req := require.New(t)
	eng, st := newTestEngine(t, Config{QueueCapacity: 256})
	ctx := context.Background()

	a := eng.Subscribe("general", "s1")
	b := eng.Subscribe("general", "s2")
	defer a.Close()
	defer b.Close()

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := eng.Post(ctx, "general", fmt.Sprintf("u%d", w), "writer", fmt.Sprintf("m-%d-%d", w, i))
				require.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	total := writers * perWriter
	persisted, err := st.RangeSince(ctx, "general", "", total)
	req.NoError(err)
	req.Len(persisted, total)

	// Every subscriber observes exactly the persisted order.
	for _, sub := range []*subscription.Subscription{a, b} {
		got := drain(t, sub, total)
		for i, msg := range got {
			req.Equal(persisted[i].ID, msg.ID)
		}
	}
}

func TestEngine_OverflowCatchUp(t *testing.T) {
	req := require.New(t)
	eng, _ := newTestEngine(t, Config{QueueCapacity: 2})
	ctx := context.Background()

	sub := eng.Subscribe("general", "s1")
	defer sub.Close()

	var posted []domain.Message
	for i := 0; i < 3; i++ {
		msg, err := eng.Post(ctx, "general", "u1", "alice", fmt.Sprintf("m%d", i))
		req.NoError(err)
		posted = append(posted, msg)
	}

	// Queue holds the two newest and the overflow was flagged.
	req.Equal(2, sub.Len())
	req.Equal(subscription.StateActiveWithGap, sub.State())

	recovered, err := eng.CatchUp(ctx, sub)
	req.NoError(err)
	req.Len(recovered, 3)
	for i, msg := range recovered {
		req.Equal(posted[i].ID, msg.ID)
	}

	// The queued copies fall below the watermark, so nothing is
	// delivered twice.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = sub.Next(waitCtx)
	req.ErrorIs(err, context.DeadlineExceeded)

	// Live delivery resumes after catch-up.
	fresh, err := eng.Post(ctx, "general", "u1", "alice", "m3")
	req.NoError(err)
	req.Equal(fresh.ID, drain(t, sub, 1)[0].ID)

	// No gap pending means no fetch.
	recovered, err = eng.CatchUp(ctx, sub)
	req.NoError(err)
	req.Nil(recovered)
}

func TestEngine_CatchUpSpansMultipleBatches(t *testing.T) {
	req := require.New(t)
	eng, _ := newTestEngine(t, Config{QueueCapacity: 1, CatchUpBatch: 2})
	ctx := context.Background()

	sub := eng.Subscribe("general", "s1")
	defer sub.Close()

	var posted []string
	for i := 0; i < 5; i++ {
		msg, err := eng.Post(ctx, "general", "u1", "alice", fmt.Sprintf("m%d", i))
		req.NoError(err)
		posted = append(posted, msg.ID)
	}
	req.Equal(subscription.StateActiveWithGap, sub.State())

	// Recover the way the delivery loop does: batch after batch until
	// the span is fully covered.
	var recovered []string
	for {
		batch, err := eng.CatchUp(ctx, sub)
		req.NoError(err)
		if len(batch) == 0 {
			break
		}
		req.LessOrEqual(len(batch), 2)
		for _, msg := range batch {
			recovered = append(recovered, msg.ID)
		}
	}

	// The whole transcript arrives in order with no hole between the
	// batch end and the retained queue tail.
	req.Equal(posted, recovered)
	req.Equal(subscription.StateActive, sub.State())

	// The queued copy sits below the watermark, so nothing repeats.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := sub.Next(waitCtx)
	req.ErrorIs(err, context.DeadlineExceeded)

	fresh, err := eng.Post(ctx, "general", "u1", "alice", "m5")
	req.NoError(err)
	req.Equal(fresh.ID, drain(t, sub, 1)[0].ID)
}

// flakyStore fails reads while tripped, to exercise recovery retries.
type flakyStore struct {
	store.MessageStore
	failReads atomic.Bool
}

func (f *flakyStore) RangeSince(ctx context.Context, roomID, sinceID string, limit int) ([]domain.Message, error) {
	if f.failReads.Load() {
		return nil, errors.New("connection reset")
	}
	return f.MessageStore.RangeSince(ctx, roomID, sinceID, limit)
}

func TestEngine_CatchUpRetriesAfterStoreOutage(t *testing.T) {
	req := require.New(t)
	st := &flakyStore{MessageStore: store.NewMemoryStore()}
	eng := New(st, registry.New(), Config{QueueCapacity: 1})
	ctx := context.Background()

	sub := eng.Subscribe("general", "s1")
	defer sub.Close()

	first, err := eng.Post(ctx, "general", "u1", "alice", "m0")
	req.NoError(err)
	_, err = eng.Post(ctx, "general", "u1", "alice", "m1")
	req.NoError(err)
	req.Equal(subscription.StateActiveWithGap, sub.State())

	// The fetch fails; the gap must survive for the next attempt.
	st.failReads.Store(true)
	recovered, err := eng.CatchUp(ctx, sub)
	req.Error(err)
	req.Empty(recovered)
	req.Equal(subscription.StateActiveWithGap, sub.State())

	// Once the store is back, the evicted message is still recovered.
	st.failReads.Store(false)
	recovered, err = eng.CatchUp(ctx, sub)
	req.NoError(err)
	req.Len(recovered, 2)
	req.Equal(first.ID, recovered[0].ID)
	req.Equal(subscription.StateActive, sub.State())
}

func TestEngine_ResumeFromBackfillsMissedSpan(t *testing.T) {
	req := require.New(t)
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	var posted []domain.Message
	for i := 0; i < 3; i++ {
		msg, err := eng.Post(ctx, "general", "u1", "alice", fmt.Sprintf("m%d", i))
		req.NoError(err)
		posted = append(posted, msg)
	}

	// A rejoining subscriber resumes from the last message it saw; the
	// recovery path then owns the backfill.
	sub := eng.Subscribe("general", "s1")
	defer sub.Close()
	sub.ResumeFrom(posted[0].ID)

	recovered, err := eng.CatchUp(ctx, sub)
	req.NoError(err)
	req.Len(recovered, 2)
	req.Equal(posted[1].ID, recovered[0].ID)
	req.Equal(posted[2].ID, recovered[1].ID)

	fresh, err := eng.Post(ctx, "general", "u1", "alice", "m3")
	req.NoError(err)
	req.Equal(fresh.ID, drain(t, sub, 1)[0].ID)
}

func TestEngine_RoomSwitchIsolation(t *testing.T) {
	req := require.New(t)
	eng, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	old := eng.Subscribe("room-a", "s1")
	moved := eng.Subscribe("room-b", "s1")
	defer moved.Close()

	// The old handle was closed by the switch.
	req.Equal(subscription.StateClosed, old.State())

	_, err := eng.Post(ctx, "room-a", "u1", "alice", "left behind")
	req.NoError(err)
	req.Equal(0, moved.Len())

	posted, err := eng.Post(ctx, "room-b", "u1", "alice", "hello b")
	req.NoError(err)
	req.Equal(posted.ID, drain(t, moved, 1)[0].ID)
}

func TestEngine_PostAfterUnsubscribe(t *testing.T) {
	req := require.New(t)
	eng, st := newTestEngine(t, Config{})
	ctx := context.Background()

	sub := eng.Subscribe("general", "s1")
	eng.Unsubscribe("general", "s1")
	req.Equal(subscription.StateClosed, sub.State())

	// Posting to a room with no subscribers still persists.
	_, err := eng.Post(ctx, "general", "u1", "alice", "anyone here")
	req.NoError(err)

	msgs, err := st.RangeSince(ctx, "general", "", 10)
	req.NoError(err)
	req.Len(msgs, 1)

	// Double unsubscribe is harmless.
	eng.Unsubscribe("general", "s1")
}

func TestEngine_HistorySince(t *testing.T) {
	req := require.New(t)
	eng, _ := newTestEngine(t, Config{CatchUpBatch: 2})
	ctx := context.Background()

	var posted []domain.Message
	for i := 0; i < 3; i++ {
		msg, err := eng.Post(ctx, "general", "u1", "alice", fmt.Sprintf("m%d", i))
		req.NoError(err)
		posted = append(posted, msg)
	}

	got, err := eng.History(ctx, "general", posted[0].ID, 10)
	req.NoError(err)

	// Limit is clamped to the catch-up batch size.
	req.Len(got, 2)
	req.Equal(posted[1].ID, got[0].ID)
	req.Equal(posted[2].ID, got[1].ID)
}
