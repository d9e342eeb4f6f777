package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fireside-chat/fireside/internal/domain"
)

func msg(id string) domain.Message {
	return domain.Message{ID: id, RoomID: "r1", Body: "body-" + id}
}

func TestSubscription_FIFOOrder(t *testing.T) {
	req := require.New(t)
	sub := New("s1", "r1", 8)

	req.NoError(sub.Push(msg("a")))
	req.NoError(sub.Push(msg("b")))
	req.NoError(sub.Push(msg("c")))

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, err := sub.Next(ctx)
		req.NoError(err)
		req.Equal(want, got.ID)
	}
	req.Equal(StateActive, sub.State())
	req.Equal("c", sub.LastDelivered())
}

func TestSubscription_DropOldestAndFlag(t *testing.T) {
	req := require.New(t)
	sub := New("s1", "r1", 2)

	req.NoError(sub.Push(msg("a")))
	req.NoError(sub.Push(msg("b")))
	req.NoError(sub.Push(msg("c")))

	// Oldest evicted, two newest kept, gap recorded.
	req.Equal(2, sub.Len())
	req.Equal(StateActiveWithGap, sub.State())

	since, ok := sub.TakeGap()
	req.True(ok)
	req.Equal("", since)
	req.Equal(StateActive, sub.State())

	// Flag is consumed.
	_, ok = sub.TakeGap()
	req.False(ok)

	got, err := sub.Next(context.Background())
	req.NoError(err)
	req.Equal("b", got.ID)
}

func TestSubscription_NextBlocksUntilPush(t *testing.T) {
	req := require.New(t)
	sub := New("s1", "r1", 4)

	done := make(chan domain.Message, 1)
	go func() {
		m, err := sub.Next(context.Background())
		if err == nil {
			done <- m
		}
	}()

	// Give the drain goroutine time to block.
	time.Sleep(20 * time.Millisecond)
	req.NoError(sub.Push(msg("a")))

	select {
	case m := <-done:
		req.Equal("a", m.ID)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake on Push")
	}
}

func TestSubscription_CloseWakesNext(t *testing.T) {
	req := require.New(t)
	sub := New("s1", "r1", 4)

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Close()

	select {
	case err := <-errCh:
		req.ErrorIs(err, domain.ErrSubscriptionClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake on Close")
	}

	req.Equal(StateClosed, sub.State())
	req.ErrorIs(sub.Push(msg("x")), domain.ErrSubscriptionClosed)

	// Idempotent.
	sub.Close()
}

func TestSubscription_CloseRunsHookOnce(t *testing.T) {
	req := require.New(t)
	sub := New("s1", "r1", 4)

	calls := 0
	sub.OnClose(func() { calls++ })

	sub.Close()
	sub.Close()
	req.Equal(1, calls)
}

func TestSubscription_WatermarkSkipsDuplicates(t *testing.T) {
	req := require.New(t)
	sub := New("s1", "r1", 8)

	req.NoError(sub.Push(msg("a")))
	req.NoError(sub.Push(msg("b")))
	req.NoError(sub.Push(msg("c")))

	// A catch-up fetch delivered everything up to "b" out of band.
	sub.MarkDelivered("b")

	got, err := sub.Next(context.Background())
	req.NoError(err)
	req.Equal("c", got.ID)
}

func TestSubscription_RestoreGapAfterTake(t *testing.T) {
	req := require.New(t)
	sub := New("s1", "r1", 2)

	for _, id := range []string{"a", "b", "c"} {
		req.NoError(sub.Push(msg(id)))
	}

	// A consumer takes the flag, cannot resolve it, and puts it back.
	_, ok := sub.TakeGap()
	req.True(ok)
	req.Equal(StateActive, sub.State())
	sub.RestoreGap()
	req.Equal(StateActiveWithGap, sub.State())

	since, ok := sub.TakeGap()
	req.True(ok)
	req.Equal("", since)

	// Restoring a closed subscription is a no-op.
	sub.Close()
	sub.RestoreGap()
	req.Equal(StateClosed, sub.State())
}

func TestSubscription_ResumeFrom(t *testing.T) {
	req := require.New(t)
	sub := New("s1", "r1", 8)

	sub.ResumeFrom("b")
	req.Equal("b", sub.LastDelivered())
	req.Equal(StateActiveWithGap, sub.State())

	// Queued messages at or below the resume point are skipped.
	req.NoError(sub.Push(msg("a")))
	req.NoError(sub.Push(msg("c")))

	got, err := sub.Next(context.Background())
	req.NoError(err)
	req.Equal("c", got.ID)
}

func TestSubscription_PeekOldest(t *testing.T) {
	req := require.New(t)
	sub := New("s1", "r1", 4)

	_, ok := sub.PeekOldest()
	req.False(ok)

	req.NoError(sub.Push(msg("a")))
	req.NoError(sub.Push(msg("b")))

	oldest, ok := sub.PeekOldest()
	req.True(ok)
	req.Equal("a", oldest)
}

func TestSubscription_NextHonorsContext(t *testing.T) {
	req := require.New(t)
	sub := New("s1", "r1", 4)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	req.ErrorIs(err, context.DeadlineExceeded)
}
