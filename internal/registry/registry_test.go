package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fireside-chat/fireside/internal/subscription"
)

func TestRegistry_SubscribeAndSnapshot(t *testing.T) {
	req := require.New(t)
	reg := New()

	s1 := subscription.New("s1", "general", 4)
	s2 := subscription.New("s2", "general", 4)

	req.Nil(reg.Subscribe(s1))
	req.Nil(reg.Subscribe(s2))

	req.Equal(2, reg.SubscriberCount("general"))
	req.Equal(1, reg.RoomCount())

	snap := reg.Snapshot("general")
	req.Len(snap, 2)

	roomID, ok := reg.RoomOf("s1")
	req.True(ok)
	req.Equal("general", roomID)
}

func TestRegistry_SnapshotUnknownRoom(t *testing.T) {
	reg := New()
	require.Nil(t, reg.Snapshot("nope"))
	require.Equal(t, 0, reg.SubscriberCount("nope"))
}

func TestRegistry_ReplaceOnReconnect(t *testing.T) {
	req := require.New(t)
	reg := New()

	old := subscription.New("s1", "general", 4)
	req.Nil(reg.Subscribe(old))

	fresh := subscription.New("s1", "general", 4)
	replaced := reg.Subscribe(fresh)
	req.Same(old, replaced)

	req.Equal(1, reg.SubscriberCount("general"))
	snap := reg.Snapshot("general")
	req.Len(snap, 1)
	req.Same(fresh, snap[0])
}

func TestRegistry_RoomSwitchMovesSubscriber(t *testing.T) {
	req := require.New(t)
	reg := New()

	inA := subscription.New("s1", "room-a", 4)
	req.Nil(reg.Subscribe(inA))

	inB := subscription.New("s1", "room-b", 4)
	replaced := reg.Subscribe(inB)
	req.Same(inA, replaced)

	// room-a is empty and gone, s1 now lives in room-b.
	req.Equal(0, reg.SubscriberCount("room-a"))
	req.Equal(1, reg.SubscriberCount("room-b"))
	req.Equal(1, reg.RoomCount())

	roomID, ok := reg.RoomOf("s1")
	req.True(ok)
	req.Equal("room-b", roomID)
}

func TestRegistry_UnsubscribeRemovesEmptyRoom(t *testing.T) {
	req := require.New(t)
	reg := New()

	s1 := subscription.New("s1", "general", 4)
	reg.Subscribe(s1)

	got := reg.Unsubscribe("general", "s1")
	req.Same(s1, got)
	req.Equal(0, reg.RoomCount())

	// Double unsubscribe is a no-op.
	req.Nil(reg.Unsubscribe("general", "s1"))

	_, ok := reg.RoomOf("s1")
	req.False(ok)
}

func TestRegistry_DropIgnoresStaleHandle(t *testing.T) {
	req := require.New(t)
	reg := New()

	stale := subscription.New("s1", "general", 4)
	reg.Subscribe(stale)

	fresh := subscription.New("s1", "general", 4)
	reg.Subscribe(fresh)

	// The stale handle closing late must not evict its replacement.
	reg.Drop(stale)
	req.Equal(1, reg.SubscriberCount("general"))

	reg.Drop(fresh)
	req.Equal(0, reg.SubscriberCount("general"))
	req.Equal(0, reg.RoomCount())
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	reg := New()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", n)
			roomID := fmt.Sprintf("room-%d", n%4)
			for j := 0; j < 100; j++ {
				sub := subscription.New(id, roomID, 4)
				reg.Subscribe(sub)
				reg.Snapshot(roomID)
				reg.Unsubscribe(roomID, id)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 0, reg.RoomCount())
}
