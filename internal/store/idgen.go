package store

import (
	"sync"

	"github.com/segmentio/ksuid"
)

// idGen issues KSUIDs that are strictly increasing per room. KSUID
// timestamps have one-second resolution, so two messages appended within
// the same second could otherwise sort in the wrong order.
type idGen struct {
	mu   sync.Mutex
	last map[string]ksuid.KSUID
}

func newIDGen() *idGen {
	return &idGen{last: make(map[string]ksuid.KSUID)}
}

func (g *idGen) next(roomID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := ksuid.New()
	if last, ok := g.last[roomID]; ok && ksuid.Compare(id, last) <= 0 {
		id = last.Next()
	}
	g.last[roomID] = id
	return id.String()
}
