package depthwise

import (
	"sync"

	"github.com/google/uuid"
)

// Arena is the fixed pool of repack caches shared by the ops of one graph.
// Each slot belongs to at most one op instance at a time; an instance keeps
// its slot until it releases it.
type Arena struct {
	mu    sync.Mutex
	slots []*RepackCache
}

// NewArena allocates slots caches of capacity weights each. Non-positive
// values select one slot and DefaultCacheCapacity.
func NewArena(slots, capacity int) *Arena {
	if slots <= 0 {
		slots = 1
	}
	a := &Arena{slots: make([]*RepackCache, slots)}
	for i := range a.slots {
		a.slots[i] = NewRepackCache(capacity)
	}
	return a
}

// Acquire returns the slot owned by id, claiming a free one if id owns none.
// It reports false when every slot belongs to another instance.
func (a *Arena) Acquire(id uuid.UUID) (*RepackCache, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var free *RepackCache
	for _, c := range a.slots {
		if c.owner == id {
			return c, true
		}
		if free == nil && c.owner == uuid.Nil {
			free = c
		}
	}
	if free == nil {
		return nil, false
	}
	free.assign(id)
	return free, true
}

// Release frees the slot owned by id, if any.
func (a *Arena) Release(id uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.slots {
		if c.owner == id {
			c.assign(uuid.Nil)
		}
	}
}

// Available returns the number of unowned slots.
func (a *Arena) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.slots {
		if c.owner == uuid.Nil {
			n++
		}
	}
	return n
}

func (a *Arena) Slots() int { return len(a.slots) }

// Capacity is the per-slot capacity in weights.
func (a *Arena) Capacity() int { return a.slots[0].capacity }
