package admission

import (
	"sync"
)

// MemTracker reports the memory state of this backend's execution layer,
// split by pool. Reservations reflect fragments that have begun execution;
// usage is actual consumption. The controller reads both lazily, right
// before publishing a pool's stats to the statestore.
type MemTracker interface {
	// PoolMemReserved returns the bytes reserved on this backend by
	// running fragments of queries in pool. For a query with a mem limit
	// the limit counts as its reservation, since it may consume up to it.
	PoolMemReserved(pool string) int64

	// PoolMemUsage returns the bytes currently consumed on this backend by
	// queries in pool.
	PoolMemUsage(pool string) int64
}

// TrackerRegistry is a process-local MemTracker fed by the execution
// layer.
type TrackerRegistry struct {
	mu       sync.Mutex
	reserved map[string]int64
	usage    map[string]int64
}

func NewTrackerRegistry() *TrackerRegistry {
	return &TrackerRegistry{
		reserved: make(map[string]int64),
		usage:    make(map[string]int64),
	}
}

// SetPool records the current reservation and usage for a pool.
func (t *TrackerRegistry) SetPool(pool string, reserved, usage int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reserved[pool] = reserved
	t.usage[pool] = usage
}

func (t *TrackerRegistry) PoolMemReserved(pool string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reserved[pool]
}

func (t *TrackerRegistry) PoolMemUsage(pool string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage[pool]
}

var _ MemTracker = (*TrackerRegistry)(nil)
