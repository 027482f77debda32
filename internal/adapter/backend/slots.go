package backend

import "sync"

// DefaultSlotCapacity bounds concurrent calls per model when no explicit
// capacity is configured.
const DefaultSlotCapacity = 4

// SlotUsage is a point-in-time view of one model's admission state.
type SlotUsage struct {
	InUse    int `json:"in_use"`
	Capacity int `json:"capacity"`
}

// SlotGate enforces per-model concurrency caps. Admission is non-blocking:
// Acquire at capacity returns false immediately, there is no wait queue.
// Callers decide whether to retry, reroute, or fail.
type SlotGate struct {
	mu         sync.Mutex
	defaultCap int
	capacity   map[string]int
	inUse      map[string]int
}

// NewSlotGate creates a gate. defaultCapacity <= 0 falls back to
// DefaultSlotCapacity.
func NewSlotGate(defaultCapacity int) *SlotGate {
	if defaultCapacity <= 0 {
		defaultCapacity = DefaultSlotCapacity
	}
	return &SlotGate{
		defaultCap: defaultCapacity,
		capacity:   make(map[string]int),
		inUse:      make(map[string]int),
	}
}

// SetCapacity overrides the capacity for one model. n <= 0 resets the model
// to the gate default.
func (g *SlotGate) SetCapacity(modelKey string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n <= 0 {
		delete(g.capacity, modelKey)
		return
	}
	g.capacity[modelKey] = n
}

// Capacity returns the effective capacity for modelKey.
func (g *SlotGate) Capacity(modelKey string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacityLocked(modelKey)
}

func (g *SlotGate) capacityLocked(modelKey string) int {
	if n, ok := g.capacity[modelKey]; ok {
		return n
	}
	return g.defaultCap
}

// InUse returns the number of slots currently held for modelKey.
func (g *SlotGate) InUse(modelKey string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse[modelKey]
}

// Has reports whether an Acquire for modelKey would currently succeed.
// The answer can be stale by the time the caller acts on it; Acquire is the
// authoritative check.
func (g *SlotGate) Has(modelKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse[modelKey] < g.capacityLocked(modelKey)
}

// Acquire takes a slot for modelKey. It returns false when the model is at
// capacity.
func (g *SlotGate) Acquire(modelKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse[modelKey] >= g.capacityLocked(modelKey) {
		return false
	}
	g.inUse[modelKey]++
	return true
}

// Release returns a slot for modelKey. Releasing below zero is a no-op, so
// double releases cannot corrupt the counter.
func (g *SlotGate) Release(modelKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse[modelKey] <= 0 {
		return
	}
	g.inUse[modelKey]--
	if g.inUse[modelKey] == 0 {
		delete(g.inUse, modelKey)
	}
}

// Usage snapshots admission state for every model with configured capacity
// or live usage.
func (g *SlotGate) Usage() map[string]SlotUsage {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]SlotUsage, len(g.capacity))
	for key := range g.capacity {
		out[key] = SlotUsage{InUse: g.inUse[key], Capacity: g.capacityLocked(key)}
	}
	for key, n := range g.inUse {
		if _, ok := out[key]; !ok {
			out[key] = SlotUsage{InUse: n, Capacity: g.capacityLocked(key)}
		}
	}
	return out
}
