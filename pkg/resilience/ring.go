package resilience

import "sync"

// Ring hands out keys in their configured order, wrapping around at the end.
// It never skips a key; callers that need to avoid failed keys probe it
// repeatedly (see KeyPool.NextWorking).
type Ring struct {
	mu     sync.Mutex
	keys   []string
	cursor int
}

// NewRing creates a ring over a copy of keys. An empty ring is valid and
// yields no keys.
func NewRing(keys []string) *Ring {
	cp := make([]string, len(keys))
	copy(cp, keys)
	return &Ring{keys: cp}
}

// Next returns the key under the cursor and advances the cursor by one.
// It returns false only when the ring is empty.
func (r *Ring) Next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch len(r.keys) {
	case 0:
		return "", false
	case 1:
		return r.keys[0], true
	}

	key := r.keys[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.keys)
	return key, true
}

// Peek returns the key under the cursor without advancing.
func (r *Ring) Peek() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.keys) == 0 {
		return "", false
	}
	return r.keys[r.cursor], true
}

// Len returns the number of keys in the ring.
func (r *Ring) Len() int {
	return len(r.keys)
}

// Keys returns the ring's keys in order.
func (r *Ring) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}
