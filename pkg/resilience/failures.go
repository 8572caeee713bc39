package resilience

import "sync"

// FailureTable counts failures per key. Counts only grow, except through Reset.
// Keys that were not registered at construction read as zero.
type FailureTable struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewFailureTable creates a table with a zeroed entry for every key.
func NewFailureTable(keys []string) *FailureTable {
	counts := make(map[string]int, len(keys))
	for _, k := range keys {
		counts[k] = 0
	}
	return &FailureTable{counts: counts}
}

// Inc adds one failure to key and returns the new count.
func (t *FailureTable) Inc(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[key]++
	return t.counts[key]
}

// Count returns the failure count for key, or 0 if key is unknown.
func (t *FailureTable) Count(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[key]
}

// Reset zeroes every count.
func (t *FailureTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k := range t.counts {
		t.counts[k] = 0
	}
}

// Snapshot returns the counts for keys, in one critical section.
func (t *FailureTable) Snapshot(keys []string) map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]int, len(keys))
	for _, k := range keys {
		out[k] = t.counts[k]
	}
	return out
}
