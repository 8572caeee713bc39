package keymanager

import (
	"go.uber.org/zap"

	"github.com/abdhe/llm-key-manager/pkg/metrics"
	"github.com/abdhe/llm-key-manager/pkg/resilience"
)

// HasPaidKeys reports whether a paid tier is configured.
func (m *Manager) HasPaidKeys() bool {
	return m.paid.Size() > 0
}

// GetPaidKey returns the paid key for requestID.
//
// A request id that already holds a key gets that key back, whatever the
// ring did in between. Otherwise the next usable paid key is drawn and, when
// requestID is non-empty, pinned to it until ReleasePaidKey. With a single
// paid key the ring is bypassed. The second result is false when no paid
// tier is configured; callers then fall back to the free pool.
func (m *Manager) GetPaidKey(requestID string) (string, bool) {
	if requestID != "" {
		if key, ok := m.pinned(requestID); ok {
			m.recordUsage(key)
			m.logKey("reusing pinned paid key", key, zap.String("request_id", requestID))
			return key, true
		}
	}

	var key string
	switch m.paid.Size() {
	case 0:
		return "", false
	case 1:
		key = m.paid.Keys()[0]
		metrics.RecordDispense(PoolPaid, key)
	default:
		key = m.paid.NextWorking()
	}

	if requestID != "" {
		key = m.pin(requestID, key)
	}
	m.recordUsage(key)
	m.logKey("dispensed paid key", key, zap.String("request_id", requestID))
	return key, true
}

// HandlePaidKeyFailure records a failure for a paid key and returns the paid
// key to retry with. Later fresh allocations skip paid keys over the
// threshold, like the free pool. If requestID is pinned to the failed key it
// is re-pinned to the replacement so the rest of the request sees one key.
func (m *Manager) HandlePaidKeyFailure(requestID, key string) string {
	if m.paid.Size() == 0 {
		return ""
	}
	replacement := m.paid.HandleFailure(key)

	if requestID != "" {
		m.affinityMu.Lock()
		if current, ok := m.affinity[requestID]; ok && current == key {
			m.affinity[requestID] = replacement
		}
		m.affinityMu.Unlock()
	}
	m.recordUsage(replacement)
	return replacement
}

// ReleasePaidKey drops the pin held by requestID. Unknown ids are ignored.
func (m *Manager) ReleasePaidKey(requestID string) {
	m.affinityMu.Lock()
	key, ok := m.affinity[requestID]
	if ok {
		delete(m.affinity, requestID)
	}
	n := len(m.affinity)
	m.affinityMu.Unlock()

	if ok {
		metrics.AffinityEntries.Set(float64(n))
		m.logKey("released paid key", key, zap.String("request_id", requestID))
	}
}

// PaidFailCount returns key's paid-pool failure count, 0 if unknown.
func (m *Manager) PaidFailCount(key string) int {
	return m.paid.FailCount(key)
}

// PaidStatus partitions the paid keys into usable and exhausted.
func (m *Manager) PaidStatus() resilience.PoolStatus {
	return m.paid.KeysByStatus()
}

// PaidKeyUsage returns how many times each paid key was handed out.
func (m *Manager) PaidKeyUsage() map[string]int64 {
	m.usageMu.Lock()
	defer m.usageMu.Unlock()

	out := make(map[string]int64, len(m.usage))
	for k, v := range m.usage {
		out[k] = v
	}
	return out
}

// AffinityLen returns the number of request ids currently holding a paid key.
func (m *Manager) AffinityLen() int {
	m.affinityMu.Lock()
	defer m.affinityMu.Unlock()
	return len(m.affinity)
}

func (m *Manager) pinned(requestID string) (string, bool) {
	m.affinityMu.Lock()
	defer m.affinityMu.Unlock()
	key, ok := m.affinity[requestID]
	return key, ok
}

// pin binds requestID to key unless a concurrent lookup for the same id got
// there first, in which case the existing binding wins and is returned.
func (m *Manager) pin(requestID, key string) string {
	m.affinityMu.Lock()
	if existing, ok := m.affinity[requestID]; ok {
		m.affinityMu.Unlock()
		return existing
	}
	m.affinity[requestID] = key
	n := len(m.affinity)
	m.affinityMu.Unlock()

	metrics.AffinityEntries.Set(float64(n))
	return key
}

func (m *Manager) recordUsage(key string) {
	m.usageMu.Lock()
	m.usage[key]++
	m.usageMu.Unlock()
}
