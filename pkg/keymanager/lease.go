package keymanager

import (
	"sync"

	"github.com/google/uuid"
)

// Lease is a paid key borrowed for the lifetime of one logical request.
//
// The request id stays pinned to the key until Release, which is safe to call
// more than once and on a nil Lease. Callers defer it right after acquiring:
//
//	lease, ok := m.AcquirePaidKey(reqID)
//	defer lease.Release()
type Lease struct {
	m         *Manager
	requestID string

	mu  sync.Mutex
	key string

	once sync.Once
}

// AcquirePaidKey pins a paid key to requestID and returns a lease on it. An
// empty requestID is replaced by a random one. It returns false, and a nil
// lease, when no paid tier is configured.
func (m *Manager) AcquirePaidKey(requestID string) (*Lease, bool) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	key, ok := m.GetPaidKey(requestID)
	if !ok {
		return nil, false
	}
	return &Lease{m: m, requestID: requestID, key: key}, true
}

// Key returns the leased key.
func (l *Lease) Key() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.key
}

// RequestID returns the id the key is pinned to.
func (l *Lease) RequestID() string {
	return l.requestID
}

// Fail reports the leased key as failed and moves the lease to the
// replacement key, which it returns.
func (l *Lease) Fail() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.key = l.m.HandlePaidKeyFailure(l.requestID, l.key)
	return l.key
}

// Release unpins the key from the request.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.m.ReleasePaidKey(l.requestID) })
}
