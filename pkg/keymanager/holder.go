package keymanager

import (
	"sync"
	"sync/atomic"
)

// Holder constructs one Manager and hands the same instance to every caller.
// The composition root owns the Holder; there is no package-level instance.
//
// The first successful Get builds the manager from its Config. Later calls
// return that manager and ignore their Config. A failed construction is not
// remembered, so a later Get with a valid Config can still succeed.
type Holder struct {
	mu   sync.Mutex
	inst atomic.Pointer[Manager]
}

// Get returns the shared manager, building it from cfg on first use.
func (h *Holder) Get(cfg Config) (*Manager, error) {
	if m := h.inst.Load(); m != nil {
		return m, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if m := h.inst.Load(); m != nil {
		return m, nil
	}
	m, err := New(cfg)
	if err != nil {
		return nil, err
	}
	h.inst.Store(m)
	return m, nil
}

// Current returns the shared manager, or nil before the first successful Get.
func (h *Holder) Current() *Manager {
	return h.inst.Load()
}
