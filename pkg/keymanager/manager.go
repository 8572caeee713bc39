// Package keymanager hands out API keys from a free pool and an optional paid
// pool, isolates failing keys, and pins paid keys to requests.
//
// Every concern has its own lock: free rotation, free failure counts, paid
// rotation, paid failure counts, the affinity map and the usage counters.
// Traffic on one pool never waits on the other.
package keymanager

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/llm-key-manager/pkg/metrics"
	"github.com/abdhe/llm-key-manager/pkg/redact"
	"github.com/abdhe/llm-key-manager/pkg/resilience"
)

// Pool names used in logs, metrics and snapshots.
const (
	PoolFree = "free"
	PoolPaid = "paid"
)

// Manager owns the free and paid key pools.
type Manager struct {
	free *resilience.KeyPool
	paid *resilience.KeyPool

	affinityMu sync.Mutex
	affinity   map[string]string // request id → paid key

	usageMu sync.Mutex
	usage   map[string]int64 // paid key → times handed out

	maxFailures int
	logger      *zap.Logger
}

// New builds a manager from cfg. It fails when there are no free keys or the
// failure threshold is not positive.
func New(cfg Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("keymanager")

	if cfg.MaxFailures <= 0 {
		return nil, fmt.Errorf("keymanager: new: %w (got %d)", ErrInvalidMaxFailures, cfg.MaxFailures)
	}
	freeKeys := normalizeKeys(cfg.FreeKeys)
	if len(freeKeys) == 0 {
		return nil, fmt.Errorf("keymanager: new: %w", ErrNoFreeKeys)
	}
	paidKeys := normalizeKeys(cfg.PaidKeys)

	if dropped := len(cfg.FreeKeys) - len(freeKeys); dropped > 0 {
		logger.Warn("ignored blank or duplicate free keys", zap.Int("dropped", dropped))
	}
	if dropped := len(cfg.PaidKeys) - len(paidKeys); dropped > 0 {
		logger.Warn("ignored blank or duplicate paid keys", zap.Int("dropped", dropped))
	}

	poolOpts := []resilience.KeyPoolOption{resilience.WithLogger(logger)}
	if cfg.ExhaustionLogInterval > 0 {
		poolOpts = append(poolOpts, resilience.WithExhaustionLogInterval(cfg.ExhaustionLogInterval))
	}

	usage := make(map[string]int64, len(paidKeys))
	for _, k := range paidKeys {
		usage[k] = 0
	}

	m := &Manager{
		free:        resilience.NewKeyPool(PoolFree, freeKeys, cfg.MaxFailures, poolOpts...),
		paid:        resilience.NewKeyPool(PoolPaid, paidKeys, cfg.MaxFailures, poolOpts...),
		affinity:    make(map[string]string),
		usage:       usage,
		maxFailures: cfg.MaxFailures,
		logger:      logger,
	}
	metrics.AffinityEntries.Set(0)

	logger.Info("key manager initialized",
		zap.Int("free_keys", len(freeKeys)),
		zap.Int("paid_keys", len(paidKeys)),
		zap.Int("max_failures", cfg.MaxFailures),
	)
	return m, nil
}

// ---------------------------------------------------------------------------
// Free pool
// ---------------------------------------------------------------------------

// NextFreeKey returns the next usable free key in round-robin order. It
// always returns a key: when every free key is over the threshold it returns
// one of them anyway.
func (m *Manager) NextFreeKey() string {
	return m.free.NextWorking()
}

// HandleFreeKeyFailure records a failure for key and returns the free key the
// caller should retry with.
func (m *Manager) HandleFreeKeyFailure(key string) string {
	return m.free.HandleFailure(key)
}

// IsKeyValid reports whether key is below the failure threshold in the pool
// it belongs to. Keys from neither pool are valid.
func (m *Manager) IsKeyValid(key string) bool {
	if m.paid.Contains(key) {
		return m.paid.IsValid(key)
	}
	return m.free.IsValid(key)
}

// FreeFailCount returns key's free-pool failure count, 0 if unknown.
func (m *Manager) FreeFailCount(key string) int {
	return m.free.FailCount(key)
}

// Status partitions the free keys into usable and exhausted.
func (m *Manager) Status() resilience.PoolStatus {
	return m.free.KeysByStatus()
}

// ---------------------------------------------------------------------------
// Both pools
// ---------------------------------------------------------------------------

// ResetFailureCounts zeroes failure counts in both pools.
func (m *Manager) ResetFailureCounts() {
	m.free.ResetFailureCounts()
	m.paid.ResetFailureCounts()
}

// MaxFailures returns the configured failure threshold.
func (m *Manager) MaxFailures() int { return m.maxFailures }

// Snapshot is a point-in-time view of the manager for status pages and
// external mirrors. It contains raw keys.
type Snapshot struct {
	Free            resilience.PoolStatus `json:"free"`
	Paid            resilience.PoolStatus `json:"paid"`
	PaidUsage       map[string]int64      `json:"paid_usage"`
	FreeExhausted   bool                  `json:"free_exhausted"`
	PaidExhausted   bool                  `json:"paid_exhausted"`
	AffinityEntries int                   `json:"affinity_entries"`
	MaxFailures     int                   `json:"max_failures"`
	TakenAt         time.Time             `json:"taken_at"`
}

// Snapshot collects the state of both pools. Each part is read under its own
// lock, so the parts may be from slightly different instants.
func (m *Manager) Snapshot() Snapshot {
	free := m.free.KeysByStatus()
	paid := m.paid.KeysByStatus()
	return Snapshot{
		Free:            free,
		Paid:            paid,
		PaidUsage:       m.PaidKeyUsage(),
		FreeExhausted:   len(free.Usable) == 0 && len(free.Exhausted) > 0,
		PaidExhausted:   len(paid.Usable) == 0 && len(paid.Exhausted) > 0,
		AffinityEntries: m.AffinityLen(),
		MaxFailures:     m.maxFailures,
		TakenAt:         time.Now(),
	}
}

func (m *Manager) logKey(msg string, key string, fields ...zap.Field) {
	if ce := m.logger.Check(zap.DebugLevel, msg); ce != nil {
		ce.Write(append(fields, zap.String("key", redact.Mask(key)))...)
	}
}
