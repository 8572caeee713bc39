// Package resilience provides key rotation and failure isolation primitives,
// plus the retry and circuit-breaking helpers used around external stores.
package resilience

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/abdhe/llm-key-manager/pkg/metrics"
	"github.com/abdhe/llm-key-manager/pkg/redact"
)

// KeyPool manages a pool of API keys with round-robin rotation and
// per-key failure counting. A key is usable while its failure count is
// below the pool's threshold.
type KeyPool struct {
	name        string
	ring        *Ring
	failures    *FailureTable
	members     map[string]struct{}
	maxFailures int

	logger       *zap.Logger
	exhaustedLog *rate.Sometimes
}

// PoolStatus partitions a pool's keys by usability, with their failure counts.
type PoolStatus struct {
	Usable    map[string]int `json:"usable"`
	Exhausted map[string]int `json:"exhausted"`
}

// KeyPoolOption configures a KeyPool.
type KeyPoolOption func(*KeyPool)

// WithLogger sets the pool's logger.
func WithLogger(l *zap.Logger) KeyPoolOption {
	return func(kp *KeyPool) {
		if l != nil {
			kp.logger = l
		}
	}
}

// WithExhaustionLogInterval limits how often "pool exhausted" warnings are
// logged. Zero logs every occurrence.
func WithExhaustionLogInterval(d time.Duration) KeyPoolOption {
	return func(kp *KeyPool) {
		if d <= 0 {
			kp.exhaustedLog = &rate.Sometimes{Every: 1}
			return
		}
		kp.exhaustedLog = &rate.Sometimes{First: 1, Interval: d}
	}
}

// NewKeyPool creates a named pool over keys. keys are expected to be unique;
// maxFailures must be positive.
func NewKeyPool(name string, keys []string, maxFailures int, opts ...KeyPoolOption) *KeyPool {
	members := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		members[k] = struct{}{}
	}
	kp := &KeyPool{
		name:         name,
		ring:         NewRing(keys),
		failures:     NewFailureTable(keys),
		members:      members,
		maxFailures:  maxFailures,
		logger:       zap.NewNop(),
		exhaustedLog: &rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(kp)
	}
	kp.logger = kp.logger.With(zap.String("pool", name))
	metrics.ExhaustedKeys.WithLabelValues(name).Set(0)
	return kp
}

// Name returns the pool name used in logs and metric labels.
func (kp *KeyPool) Name() string { return kp.name }

// Size returns the number of keys in the pool.
func (kp *KeyPool) Size() int { return kp.ring.Len() }

// Keys returns the pool's keys in rotation order.
func (kp *KeyPool) Keys() []string { return kp.ring.Keys() }

// MaxFailures returns the failure threshold.
func (kp *KeyPool) MaxFailures() int { return kp.maxFailures }

// Contains reports whether key belongs to the pool.
func (kp *KeyPool) Contains(key string) bool {
	_, ok := kp.members[key]
	return ok
}

// Next returns the next key in rotation without looking at failure counts.
func (kp *KeyPool) Next() (string, bool) {
	key, ok := kp.ring.Next()
	if ok {
		metrics.RecordDispense(kp.name, key)
	}
	return key, ok
}

// NextWorking returns the next usable key in round-robin order.
//
// Unusable keys are skipped. When the probe wraps back to the first key it
// drew, every key is over the threshold and that first key is returned
// anyway: an exhausted pool degrades to best effort rather than failing the
// caller. Failure counts are left untouched in that case.
//
// The probe advances the ring at most Size()+1 times, so it terminates even
// while other goroutines rotate the same ring.
func (kp *KeyPool) NextWorking() string {
	initial, ok := kp.ring.Next()
	if !ok {
		return ""
	}
	if kp.IsValid(initial) {
		metrics.RecordDispense(kp.name, initial)
		return initial
	}

	for probes := kp.ring.Len(); probes > 0; probes-- {
		current, _ := kp.ring.Next()
		if kp.IsValid(current) {
			metrics.RecordDispense(kp.name, current)
			return current
		}
		if current == initial {
			break
		}
	}

	kp.onExhausted(initial)
	metrics.RecordDispense(kp.name, initial)
	return initial
}

func (kp *KeyPool) onExhausted(fallback string) {
	metrics.ExhaustedSelectionsTotal.WithLabelValues(kp.name).Inc()
	kp.exhaustedLog.Do(func() {
		kp.logger.Warn("all keys over failure threshold, using best-effort key",
			zap.String("key", redact.Mask(fallback)),
			zap.Int("max_failures", kp.maxFailures),
			zap.Int("pool_size", kp.ring.Len()),
		)
	})
}

// HandleFailure records a failure for key and returns a replacement key.
//
// Counts keep growing past the threshold. The crossing itself is logged once,
// when the count first equals the threshold. Keys that are not part of the
// pool are not counted.
func (kp *KeyPool) HandleFailure(key string) string {
	if !kp.Contains(key) {
		kp.logger.Debug("failure reported for key outside pool", zap.String("key", redact.Mask(key)))
		return kp.NextWorking()
	}

	count := kp.failures.Inc(key)
	metrics.RecordFailure(kp.name, key)
	if count == kp.maxFailures {
		metrics.ExhaustedKeys.WithLabelValues(kp.name).Inc()
		kp.logger.Warn("key reached failure threshold",
			zap.String("key", redact.Mask(key)),
			zap.String("key_id", redact.Fingerprint(key)),
			zap.Int("failures", count),
		)
	}

	return kp.NextWorking()
}

// IsValid reports whether key is below the failure threshold. Unknown keys
// are valid.
func (kp *KeyPool) IsValid(key string) bool {
	return kp.failures.Count(key) < kp.maxFailures
}

// FailCount returns the failure count for key, 0 if unknown.
func (kp *KeyPool) FailCount(key string) int {
	return kp.failures.Count(key)
}

// ResetFailureCounts zeroes every key's failure count.
func (kp *KeyPool) ResetFailureCounts() {
	kp.failures.Reset()
	metrics.ExhaustedKeys.WithLabelValues(kp.name).Set(0)
	kp.logger.Info("failure counts reset")
}

// KeysByStatus partitions the pool's keys into usable and exhausted.
func (kp *KeyPool) KeysByStatus() PoolStatus {
	st := PoolStatus{
		Usable:    make(map[string]int),
		Exhausted: make(map[string]int),
	}
	for key, count := range kp.failures.Snapshot(kp.ring.Keys()) {
		if count < kp.maxFailures {
			st.Usable[key] = count
		} else {
			st.Exhausted[key] = count
		}
	}
	return st
}

// Exhausted reports whether every key is over the threshold. An empty pool
// is not exhausted.
func (kp *KeyPool) Exhausted() bool {
	st := kp.KeysByStatus()
	return len(st.Usable) == 0 && len(st.Exhausted) > 0
}
