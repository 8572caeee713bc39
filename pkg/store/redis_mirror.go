// Package store publishes key manager snapshots to external stores so that
// several processes' pool health can be watched from one place.
//
// Publication is one-way and best effort: nothing is ever read back, and the
// manager never waits on it.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/abdhe/llm-key-manager/pkg/keymanager"
	"github.com/abdhe/llm-key-manager/pkg/metrics"
	"github.com/abdhe/llm-key-manager/pkg/redact"
	"github.com/abdhe/llm-key-manager/pkg/resilience"
)

// SnapshotSource is anything that can produce a manager snapshot.
type SnapshotSource interface {
	Snapshot() keymanager.Snapshot
}

// RedisMirror writes snapshots into redis hashes under a key prefix.
// Keys are stored by fingerprint, never in clear.
//
// Layout:
//
//	<prefix>:<pool>:failures  fingerprint → failure count
//	<prefix>:<pool>:state     fingerprint → "usable" | "exhausted"
//	<prefix>:paid:usage       fingerprint → times handed out
//	<prefix>:summary          free_exhausted, paid_exhausted, affinity_entries, max_failures, taken_at
type RedisMirror struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

// RedisMirrorOption configures a RedisMirror.
type RedisMirrorOption func(*RedisMirror)

// WithPrefix sets the key prefix. Surrounding colons are trimmed.
func WithPrefix(prefix string) RedisMirrorOption {
	return func(m *RedisMirror) {
		if p := strings.Trim(strings.TrimSpace(prefix), ":"); p != "" {
			m.prefix = p
		}
	}
}

// WithTTL expires every written hash after d. Zero keeps them forever.
func WithTTL(d time.Duration) RedisMirrorOption {
	return func(m *RedisMirror) { m.ttl = d }
}

// WithRetry sets the per-publish retry policy.
func WithRetry(cfg resilience.RetryConfig) RedisMirrorOption {
	return func(m *RedisMirror) { m.retry = cfg }
}

// WithBreaker sets the circuit breaker guarding redis.
func WithBreaker(cb *resilience.CircuitBreaker) RedisMirrorOption {
	return func(m *RedisMirror) { m.breaker = cb }
}

// WithMirrorLogger sets the mirror's logger.
func WithMirrorLogger(l *zap.Logger) RedisMirrorOption {
	return func(m *RedisMirror) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewRedisClient creates a go-redis client for the mirror.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisMirror creates a mirror writing through client.
func NewRedisMirror(client *redis.Client, opts ...RedisMirrorOption) *RedisMirror {
	m := &RedisMirror{
		client: client,
		prefix: "keymanager",
		ttl:    10 * time.Minute,
		retry:  resilience.DefaultRetryConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.breaker == nil {
		m.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "redis_mirror",
			FailureThreshold: 3,
			Cooldown:         30 * time.Second,
			Logger:           m.logger,
		})
	}
	m.logger = m.logger.Named("redis_mirror")
	return m
}

// Publish writes snap. Each attempt is retried with backoff; repeated
// failures open the circuit and later calls fail fast with
// resilience.ErrCircuitOpen until the cooldown passes.
func (m *RedisMirror) Publish(ctx context.Context, snap keymanager.Snapshot) error {
	err := m.breaker.Execute(func() error {
		return resilience.Retry(ctx, m.retry, func(ctx context.Context) error {
			return m.write(ctx, snap)
		})
	})

	switch {
	case err == nil:
		metrics.MirrorWritesTotal.WithLabelValues("success").Inc()
		return nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		metrics.MirrorWritesTotal.WithLabelValues("rejected").Inc()
	default:
		metrics.MirrorWritesTotal.WithLabelValues("error").Inc()
	}
	return fmt.Errorf("redis_mirror: publish: %w", err)
}

// Run publishes a snapshot from src every interval until ctx is done.
// Errors are logged, never returned.
func (m *RedisMirror) Run(ctx context.Context, src SnapshotSource, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if err := m.Publish(ctx, src.Snapshot()); err != nil && ctx.Err() == nil {
			m.logger.Warn("snapshot publish failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Ping checks the Redis connection.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func (m *RedisMirror) write(ctx context.Context, snap keymanager.Snapshot) error {
	pipe := m.client.TxPipeline()

	m.writePool(ctx, pipe, keymanager.PoolFree, snap.Free)
	m.writePool(ctx, pipe, keymanager.PoolPaid, snap.Paid)

	usageKey := m.key(keymanager.PoolPaid, "usage")
	pipe.Del(ctx, usageKey)
	if len(snap.PaidUsage) > 0 {
		usage := make(map[string]interface{}, len(snap.PaidUsage))
		for k, n := range snap.PaidUsage {
			usage[redact.Fingerprint(k)] = n
		}
		pipe.HSet(ctx, usageKey, usage)
		m.expire(ctx, pipe, usageKey)
	}

	summaryKey := m.key("summary")
	pipe.HSet(ctx, summaryKey, map[string]interface{}{
		"free_exhausted":   strconv.FormatBool(snap.FreeExhausted),
		"paid_exhausted":   strconv.FormatBool(snap.PaidExhausted),
		"affinity_entries": snap.AffinityEntries,
		"max_failures":     snap.MaxFailures,
		"taken_at":         snap.TakenAt.UTC().Format(time.RFC3339),
	})
	m.expire(ctx, pipe, summaryKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis_mirror: exec: %w", err)
	}
	return nil
}

func (m *RedisMirror) writePool(ctx context.Context, pipe redis.Pipeliner, pool string, st resilience.PoolStatus) {
	failuresKey := m.key(pool, "failures")
	stateKey := m.key(pool, "state")
	pipe.Del(ctx, failuresKey, stateKey)

	if len(st.Usable)+len(st.Exhausted) == 0 {
		return
	}

	failures := make(map[string]interface{}, len(st.Usable)+len(st.Exhausted))
	state := make(map[string]interface{}, len(st.Usable)+len(st.Exhausted))
	for k, n := range st.Usable {
		id := redact.Fingerprint(k)
		failures[id] = n
		state[id] = "usable"
	}
	for k, n := range st.Exhausted {
		id := redact.Fingerprint(k)
		failures[id] = n
		state[id] = "exhausted"
	}

	pipe.HSet(ctx, failuresKey, failures)
	pipe.HSet(ctx, stateKey, state)
	m.expire(ctx, pipe, failuresKey)
	m.expire(ctx, pipe, stateKey)
}

func (m *RedisMirror) expire(ctx context.Context, pipe redis.Pipeliner, key string) {
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
}

func (m *RedisMirror) key(parts ...string) string {
	return m.prefix + ":" + strings.Join(parts, ":")
}
