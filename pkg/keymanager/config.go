package keymanager

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNoFreeKeys is returned when the manager is built without free keys.
	ErrNoFreeKeys = errors.New("at least one free API key is required")
	// ErrInvalidMaxFailures is returned for a non-positive failure threshold.
	ErrInvalidMaxFailures = errors.New("max failures must be positive")
)

// Config holds everything the manager needs at construction.
type Config struct {
	FreeKeys    []string // Required, rotation order
	PaidKeys    PaidKeys // Optional
	MaxFailures int      // A key is usable while its failure count is below this

	// ExhaustionLogInterval bounds how often "pool exhausted" warnings are
	// logged per pool. Zero uses the pool default.
	ExhaustionLogInterval time.Duration

	Logger *zap.Logger
}

// PaidKeys is the paid-tier key list. It may be empty (no paid tier), hold a
// single key, or several keys rotated round robin.
type PaidKeys []string

// ParsePaidKeys accepts the forms a paid-key setting is written in: empty,
// a single key, a comma-separated list, or a JSON array of strings.
func ParsePaidKeys(raw string) PaidKeys {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err == nil {
			return PaidKeys(normalizeKeys(list))
		}
	}
	return PaidKeys(normalizeKeys(strings.Split(raw, ",")))
}

// normalizeKeys trims keys, drops empty ones and keeps the first occurrence
// of duplicates, preserving order.
func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
