// Package redact turns API keys into values that are safe to log, export as
// metric labels, or publish to shared stores.
package redact

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// Mask renders key as "abcd...wxyz". Keys of 8 characters or fewer are fully
// hidden.
func Mask(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// Fingerprint returns a short stable identifier for key: the first 8 hex
// characters of its xxhash. It identifies, it does not protect.
func Fingerprint(key string) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], xxhash.Sum64String(key))
	return hex.EncodeToString(b[:4])
}

// Label is Mask plus Fingerprint, e.g. "abcd...wxyz#1f2e3d4c". Two keys sharing
// a mask still get distinct labels.
func Label(key string) string {
	return Mask(key) + "#" + Fingerprint(key)
}

// MaskCounts re-keys a key→count map by Label.
func MaskCounts[V int | int64](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[Label(k)] = v
	}
	return out
}
