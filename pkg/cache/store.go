// Package cache defines the content-addressed response cache used by the
// batch processor and the fingerprint that keys it.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// ErrUnavailable marks a store that could not be opened or read. Callers
// treat it as "no cache" for the run rather than as a fatal error.
var ErrUnavailable = errors.New("cache unavailable")

// Store is a fingerprint-keyed cache of model responses. Implementations
// must be safe for concurrent use.
type Store interface {
	// Lookup returns the entry for fp. Absent and expired entries are both
	// misses; expired entries are left in place.
	Lookup(ctx context.Context, fp string) (*models.CacheEntry, bool)
	// Insert creates or overwrites the entry for fp. Last write wins.
	Insert(ctx context.Context, fp, raw string, fields map[string]any) error
	// PurgeExpired removes expired entries and returns how many were removed.
	PurgeExpired(ctx context.Context) (int64, error)
	// PurgeAll removes every entry and returns how many were removed.
	PurgeAll(ctx context.Context) (int64, error)
	// Stats returns the entry count and this process's hit/miss counters.
	Stats(ctx context.Context) (models.CacheStats, error)
	// Close flushes pending writes and releases resources.
	Close() error
}

// Lister is implemented by stores that can enumerate their entries.
type Lister interface {
	// Entries returns up to limit entries, newest first. A limit <= 0
	// returns everything.
	Entries(ctx context.Context, limit int) ([]models.CacheEntry, error)
}

// Fingerprint returns the hex SHA-256 identity of a rendered prompt and its
// system instruction. An empty system instruction means none was given.
func Fingerprint(prompt, system string) string {
	return NamespacedFingerprint("", prompt, system)
}

// NamespacedFingerprint is Fingerprint with an extra namespace mixed in, so
// a change of template or model can be made to miss old entries. An empty
// namespace yields exactly Fingerprint(prompt, system).
func NamespacedFingerprint(namespace, prompt, system string) string {
	h := sha256.New()
	if namespace != "" {
		writeField(h, namespace)
	}
	writeField(h, system)
	writeField(h, prompt)
	return hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes s so that adjacent fields cannot run together.
func writeField(h hash.Hash, s string) {
	fmt.Fprintf(h, "%d:", len(s))
	h.Write([]byte(s))
}

// Short returns the first 12 characters of a fingerprint for logging.
func Short(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}
