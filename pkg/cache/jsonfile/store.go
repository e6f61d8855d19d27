// Package jsonfile implements cache.Store as an in-memory map that is
// loaded from and flushed to a single JSON file.
package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/llmbatch/pkg/cache"
	"github.com/pario-ai/llmbatch/pkg/models"
)

// DefaultFlushEvery is the number of inserts between automatic flushes.
const DefaultFlushEvery = 10

// record is the on-disk shape of one entry.
type record struct {
	Raw        string          `json:"result"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	Timestamp  float64         `json:"timestamp"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"`
}

// Store keeps entries in memory and persists them to path. An empty path
// gives a purely in-memory store.
type Store struct {
	path       string
	ttl        time.Duration
	flushEvery int
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]models.CacheEntry
	dirty   int

	hits   atomic.Int64
	misses atomic.Int64
}

var (
	_ cache.Store  = (*Store)(nil)
	_ cache.Lister = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFlushEvery sets how many inserts trigger a flush. n <= 0 flushes only
// on Close.
func WithFlushEvery(n int) Option {
	return func(s *Store) { s.flushEvery = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads the store at path. A missing file yields an empty store; an
// unreadable or corrupt file also yields an empty store, with a warning.
func Open(path string, ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		path:       path,
		ttl:        ttl,
		flushEvery: DefaultFlushEvery,
		logger:     zap.NewNop(),
		now:        time.Now,
		entries:    make(map[string]models.CacheEntry),
	}
	for _, o := range opts {
		o(s)
	}
	if path == "" {
		return s
	}

	if err := s.load(); err != nil {
		s.logger.Warn("cache file unusable, starting empty",
			zap.String("path", path), zap.Error(err))
		s.entries = make(map[string]models.CacheEntry)
	} else {
		s.logger.Debug("cache file loaded",
			zap.String("path", path), zap.Int("entries", len(s.entries)))
	}
	return s
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cache file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var recs map[string]record
	if err := json.Unmarshal(data, &recs); err != nil {
		return fmt.Errorf("parse cache file: %w", err)
	}
	for fp, r := range recs {
		fields, err := cache.DecodeFields(r.Fields)
		if err != nil {
			return fmt.Errorf("entry %s: %w", cache.Short(fp), err)
		}
		s.entries[fp] = models.CacheEntry{
			Fingerprint: fp,
			RawResponse: r.Raw,
			Fields:      fields,
			CreatedAt:   fromUnix(r.Timestamp),
			TTL:         time.Duration(r.TTLSeconds) * time.Second,
		}
	}
	return nil
}

// Lookup returns a live entry for fp.
func (s *Store) Lookup(_ context.Context, fp string) (*models.CacheEntry, bool) {
	s.mu.RLock()
	e, ok := s.entries[fp]
	s.mu.RUnlock()

	if !ok || e.Expired(s.now()) {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return &e, true
}

// Insert stores an entry and flushes once enough inserts accumulate.
func (s *Store) Insert(_ context.Context, fp, raw string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[fp] = models.CacheEntry{
		Fingerprint: fp,
		RawResponse: raw,
		Fields:      fields,
		CreatedAt:   s.now(),
		TTL:         s.ttl,
	}
	s.dirty++
	if s.flushEvery > 0 && s.dirty >= s.flushEvery {
		return s.flushLocked()
	}
	return nil
}

// PurgeExpired removes expired entries.
func (s *Store) PurgeExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for fp, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, fp)
			n++
		}
	}
	if n > 0 {
		s.dirty++
		return n, s.flushLocked()
	}
	return 0, nil
}

// PurgeAll removes every entry.
func (s *Store) PurgeAll(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.entries))
	s.entries = make(map[string]models.CacheEntry)
	s.dirty++
	return n, s.flushLocked()
}

// Stats returns cache performance metrics.
func (s *Store) Stats(_ context.Context) (models.CacheStats, error) {
	s.mu.RLock()
	n := int64(len(s.entries))
	s.mu.RUnlock()
	return models.CacheStats{Entries: n, Hits: s.hits.Load(), Misses: s.misses.Load()}, nil
}

// Entries lists entries newest first.
func (s *Store) Entries(_ context.Context, limit int) ([]models.CacheEntry, error) {
	s.mu.RLock()
	out := make([]models.CacheEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Flush writes pending changes to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Close flushes pending changes.
func (s *Store) Close() error {
	return s.Flush()
}

func (s *Store) flushLocked() error {
	if s.path == "" || s.dirty == 0 {
		s.dirty = 0
		return nil
	}

	recs := make(map[string]record, len(s.entries))
	for fp, e := range s.entries {
		fields, err := cache.EncodeFields(e.Fields)
		if err != nil {
			return fmt.Errorf("flush cache: %w", err)
		}
		recs[fp] = record{
			Raw:        e.RawResponse,
			Fields:     fields,
			Timestamp:  toUnix(e.CreatedAt),
			TTLSeconds: cache.TTLSeconds(e.TTL),
		}
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("flush cache: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("flush cache: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".cache-*.json")
	if err != nil {
		return fmt.Errorf("flush cache: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("flush cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("flush cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("flush cache: %w", err)
	}

	s.logger.Debug("cache flushed", zap.String("path", s.path), zap.Int("entries", len(recs)))
	s.dirty = 0
	return nil
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(ts float64) time.Time {
	sec := int64(ts)
	return time.Unix(sec, int64((ts-float64(sec))*1e9))
}
