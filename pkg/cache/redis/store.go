// Package redis implements cache.Store on top of a Redis server, for caches
// shared between machines.
package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pario-ai/llmbatch/pkg/cache"
	"github.com/pario-ai/llmbatch/pkg/models"
)

// DefaultPrefix namespaces cache keys.
const DefaultPrefix = "llmbatch:cache:"

const scanBatch = 200

type value struct {
	Raw       string          `json:"raw_response"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	CreatedAt int64           `json:"created_at"`
	TTL       int64           `json:"ttl_seconds,omitempty"`
}

// Store is a Redis-backed cache.Store.
type Store struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
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

// WithPrefix overrides DefaultPrefix.
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New connects to the Redis server at url (redis://[:password@]host:port/db)
// and verifies it with a PING.
func New(ctx context.Context, url string, ttl time.Duration, opts ...Option) (*Store, error) {
	ropts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w: %w", cache.ErrUnavailable, err)
	}
	return NewWithClient(client, ttl, opts...), nil
}

// NewWithClient wraps an existing client. The Store takes ownership of it.
func NewWithClient(client *goredis.Client, ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultPrefix,
		ttl:    ttl,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) key(fp string) string { return s.prefix + fp }

// Lookup fetches and decodes the entry for fp.
func (s *Store) Lookup(ctx context.Context, fp string) (*models.CacheEntry, bool) {
	data, err := s.client.Get(ctx, s.key(fp)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			s.logger.Warn("cache read failed, treating as miss",
				zap.String("fingerprint", cache.Short(fp)), zap.Error(err))
		}
		s.misses.Add(1)
		return nil, false
	}

	entry, err := decode(fp, data)
	if err != nil {
		s.logger.Warn("cache entry unreadable, treating as miss",
			zap.String("fingerprint", cache.Short(fp)), zap.Error(err))
		s.misses.Add(1)
		return nil, false
	}
	if entry.Expired(s.now()) {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return entry, true
}

// Insert writes the entry with the store's TTL as the key expiry.
func (s *Store) Insert(ctx context.Context, fp, raw string, fields map[string]any) error {
	encoded, err := cache.EncodeFields(fields)
	if err != nil {
		return fmt.Errorf("cache insert: %w", err)
	}
	data, err := json.Marshal(value{
		Raw:       raw,
		Fields:    encoded,
		CreatedAt: s.now().UnixMilli(),
		TTL:       cache.TTLSeconds(s.ttl),
	})
	if err != nil {
		return fmt.Errorf("cache insert: %w", err)
	}
	if err := s.client.Set(ctx, s.key(fp), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache insert: %w", err)
	}
	return nil
}

// PurgeExpired deletes entries whose stored TTL has elapsed. Keys that Redis
// already expired are gone and are not counted.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.now()
	var n int64
	err := s.scan(ctx, func(keys []string) error {
		for _, k := range keys {
			data, err := s.client.Get(ctx, k).Bytes()
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			e, err := decode(k, data)
			if err == nil && !e.Expired(now) {
				continue
			}
			deleted, err := s.client.Del(ctx, k).Result()
			if err != nil {
				return err
			}
			n += deleted
		}
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("cache purge expired: %w", err)
	}
	return n, nil
}

// PurgeAll deletes every key under the store's prefix.
func (s *Store) PurgeAll(ctx context.Context) (int64, error) {
	var n int64
	err := s.scan(ctx, func(keys []string) error {
		deleted, err := s.client.Del(ctx, keys...).Result()
		n += deleted
		return err
	})
	if err != nil {
		return n, fmt.Errorf("cache purge: %w", err)
	}
	return n, nil
}

// Stats counts keys under the prefix.
func (s *Store) Stats(ctx context.Context) (models.CacheStats, error) {
	var n int64
	err := s.scan(ctx, func(keys []string) error {
		n += int64(len(keys))
		return nil
	})
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{Entries: n, Hits: s.hits.Load(), Misses: s.misses.Load()}, nil
}

// Entries lists entries newest first.
func (s *Store) Entries(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	var out []models.CacheEntry
	err := s.scan(ctx, func(keys []string) error {
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			e, err := decode(keys[i][len(s.prefix):], []byte(str))
			if err != nil {
				continue
			}
			out = append(out, *e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache entries: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func decode(fp string, data []byte) (*models.CacheEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var v value
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	fields, err := cache.DecodeFields(v.Fields)
	if err != nil {
		return nil, err
	}
	return &models.CacheEntry{
		Fingerprint: fp,
		RawResponse: v.Raw,
		Fields:      fields,
		CreatedAt:   time.UnixMilli(v.CreatedAt),
		TTL:         time.Duration(v.TTL) * time.Second,
	}, nil
}
