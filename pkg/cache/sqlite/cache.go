package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/llmbatch/pkg/cache"
	"github.com/pario-ai/llmbatch/pkg/models"
)

// Cache is a fingerprint-keyed response cache backed by SQLite.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

var (
	_ cache.Store  = (*Cache)(nil)
	_ cache.Lister = (*Cache)(nil)
)

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	raw_response TEXT NOT NULL,
	fields TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	ttl_seconds INTEGER
);
CREATE INDEX IF NOT EXISTS idx_cache_created ON cache_entries(created_at);
`

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for read-error warnings.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New opens (or creates) the cache database at dbPath. Entries written by
// this Cache expire after ttl; a ttl of zero means they never expire.
func New(dbPath string, ttl time.Duration, opts ...Option) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w: %w", cache.ErrUnavailable, err)
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w: %w", cache.ErrUnavailable, err)
	}

	c := &Cache{db: db, ttl: ttl, logger: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Lookup retrieves a cached entry. Returns false if not found or expired.
func (c *Cache) Lookup(ctx context.Context, fp string) (*models.CacheEntry, bool) {
	var (
		raw        string
		fields     []byte
		createdAt  int64
		ttlSeconds sql.NullInt64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT raw_response, fields, created_at, ttl_seconds FROM cache_entries WHERE fingerprint = ?`,
		fp,
	).Scan(&raw, &fields, &createdAt, &ttlSeconds)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.logger.Warn("cache read failed, treating as miss",
				zap.String("fingerprint", cache.Short(fp)), zap.Error(err))
		}
		c.misses.Add(1)
		return nil, false
	}

	entry := &models.CacheEntry{
		Fingerprint: fp,
		RawResponse: raw,
		CreatedAt:   time.UnixMilli(createdAt),
	}
	if ttlSeconds.Valid {
		entry.TTL = time.Duration(ttlSeconds.Int64) * time.Second
	}
	if entry.Expired(c.now()) {
		c.misses.Add(1)
		return nil, false
	}

	entry.Fields, err = cache.DecodeFields(fields)
	if err != nil {
		c.logger.Warn("cached fields unreadable, dropping them",
			zap.String("fingerprint", cache.Short(fp)), zap.Error(err))
	}

	c.hits.Add(1)
	return entry, true
}

// Insert stores a response in the cache, replacing any previous entry.
func (c *Cache) Insert(ctx context.Context, fp, raw string, fields map[string]any) error {
	data, err := cache.EncodeFields(fields)
	if err != nil {
		return fmt.Errorf("cache insert: %w", err)
	}
	var ttl sql.NullInt64
	if c.ttl > 0 {
		ttl = sql.NullInt64{Int64: cache.TTLSeconds(c.ttl), Valid: true}
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (fingerprint, raw_response, fields, created_at, ttl_seconds)
		 VALUES (?, ?, ?, ?, ?)`,
		fp, raw, string(data), c.now().UnixMilli(), ttl,
	)
	if err != nil {
		return fmt.Errorf("cache insert: %w", err)
	}
	return nil
}

// PurgeExpired removes entries whose TTL has elapsed.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE ttl_seconds IS NOT NULL AND ? - created_at > ttl_seconds * 1000`,
		c.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("cache purge expired: %w", err)
	}
	return res.RowsAffected()
}

// PurgeAll removes every entry.
func (c *Cache) PurgeAll(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns cache performance metrics.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Entries lists cached entries, newest first.
func (c *Cache) Entries(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	query := `SELECT fingerprint, raw_response, fields, created_at, ttl_seconds
		 FROM cache_entries ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache entries: %w", err)
	}
	defer rows.Close()

	var entries []models.CacheEntry
	for rows.Next() {
		var (
			e          models.CacheEntry
			fields     []byte
			createdAt  int64
			ttlSeconds sql.NullInt64
		)
		if err := rows.Scan(&e.Fingerprint, &e.RawResponse, &fields, &createdAt, &ttlSeconds); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		if ttlSeconds.Valid {
			e.TTL = time.Duration(ttlSeconds.Int64) * time.Second
		}
		e.Fields, _ = cache.DecodeFields(fields)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
