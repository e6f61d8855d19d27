package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/llmbatch/pkg/cache"
)

func newTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache_test.db")
	c, err := New(dbPath, ttl)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// fakeClock lets tests move the cache's notion of "now".
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestInsertAndLookup(t *testing.T) {
	c := newTestCache(t, time.Hour)
	ctx := context.Background()
	fp := cache.Fingerprint("classify: great", "be terse")

	fields := map[string]any{"sentiment": "positive", "score": json.Number("0.9")}
	if err := c.Insert(ctx, fp, `{"sentiment":"positive","score":0.9}`, fields); err != nil {
		t.Fatal(err)
	}

	entry, ok := c.Lookup(ctx, fp)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if entry.RawResponse != `{"sentiment":"positive","score":0.9}` {
		t.Errorf("unexpected raw response: %s", entry.RawResponse)
	}
	if entry.Fields["sentiment"] != "positive" || entry.Fields["score"] != json.Number("0.9") {
		t.Errorf("unexpected fields: %v", entry.Fields)
	}
	if entry.TTL != time.Hour {
		t.Errorf("expected 1h TTL, got %v", entry.TTL)
	}

	if _, ok := c.Lookup(ctx, cache.Fingerprint("classify: great", "")); ok {
		t.Error("expected cache miss for different system instruction")
	}
}

func TestInsertLastWriteWins(t *testing.T) {
	c := newTestCache(t, 0)
	ctx := context.Background()

	_ = c.Insert(ctx, "fp", "first", nil)
	_ = c.Insert(ctx, "fp", "second", map[string]any{"a": "b"})

	entry, ok := c.Lookup(ctx, "fp")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if entry.RawResponse != "second" {
		t.Errorf("expected last write to win, got %q", entry.RawResponse)
	}
	stats, _ := c.Stats(ctx)
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
}

func TestTTLExpiration(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCache(t, time.Minute)
	c.now = clock.Now
	ctx := context.Background()

	if err := c.Insert(ctx, "fp", "data", nil); err != nil {
		t.Fatal(err)
	}

	clock.Advance(30 * time.Second)
	if _, ok := c.Lookup(ctx, "fp"); !ok {
		t.Error("expected hit before TTL elapses")
	}

	clock.Advance(time.Minute)
	if _, ok := c.Lookup(ctx, "fp"); ok {
		t.Error("expected cache miss after TTL expiration")
	}

	// Lookup leaves expired entries in place.
	stats, _ := c.Stats(ctx)
	if stats.Entries != 1 {
		t.Errorf("expected expired entry to remain, got %d entries", stats.Entries)
	}
}

func TestSubSecondTTLRoundsUp(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCache(t, 500*time.Millisecond)
	c.now = clock.Now
	ctx := context.Background()

	if err := c.Insert(ctx, "fp", "data", nil); err != nil {
		t.Fatal(err)
	}
	clock.Advance(400 * time.Millisecond)
	if _, ok := c.Lookup(ctx, "fp"); !ok {
		t.Error("expected hit within the TTL")
	}
	if n, _ := c.PurgeExpired(ctx); n != 0 {
		t.Errorf("expected nothing purged yet, got %d", n)
	}

	clock.Advance(time.Second)
	if _, ok := c.Lookup(ctx, "fp"); ok {
		t.Error("expected miss once the rounded TTL elapsed")
	}
	if n, _ := c.PurgeExpired(ctx); n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
}

func TestNoTTLNeverExpires(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCache(t, 0)
	c.now = clock.Now
	ctx := context.Background()

	_ = c.Insert(ctx, "fp", "data", nil)
	clock.Advance(365 * 24 * time.Hour)

	if _, ok := c.Lookup(ctx, "fp"); !ok {
		t.Error("expected entry without TTL to survive")
	}
	n, err := c.PurgeExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected nothing purged, got %d", n)
	}
}

func TestPurgeExpired(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCache(t, time.Minute)
	c.now = clock.Now
	ctx := context.Background()

	_ = c.Insert(ctx, "old", "data", nil)
	clock.Advance(2 * time.Minute)
	_ = c.Insert(ctx, "new", "data", nil)

	n, err := c.PurgeExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if _, ok := c.Lookup(ctx, "new"); !ok {
		t.Error("expected fresh entry to survive purge")
	}
}

func TestStats(t *testing.T) {
	c := newTestCache(t, time.Hour)
	ctx := context.Background()

	_ = c.Insert(ctx, "h1", "data", nil)
	c.Lookup(ctx, "h1") // hit
	c.Lookup(ctx, "h2") // miss

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
	if stats.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestPurgeAll(t *testing.T) {
	c := newTestCache(t, time.Hour)
	ctx := context.Background()

	_ = c.Insert(ctx, "h1", "data", nil)
	_ = c.Insert(ctx, "h2", "data", nil)

	n, err := c.PurgeAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 purged, got %d", n)
	}

	stats, _ := c.Stats(ctx)
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after clear, got %d", stats.Entries)
	}
}

func TestEntries(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCache(t, 0)
	c.now = clock.Now
	ctx := context.Background()

	for _, fp := range []string{"a", "b", "c"} {
		_ = c.Insert(ctx, fp, "raw-"+fp, nil)
		clock.Advance(time.Second)
	}

	entries, err := c.Entries(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Fingerprint != "c" || entries[1].Fingerprint != "b" {
		t.Errorf("expected newest first, got %s, %s", entries[0].Fingerprint, entries[1].Fingerprint)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := newTestCache(t, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp := cache.Fingerprint("prompt", string(rune('a'+i%5)))
			if err := c.Insert(ctx, fp, "raw", nil); err != nil {
				t.Error(err)
			}
			c.Lookup(ctx, fp)
		}(i)
	}
	wg.Wait()

	stats, _ := c.Stats(ctx)
	if stats.Entries != 5 {
		t.Errorf("expected 5 entries, got %d", stats.Entries)
	}
}

func TestCorruptDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "corrupt.db")
	garbage := make([]byte, 4096)
	for i := range garbage {
		garbage[i] = byte(i * 7)
	}
	if err := os.WriteFile(dbPath, garbage, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := New(dbPath, time.Hour)
	if err == nil {
		t.Fatal("expected error opening corrupt database")
	}
	if !errors.Is(err, cache.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
