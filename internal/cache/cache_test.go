package cache

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"
)

func newTestCache(t *testing.T) *ContentCache {
	t.Helper()
	c, err := New(t.TempDir(), 0, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func longText(seed string) string {
	return seed + strings.Repeat(" article body text", 20)
}

func TestGetOrFetchCachesAndReuses(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	calls := 0
	fetch := func(ctx context.Context, url string) (string, error) {
		calls++
		return longText("first"), nil
	}

	got := c.GetOrFetch(context.Background(), "https://example.com/a", fetch)
	if !strings.HasPrefix(got, "first") {
		t.Fatalf("unexpected content %q", got[:20])
	}
	got = c.GetOrFetch(context.Background(), "https://example.com/a", fetch)
	if !strings.HasPrefix(got, "first") {
		t.Fatalf("expected cached content")
	}
	if calls != 1 {
		t.Fatalf("fetch called %d times, want 1", calls)
	}
}

type countingStats struct {
	hits, misses int
}

func (s *countingStats) CacheHit()  { s.hits++ }
func (s *countingStats) CacheMiss() { s.misses++ }

func TestStatsCountHitsAndMisses(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	stats := &countingStats{}
	c.SetStats(stats)
	fetch := func(ctx context.Context, url string) (string, error) {
		return longText("counted"), nil
	}

	c.GetOrFetch(context.Background(), "https://example.com/s", fetch)
	if stats.misses != 1 || stats.hits != 0 {
		t.Fatalf("after first fetch: hits=%d misses=%d, want 0/1", stats.hits, stats.misses)
	}
	c.GetOrFetch(context.Background(), "https://example.com/s", fetch)
	if stats.misses != 1 || stats.hits != 1 {
		t.Fatalf("after reuse: hits=%d misses=%d, want 1/1", stats.hits, stats.misses)
	}
}

func TestFreshnessWindow(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)

	c.now = func() time.Time { return time.Now().Add(-31 * 24 * time.Hour) }
	if err := c.Put("https://example.com/old", longText("stale")); err != nil {
		t.Fatal(err)
	}
	c.now = time.Now
	if _, ok := c.Get("https://example.com/old"); ok {
		t.Fatalf("31-day-old entry must be a miss")
	}

	c.now = func() time.Time { return time.Now().Add(-24 * time.Hour) }
	if err := c.Put("https://example.com/new", longText("fresh")); err != nil {
		t.Fatal(err)
	}
	c.now = time.Now
	if _, ok := c.Get("https://example.com/new"); !ok {
		t.Fatalf("1-day-old entry must be a hit")
	}
}

func TestFetchFailureNotCached(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	fails := func(ctx context.Context, url string) (string, error) {
		return "", errors.New("boom")
	}
	if got := c.GetOrFetch(context.Background(), "https://example.com/x", fails); got != "" {
		t.Fatalf("failed scrape must return empty, got %q", got)
	}
	if _, ok := c.Get("https://example.com/x"); ok {
		t.Fatalf("negative result must not be cached")
	}
}

func TestShortContentNotCached(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	short := func(ctx context.Context, url string) (string, error) {
		return "404 page", nil
	}
	if got := c.GetOrFetch(context.Background(), "https://example.com/stub", short); got != "404 page" {
		t.Fatalf("short content is still returned to the caller, got %q", got)
	}
	if _, ok := c.Get("https://example.com/stub"); ok {
		t.Fatalf("short content must not be cached")
	}
}

func TestURLVariantsShareEntry(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	if err := c.Put("https://example.com/a?utm_source=rss", longText("shared")); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("https://example.com/a"); !ok {
		t.Fatalf("canonical variants must map to the same cache entry")
	}
}
