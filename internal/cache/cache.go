// Package cache is a content-addressed store of scraped article text. One
// JSON file per URL fingerprint; entries past the freshness window are
// treated as absent and lazily overwritten.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mohammad-safakhou/newsfinder/internal/helpers"
)

const (
	// DefaultFreshness is how long a scraped article stays usable.
	DefaultFreshness = 30 * 24 * time.Hour
	// MinContentLength guards against caching error pages and paywall stubs.
	MinContentLength = 200
)

// Entry is the on-disk record for one URL.
type Entry struct {
	URL       string    `json:"url"`
	FetchedAt time.Time `json:"fetched_at"`
	Content   string    `json:"content"`
}

// FetchFunc performs the actual network scrape for a URL.
type FetchFunc func(ctx context.Context, url string) (string, error)

// Stats receives hit/miss counts from GetOrFetch. *telemetry.Metrics
// satisfies it.
type Stats interface {
	CacheHit()
	CacheMiss()
}

type ContentCache struct {
	dir       string
	freshness time.Duration
	logger    *log.Logger
	stats     Stats
	now       func() time.Time
}

// New creates a cache rooted at dir. freshness <= 0 selects the default
// 30-day window.
func New(dir string, freshness time.Duration, logger *log.Logger) (*ContentCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[CACHE] ", log.LstdFlags)
	}
	return &ContentCache{dir: dir, freshness: freshness, logger: logger, now: time.Now}, nil
}

// SetStats attaches a hit/miss counter. Nil disables counting.
func (c *ContentCache) SetStats(stats Stats) { c.stats = stats }

// GetOrFetch returns cached text for url when a fresh entry exists, otherwise
// runs fetch and caches a sufficiently long result. Scrape failures are
// logged and surface as ""; a single bad article must never abort a batch.
func (c *ContentCache) GetOrFetch(ctx context.Context, url string, fetch FetchFunc) string {
	if text, ok := c.Get(url); ok {
		if c.stats != nil {
			c.stats.CacheHit()
		}
		return text
	}
	if c.stats != nil {
		c.stats.CacheMiss()
	}
	text, err := fetch(ctx, url)
	if err != nil {
		c.logger.Printf("scrape failed for %s: %v", url, err)
		return ""
	}
	if len(text) >= MinContentLength {
		if err := c.Put(url, text); err != nil {
			c.logger.Printf("cache write failed for %s: %v", url, err)
		}
	}
	return text
}

// Get returns the cached content for url when present and fresh.
func (c *ContentCache) Get(url string) (string, bool) {
	path, err := c.path(url)
	if err != nil {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Printf("corrupt cache entry %s: %v", filepath.Base(path), err)
		return "", false
	}
	if c.now().Sub(entry.FetchedAt) > c.freshness {
		return "", false
	}
	return entry.Content, true
}

// Put stores content for url. The write goes through a temp file and a
// rename so concurrent readers never observe a partial entry.
func (c *ContentCache) Put(url, content string) error {
	path, err := c.path(url)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Entry{URL: url, FetchedAt: c.now(), Content: content})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, "entry-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (c *ContentCache) path(url string) (string, error) {
	fp, err := helpers.URLFingerprint(url)
	if err != nil {
		return "", fmt.Errorf("cache key for %q: %w", url, err)
	}
	return filepath.Join(c.dir, fp+".json"), nil
}
