package fetch

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/mohammad-safakhou/newsfinder/config"
)

// sitemapURLSet mirrors the <urlset> document of a standard XML sitemap.
type sitemapURLSet struct {
	XMLName xml.Name     `xml:"urlset"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

// fetchSitemap treats an archive sitemap as a feed: newest entries first by
// lastmod, scraped like any RSS item. Title falls back to the URL since
// sitemaps carry none.
func (a *Aggregator) fetchSitemap(ctx context.Context, feed config.FeedConfig, limit int, skip SkipFunc) ([]Article, error) {
	a.logger.Printf("fetching sitemap %s", feed.URL)
	req, err := http.NewRequestWithContext(ctx, "GET", feed.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (NewsFinder)")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sitemap status %d", resp.StatusCode)
	}

	var set sitemapURLSet
	if err := xml.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode sitemap: %w", err)
	}
	sort.SliceStable(set.URLs, func(i, j int) bool {
		return set.URLs[i].LastMod > set.URLs[j].LastMod
	})

	source := feed.Name
	if source == "" {
		source = DeriveFeedName(feed.URL)
	}

	var out []Article
	for _, entry := range set.URLs {
		if len(out) == limit {
			break
		}
		if entry.Loc == "" {
			continue
		}
		if skip != nil && skip(entry.Loc) {
			continue
		}
		content := a.scrape(ctx, entry.Loc)
		if content == "" {
			continue
		}
		published := entry.LastMod
		if published == "" {
			published = time.Now().UTC().Format(time.RFC1123Z)
		}
		out = append(out, Article{
			Title:     entry.Loc,
			Link:      entry.Loc,
			Published: published,
			Content:   content,
			Source:    source,
		})
	}
	return out, nil
}
