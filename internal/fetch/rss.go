package fetch

import (
	"context"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/mohammad-safakhou/newsfinder/config"
	"github.com/mohammad-safakhou/newsfinder/internal/cache"
)

// SkipFunc lets the caller veto scraping a URL it already knows about.
type SkipFunc func(url string) bool

// Aggregator fetches recent articles from the configured sources.
type Aggregator struct {
	feeds  []config.FeedConfig
	cache  *cache.ContentCache
	parser *gofeed.Parser
	logger *log.Logger
}

func NewAggregator(feeds []config.FeedConfig, contentCache *cache.ContentCache, logger *log.Logger) *Aggregator {
	if logger == nil {
		logger = log.New(os.Stderr, "[FETCH] ", log.LstdFlags)
	}
	return &Aggregator{
		feeds:  feeds,
		cache:  contentCache,
		parser: gofeed.NewParser(),
		logger: logger,
	}
}

// FetchRecent pulls up to limitPerFeed articles from every source. A failing
// feed is logged and skipped; one bad source never empties the batch. skip,
// when non-nil, is consulted before any scrape.
func (a *Aggregator) FetchRecent(ctx context.Context, limitPerFeed int, skip SkipFunc) []Article {
	if limitPerFeed <= 0 {
		limitPerFeed = 3
	}
	var all []Article
	for _, feed := range a.feeds {
		if feed.URL == "" {
			continue
		}
		var (
			articles []Article
			err      error
		)
		switch feed.Kind {
		case "sitemap":
			articles, err = a.fetchSitemap(ctx, feed, limitPerFeed, skip)
		default:
			articles, err = a.fetchRSS(ctx, feed, limitPerFeed, skip)
		}
		if err != nil {
			a.logger.Printf("error fetching %s: %v", feed.URL, err)
			continue
		}
		all = append(all, articles...)
	}
	return all
}

func (a *Aggregator) fetchRSS(ctx context.Context, feed config.FeedConfig, limit int, skip SkipFunc) ([]Article, error) {
	a.logger.Printf("fetching RSS feed %s", feed.URL)
	parsed, err := a.parser.ParseURLWithContext(feed.URL, ctx)
	if err != nil {
		return nil, err
	}
	source := feed.Name
	if source == "" {
		source = parsed.Title
	}
	if source == "" {
		source = DeriveFeedName(feed.URL)
	}

	var out []Article
	for _, item := range parsed.Items {
		if len(out) == limit {
			break
		}
		if item.Link == "" {
			continue
		}
		if skip != nil && skip(item.Link) {
			a.logger.Printf("skipping known article: %s", item.Title)
			continue
		}
		content := a.scrape(ctx, item.Link)
		if content == "" {
			continue
		}
		out = append(out, Article{
			Title:     item.Title,
			Link:      item.Link,
			Published: publishedString(item),
			Content:   content,
			Source:    source,
		})
		a.logger.Printf("processed article %q from %s", item.Title, source)
	}
	return out, nil
}

// scrape routes content extraction through the cache when one is attached.
func (a *Aggregator) scrape(ctx context.Context, link string) string {
	if a.cache != nil {
		return a.cache.GetOrFetch(ctx, link, ExtractContent)
	}
	text, err := ExtractContent(ctx, link)
	if err != nil {
		a.logger.Printf("scrape failed for %s: %v", link, err)
		return ""
	}
	return text
}

func publishedString(item *gofeed.Item) string {
	switch {
	case item.PublishedParsed != nil:
		return item.PublishedParsed.UTC().Format(time.RFC1123Z)
	case item.UpdatedParsed != nil:
		return item.UpdatedParsed.UTC().Format(time.RFC1123Z)
	case item.Published != "":
		return item.Published
	default:
		return time.Now().UTC().Format(time.RFC1123Z)
	}
}

// DeriveFeedName builds a human-readable source label from a feed URL:
// "https://feeds.bbci.co.uk/news/world/rss.xml" -> "Feeds World".
func DeriveFeedName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	hostLabel := ""
	if host != "" {
		hostLabel = titleWord(strings.SplitN(host, ".", 2)[0])
	}

	var parts []string
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	segment := ""
	if len(parts) > 0 {
		tail := parts[len(parts)-1]
		if strings.Contains(tail, ".") && len(parts) > 1 {
			tail = parts[len(parts)-2]
		} else if strings.Contains(tail, ".") {
			tail = ""
		}
		segment = titleWord(tail)
	}

	switch {
	case hostLabel != "" && segment != "":
		return hostLabel + " " + segment
	case hostLabel != "":
		return hostLabel
	case segment != "":
		return segment
	default:
		return rawURL
	}
}

func titleWord(s string) string {
	words := strings.Split(strings.ReplaceAll(s, "-", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.TrimSpace(strings.Join(words, " "))
}
