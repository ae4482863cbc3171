package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const extractorTimeout = 30 * time.Second

// ExtractContent scrapes url and returns the readable article text. The
// caller routes this through the content cache so repeat runs stay cheap.
func ExtractContent(ctx context.Context, url string) (string, error) {
	if url == "" {
		return "", fmt.Errorf("article url is empty")
	}
	timeout := extractorTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	article, err := readability.FromURL(url, timeout)
	if err != nil {
		return "", fmt.Errorf("readability extraction failed: %w", err)
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return "", fmt.Errorf("no readable text at %s", url)
	}
	return text, nil
}
