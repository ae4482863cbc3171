package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// TagFeedbackRecord is one operator verdict on a topic tag.
type TagFeedbackRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Tag       string    `json:"tag"`
	Reason    string    `json:"reason,omitempty"`
	ArticleID string    `json:"article_id,omitempty"`
	Verdict   string    `json:"verdict"`
}

// Verdicts that suppress a tag from future output.
var badVerdicts = map[string]bool{
	"bad":        true,
	"irrelevant": true,
	"remove":     true,
}

// TagFeedback is an append-only JSONL log of tag verdicts. Tags with a bad
// verdict are filtered out of topic tags going forward.
type TagFeedback struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewTagFeedback(path string) (*TagFeedback, error) {
	if err := ensureParent(path); err != nil {
		return nil, err
	}
	return &TagFeedback{path: path, now: time.Now}, nil
}

// Record appends one verdict. verdict defaults to "bad".
func (l *TagFeedback) Record(tag, reason, articleID, verdict string) error {
	if verdict == "" {
		verdict = "bad"
	}
	r := TagFeedbackRecord{
		Timestamp: l.now().UTC(),
		Tag:       tag,
		Reason:    reason,
		ArticleID: articleID,
		Verdict:   verdict,
	}
	if err := appendJSONL(&l.mu, l.path, r); err != nil {
		return fmt.Errorf("write tag feedback: %w", err)
	}
	return nil
}

// BadTags returns the set of tags marked bad, normalized to lower case.
func (l *TagFeedback) BadTags() (map[string]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	out := map[string]bool{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var r TagFeedbackRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		if badVerdicts[strings.ToLower(strings.TrimSpace(r.Verdict))] {
			out[strings.ToLower(strings.TrimSpace(r.Tag))] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FilterTags drops tags marked bad, comparing case-insensitively. Read
// failures leave the input untouched rather than losing tags.
func (l *TagFeedback) FilterTags(tags []string) []string {
	bad, err := l.BadTags()
	if err != nil || len(bad) == 0 {
		return tags
	}
	var out []string
	for _, tag := range tags {
		if bad[strings.ToLower(strings.TrimSpace(tag))] {
			continue
		}
		out = append(out, tag)
	}
	return out
}
