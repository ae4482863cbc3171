// Package ledger holds the append-only JSONL sinks: the per-article score
// history, the operator event log and the alert log. Instances are injected
// into the pipeline so tests can point them at temp dirs; there are no
// package-level singletons.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// trackedFields are the only fields a History entry diffs. Everything else
// about a record may change without leaving a trace here.
var trackedFields = []string{
	"relevance_score",
	"relevance_reasoning",
	"impact_score",
	"status",
	"summary_text",
}

// FieldChange records one before/after pair.
type FieldChange struct {
	From interface{} `json:"from"`
	To   interface{} `json:"to"`
}

// HistoryEntry is one re-score event for one article.
type HistoryEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	ArticleID string                 `json:"article_id"`
	Type      string                 `json:"type"`
	Changes   map[string]FieldChange `json:"changes"`
	Snapshot  map[string]interface{} `json:"snapshot"`
}

// History is the append-only score-change ledger.
type History struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewHistory(path string) (*History, error) {
	if err := ensureParent(path); err != nil {
		return nil, err
	}
	return &History{path: path, now: time.Now}, nil
}

// LogChange diffs old against new over the tracked fields and appends one
// entry. The computed diff is returned so callers can surface it.
func (h *History) LogChange(articleID string, oldData, newData map[string]interface{}, changeType string) (map[string]FieldChange, error) {
	if changeType == "" {
		changeType = "reappraisal"
	}
	changes := make(map[string]FieldChange)
	for _, field := range trackedFields {
		oldVal, newVal := oldData[field], newData[field]
		if !valuesEqual(oldVal, newVal) {
			changes[field] = FieldChange{From: oldVal, To: newVal}
		}
	}
	snapshot := make(map[string]interface{})
	for _, field := range trackedFields {
		if v, ok := newData[field]; ok {
			snapshot[field] = v
		}
	}
	entry := HistoryEntry{
		Timestamp: h.now().UTC(),
		ArticleID: articleID,
		Type:      changeType,
		Changes:   changes,
		Snapshot:  snapshot,
	}
	if err := appendJSONL(&h.mu, h.path, entry); err != nil {
		return changes, fmt.Errorf("write history: %w", err)
	}
	return changes, nil
}

// ForArticle returns the entries for one article, newest first.
func (h *History) ForArticle(articleID string) ([]HistoryEntry, error) {
	all, err := h.readAll()
	if err != nil {
		return nil, err
	}
	var out []HistoryEntry
	for _, e := range all {
		if e.ArticleID == articleID {
			out = append(out, e)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Recent returns up to limit entries across all articles, newest first.
func (h *History) Recent(limit int) ([]HistoryEntry, error) {
	all, err := h.readAll()
	if err != nil {
		return nil, err
	}
	sortNewestFirst(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (h *History) readAll() ([]HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e HistoryEntry
		// Corrupt lines are skipped, not fatal.
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

func sortNewestFirst(entries []HistoryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
}

// valuesEqual compares through a JSON round-trip so that e.g. int 5 from a
// fresh record matches float64 5 read back from disk.
func valuesEqual(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// appendJSONL writes one record as a single line under the lock, so
// concurrent writers never interleave within a record.
func appendJSONL(mu *sync.Mutex, path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}
