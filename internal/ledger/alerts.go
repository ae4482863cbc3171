package ledger

import (
	"fmt"
	"sync"
	"time"
)

// Alert is one high-relevance, high-impact article notification.
type Alert struct {
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// AlertLog is an append-only JSONL sink, one line per alerting article.
type AlertLog struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewAlertLog(path string) (*AlertLog, error) {
	if err := ensureParent(path); err != nil {
		return nil, err
	}
	return &AlertLog{path: path, now: time.Now}, nil
}

func (l *AlertLog) Log(metadata map[string]interface{}) error {
	a := Alert{Timestamp: l.now().UTC(), Metadata: metadata}
	if err := appendJSONL(&l.mu, l.path, a); err != nil {
		return fmt.Errorf("write alert: %w", err)
	}
	return nil
}
