package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one operator-visible occurrence: a flagged verification, a run
// summary, a degraded-mode fallback.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// EventLog is an append-only JSONL event sink.
type EventLog struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewEventLog(path string) (*EventLog, error) {
	if err := ensureParent(path); err != nil {
		return nil, err
	}
	return &EventLog{path: path, now: time.Now}, nil
}

// Log appends one event. level defaults to "info".
func (l *EventLog) Log(eventType, message, level string, details map[string]interface{}) error {
	if level == "" {
		level = "info"
	}
	e := Event{
		ID:        uuid.NewString(),
		Timestamp: l.now().UTC(),
		Type:      eventType,
		Level:     level,
		Message:   message,
		Details:   details,
	}
	if err := appendJSONL(&l.mu, l.path, e); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Recent returns events newest first, skipping offset and returning at most
// limit.
func (l *EventLog) Recent(limit, offset int) ([]Event, error) {
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

	var all []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		all = append(all, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// File order is chronological; walk backwards for newest first.
	var out []Event
	for i := len(all) - 1 - offset; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
