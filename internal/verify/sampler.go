// Package verify audits the primary model's judgments by sampling articles
// for a second opinion from the reference model. Every sampled comparison is
// appended to a JSONL log; the log is ground truth for prompt optimization
// and is never edited retroactively.
package verify

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/newsfinder/internal/analysis"
	"github.com/mohammad-safakhou/newsfinder/internal/ledger"
)

// interestingScore is the relevance band boundary: at or above it an article
// counts as a hit worth always auditing.
const interestingScore = 7

// DefaultDiscrepancyThreshold flags a low/high-band disagreement.
const DefaultDiscrepancyThreshold = 4

// Record is one sampled comparison between the two models.
type Record struct {
	Timestamp       time.Time `json:"timestamp"`
	ArticleTitle    string    `json:"article_title"`
	ArticleURL      string    `json:"article_url"`
	LocalModel      string    `json:"local_model"`
	RemoteModel     string    `json:"remote_model"`
	LocalScore      int       `json:"local_score"`
	RemoteScore     int       `json:"remote_score"`
	LocalReasoning  string    `json:"local_reasoning"`
	RemoteReasoning string    `json:"remote_reasoning"`
	Discrepancy     int       `json:"discrepancy"`
	Flagged         bool      `json:"flagged"`
}

// Sampler decides per article whether to spend a reference-model call.
type Sampler struct {
	reference            analysis.Scorer
	localModel           string
	events               *ledger.EventLog
	logger               *log.Logger
	logPath              string
	rateInteresting      float64
	rateRandom           float64
	discrepancyThreshold int

	mu   sync.Mutex
	rng  func() float64
	now  func() time.Time
}

// Options tunes a Sampler. Zero values pick the defaults (always audit
// interesting hits, audit 10% of the rest, flag at discrepancy 4).
type Options struct {
	RateInteresting      *float64
	RateRandom           *float64
	DiscrepancyThreshold int
}

// New creates a Sampler writing records to logPath. reference may be nil
// when verification is disabled; events may be nil to suppress operator
// events.
func New(reference analysis.Scorer, localModel, logPath string, events *ledger.EventLog, logger *log.Logger, opts Options) (*Sampler, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[VERIFY] ", log.LstdFlags)
	}
	if dir := filepath.Dir(logPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create verification log dir: %w", err)
		}
	}
	rateInteresting := 1.0
	if opts.RateInteresting != nil {
		rateInteresting = *opts.RateInteresting
	}
	rateRandom := 0.1
	if opts.RateRandom != nil {
		rateRandom = *opts.RateRandom
	}
	threshold := opts.DiscrepancyThreshold
	if threshold <= 0 {
		threshold = DefaultDiscrepancyThreshold
	}
	return &Sampler{
		reference:            reference,
		localModel:           localModel,
		events:               events,
		logger:               logger,
		logPath:              logPath,
		rateInteresting:      rateInteresting,
		rateRandom:           rateRandom,
		discrepancyThreshold: threshold,
		rng:                  rand.Float64,
		now:                  time.Now,
	}, nil
}

// SetRand replaces the random source, for deterministic tests.
func (s *Sampler) SetRand(rng func() float64) { s.rng = rng }

// ShouldSample decides whether a judgment earns a reference call: always
// (rateInteresting) for scores in the interesting band, rarely (rateRandom)
// for the boring majority.
func (s *Sampler) ShouldSample(local analysis.Judgment) bool {
	if s.reference == nil {
		return false
	}
	rate := s.rateRandom
	if local.RelevanceScore >= interestingScore {
		rate = s.rateInteresting
	}
	return s.rng() < rate
}

// Verify runs the sampling decision and, when sampled, the reference model.
// The returned Record is nil when no verification ran. Flagged records raise
// an operator event; nothing here ever blocks or alters the stored judgment.
func (s *Sampler) Verify(ctx context.Context, title, url, articleText string, local analysis.Judgment, businessContext string) (*Record, error) {
	if !s.ShouldSample(local) {
		return nil, nil
	}
	s.logger.Printf("verifying %q with %s", title, s.reference.ModelName())

	remote, err := s.reference.Score(ctx, articleText, businessContext)
	if err != nil {
		s.logger.Printf("reference scoring failed for %q: %v", title, err)
		return nil, err
	}

	discrepancy := local.RelevanceScore - remote.RelevanceScore
	if discrepancy < 0 {
		discrepancy = -discrepancy
	}
	rec := &Record{
		Timestamp:       s.now().UTC(),
		ArticleTitle:    title,
		ArticleURL:      url,
		LocalModel:      s.localModel,
		RemoteModel:     s.reference.ModelName(),
		LocalScore:      local.RelevanceScore,
		RemoteScore:     remote.RelevanceScore,
		LocalReasoning:  local.RelevanceReasoning,
		RemoteReasoning: remote.RelevanceReasoning,
		Discrepancy:     discrepancy,
		Flagged:         discrepancy >= s.discrepancyThreshold,
	}
	if err := s.append(rec); err != nil {
		s.logger.Printf("failed to log verification: %v", err)
	}

	if rec.Flagged {
		msg := fmt.Sprintf("Verification mismatch: local %d vs remote %d for %q", rec.LocalScore, rec.RemoteScore, title)
		s.logger.Printf("%s", msg)
		if s.events != nil {
			details := map[string]interface{}{
				"article_url":  url,
				"local_score":  rec.LocalScore,
				"remote_score": rec.RemoteScore,
				"discrepancy":  rec.Discrepancy,
			}
			if err := s.events.Log("verification", msg, "warning", details); err != nil {
				s.logger.Printf("failed to raise verification event: %v", err)
			}
		}
	}
	return rec, nil
}

// Recent reads records back, newest first.
func (s *Sampler) Recent(limit int) ([]Record, error) {
	return ReadRecent(s.logPath, limit)
}

func (s *Sampler) append(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// ReadRecent loads up to limit records from a verification log, newest
// first, skipping corrupt lines.
func ReadRecent(path string, limit int) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Flagged filters records down to the ones whose discrepancy crossed the
// threshold; these are the optimizer's failure cases.
func Flagged(records []Record) []Record {
	var out []Record
	for _, r := range records {
		if r.Flagged {
			out = append(out, r)
		}
	}
	return out
}
