// Package pipeline drives one article from raw feed item to stored record:
// fingerprint, dedup, keyword gate, LLM scoring, topic tags, embedding,
// persistence, verification sampling and alerting.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mohammad-safakhou/newsfinder/internal/analysis"
	"github.com/mohammad-safakhou/newsfinder/internal/cache"
	"github.com/mohammad-safakhou/newsfinder/internal/fetch"
	"github.com/mohammad-safakhou/newsfinder/internal/helpers"
	"github.com/mohammad-safakhou/newsfinder/internal/ledger"
	"github.com/mohammad-safakhou/newsfinder/internal/store"
	"github.com/mohammad-safakhou/newsfinder/internal/telemetry"
	"github.com/mohammad-safakhou/newsfinder/internal/verify"
)

// Status is the outcome class of processing one article. The set is closed;
// callers switch over it rather than parsing reason strings.
type Status string

const (
	StatusImported Status = "imported"
	StatusSkipped  Status = "skipped"
	StatusErrored  Status = "errored"
)

// Skip reasons surfaced to callers and logs.
const (
	ReasonDuplicate = "Duplicate (already exists in DB)"
	ReasonFiltered  = "Filtered (no matching keywords)"
)

// Result reports what happened to a single article. Judgment and Verification
// are set only for imported articles.
type Result struct {
	Status       Status
	Reason       string
	ArticleID    string
	Judgment     *analysis.Judgment
	Alerted      bool
	Verification *verify.Record
}

// RunSummary aggregates one monitoring run.
type RunSummary struct {
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Fetched  int       `json:"fetched"`
	Imported int       `json:"imported"`
	Skipped  int       `json:"skipped"`
	Errored  int       `json:"errored"`
}

// ArticleStore is the slice of the article store the pipeline needs.
// *store.Store satisfies it.
type ArticleStore interface {
	Exists(ctx context.Context, id string) (bool, error)
	Upsert(ctx context.Context, rec store.ArticleRecord, embedding []float32) error
	Get(ctx context.Context, id string) (store.ArticleRecord, error)
}

// Fetcher produces the batch of candidate articles for a run.
// *fetch.Aggregator satisfies it.
type Fetcher interface {
	FetchRecent(ctx context.Context, limitPerFeed int, skip fetch.SkipFunc) []fetch.Article
}

// Thresholds gate when an imported article raises an alert. Both scores must
// meet or exceed their threshold.
type Thresholds struct {
	Relevance int
	Impact    int
}

// Deps wires the pipeline's collaborators. Store, Scorer and BusinessContext
// are required; everything else degrades gracefully when nil.
type Deps struct {
	Store           ArticleStore
	Fetcher         Fetcher
	Scorer          analysis.Scorer
	Embedder        analysis.Embedder
	Topics          analysis.TopicExtractor
	Sampler         *verify.Sampler
	TagFeedback     *ledger.TagFeedback
	History         *ledger.History
	Events          *ledger.EventLog
	Alerts          *ledger.AlertLog
	Cache           *cache.ContentCache
	Metrics         *telemetry.Metrics
	Logger          *log.Logger
	BusinessContext string
	Keywords        []string
	ArticlesPerFeed int
	Thresholds      Thresholds
	StatusFile      string
}

// Pipeline processes articles end to end.
type Pipeline struct {
	deps Deps
	now  func() time.Time
}

func New(deps Deps) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if deps.Scorer == nil {
		return nil, fmt.Errorf("pipeline: scorer is required")
	}
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stderr, "[PIPELINE] ", log.LstdFlags)
	}
	if deps.ArticlesPerFeed <= 0 {
		deps.ArticlesPerFeed = 3
	}
	if deps.Thresholds.Relevance == 0 && deps.Thresholds.Impact == 0 {
		deps.Thresholds = Thresholds{Relevance: 7, Impact: 7}
	}
	return &Pipeline{deps: deps, now: time.Now}, nil
}

// ProcessArticle runs the full per-article sequence. force bypasses both the
// duplicate check and the keyword filter; reprocessing uses it so a stored
// article is always re-scored.
func (p *Pipeline) ProcessArticle(ctx context.Context, art fetch.Article, force bool) Result {
	d := p.deps

	id, err := helpers.URLFingerprint(art.Link)
	if err != nil {
		d.Logger.Printf("cannot fingerprint %q: %v", art.Link, err)
		d.Metrics.ArticleProcessed(string(StatusErrored))
		return Result{Status: StatusErrored, Reason: fmt.Sprintf("bad URL: %v", err)}
	}

	if !force {
		exists, err := d.Store.Exists(ctx, id)
		if err != nil {
			d.Logger.Printf("dedup check failed for %s: %v", art.Link, err)
			d.Metrics.ArticleProcessed(string(StatusErrored))
			return Result{Status: StatusErrored, ArticleID: id, Reason: fmt.Sprintf("store: %v", err)}
		}
		if exists {
			d.Logger.Printf("skipping %q: already stored", art.Title)
			d.Metrics.ArticleProcessed(string(StatusSkipped))
			return Result{Status: StatusSkipped, ArticleID: id, Reason: ReasonDuplicate}
		}
		if !p.matchesKeywords(art) {
			d.Logger.Printf("skipping %q: no keyword match", art.Title)
			d.Metrics.ArticleProcessed(string(StatusSkipped))
			return Result{Status: StatusSkipped, ArticleID: id, Reason: ReasonFiltered}
		}
	}

	judgment, scoreErr := d.Scorer.Score(ctx, art.Content, d.BusinessContext)
	if scoreErr != nil {
		d.Logger.Printf("scoring failed for %q: %v", art.Title, scoreErr)
		p.logEvent("analysis", fmt.Sprintf("scoring failed for %q: %v", art.Title, scoreErr), "warning", nil)
		judgment = analysis.ZeroJudgment()
	}

	if scoreErr == nil && d.Topics != nil && len(judgment.TopicTags) == 0 {
		tags, err := d.Topics.Topics(ctx, art.Content, 5)
		if err != nil {
			d.Logger.Printf("topic extraction failed for %q: %v", art.Title, err)
		} else {
			judgment.TopicTags = tags
		}
	}
	if d.TagFeedback != nil {
		judgment.TopicTags = d.TagFeedback.FilterTags(judgment.TopicTags)
	}

	var embedding []float32
	if d.Embedder != nil && judgment.Summary != "" {
		embedding, err = d.Embedder.Embed(ctx, judgment.Summary)
		if err != nil {
			d.Logger.Printf("embedding failed for %q: %v", art.Title, err)
			embedding = nil
		}
	}

	rec := store.ArticleRecord{
		ID:                     id,
		URL:                    art.Link,
		Title:                  art.Title,
		PublishedDate:          art.Published,
		Source:                 art.Source,
		SummaryText:            judgment.Summary,
		RelevanceScore:         judgment.RelevanceScore,
		RelevanceReasoning:     judgment.RelevanceReasoning,
		ImpactScore:            judgment.ImpactScore,
		KeyEntities:            judgment.KeyEntities,
		TopicTags:              judgment.TopicTags,
		PreviousRelevanceScore: art.PreviousRelevanceScore,
		PreviousImpactScore:    art.PreviousImpactScore,
		ReappraisedCount:       art.ReappraisedCount,
	}
	if art.ContentFallback {
		rec.Extra = map[string]interface{}{"content_fallback": true}
	}
	if err := d.Store.Upsert(ctx, rec, embedding); err != nil {
		d.Logger.Printf("storing %q failed: %v", art.Title, err)
		d.Metrics.ArticleProcessed(string(StatusErrored))
		return Result{Status: StatusErrored, ArticleID: id, Reason: fmt.Sprintf("store: %v", err)}
	}

	res := Result{Status: StatusImported, ArticleID: id, Judgment: &judgment}

	if scoreErr == nil && d.Sampler != nil {
		// Verify decides whether to sample; a nil record means this article
		// was not selected.
		verRec, err := d.Sampler.Verify(ctx, art.Title, art.Link, art.Content, judgment, d.BusinessContext)
		if err != nil {
			d.Logger.Printf("verification failed for %q: %v", art.Title, err)
		} else if verRec != nil {
			res.Verification = verRec
			d.Metrics.VerificationSample(verRec.Flagged)
		}
	}

	if judgment.RelevanceScore >= d.Thresholds.Relevance && judgment.ImpactScore >= d.Thresholds.Impact {
		res.Alerted = true
		p.raiseAlert(art, judgment)
	}

	d.Logger.Printf("imported %q (relevance %d, impact %d)", art.Title, judgment.RelevanceScore, judgment.ImpactScore)
	d.Metrics.ArticleProcessed(string(StatusImported))
	return res
}

// Run executes one monitoring cycle: fetch from every feed, drop already
// stored URLs before scraping, dedup within the batch, process the rest and
// snapshot the run status.
func (p *Pipeline) Run(ctx context.Context) (RunSummary, error) {
	d := p.deps
	if d.Fetcher == nil {
		return RunSummary{}, fmt.Errorf("pipeline: no fetcher configured")
	}
	summary := RunSummary{Started: p.now().UTC()}
	p.logEvent("run", "monitoring run started", "info", nil)

	skip := func(url string) bool {
		id, err := helpers.URLFingerprint(url)
		if err != nil {
			return false
		}
		exists, err := d.Store.Exists(ctx, id)
		return err == nil && exists
	}
	articles := d.Fetcher.FetchRecent(ctx, d.ArticlesPerFeed, skip)
	summary.Fetched = len(articles)

	seen := make(map[string]bool, len(articles))
	for _, art := range articles {
		if id, err := helpers.URLFingerprint(art.Link); err == nil {
			if seen[id] {
				summary.Skipped++
				continue
			}
			seen[id] = true
		}
		switch res := p.ProcessArticle(ctx, art, false); res.Status {
		case StatusImported:
			summary.Imported++
		case StatusSkipped:
			summary.Skipped++
		default:
			summary.Errored++
		}
	}

	summary.Finished = p.now().UTC()
	d.Metrics.ObserveRunDuration(summary.Finished.Sub(summary.Started).Seconds())
	p.logEvent("run", fmt.Sprintf("monitoring run finished: %d imported, %d skipped, %d errored",
		summary.Imported, summary.Skipped, summary.Errored), "info", map[string]interface{}{
		"fetched":  summary.Fetched,
		"imported": summary.Imported,
		"skipped":  summary.Skipped,
		"errored":  summary.Errored,
	})
	if err := p.writeStatus(summary); err != nil {
		d.Logger.Printf("status snapshot failed: %v", err)
	}
	return summary, nil
}

// Reprocess re-scores a stored article with the current prompt and model,
// records the score changes in the history ledger and returns the diff.
func (p *Pipeline) Reprocess(ctx context.Context, articleID string) (Result, map[string]ledger.FieldChange, error) {
	d := p.deps
	old, err := d.Store.Get(ctx, articleID)
	if err != nil {
		return Result{}, nil, fmt.Errorf("load article %s: %w", articleID, err)
	}

	content := ""
	fallback := false
	if d.Cache != nil {
		content, _ = d.Cache.Get(old.URL)
	}
	if content == "" {
		content = old.SummaryText
		fallback = true
	}
	if content == "" {
		return Result{}, nil, fmt.Errorf("no content available for %s", articleID)
	}

	prevRel, prevImp := old.RelevanceScore, old.ImpactScore
	art := fetch.Article{
		Title:                  old.Title,
		Link:                   old.URL,
		Published:              old.PublishedDate,
		Content:                content,
		Source:                 old.Source,
		PreviousRelevanceScore: &prevRel,
		PreviousImpactScore:    &prevImp,
		ReappraisedCount:       old.ReappraisedCount + 1,
		ContentFallback:        fallback,
	}

	res := p.ProcessArticle(ctx, art, true)
	if res.Status != StatusImported {
		return res, nil, fmt.Errorf("reprocess of %s did not import: %s", articleID, res.Reason)
	}

	var changes map[string]ledger.FieldChange
	if d.History != nil {
		changes, err = d.History.LogChange(articleID, trackedFields(old), trackedFieldsFromJudgment(*res.Judgment), "reappraisal")
		if err != nil {
			d.Logger.Printf("history write failed for %s: %v", articleID, err)
		}
	}
	p.logEvent("reprocess", fmt.Sprintf("re-scored %q", old.Title), "info", map[string]interface{}{
		"article_id": articleID,
	})
	return res, changes, nil
}

func (p *Pipeline) matchesKeywords(art fetch.Article) bool {
	if len(p.deps.Keywords) == 0 {
		return true
	}
	// Only the body is searched; a keyword appearing solely in the title does
	// not pass the gate.
	haystack := strings.ToLower(art.Content)
	for _, kw := range p.deps.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (p *Pipeline) raiseAlert(art fetch.Article, j analysis.Judgment) {
	d := p.deps
	d.Logger.Printf("ALERT: %q scored relevance %d impact %d", art.Title, j.RelevanceScore, j.ImpactScore)
	d.Metrics.AlertRaised()
	if d.Alerts != nil {
		if err := d.Alerts.Log(map[string]interface{}{
			"title":           art.Title,
			"url":             art.Link,
			"source":          art.Source,
			"relevance_score": j.RelevanceScore,
			"impact_score":    j.ImpactScore,
			"summary":         j.Summary,
		}); err != nil {
			d.Logger.Printf("alert write failed: %v", err)
		}
	}
	p.logEvent("alert", fmt.Sprintf("high-priority article: %s", art.Title), "warning", map[string]interface{}{
		"url":             art.Link,
		"relevance_score": j.RelevanceScore,
		"impact_score":    j.ImpactScore,
	})
}

func (p *Pipeline) logEvent(eventType, message, level string, details map[string]interface{}) {
	if p.deps.Events == nil {
		return
	}
	if err := p.deps.Events.Log(eventType, message, level, details); err != nil {
		p.deps.Logger.Printf("event write failed: %v", err)
	}
}

func (p *Pipeline) writeStatus(summary RunSummary) error {
	if p.deps.StatusFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.deps.StatusFile), 0o755); err != nil {
		return err
	}
	payload := map[string]interface{}{
		"last_run":           summary.Finished.Format(time.RFC3339),
		"articles_processed": summary.Imported + summary.Skipped + summary.Errored,
		"imported":           summary.Imported,
		"skipped":            summary.Skipped,
		"errored":            summary.Errored,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.deps.StatusFile, data, 0o644)
}

// ReadStatus loads the last run snapshot, or nil when no run has completed.
func ReadStatus(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func trackedFields(rec store.ArticleRecord) map[string]interface{} {
	return map[string]interface{}{
		"relevance_score":     rec.RelevanceScore,
		"relevance_reasoning": rec.RelevanceReasoning,
		"impact_score":        rec.ImpactScore,
		"summary_text":        rec.SummaryText,
	}
}

func trackedFieldsFromJudgment(j analysis.Judgment) map[string]interface{} {
	return map[string]interface{}{
		"relevance_score":     j.RelevanceScore,
		"relevance_reasoning": j.RelevanceReasoning,
		"impact_score":        j.ImpactScore,
		"summary_text":        j.Summary,
	}
}
