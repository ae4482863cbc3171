package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/newsfinder/internal/analysis"
	"github.com/mohammad-safakhou/newsfinder/internal/fetch"
	"github.com/mohammad-safakhou/newsfinder/internal/helpers"
	"github.com/mohammad-safakhou/newsfinder/internal/ledger"
	"github.com/mohammad-safakhou/newsfinder/internal/store"
	"github.com/mohammad-safakhou/newsfinder/internal/verify"
)

type stubStore struct {
	records   map[string]store.ArticleRecord
	upserts   []store.ArticleRecord
	upsertErr error
}

func newStubStore() *stubStore {
	return &stubStore{records: map[string]store.ArticleRecord{}}
}

func (s *stubStore) Exists(_ context.Context, id string) (bool, error) {
	_, ok := s.records[id]
	return ok, nil
}

func (s *stubStore) Upsert(_ context.Context, rec store.ArticleRecord, _ []float32) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts = append(s.upserts, rec)
	s.records[rec.ID] = rec
	return nil
}

func (s *stubStore) Get(_ context.Context, id string) (store.ArticleRecord, error) {
	rec, ok := s.records[id]
	if !ok {
		return store.ArticleRecord{}, store.ErrNotFound
	}
	return rec, nil
}

type stubScorer struct {
	calls    int
	judgment analysis.Judgment
	err      error
}

func (s *stubScorer) Score(context.Context, string, string) (analysis.Judgment, error) {
	s.calls++
	return s.judgment, s.err
}

func (s *stubScorer) ModelName() string { return "stub-model" }

type stubFetcher struct {
	articles []fetch.Article
	lastSkip fetch.SkipFunc
}

func (f *stubFetcher) FetchRecent(_ context.Context, _ int, skip fetch.SkipFunc) []fetch.Article {
	f.lastSkip = skip
	var out []fetch.Article
	for _, a := range f.articles {
		if skip != nil && skip(a.Link) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func testArticle() fetch.Article {
	return fetch.Article{
		Title:   "Major AI automation rollout",
		Link:    "https://news.example.com/2026/ai-rollout",
		Content: "A long piece about artificial intelligence reshaping back-office automation.",
		Source:  "Example News",
	}
}

func goodJudgment() analysis.Judgment {
	return analysis.Judgment{
		Summary:            "AI rollout summary",
		RelevanceScore:     5,
		RelevanceReasoning: "moderately relevant",
		ImpactScore:        4,
		KeyEntities:        []string{"Example Corp"},
	}
}

func newTestPipeline(t *testing.T, st *stubStore, sc *stubScorer, mutate func(*Deps)) *Pipeline {
	t.Helper()
	deps := Deps{
		Store:           st,
		Scorer:          sc,
		Logger:          discard(),
		BusinessContext: "company context",
		Keywords:        []string{"ai", "artificial intelligence", "machine learning", "automation"},
	}
	if mutate != nil {
		mutate(&deps)
	}
	p, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestKeywordFilterSkipsBeforeScoring(t *testing.T) {
	t.Parallel()
	st := newStubStore()
	sc := &stubScorer{judgment: goodJudgment()}
	p := newTestPipeline(t, st, sc, nil)

	art := testArticle()
	art.Title = "Local bakery wins award"
	art.Content = "A story about sourdough and nothing else."
	res := p.ProcessArticle(context.Background(), art, false)

	if res.Status != StatusSkipped || res.Reason != ReasonFiltered {
		t.Fatalf("got %q/%q, want skipped/%q", res.Status, res.Reason, ReasonFiltered)
	}
	if sc.calls != 0 {
		t.Fatalf("scorer was called %d times for a filtered article", sc.calls)
	}
	if len(st.upserts) != 0 {
		t.Fatalf("filtered article was stored")
	}
}

func TestDuplicateSkipsBeforeScoring(t *testing.T) {
	t.Parallel()
	st := newStubStore()
	sc := &stubScorer{judgment: goodJudgment()}
	p := newTestPipeline(t, st, sc, nil)

	art := testArticle()
	id, err := helpers.URLFingerprint(art.Link)
	if err != nil {
		t.Fatal(err)
	}
	st.records[id] = store.ArticleRecord{ID: id}

	res := p.ProcessArticle(context.Background(), art, false)
	if res.Status != StatusSkipped || res.Reason != ReasonDuplicate {
		t.Fatalf("got %q/%q, want skipped/%q", res.Status, res.Reason, ReasonDuplicate)
	}
	if sc.calls != 0 {
		t.Fatalf("scorer was called for a duplicate")
	}
}

func TestURLVariantsShareIdentity(t *testing.T) {
	t.Parallel()
	st := newStubStore()
	sc := &stubScorer{judgment: goodJudgment()}
	p := newTestPipeline(t, st, sc, nil)

	first := testArticle()
	if res := p.ProcessArticle(context.Background(), first, false); res.Status != StatusImported {
		t.Fatalf("first import failed: %+v", res)
	}

	variant := testArticle()
	variant.Link = first.Link + "?utm_source=newsletter#section"
	res := p.ProcessArticle(context.Background(), variant, false)
	if res.Status != StatusSkipped || res.Reason != ReasonDuplicate {
		t.Fatalf("tracking-param variant not deduped: %q/%q", res.Status, res.Reason)
	}
}

func TestScorerFailureDegradesToZeroJudgment(t *testing.T) {
	t.Parallel()
	st := newStubStore()
	sc := &stubScorer{err: errors.New("model unreachable")}
	p := newTestPipeline(t, st, sc, nil)

	res := p.ProcessArticle(context.Background(), testArticle(), false)
	if res.Status != StatusImported {
		t.Fatalf("got %q, want imported despite scorer failure", res.Status)
	}
	if res.Judgment.RelevanceScore != 0 || res.Judgment.ImpactScore != 0 {
		t.Fatalf("degraded judgment has scores %d/%d, want 0/0",
			res.Judgment.RelevanceScore, res.Judgment.ImpactScore)
	}
	if res.Judgment.Summary != "LLM analysis unavailable" {
		t.Fatalf("summary = %q", res.Judgment.Summary)
	}
	if len(st.upserts) != 1 {
		t.Fatalf("degraded article not stored")
	}
	if res.Alerted {
		t.Fatalf("degraded article must not alert")
	}
}

func TestAlertThresholdBoundary(t *testing.T) {
	t.Parallel()
	tests := []struct {
		relevance, impact int
		want              bool
	}{
		{7, 7, true},
		{10, 8, true},
		{6, 7, false},
		{7, 6, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprintf("%d_%d", tt.relevance, tt.impact), func(t *testing.T) {
			t.Parallel()
			st := newStubStore()
			j := goodJudgment()
			j.RelevanceScore = tt.relevance
			j.ImpactScore = tt.impact
			sc := &stubScorer{judgment: j}

			alertPath := filepath.Join(t.TempDir(), "alerts.jsonl")
			p := newTestPipeline(t, st, sc, func(d *Deps) {
				alerts, err := ledger.NewAlertLog(alertPath)
				if err != nil {
					t.Fatal(err)
				}
				d.Alerts = alerts
			})

			res := p.ProcessArticle(context.Background(), testArticle(), false)
			if res.Alerted != tt.want {
				t.Fatalf("scores %d/%d: alerted=%v, want %v", tt.relevance, tt.impact, res.Alerted, tt.want)
			}
			_, statErr := os.Stat(alertPath)
			if tt.want && statErr != nil {
				t.Fatalf("alert not written: %v", statErr)
			}
			if !tt.want && statErr == nil {
				t.Fatalf("alert written below threshold")
			}
		})
	}
}

func TestForceBypassesDedupAndFilter(t *testing.T) {
	t.Parallel()
	st := newStubStore()
	sc := &stubScorer{judgment: goodJudgment()}
	p := newTestPipeline(t, st, sc, nil)

	art := testArticle()
	art.Title = "Nothing matching the watchlist"
	art.Content = "Entirely off-topic text."
	id, err := helpers.URLFingerprint(art.Link)
	if err != nil {
		t.Fatal(err)
	}
	st.records[id] = store.ArticleRecord{ID: id}

	res := p.ProcessArticle(context.Background(), art, true)
	if res.Status != StatusImported {
		t.Fatalf("force did not bypass gates: %q/%q", res.Status, res.Reason)
	}
	if sc.calls != 1 {
		t.Fatalf("scorer calls = %d, want 1", sc.calls)
	}
}

func TestBadTagsDroppedOnImport(t *testing.T) {
	t.Parallel()
	st := newStubStore()
	j := goodJudgment()
	j.TopicTags = []string{"ai", "crypto", "chips"}
	sc := &stubScorer{judgment: j}

	feedbackPath := filepath.Join(t.TempDir(), "tag_feedback.jsonl")
	p := newTestPipeline(t, st, sc, func(d *Deps) {
		tf, err := ledger.NewTagFeedback(feedbackPath)
		if err != nil {
			t.Fatal(err)
		}
		if err := tf.Record("Crypto", "off-topic", "", ""); err != nil {
			t.Fatal(err)
		}
		d.TagFeedback = tf
	})

	res := p.ProcessArticle(context.Background(), testArticle(), false)
	if res.Status != StatusImported {
		t.Fatalf("got %q, want imported", res.Status)
	}
	if len(st.upserts) != 1 {
		t.Fatalf("article not stored")
	}
	tags := st.upserts[0].TopicTags
	if len(tags) != 2 || tags[0] != "ai" || tags[1] != "chips" {
		t.Fatalf("stored tags = %v, want [ai chips]", tags)
	}
}

func TestVerificationSampledAndFlagged(t *testing.T) {
	t.Parallel()
	st := newStubStore()
	local := goodJudgment()
	local.RelevanceScore = 8
	local.ImpactScore = 5
	sc := &stubScorer{judgment: local}

	reference := &stubScorer{judgment: analysis.Judgment{
		Summary:            "reference view",
		RelevanceScore:     3,
		RelevanceReasoning: "not actually relevant",
		ImpactScore:        2,
	}}
	logPath := filepath.Join(t.TempDir(), "verification.jsonl")
	sampler, err := verify.New(reference, "stub-model", logPath, nil, discard(), verify.Options{})
	if err != nil {
		t.Fatal(err)
	}
	sampler.SetRand(func() float64 { return 0.99 })

	p := newTestPipeline(t, st, sc, func(d *Deps) { d.Sampler = sampler })
	res := p.ProcessArticle(context.Background(), testArticle(), false)
	if res.Status != StatusImported {
		t.Fatalf("got %q, want imported", res.Status)
	}
	if res.Verification == nil {
		t.Fatalf("interesting judgment was not verified")
	}
	if !res.Verification.Flagged || res.Verification.Discrepancy != 5 {
		t.Fatalf("record = %+v, want flagged with discrepancy 5", res.Verification)
	}
}

func TestKeywordInTitleOnlyIsFiltered(t *testing.T) {
	t.Parallel()
	st := newStubStore()
	sc := &stubScorer{judgment: goodJudgment()}
	p := newTestPipeline(t, st, sc, nil)

	art := testArticle()
	art.Title = "AI conference announced"
	art.Content = "The venue serves excellent coffee and pastries."
	res := p.ProcessArticle(context.Background(), art, false)

	if res.Status != StatusSkipped || res.Reason != ReasonFiltered {
		t.Fatalf("got %q/%q, want skipped/%q", res.Status, res.Reason, ReasonFiltered)
	}
	if sc.calls != 0 {
		t.Fatalf("scorer was called for a body with no keywords")
	}
}

func TestVerificationSamplingRollsOnce(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		roll    float64
		sampled bool
	}{
		{name: "roll declines", roll: 0.99, sampled: false},
		{name: "roll selects", roll: 0.05, sampled: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := newStubStore()
			sc := &stubScorer{judgment: goodJudgment()} // relevance 5: random band
			reference := &stubScorer{judgment: goodJudgment()}

			logPath := filepath.Join(t.TempDir(), "verification.jsonl")
			sampler, err := verify.New(reference, "stub-model", logPath, nil, discard(), verify.Options{})
			if err != nil {
				t.Fatal(err)
			}
			rolls := 0
			sampler.SetRand(func() float64 {
				rolls++
				return tt.roll
			})

			p := newTestPipeline(t, st, sc, func(d *Deps) { d.Sampler = sampler })
			res := p.ProcessArticle(context.Background(), testArticle(), false)
			if res.Status != StatusImported {
				t.Fatalf("got %q, want imported", res.Status)
			}
			if rolls != 1 {
				t.Fatalf("sampling rolled %d times, want 1", rolls)
			}
			if tt.sampled && res.Verification == nil {
				t.Fatalf("selected article has no verification record")
			}
			if !tt.sampled {
				if res.Verification != nil {
					t.Fatalf("declined article carries a verification record: %+v", res.Verification)
				}
				if reference.calls != 0 {
					t.Fatalf("reference model called %d times for a declined article", reference.calls)
				}
			}
		})
	}
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()
	st := newStubStore()
	sc := &stubScorer{judgment: goodJudgment()}

	stored := testArticle()
	storedID, err := helpers.URLFingerprint(stored.Link)
	if err != nil {
		t.Fatal(err)
	}
	st.records[storedID] = store.ArticleRecord{ID: storedID}

	fresh := fetch.Article{
		Title:   "Machine learning reshapes logistics",
		Link:    "https://news.example.com/2026/ml-logistics",
		Content: "machine learning deployment details",
		Source:  "Example News",
	}
	offTopic := fetch.Article{
		Title:   "Weather report",
		Link:    "https://news.example.com/2026/weather",
		Content: "cloudy skies forecast for the weekend",
		Source:  "Example News",
	}
	fetcher := &stubFetcher{articles: []fetch.Article{stored, fresh, fresh, offTopic}}

	statusPath := filepath.Join(t.TempDir(), "status.json")
	p := newTestPipeline(t, st, sc, func(d *Deps) {
		d.Fetcher = fetcher
		d.StatusFile = statusPath
	})

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// Stored article is dropped by the skip callback before scraping; the
	// duplicated fresh link is deduped in-batch.
	if summary.Fetched != 3 {
		t.Fatalf("fetched = %d, want 3", summary.Fetched)
	}
	if summary.Imported != 1 || summary.Skipped != 2 || summary.Errored != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if fetcher.lastSkip == nil || !fetcher.lastSkip(stored.Link) {
		t.Fatalf("skip callback does not recognize stored URLs")
	}

	status, err := ReadStatus(statusPath)
	if err != nil {
		t.Fatal(err)
	}
	if status["articles_processed"] != float64(3) {
		t.Fatalf("status = %v", status)
	}
	if _, ok := status["last_run"]; !ok {
		t.Fatalf("status missing last_run: %v", status)
	}
}

func TestReprocessRecordsHistoryDiff(t *testing.T) {
	t.Parallel()
	st := newStubStore()
	art := testArticle()
	id, err := helpers.URLFingerprint(art.Link)
	if err != nil {
		t.Fatal(err)
	}
	st.records[id] = store.ArticleRecord{
		ID:                 id,
		URL:                art.Link,
		Title:              art.Title,
		Source:             art.Source,
		SummaryText:        "old summary mentioning ai trends",
		RelevanceScore:     5,
		RelevanceReasoning: "old reasoning",
		ImpactScore:        4,
	}

	improved := goodJudgment()
	improved.Summary = "sharper summary"
	improved.RelevanceScore = 9
	improved.ImpactScore = 8
	sc := &stubScorer{judgment: improved}

	historyPath := filepath.Join(t.TempDir(), "history.jsonl")
	p := newTestPipeline(t, st, sc, func(d *Deps) {
		history, err := ledger.NewHistory(historyPath)
		if err != nil {
			t.Fatal(err)
		}
		d.History = history
	})

	res, changes, err := p.Reprocess(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusImported {
		t.Fatalf("reprocess status = %q", res.Status)
	}

	rel, ok := changes["relevance_score"]
	if !ok {
		t.Fatalf("relevance_score missing from diff: %v", changes)
	}
	serialized, err := json.Marshal(map[string]ledger.FieldChange{"relevance_score": rel})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"relevance_score":{"from":5,"to":9}}`; string(serialized) != want {
		t.Fatalf("diff = %s, want %s", serialized, want)
	}

	updated := st.records[id]
	if updated.PreviousRelevanceScore == nil || *updated.PreviousRelevanceScore != 5 {
		t.Fatalf("previous relevance not carried forward: %+v", updated.PreviousRelevanceScore)
	}
	if updated.ReappraisedCount != 1 {
		t.Fatalf("reappraised count = %d, want 1", updated.ReappraisedCount)
	}
	if updated.Extra == nil || updated.Extra["content_fallback"] != true {
		t.Fatalf("summary fallback not recorded: %v", updated.Extra)
	}
	if !strings.Contains(sc.judgment.Summary, "sharper") {
		t.Fatalf("sanity: %q", sc.judgment.Summary)
	}
}
