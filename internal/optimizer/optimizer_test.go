package optimizer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/newsfinder/internal/analysis"
	"github.com/mohammad-safakhou/newsfinder/internal/cache"
	"github.com/mohammad-safakhou/newsfinder/internal/verify"
)

type stubGenerator struct {
	output string
	prompt string
}

func (g *stubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompt = prompt
	return g.output, nil
}

type stubTemplateScorer struct {
	scores   map[string]int
	applied  string
	lastTmpl string
}

func (s *stubTemplateScorer) ScoreWithTemplate(_ context.Context, template, articleText, _ string) (analysis.Judgment, error) {
	s.lastTmpl = template
	return analysis.Judgment{Summary: "replayed", RelevanceScore: s.scores[articleText]}, nil
}

func (s *stubTemplateScorer) SetTemplate(template string) { s.applied = template }

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func validPrompt() string {
	return "Context: " + analysis.ContextPlaceholder + "\nArticle: " + analysis.ArticlePlaceholder + "\nScore it."
}

func writeVerificationLog(t *testing.T, records []verify.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "verification.jsonl")
	var b strings.Builder
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			t.Fatal(err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPromptDefaultsWhenMissing(t *testing.T) {
	t.Parallel()
	got, err := LoadPrompt(filepath.Join(t.TempDir(), "prompts.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if got != analysis.DefaultAnalysisPrompt {
		t.Fatalf("missing file must yield the default prompt")
	}
}

func TestSaveLoadPromptRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	if err := os.WriteFile(path, []byte("other_prompt: keep me\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	want := validPrompt()
	if err := SavePrompt(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := LoadPrompt(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("round trip mismatch:\n%q\n%q", got, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "other_prompt: keep me") {
		t.Fatalf("unrelated key was dropped:\n%s", data)
	}
}

func TestFailureCasesFlaggedNewestFirst(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	path := writeVerificationLog(t, []verify.Record{
		{Timestamp: now.Add(-3 * time.Hour), ArticleTitle: "old flagged", Flagged: true, Discrepancy: 5},
		{Timestamp: now.Add(-2 * time.Hour), ArticleTitle: "agreement", Flagged: false, Discrepancy: 1},
		{Timestamp: now.Add(-1 * time.Hour), ArticleTitle: "new flagged", Flagged: true, Discrepancy: 6},
	})
	o := New(nil, nil, nil, path, "", "", discard())

	cases, err := o.FailureCases(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(cases) != 2 {
		t.Fatalf("got %d cases, want 2", len(cases))
	}
	if cases[0].ArticleTitle != "new flagged" {
		t.Fatalf("order wrong: %q first", cases[0].ArticleTitle)
	}

	limited, err := o.FailureCases(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ArticleTitle != "new flagged" {
		t.Fatalf("limit not applied: %+v", limited)
	}
}

func TestProposeStripsFencesAndValidates(t *testing.T) {
	t.Parallel()
	failures := []verify.Record{{ArticleTitle: "case", LocalScore: 8, RemoteScore: 2, Flagged: true}}

	gen := &stubGenerator{output: "```\n" + validPrompt() + "\n```"}
	o := New(gen, nil, nil, "", "", "", discard())
	got, err := o.Propose(context.Background(), validPrompt(), failures)
	if err != nil {
		t.Fatal(err)
	}
	if got != validPrompt() {
		t.Fatalf("fences not stripped: %q", got)
	}
	if !strings.Contains(gen.prompt, "case") || !strings.Contains(gen.prompt, "CURRENT PROMPT") {
		t.Fatalf("meta prompt missing failure detail:\n%s", gen.prompt)
	}

	gen.output = "a prompt that lost its placeholders"
	if _, err := o.Propose(context.Background(), validPrompt(), failures); err == nil {
		t.Fatalf("expected rejection of a placeholder-free candidate")
	}
}

func TestTestReplaysFromCache(t *testing.T) {
	t.Parallel()
	contentCache, err := cache.New(t.TempDir(), 0, discard())
	if err != nil {
		t.Fatal(err)
	}
	cachedURL := "https://news.example.com/cached"
	if err := contentCache.Put(cachedURL, "cached article body"); err != nil {
		t.Fatal(err)
	}

	scorer := &stubTemplateScorer{scores: map[string]int{"cached article body": 6}}
	o := New(nil, scorer, contentCache, "", "", "ctx", discard())

	failures := []verify.Record{
		{ArticleTitle: "recoverable", ArticleURL: cachedURL, LocalScore: 2, RemoteScore: 7},
		{ArticleTitle: "expired", ArticleURL: "https://news.example.com/gone", LocalScore: 9, RemoteScore: 3},
	}
	results, err := o.Test(context.Background(), validPrompt(), failures)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	// |6-7| < |2-7|
	if !results[0].Improved || results[0].NewScore != 6 {
		t.Fatalf("replay result = %+v", results[0])
	}
	if scorer.lastTmpl != validPrompt() {
		t.Fatalf("candidate template not used")
	}
	if results[1].Err != "content not found" {
		t.Fatalf("expired case error = %q", results[1].Err)
	}
}

func TestImproveAppliesWinningCandidate(t *testing.T) {
	t.Parallel()
	contentCache, err := cache.New(t.TempDir(), 0, discard())
	if err != nil {
		t.Fatal(err)
	}
	url := "https://news.example.com/flagged"
	if err := contentCache.Put(url, "flagged body"); err != nil {
		t.Fatal(err)
	}
	logPath := writeVerificationLog(t, []verify.Record{
		{Timestamp: time.Now().UTC(), ArticleTitle: "flagged", ArticleURL: url, LocalScore: 9, RemoteScore: 3, Flagged: true},
	})

	candidate := "REWRITTEN\n" + validPrompt()
	gen := &stubGenerator{output: candidate}
	scorer := &stubTemplateScorer{scores: map[string]int{"flagged body": 4}}
	promptsPath := filepath.Join(t.TempDir(), "prompts.yaml")

	o := New(gen, scorer, contentCache, logPath, promptsPath, "ctx", discard())

	dryRun, err := o.Improve(context.Background(), validPrompt(), 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if dryRun.Applied || dryRun.Improved != 1 {
		t.Fatalf("dry run report = %+v", dryRun)
	}
	if scorer.applied != "" {
		t.Fatalf("dry run must not touch the live template")
	}

	report, err := o.Improve(context.Background(), validPrompt(), 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Applied || report.Improved != 1 || report.Regressed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if scorer.applied != candidate {
		t.Fatalf("live template not updated")
	}
	saved, err := LoadPrompt(promptsPath)
	if err != nil {
		t.Fatal(err)
	}
	if saved != candidate {
		t.Fatalf("prompts file not updated")
	}
}
