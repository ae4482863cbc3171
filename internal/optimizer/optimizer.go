// Package optimizer closes the feedback loop: it mines flagged verification
// records for scoring failures, asks the reference model to rewrite the
// analysis prompt, and measures the candidate against the same failures
// before applying it.
package optimizer

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mohammad-safakhou/newsfinder/internal/analysis"
	"github.com/mohammad-safakhou/newsfinder/internal/cache"
	"github.com/mohammad-safakhou/newsfinder/internal/verify"
)

// Generator produces free-form text from a prompt. *analysis.OpenRouterClient
// satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// TemplateScorer scores an article with an explicit prompt template instead
// of the active one. *analysis.OllamaClient satisfies it.
type TemplateScorer interface {
	ScoreWithTemplate(ctx context.Context, template, articleText, businessContext string) (analysis.Judgment, error)
	SetTemplate(template string)
}

// CaseResult is the outcome of replaying one failure case under a candidate
// prompt. Target is the reference model's score for that article.
type CaseResult struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	OldScore int    `json:"old_score"`
	NewScore int    `json:"new_score"`
	Target   int    `json:"target"`
	Improved bool   `json:"improved"`
	Err      string `json:"error,omitempty"`
}

// Report summarizes one optimization attempt.
type Report struct {
	Failures  int          `json:"failures"`
	Candidate string       `json:"candidate"`
	Cases     []CaseResult `json:"cases"`
	Improved  int          `json:"improved"`
	Regressed int          `json:"regressed"`
	Untested  int          `json:"untested"`
	Applied   bool         `json:"applied"`
}

type Optimizer struct {
	generator       Generator
	scorer          TemplateScorer
	cache           *cache.ContentCache
	verificationLog string
	promptsFile     string
	businessContext string
	logger          *log.Logger
}

func New(generator Generator, scorer TemplateScorer, contentCache *cache.ContentCache, verificationLog, promptsFile, businessContext string, logger *log.Logger) *Optimizer {
	if logger == nil {
		logger = log.New(os.Stderr, "[OPTIMIZER] ", log.LstdFlags)
	}
	return &Optimizer{
		generator:       generator,
		scorer:          scorer,
		cache:           contentCache,
		verificationLog: verificationLog,
		promptsFile:     promptsFile,
		businessContext: businessContext,
		logger:          logger,
	}
}

// FailureCases returns the most recent flagged verification records, newest
// first, up to limit.
func (o *Optimizer) FailureCases(limit int) ([]verify.Record, error) {
	records, err := verify.ReadRecent(o.verificationLog, 0)
	if err != nil {
		return nil, err
	}
	flagged := verify.Flagged(records)
	if limit > 0 && len(flagged) > limit {
		flagged = flagged[:limit]
	}
	return flagged, nil
}

// Propose asks the reference model for a rewritten prompt that would have
// scored the failure cases closer to its own judgments.
func (o *Optimizer) Propose(ctx context.Context, current string, failures []verify.Record) (string, error) {
	if o.generator == nil {
		return "", fmt.Errorf("no generator configured")
	}
	if len(failures) == 0 {
		return "", fmt.Errorf("no failure cases to learn from")
	}
	raw, err := o.generator.Generate(ctx, metaPrompt(current, failures))
	if err != nil {
		return "", fmt.Errorf("propose prompt: %w", err)
	}
	candidate := stripFences(raw)
	if err := validateCandidate(candidate); err != nil {
		return "", err
	}
	return candidate, nil
}

// Test replays each failure case's article under the candidate prompt. The
// article body comes from the content cache; a case whose body has expired is
// reported but cannot count as improved or regressed.
func (o *Optimizer) Test(ctx context.Context, candidate string, failures []verify.Record) ([]CaseResult, error) {
	if o.scorer == nil {
		return nil, fmt.Errorf("no scorer configured")
	}
	results := make([]CaseResult, 0, len(failures))
	for _, f := range failures {
		res := CaseResult{
			Title:    f.ArticleTitle,
			URL:      f.ArticleURL,
			OldScore: f.LocalScore,
			Target:   f.RemoteScore,
		}
		content := ""
		if o.cache != nil {
			content, _ = o.cache.Get(f.ArticleURL)
		}
		if content == "" {
			res.Err = "content not found"
			results = append(results, res)
			continue
		}
		judgment, err := o.scorer.ScoreWithTemplate(ctx, candidate, content, o.businessContext)
		if err != nil {
			res.Err = err.Error()
			results = append(results, res)
			continue
		}
		res.NewScore = judgment.RelevanceScore
		res.Improved = gap(res.NewScore, res.Target) < gap(res.OldScore, res.Target)
		results = append(results, res)
	}
	return results, nil
}

// Apply persists the candidate and makes it the live template.
func (o *Optimizer) Apply(candidate string) error {
	if err := validateCandidate(candidate); err != nil {
		return err
	}
	if err := SavePrompt(o.promptsFile, candidate); err != nil {
		return err
	}
	if o.scorer != nil {
		o.scorer.SetTemplate(candidate)
	}
	o.logger.Printf("applied new analysis prompt (%d chars)", len(candidate))
	return nil
}

// Improve runs the full cycle: mine failures, propose and test. The
// candidate is applied only when apply is set AND more cases improved than
// regressed; by default the operator reviews the report first.
func (o *Optimizer) Improve(ctx context.Context, current string, maxCases int, apply bool) (*Report, error) {
	failures, err := o.FailureCases(maxCases)
	if err != nil {
		return nil, err
	}
	report := &Report{Failures: len(failures)}
	if len(failures) == 0 {
		o.logger.Printf("no flagged verification records; nothing to optimize")
		return report, nil
	}

	candidate, err := o.Propose(ctx, current, failures)
	if err != nil {
		return nil, err
	}
	report.Candidate = candidate

	cases, err := o.Test(ctx, candidate, failures)
	if err != nil {
		return nil, err
	}
	report.Cases = cases
	for _, c := range cases {
		switch {
		case c.Err != "":
			report.Untested++
		case c.Improved:
			report.Improved++
		default:
			report.Regressed++
		}
	}

	wins := report.Improved > report.Regressed
	if apply && wins {
		if err := o.Apply(candidate); err != nil {
			return report, err
		}
		report.Applied = true
		o.logger.Printf("prompt applied: %d improved, %d regressed, %d untested",
			report.Improved, report.Regressed, report.Untested)
	} else if !wins {
		o.logger.Printf("candidate rejected: %d improved, %d regressed, %d untested",
			report.Improved, report.Regressed, report.Untested)
	} else {
		o.logger.Printf("candidate ready (not applied): %d improved, %d regressed, %d untested",
			report.Improved, report.Regressed, report.Untested)
	}
	return report, nil
}

func metaPrompt(current string, failures []verify.Record) string {
	var b strings.Builder
	b.WriteString("You maintain the scoring prompt of a news relevance pipeline. ")
	b.WriteString("A small local model scores articles with the prompt below; a stronger reference model audited a sample and disagreed on the following cases.\n\n")
	b.WriteString("CURRENT PROMPT:\n---\n")
	b.WriteString(current)
	b.WriteString("\n---\n\nFAILURE CASES:\n")
	for i, f := range failures {
		fmt.Fprintf(&b, "%d. %q\n   local score: %d (%s)\n   reference score: %d (%s)\n",
			i+1, f.ArticleTitle, f.LocalScore, f.LocalReasoning, f.RemoteScore, f.RemoteReasoning)
	}
	b.WriteString("\nRewrite the prompt so the local model would score these articles closer to the reference scores. ")
	b.WriteString("Keep the overall SECTION structure, the scoring guidelines, the negative constraints and the RESPONSE FORMAT block. ")
	b.WriteString("You MUST keep the " + analysis.ContextPlaceholder + " and " + analysis.ArticlePlaceholder + " placeholders exactly as they are. ")
	b.WriteString("Respond with the full rewritten prompt and nothing else.")
	return b.String()
}

// validateCandidate rejects prompts that lost the substitution placeholders;
// applying one would feed the model a template with no article in it.
func validateCandidate(candidate string) error {
	if strings.TrimSpace(candidate) == "" {
		return fmt.Errorf("candidate prompt is empty")
	}
	if !strings.Contains(candidate, analysis.ContextPlaceholder) {
		return fmt.Errorf("candidate prompt lost the %s placeholder", analysis.ContextPlaceholder)
	}
	if !strings.Contains(candidate, analysis.ArticlePlaceholder) {
		return fmt.Errorf("candidate prompt lost the %s placeholder", analysis.ArticlePlaceholder)
	}
	return nil
}

// stripFences unwraps a response the model wrapped in a markdown code block.
func stripFences(s string) string {
	out := strings.TrimSpace(s)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	out = strings.TrimPrefix(out, "```")
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		first := strings.TrimSpace(out[:i])
		if first == "" || !strings.ContainsAny(first, " \t") {
			out = out[i+1:]
		}
	}
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	return strings.TrimSpace(out)
}

func gap(score, target int) int {
	if score > target {
		return score - target
	}
	return target - score
}
