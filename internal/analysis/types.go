// Package analysis talks to the scoring models. It exposes a structured
// Judgment to the rest of the system; all tolerance for messy model output
// lives behind this boundary.
package analysis

import "context"

// Judgment is the structured relevance assessment for one article.
type Judgment struct {
	Summary            string   `json:"summary"`
	RelevanceScore     int      `json:"relevance_score"`
	RelevanceReasoning string   `json:"relevance_reasoning"`
	ImpactScore        int      `json:"impact_score"`
	KeyEntities        []string `json:"key_entities"`
	TopicTags          []string `json:"topic_tags,omitempty"`
}

// ZeroJudgment is the degraded result used when a model call fails. The
// pipeline stores it rather than aborting the batch.
func ZeroJudgment() Judgment {
	return Judgment{
		Summary:            "LLM analysis unavailable",
		RelevanceScore:     0,
		RelevanceReasoning: "",
		ImpactScore:        0,
		KeyEntities:        []string{},
	}
}

// Scorer is the capability shared by the primary and reference backends.
// Implementations are selected at construction time, never by inspecting a
// provider string per call.
type Scorer interface {
	Score(ctx context.Context, articleText, businessContext string) (Judgment, error)
	ModelName() string
}

// Embedder produces a fixed-dimension vector for a string. Only the summary
// text is ever embedded, not the full article.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TopicExtractor labels an article with short topic tags.
type TopicExtractor interface {
	Topics(ctx context.Context, text string, maxTopics int) ([]string, error)
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}
