// Package fetch pulls candidate articles from RSS feeds and archive
// sitemaps and extracts readable text for scoring.
package fetch

// Article is the transient per-pipeline-pass representation of a fetched
// piece. Only its derived judgment is ever persisted.
type Article struct {
	Title     string
	Link      string
	Published string
	Content   string
	Source    string

	// Reprocessing carry-over. Set only on the re-score path.
	PreviousRelevanceScore *int
	PreviousImpactScore    *int
	ReappraisedCount       int
	ContentFallback        bool
}
