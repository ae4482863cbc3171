// Package store persists scored articles in Postgres with pgvector
// embeddings. One row per article fingerprint; upserts are single
// statements so concurrent writers cannot produce duplicates.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/newsfinder/config"
)

// ErrNotFound is returned when no record exists for a fingerprint.
var ErrNotFound = errors.New("article not found")

// ArticleRecord is one stored, scored article.
type ArticleRecord struct {
	ID                     string                 `json:"id"`
	URL                    string                 `json:"url"`
	Title                  string                 `json:"title"`
	PublishedDate          string                 `json:"published_date"`
	Source                 string                 `json:"source"`
	SummaryText            string                 `json:"summary_text"`
	RelevanceScore         int                    `json:"relevance_score"`
	RelevanceReasoning     string                 `json:"relevance_reasoning"`
	ImpactScore            int                    `json:"impact_score"`
	KeyEntities            []string               `json:"key_entities"`
	TopicTags              []string               `json:"topic_tags"`
	PreviousRelevanceScore *int                   `json:"previous_relevance_score,omitempty"`
	PreviousImpactScore    *int                   `json:"previous_impact_score,omitempty"`
	ReappraisedCount       int                    `json:"reappraised_count"`
	Extra                  map[string]interface{} `json:"extra,omitempty"`
	CreatedAt              time.Time              `json:"created_at"`
	UpdatedAt              time.Time              `json:"updated_at"`
}

// SearchResult is a record plus its cosine distance to a query vector.
type SearchResult struct {
	ArticleRecord
	Distance float64 `json:"distance"`
}

type Store struct {
	DB *sql.DB
}

// New opens a Postgres connection from config and pings it.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// Exists reports whether a record is stored for the fingerprint.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var found bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM articles WHERE id=$1)`, id).Scan(&found)
	return found, err
}

// Upsert stores or replaces the record for rec.ID. The embedding may be
// empty when the embedding model failed; the row is still written.
func (s *Store) Upsert(ctx context.Context, rec ArticleRecord, embedding []float32) error {
	if rec.ID == "" {
		return fmt.Errorf("article id required")
	}
	entities, err := json.Marshal(orEmpty(rec.KeyEntities))
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	topics, err := json.Marshal(orEmpty(rec.TopicTags))
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	extra := rec.Extra
	if extra == nil {
		extra = map[string]interface{}{}
	}
	extraBytes, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("marshal extra: %w", err)
	}

	var vectorLiteral interface{}
	if len(embedding) > 0 {
		vectorLiteral = encodeVectorLiteral(embedding)
	}

	_, err = s.DB.ExecContext(ctx, `
INSERT INTO articles (
  id, url, title, published_date, source, summary_text,
  relevance_score, relevance_reasoning, impact_score,
  key_entities, topic_tags,
  previous_relevance_score, previous_impact_score, reappraised_count,
  extra, embedding, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16::vector,NOW(),NOW())
ON CONFLICT (id) DO UPDATE SET
  url = EXCLUDED.url,
  title = EXCLUDED.title,
  published_date = EXCLUDED.published_date,
  source = EXCLUDED.source,
  summary_text = EXCLUDED.summary_text,
  relevance_score = EXCLUDED.relevance_score,
  relevance_reasoning = EXCLUDED.relevance_reasoning,
  impact_score = EXCLUDED.impact_score,
  key_entities = EXCLUDED.key_entities,
  topic_tags = EXCLUDED.topic_tags,
  previous_relevance_score = EXCLUDED.previous_relevance_score,
  previous_impact_score = EXCLUDED.previous_impact_score,
  reappraised_count = EXCLUDED.reappraised_count,
  extra = EXCLUDED.extra,
  embedding = EXCLUDED.embedding,
  updated_at = NOW();
`, rec.ID, rec.URL, rec.Title, rec.PublishedDate, rec.Source, rec.SummaryText,
		rec.RelevanceScore, rec.RelevanceReasoning, rec.ImpactScore,
		entities, topics,
		rec.PreviousRelevanceScore, rec.PreviousImpactScore, rec.ReappraisedCount,
		extraBytes, vectorLiteral)
	return err
}

// Get loads the record for a fingerprint.
func (s *Store) Get(ctx context.Context, id string) (ArticleRecord, error) {
	row := s.DB.QueryRowContext(ctx, selectColumns+` FROM articles WHERE id=$1`, id)
	rec, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ArticleRecord{}, ErrNotFound
	}
	return rec, err
}

// UpdateMetadata applies a partial update over the mutable scalar fields.
// Unknown keys land in extra. Returns false when the record does not exist.
func (s *Store) UpdateMetadata(ctx context.Context, id string, partial map[string]interface{}) (bool, error) {
	rec, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for key, value := range partial {
		switch key {
		case "title":
			rec.Title = fmt.Sprint(value)
		case "source":
			rec.Source = fmt.Sprint(value)
		case "published_date":
			rec.PublishedDate = fmt.Sprint(value)
		case "summary_text":
			rec.SummaryText = fmt.Sprint(value)
		case "relevance_score":
			rec.RelevanceScore = toInt(value)
		case "relevance_reasoning":
			rec.RelevanceReasoning = fmt.Sprint(value)
		case "impact_score":
			rec.ImpactScore = toInt(value)
		default:
			if rec.Extra == nil {
				rec.Extra = map[string]interface{}{}
			}
			rec.Extra[key] = value
		}
	}
	entities, _ := json.Marshal(orEmpty(rec.KeyEntities))
	topics, _ := json.Marshal(orEmpty(rec.TopicTags))
	extraBytes, err := json.Marshal(rec.Extra)
	if err != nil {
		return false, fmt.Errorf("marshal extra: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE articles SET
  title=$2, source=$3, published_date=$4, summary_text=$5,
  relevance_score=$6, relevance_reasoning=$7, impact_score=$8,
  key_entities=$9, topic_tags=$10, extra=$11, updated_at=NOW()
WHERE id=$1
`, id, rec.Title, rec.Source, rec.PublishedDate, rec.SummaryText,
		rec.RelevanceScore, rec.RelevanceReasoning, rec.ImpactScore,
		entities, topics, extraBytes)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Delete removes a record. Returns false when nothing was stored.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM articles WHERE id=$1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// QueryByEmbedding returns the k records closest to vector by cosine
// distance.
func (s *Store) QueryByEmbedding(ctx context.Context, vector []float32, k int) ([]SearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if k <= 0 {
		k = 5
	}
	lit := encodeVectorLiteral(vector)
	rows, err := s.DB.QueryContext(ctx, selectColumns+`, embedding <=> $1::vector AS distance
FROM articles
WHERE embedding IS NOT NULL
ORDER BY embedding <=> $1::vector
LIMIT $2`, lit, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SearchResult
	for rows.Next() {
		var res SearchResult
		rec, err := scanArticleWithDistance(rows, &res.Distance)
		if err != nil {
			return nil, err
		}
		res.ArticleRecord = rec
		out = append(out, res)
	}
	return out, rows.Err()
}

// ListRecent returns the most recently updated records.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ArticleRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, selectColumns+` FROM articles ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ArticleRecord
	for rows.Next() {
		rec, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of stored articles.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&n)
	return n, err
}

const selectColumns = `SELECT id, url, title, published_date, source, summary_text,
  relevance_score, relevance_reasoning, impact_score,
  key_entities, topic_tags,
  previous_relevance_score, previous_impact_score, reappraised_count,
  extra, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArticle(row rowScanner) (ArticleRecord, error) {
	return scanArticleWithDistance(row, nil)
}

func scanArticleWithDistance(row rowScanner, distance *float64) (ArticleRecord, error) {
	var (
		rec           ArticleRecord
		entitiesBytes []byte
		topicsBytes   []byte
		extraBytes    []byte
	)
	dest := []interface{}{
		&rec.ID, &rec.URL, &rec.Title, &rec.PublishedDate, &rec.Source, &rec.SummaryText,
		&rec.RelevanceScore, &rec.RelevanceReasoning, &rec.ImpactScore,
		&entitiesBytes, &topicsBytes,
		&rec.PreviousRelevanceScore, &rec.PreviousImpactScore, &rec.ReappraisedCount,
		&extraBytes, &rec.CreatedAt, &rec.UpdatedAt,
	}
	if distance != nil {
		dest = append(dest, distance)
	}
	if err := row.Scan(dest...); err != nil {
		return ArticleRecord{}, err
	}
	if len(entitiesBytes) > 0 {
		_ = json.Unmarshal(entitiesBytes, &rec.KeyEntities)
	}
	if len(topicsBytes) > 0 {
		_ = json.Unmarshal(topicsBytes, &rec.TopicTags)
	}
	if len(extraBytes) > 0 {
		_ = json.Unmarshal(extraBytes, &rec.Extra)
	}
	return rec, nil
}

func encodeVectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func orEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func toInt(v interface{}) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
	case string:
		if i, err := strconv.Atoi(t); err == nil {
			return i
		}
	}
	return 0
}
