package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mohammad-safakhou/newsfinder/config"
)

// primaryClipChars bounds the article text sent to the primary model. The
// local model degrades past this; the reference model gets a larger budget.
const primaryClipChars = 4000

const topicsClipChars = 3500

// OllamaClient is the primary scoring backend: a local model behind the
// Ollama HTTP API. It also owns embedding and topic extraction.
type OllamaClient struct {
	baseURL        string
	model          string
	embeddingModel string
	client         *http.Client
	logger         *log.Logger

	mu       sync.RWMutex
	template string
}

func NewOllamaClient(cfg config.OllamaConfig, logger *log.Logger) *OllamaClient {
	if logger == nil {
		logger = log.New(os.Stderr, "[OLLAMA] ", log.LstdFlags)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaClient{
		baseURL:        trimSlash(cfg.BaseURL),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		client:         &http.Client{Timeout: timeout},
		logger:         logger,
		template:       DefaultAnalysisPrompt,
	}
}

// SetTemplate swaps the active scoring template, typically after the
// optimizer applies a new one.
func (c *OllamaClient) SetTemplate(template string) {
	if template == "" {
		template = DefaultAnalysisPrompt
	}
	c.mu.Lock()
	c.template = template
	c.mu.Unlock()
}

func (c *OllamaClient) Template() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.template
}

func (c *OllamaClient) ModelName() string { return c.model }

// Score analyzes article text against the business context using the active
// template. A parse or transport failure returns a zero Judgment and an
// error; callers treat that as "score 0, everything unknown".
func (c *OllamaClient) Score(ctx context.Context, articleText, businessContext string) (Judgment, error) {
	return c.ScoreWithTemplate(ctx, c.Template(), articleText, businessContext)
}

// ScoreWithTemplate runs one scoring call under an explicit template. The
// optimizer uses this to trial candidate prompts without touching the active
// one.
func (c *OllamaClient) ScoreWithTemplate(ctx context.Context, template, articleText, businessContext string) (Judgment, error) {
	prompt := RenderPrompt(template, businessContext, clip(articleText, primaryClipChars))
	raw, err := c.generate(ctx, prompt)
	if err != nil {
		return Judgment{}, err
	}
	j, err := ParseJudgment(raw)
	if err != nil {
		c.logger.Printf("unparseable analysis response: %v", err)
		return Judgment{}, err
	}
	return j, nil
}

// Topics extracts up to maxTopics short labels for the article.
func (c *OllamaClient) Topics(ctx context.Context, text string, maxTopics int) ([]string, error) {
	if maxTopics <= 0 {
		maxTopics = 5
	}
	prompt := fmt.Sprintf(topicsPromptFormat, clip(text, topicsClipChars))
	raw, err := c.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	topics, err := ParseTopics(raw, maxTopics)
	if err != nil {
		c.logger.Printf("unparseable topics response: %v", err)
		return nil, err
	}
	return topics, nil
}

// Embed produces a vector for text via the embedding model.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}
	body, err := json.Marshal(map[string]string{
		"model":  c.embeddingModel,
		"prompt": text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/embeddings", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embeddings status %d", resp.StatusCode)
	}
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return out.Embedding, nil
}

// CheckConnection reports whether the Ollama server is reachable.
func (c *OllamaClient) CheckConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Warmup forces both the generation and embedding models into memory so the
// first real article does not pay the load cost.
func (c *OllamaClient) Warmup(ctx context.Context) error {
	c.logger.Printf("warming up model %s", c.model)
	if _, err := c.generate(ctx, `{"test": "warmup"}`); err != nil {
		return fmt.Errorf("warmup generate: %w", err)
	}
	if _, err := c.Embed(ctx, "warmup"); err != nil {
		return fmt.Errorf("warmup embed: %w", err)
	}
	return nil
}

// generate requests a JSON-formatted completion from /api/generate.
func (c *OllamaClient) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":  c.model,
		"prompt": prompt,
		"stream": false,
		"format": "json",
	})
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/generate", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama generate status %d", resp.StatusCode)
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if out.Response == "" {
		return "", fmt.Errorf("empty response from model %s", c.model)
	}
	return out.Response, nil
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
