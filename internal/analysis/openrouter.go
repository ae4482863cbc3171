package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/mohammad-safakhou/newsfinder/config"
)

// referenceClipChars is the article budget for the reference model, which
// tolerates far more context than the local one.
const referenceClipChars = 8000

// OpenRouterClient is the reference backend: a stronger hosted model used to
// audit the primary model's judgments and to rewrite prompt templates.
type OpenRouterClient struct {
	apiKey  string
	baseURL string
	model   string
	referer string
	client  *http.Client
	logger  *log.Logger
}

func NewOpenRouterClient(cfg config.OpenRouterConfig, logger *log.Logger) *OpenRouterClient {
	if logger == nil {
		logger = log.New(os.Stderr, "[OPENROUTER] ", log.LstdFlags)
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if apiKey == "" {
		logger.Printf("OPENROUTER_API_KEY not set; verification disabled")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	referer := cfg.Referer
	if referer == "" {
		referer = "http://localhost:8080"
	}
	return &OpenRouterClient{
		apiKey:  apiKey,
		baseURL: trimSlash(baseURL),
		model:   cfg.Model,
		referer: referer,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *OpenRouterClient) ModelName() string { return c.model }

// Available reports whether the client can make calls at all.
func (c *OpenRouterClient) Available() bool { return c.apiKey != "" }

// Score runs the auditor prompt against the article and returns an
// independent Judgment in the same shape as the primary model's.
func (c *OpenRouterClient) Score(ctx context.Context, articleText, businessContext string) (Judgment, error) {
	if !c.Available() {
		return Judgment{}, fmt.Errorf("openrouter api key not configured")
	}
	prompt := RenderPrompt(auditorPrompt, businessContext, clip(articleText, referenceClipChars))
	content, err := c.chat(ctx, prompt, true)
	if err != nil {
		return Judgment{}, err
	}
	j, err := ParseJudgment(content)
	if err != nil {
		c.logger.Printf("unparseable auditor response: %v", err)
		return Judgment{}, err
	}
	return j, nil
}

// Generate runs a free-form completion; the optimizer uses it for
// meta-prompts that rewrite the scoring template.
func (c *OpenRouterClient) Generate(ctx context.Context, prompt string) (string, error) {
	if !c.Available() {
		return "", fmt.Errorf("openrouter api key not configured")
	}
	return c.chat(ctx, prompt, false)
}

// CheckConnection verifies credentials with a cheap model-list call.
func (c *OpenRouterClient) CheckConnection(ctx context.Context) bool {
	if !c.Available() {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *OpenRouterClient) chat(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	payload := map[string]interface{}{
		"model":    c.model,
		"messages": []chatMsg{{Role: "user", Content: prompt}},
	}
	if jsonMode {
		payload["response_format"] = map[string]string{"type": "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	// OpenRouter requires attribution headers.
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", "NewsFinder")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openrouter status %d", resp.StatusCode)
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no choices")
	}
	return out.Choices[0].Message.Content, nil
}
