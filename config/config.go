package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the news pipeline.
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	Feeds        []FeedConfig       `mapstructure:"feeds"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Verification VerificationConfig `mapstructure:"verification"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// FeedConfig names one RSS feed or sitemap source.
type FeedConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
	// Kind is "rss" (default) or "sitemap".
	Kind string `mapstructure:"kind"`
}

// PipelineConfig controls per-run ingestion behaviour.
type PipelineConfig struct {
	ArticlesPerFeed int                  `mapstructure:"articles_per_feed"`
	Keywords        []string             `mapstructure:"keywords"`
	AlertThreshold  AlertThresholdConfig `mapstructure:"alert_threshold"`
}

// AlertThresholdConfig sets the minimum scores that raise an alert.
type AlertThresholdConfig struct {
	Relevance int `mapstructure:"relevance"`
	Impact    int `mapstructure:"impact"`
}

// LLMConfig groups the two scoring backends.
type LLMConfig struct {
	Ollama     OllamaConfig     `mapstructure:"ollama"`
	OpenRouter OpenRouterConfig `mapstructure:"openrouter"`
}

// OllamaConfig configures the primary (local) model.
type OllamaConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

func (o OllamaConfig) Validate() error {
	if strings.TrimSpace(o.BaseURL) == "" {
		return fmt.Errorf("llm.ollama.base_url required")
	}
	if strings.TrimSpace(o.Model) == "" {
		return fmt.Errorf("llm.ollama.model required")
	}
	return nil
}

// OpenRouterConfig configures the reference (auditing) model. APIKey falls
// back to the OPENROUTER_API_KEY environment variable.
type OpenRouterConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Referer string        `mapstructure:"referer"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// VerificationConfig controls the sampling audit of primary judgments.
type VerificationConfig struct {
	Enabled               bool    `mapstructure:"enabled"`
	SampleRateInteresting float64 `mapstructure:"sample_rate_interesting"`
	SampleRateRandom      float64 `mapstructure:"sample_rate_random"`
	DiscrepancyThreshold  int     `mapstructure:"discrepancy_threshold"`
	LogFile               string  `mapstructure:"log_file"`
}

func (v VerificationConfig) Validate() error {
	for name, rate := range map[string]float64{
		"sample_rate_interesting": v.SampleRateInteresting,
		"sample_rate_random":      v.SampleRateRandom,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("verification.%s must be in [0,1]", name)
		}
	}
	return nil
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Postgres     PostgresConfig `mapstructure:"postgres"`
	Redis        RedisConfig    `mapstructure:"redis"`
	CacheDir     string         `mapstructure:"cache_dir"`
	AlertsLog    string         `mapstructure:"alerts_log"`
	EventsLog    string         `mapstructure:"events_log"`
	HistoryFile  string         `mapstructure:"history_file"`
	StatusFile   string         `mapstructure:"status_file"`
	TagFeedback  string         `mapstructure:"tag_feedback"`
	ContextCache string         `mapstructure:"context_cache"`
	PromptsFile  string         `mapstructure:"prompts_file"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds the connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings. Redis is only used for the
// scheduler's distributed lock; an empty host disables it.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig controls the background ingestion loop.
type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Cron accepts "@hourly", "@daily" or a standard 5-field expression.
	Cron string `mapstructure:"cron"`
	// Tick is how often the scheduler re-evaluates whether a run is due.
	Tick time.Duration `mapstructure:"tick"`
}

// TelemetryConfig contains monitoring settings.
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file, applying defaults and NEWSFINDER_*
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	setDefaults()

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("NEWSFINDER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Defaults alone are a workable configuration.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.LLM.Ollama.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Verification.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":8080")

	viper.SetDefault("pipeline.articles_per_feed", 3)
	viper.SetDefault("pipeline.keywords", []string{"ai", "artificial intelligence", "machine learning", "automation"})
	viper.SetDefault("pipeline.alert_threshold.relevance", 7)
	viper.SetDefault("pipeline.alert_threshold.impact", 7)

	viper.SetDefault("llm.ollama.base_url", "http://localhost:11434")
	viper.SetDefault("llm.ollama.model", "LiquidAI/LFM2.5-1.2B-Instruct")
	viper.SetDefault("llm.ollama.embedding_model", "nomic-embed-text")
	viper.SetDefault("llm.ollama.timeout", "120s")
	viper.SetDefault("llm.openrouter.base_url", "https://openrouter.ai/api/v1")
	viper.SetDefault("llm.openrouter.model", "google/gemini-2.0-flash-001")
	viper.SetDefault("llm.openrouter.timeout", "60s")

	viper.SetDefault("verification.enabled", false)
	viper.SetDefault("verification.sample_rate_interesting", 1.0)
	viper.SetDefault("verification.sample_rate_random", 0.1)
	viper.SetDefault("verification.discrepancy_threshold", 4)
	viper.SetDefault("verification.log_file", "logs/verification.jsonl")

	viper.SetDefault("storage.cache_dir", "document-cache")
	viper.SetDefault("storage.alerts_log", "logs/alerts.jsonl")
	viper.SetDefault("storage.events_log", "logs/events.jsonl")
	viper.SetDefault("storage.history_file", "data/article_history.jsonl")
	viper.SetDefault("storage.status_file", "logs/status.json")
	viper.SetDefault("storage.tag_feedback", "logs/tag_feedback.jsonl")
	viper.SetDefault("storage.context_cache", "logs/company_context.txt")
	viper.SetDefault("storage.prompts_file", "prompts.yaml")
	viper.SetDefault("storage.postgres.host", "localhost")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.dbname", "newsfinder")
	viper.SetDefault("storage.postgres.sslmode", "disable")

	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.cron", "@hourly")
	viper.SetDefault("scheduler.tick", "1m")

	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.metrics_port", 9090)
}
