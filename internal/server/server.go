// Package server wires the whole system together and exposes it over HTTP.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/newsfinder/config"
	"github.com/mohammad-safakhou/newsfinder/internal/analysis"
	"github.com/mohammad-safakhou/newsfinder/internal/cache"
	"github.com/mohammad-safakhou/newsfinder/internal/fetch"
	"github.com/mohammad-safakhou/newsfinder/internal/ledger"
	"github.com/mohammad-safakhou/newsfinder/internal/optimizer"
	"github.com/mohammad-safakhou/newsfinder/internal/pipeline"
	"github.com/mohammad-safakhou/newsfinder/internal/profile"
	"github.com/mohammad-safakhou/newsfinder/internal/store"
	"github.com/mohammad-safakhou/newsfinder/internal/telemetry"
	"github.com/mohammad-safakhou/newsfinder/internal/verify"
)

type Server struct {
	cfg         *config.Config
	st          *store.Store
	pipe        *pipeline.Pipeline
	opt         *optimizer.Optimizer
	ollama      *analysis.OllamaClient
	openrouter  *analysis.OpenRouterClient
	events      *ledger.EventLog
	history     *ledger.History
	tagFeedback *ledger.TagFeedback
	logger      *log.Logger

	running atomic.Bool
}

// Run builds every component from the config and serves until the listener
// fails.
func Run(cfg *config.Config) error {
	s, err := New(cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.serve()
}

// New wires every component from the config. Top-level DI happens here;
// nothing below this constructs its own collaborators.
func New(cfg *config.Config) (*Server, error) {
	logger := log.New(log.Writer(), "[SERVER] ", log.LstdFlags)
	ctx := context.Background()

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return nil, err
	}

	contentCache, err := cache.New(cfg.Storage.CacheDir, cache.DefaultFreshness, nil)
	if err != nil {
		return nil, err
	}

	history, err := ledger.NewHistory(cfg.Storage.HistoryFile)
	if err != nil {
		return nil, err
	}
	events, err := ledger.NewEventLog(cfg.Storage.EventsLog)
	if err != nil {
		return nil, err
	}
	alerts, err := ledger.NewAlertLog(cfg.Storage.AlertsLog)
	if err != nil {
		return nil, err
	}
	tagFeedback, err := ledger.NewTagFeedback(cfg.Storage.TagFeedback)
	if err != nil {
		return nil, err
	}

	ollama := analysis.NewOllamaClient(cfg.LLM.Ollama, nil)
	if prompt, err := optimizer.LoadPrompt(cfg.Storage.PromptsFile); err != nil {
		logger.Printf("prompt file unreadable, using default: %v", err)
	} else {
		ollama.SetTemplate(prompt)
	}
	openrouter := analysis.NewOpenRouterClient(cfg.LLM.OpenRouter, nil)

	var sampler *verify.Sampler
	if cfg.Verification.Enabled && openrouter.Available() {
		sampler, err = verify.New(openrouter, ollama.ModelName(), cfg.Verification.LogFile, events, nil, verify.Options{
			RateInteresting:      &cfg.Verification.SampleRateInteresting,
			RateRandom:           &cfg.Verification.SampleRateRandom,
			DiscrepancyThreshold: cfg.Verification.DiscrepancyThreshold,
		})
		if err != nil {
			return nil, err
		}
	} else if cfg.Verification.Enabled {
		logger.Printf("verification enabled but no OpenRouter key; sampling disabled")
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		metrics = telemetry.New(prometheus.DefaultRegisterer)
		contentCache.SetStats(metrics)
	}

	businessContext := profile.LoadCached(cfg.Storage.ContextCache)
	aggregator := fetch.NewAggregator(cfg.Feeds, contentCache, nil)

	pipe, err := pipeline.New(pipeline.Deps{
		Store:           st,
		Fetcher:         aggregator,
		Scorer:          ollama,
		Embedder:        ollama,
		Topics:          ollama,
		Sampler:         sampler,
		TagFeedback:     tagFeedback,
		History:         history,
		Events:          events,
		Alerts:          alerts,
		Cache:           contentCache,
		Metrics:         metrics,
		BusinessContext: businessContext,
		Keywords:        cfg.Pipeline.Keywords,
		ArticlesPerFeed: cfg.Pipeline.ArticlesPerFeed,
		Thresholds: pipeline.Thresholds{
			Relevance: cfg.Pipeline.AlertThreshold.Relevance,
			Impact:    cfg.Pipeline.AlertThreshold.Impact,
		},
		StatusFile: cfg.Storage.StatusFile,
	})
	if err != nil {
		return nil, err
	}

	var opt *optimizer.Optimizer
	if openrouter.Available() {
		opt = optimizer.New(openrouter, ollama, contentCache,
			cfg.Verification.LogFile, cfg.Storage.PromptsFile, businessContext, nil)
	}

	s := &Server{
		cfg:         cfg,
		st:          st,
		pipe:        pipe,
		opt:         opt,
		ollama:      ollama,
		openrouter:  openrouter,
		events:      events,
		history:     history,
		tagFeedback: tagFeedback,
		logger:      logger,
	}
	return s, nil
}

// Close releases the database handle.
func (s *Server) Close() error { return s.st.Close() }

// RunOnce executes a single monitoring cycle.
func (s *Server) RunOnce(ctx context.Context) (pipeline.RunSummary, error) {
	return s.pipe.Run(ctx)
}

// ReprocessArticle re-scores one stored article and returns the diff.
func (s *Server) ReprocessArticle(ctx context.Context, id string) (pipeline.Result, map[string]ledger.FieldChange, error) {
	return s.pipe.Reprocess(ctx, id)
}

// Optimize runs one prompt-optimization cycle. apply promotes a winning
// candidate to the live template; without it the report is advisory.
func (s *Server) Optimize(ctx context.Context, maxCases int, apply bool) (*optimizer.Report, error) {
	if s.opt == nil {
		return nil, fmt.Errorf("optimizer requires an OpenRouter API key")
	}
	return s.opt.Improve(ctx, s.ollama.Template(), maxCases, apply)
}

func (s *Server) serve() error {
	if s.cfg.Scheduler.Enabled {
		var rdb *redis.Client
		if s.cfg.Storage.Redis.Host != "" {
			rdb = redis.NewClient(&redis.Options{
				Addr:     s.cfg.Storage.Redis.Host + ":" + s.cfg.Storage.Redis.Port,
				Password: s.cfg.Storage.Redis.Password,
				DB:       s.cfg.Storage.Redis.DB,
			})
		}
		sched := &Scheduler{
			Pipeline: s.pipe,
			Rdb:      rdb,
			Cron:     s.cfg.Scheduler.Cron,
			Tick:     s.cfg.Scheduler.Tick,
			Logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
			Stop:     make(chan struct{}),
		}
		sched.Start()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if s.cfg.Telemetry.Enabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	api := e.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/articles", s.handleListArticles)
	api.GET("/articles/:id", s.handleGetArticle)
	api.PATCH("/articles/:id", s.handleUpdateArticle)
	api.DELETE("/articles/:id", s.handleDeleteArticle)
	api.POST("/articles/:id/reprocess", s.handleReprocess)
	api.GET("/articles/:id/history", s.handleArticleHistory)
	api.POST("/run", s.handleTriggerRun)
	api.GET("/search", s.handleSearch)
	api.GET("/verifications", s.handleVerifications)
	api.GET("/events", s.handleEvents)
	api.POST("/feedback/tags", s.handleTagFeedback)
	api.POST("/optimize", s.handleOptimize)

	return e.Start(s.cfg.Server.Address)
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	count, err := s.st.Count(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	status, err := pipeline.ReadStatus(s.cfg.Storage.StatusFile)
	if err != nil {
		s.logger.Printf("status snapshot unreadable: %v", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"article_count":        count,
		"run_in_progress":      s.running.Load(),
		"last_run":             status,
		"ollama_connected":     s.ollama.CheckConnection(checkCtx),
		"openrouter_available": s.openrouter.Available(),
	})
}

func (s *Server) handleListArticles(c echo.Context) error {
	limit := queryInt(c, "limit", 50)
	articles, err := s.st.ListRecent(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"articles": articles})
}

func (s *Server) handleGetArticle(c echo.Context) error {
	rec, err := s.st.Get(c.Request().Context(), c.Param("id"))
	if err == store.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "article not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

// handleUpdateArticle applies a partial metadata update, e.g. marking an
// article reviewed from a dashboard.
func (s *Server) handleUpdateArticle(c echo.Context) error {
	var partial map[string]interface{}
	if err := c.Bind(&partial); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if len(partial) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty update")
	}
	updated, err := s.st.UpdateMetadata(c.Request().Context(), c.Param("id"), partial)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !updated {
		return echo.NewHTTPError(http.StatusNotFound, "article not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDeleteArticle(c echo.Context) error {
	deleted, err := s.st.Delete(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !deleted {
		return echo.NewHTTPError(http.StatusNotFound, "article not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleReprocess(c echo.Context) error {
	res, changes, err := s.pipe.Reprocess(c.Request().Context(), c.Param("id"))
	if err != nil {
		if res.Status == "" {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"article_id": res.ArticleID,
		"judgment":   res.Judgment,
		"changes":    changes,
		"alerted":    res.Alerted,
	})
}

func (s *Server) handleArticleHistory(c echo.Context) error {
	entries, err := s.history.ForArticle(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"history": entries})
}

// handleTriggerRun starts a monitoring cycle in the background. A run already
// in flight yields 409 rather than a second concurrent run.
func (s *Server) handleTriggerRun(c echo.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return echo.NewHTTPError(http.StatusConflict, "a run is already in progress")
	}
	go func() {
		defer s.running.Store(false)
		summary, err := s.pipe.Run(context.Background())
		if err != nil {
			s.logger.Printf("triggered run failed: %v", err)
			return
		}
		s.logger.Printf("triggered run: %d imported, %d skipped, %d errored",
			summary.Imported, summary.Skipped, summary.Errored)
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleSearch(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q parameter is required")
	}
	k := queryInt(c, "k", 10)
	ctx := c.Request().Context()
	vector, err := s.ollama.Embed(ctx, q)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, fmt.Sprintf("embedding failed: %v", err))
	}
	results, err := s.st.QueryByEmbedding(ctx, vector, k)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleVerifications(c echo.Context) error {
	limit := queryInt(c, "limit", 50)
	records, err := verify.ReadRecent(s.cfg.Verification.LogFile, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	flaggedOnly := c.QueryParam("flagged") == "true"
	if flaggedOnly {
		records = verify.Flagged(records)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"verifications": records})
}

func (s *Server) handleEvents(c echo.Context) error {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	events, err := s.events.Recent(limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events})
}

// handleTagFeedback marks a topic tag as bad; the pipeline drops it from
// future topic tags.
func (s *Server) handleTagFeedback(c echo.Context) error {
	var req struct {
		Tag       string `json:"tag"`
		Reason    string `json:"reason"`
		ArticleID string `json:"article_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if strings.TrimSpace(req.Tag) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tag is required")
	}
	if err := s.tagFeedback.Record(req.Tag, req.Reason, req.ArticleID, "bad"); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := s.events.Log("feedback", fmt.Sprintf("Tag feedback: %q marked as bad", req.Tag), "info", map[string]interface{}{
		"tag":        req.Tag,
		"article_id": req.ArticleID,
	}); err != nil {
		s.logger.Printf("feedback event write failed: %v", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleOptimize(c echo.Context) error {
	if s.opt == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "optimizer requires an OpenRouter API key")
	}
	maxCases := queryInt(c, "max_cases", 10)
	apply := c.QueryParam("apply") == "true"
	report, err := s.opt.Improve(c.Request().Context(), s.ollama.Template(), maxCases, apply)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func queryInt(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
