package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cartscout/backend/config"
	httpDelivery "github.com/cartscout/backend/internal/delivery/http"
	"github.com/cartscout/backend/internal/domain"
	"github.com/cartscout/backend/internal/infrastructure/assistant"
	"github.com/cartscout/backend/internal/infrastructure/cache"
	"github.com/cartscout/backend/internal/infrastructure/session"
	"github.com/cartscout/backend/internal/infrastructure/source"
	"github.com/cartscout/backend/internal/logger"
	"github.com/cartscout/backend/internal/metrics"
	"github.com/cartscout/backend/internal/usecase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zlog, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	zlog.Info("starting CartScout backend",
		zap.String("version", "1.0.0"),
		zap.String("environment", cfg.Server.Environment),
		zap.String("port", cfg.Server.Port),
		zap.String("cache", cfg.Cache.Type),
		zap.String("session_store", cfg.Session.Type),
		zap.String("assistant", cfg.Assistant.Provider))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize infrastructure dependencies
	redisClients := map[string]*redis.Client{}
	defer func() {
		for _, c := range redisClients {
			_ = c.Close()
		}
	}()
	redisFor := func(url string) (*redis.Client, error) {
		if c, ok := redisClients[url]; ok {
			return c, nil
		}
		c, err := cache.NewRedisClient(url)
		if err != nil {
			return nil, err
		}
		redisClients[url] = c
		return c, nil
	}

	var resultCache domain.ResultCache
	switch cfg.Cache.Type {
	case "redis":
		client, err := redisFor(cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		resultCache = cache.NewRedisCache(client, "")
	default:
		resultCache = cache.NewMemoryCache()
	}

	var store domain.SessionStore
	switch cfg.Session.Type {
	case "redis":
		client, err := redisFor(cfg.Session.RedisURL)
		if err != nil {
			return fmt.Errorf("session store: %w", err)
		}
		store = session.NewRedisStore(client, session.WithTTL(cfg.Session.TTL))
	default:
		store = session.NewMemoryStore()
	}

	for url, client := range redisClients {
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// cache errors degrade to misses, store errors surface per turn
			zlog.Warn("redis not reachable at startup", zap.String("url", redactURL(url)), zap.Error(err))
		}
	}

	adapters, err := buildSources(cfg.Sources, zlog)
	if err != nil {
		return err
	}

	aggregator := usecase.NewAggregationService(adapters, resultCache, usecase.AggregatorConfig{
		SourceTimeout:  cfg.Aggregator.SourceTimeout,
		GlobalDeadline: cfg.Aggregator.GlobalDeadline,
		RetryBackoff:   cfg.Aggregator.RetryBackoff,
		CacheTTL:       cfg.Cache.TTL,
		Dedupe: usecase.DedupeConfig{
			TitleSimilarity: cfg.Aggregator.TitleSimilarity,
			PriceTolerance:  cfg.Aggregator.PriceTolerance,
		},
	}, m, zlog)

	tracker := usecase.NewConversationTracker(
		store,
		buildAssistant(cfg.Assistant, aggregator.Sources(), zlog),
		aggregator,
		usecase.TrackerConfig{
			IntentAttempts:    cfg.Tracker.IntentAttempts,
			MaxIntentFailures: cfg.Tracker.MaxIntentFailures,
			StoreAttempts:     cfg.Tracker.StoreAttempts,
		},
		m,
		zlog,
	)

	// Create HTTP handler with dependencies
	handler := httpDelivery.NewHandler(tracker, aggregator, zlog)
	router := httpDelivery.SetupRouter(cfg, handler, reg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("server listening", zap.String("addr", srv.Addr), zap.Strings("sources", aggregator.Sources()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zlog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildSources(cfgs []config.SourceConfig, zlog *zap.Logger) ([]domain.SourceAdapter, error) {
	adapters := make([]domain.SourceAdapter, 0, len(cfgs))
	for _, sc := range cfgs {
		switch sc.Type {
		case config.SourceTypeMCP:
			adapters = append(adapters, source.NewMCPClient(source.MCPConfig{
				ID:        sc.ID,
				BaseURL:   sc.BaseURL,
				Timeout:   sc.Timeout,
				RateLimit: sc.RateLimit,
				Burst:     sc.Burst,
			}, zlog))
		case config.SourceTypeSerpAPI:
			adapters = append(adapters, source.NewSerpAPIClient(source.SerpAPIConfig{
				ID:        sc.ID,
				APIKey:    sc.APIKey,
				Country:   sc.Country,
				Language:  sc.Language,
				RateLimit: sc.RateLimit,
				Burst:     sc.Burst,
			}, zlog))
		case config.SourceTypeHTML:
			adapters = append(adapters, source.NewHTMLClient(source.HTMLConfig{
				ID:          sc.ID,
				URLTemplate: sc.BaseURL,
				Selectors:   sc.Selectors,
				Timeout:     sc.Timeout,
				RateLimit:   sc.RateLimit,
				Burst:       sc.Burst,
			}, zlog))
		default:
			return nil, fmt.Errorf("source %s: unsupported type %q", sc.ID, sc.Type)
		}
		zlog.Info("source configured", zap.String("source", sc.ID), zap.String("type", sc.Type))
	}
	return adapters, nil
}

// buildAssistant puts the LLM in front of the rule engine when one is configured.
func buildAssistant(cfg config.AssistantConfig, platforms []string, zlog *zap.Logger) domain.Assistant {
	rules := assistant.NewRuleAssistant(platforms, zlog)
	if cfg.Provider != "openai" {
		return rules
	}

	llm := assistant.NewOpenAIAssistant(assistant.OpenAIConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}, platforms, zlog)

	return assistant.NewChain(zlog,
		assistant.Named{Name: "openai", Assistant: llm},
		assistant.Named{Name: "rules", Assistant: rules},
	)
}

func redactURL(raw string) string {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return "invalid"
	}
	return opts.Addr
}
