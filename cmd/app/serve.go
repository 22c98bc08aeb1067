package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fin-analysis-service/internal/config"
	"fin-analysis-service/internal/domain/ports/adapter"
	"fin-analysis-service/internal/domain/ports/repository"
	aiAdapters "fin-analysis-service/internal/infra/adapters/ai"
	"fin-analysis-service/internal/infra/adapters/forecast"
	"fin-analysis-service/internal/infra/adapters/market"
	"fin-analysis-service/internal/infra/adapters/research"
	"fin-analysis-service/internal/infra/adapters/websearch"
	"fin-analysis-service/internal/infra/api"
	"fin-analysis-service/internal/infra/logging"
	"fin-analysis-service/internal/infra/memstore"
	"fin-analysis-service/internal/infra/metrics"
	red "fin-analysis-service/internal/infra/redis"
	"fin-analysis-service/internal/infra/sched"
	"fin-analysis-service/internal/infra/worker"
	"fin-analysis-service/internal/usecase"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis HTTP API and background runners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			dev, _ := cmd.Flags().GetBool("dev")
			cfg, err := config.LoadConfig(cfgPath, dev)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override server.port")
	return cmd
}

// stores bundles the session persistence backends chosen at startup.
type stores struct {
	sessions repository.SessionStore
	locker   repository.SessionLocker
	limiter  repository.RateLimiter
	features repository.FeatureCache
	health   api.HealthCheck
	close    func()
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("dev mode enabled")
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	ai, err := buildAI(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var forecaster adapter.Forecaster
	if cfg.Forecast.Endpoint != "" {
		forecaster = forecast.NewRemoteForecaster(cfg.Forecast.Endpoint, cfg.Forecast.Timeout)
		logger.Info().Str("endpoint", cfg.Forecast.Endpoint).Msg("forecast backend: remote")
	} else {
		forecaster = forecast.NewLocalForecaster()
		logger.Warn().Msg("forecast backend: local trend extrapolation (dev only)")
	}

	runner := usecase.NewRunner(
		st.sessions,
		ai,
		market.NewAKShareClient(cfg.Market.BaseURL, cfg.Market.Timeout, market.WithRateLimit(cfg.Market.RateLimit)),
		forecaster,
		st.features,
		usecase.RunnerConfig{
			ChatModel:          cfg.AI.DefaultModel,
			Horizon:            cfg.Forecast.Horizon,
			NewsLimit:          cfg.Market.NewsLimit,
			DefaultHistoryDays: cfg.Analysis.DefaultHistoryDays,
			StageTimeout:       cfg.Analysis.StageTimeout,
			NewsTokenBudget:    cfg.AI.NewsTokenBudget,
			ReportTopK:         cfg.Research.TopK,
			WebResults:         cfg.Search.MaxResults,
			WebFreshnessDays:   cfg.Search.FreshnessDays,
		},
		logger,
	)
	reports, web, err := buildRetrieval(ctx, cfg, logger)
	if err != nil {
		return err
	}
	runner.WithRetrieval(reports, web)

	// Runs get their own context: a shutdown signal stops intake, then queued runs drain.
	pool := worker.NewPool(cfg.Analysis.Workers, cfg.Analysis.QueueSize, logging.Component(logger, "worker"))
	pool.Start(context.Background())

	uc := usecase.NewAnalysisUseCase(st.sessions, st.locker, st.limiter, pool, runner, usecase.AnalysisConfig{
		LockTTL:          cfg.Analysis.LockTTL,
		CreateRateLimit:  cfg.API.CreateRateLimit,
		CreateRateWindow: cfg.API.CreateRateWindow,
	}, logger)

	srv := api.NewServer(uc, api.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		Health:         st.health,
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			pool.Stop()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}

	drained := make(chan struct{})
	go func() {
		pool.Stop()
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info().Msg("workers drained")
	case <-shCtx.Done():
		logger.Warn().Int("pending", pool.Pending()).Msg("shutdown timeout, abandoning queued runs")
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*stores, error) {
	if cfg.Redis.URL == "" {
		logger.Warn().Msg("redis not configured, sessions kept in memory")
		sessions, locker, limiter := memstore.NewSessionStore(cfg.Redis.TTL), memstore.NewLocker(), memstore.NewRateLimiter()
		features := memstore.NewFeatureCache(cfg.Redis.FeatureCacheTTL)
		sweeper := sched.NewSweeper(time.Minute, map[string]sched.Sweepable{
			"sessions": sessions,
			"locks":    locker,
			"rate":     limiter,
			"features": features,
		}, logger)
		go func() { _ = sweeper.Run(ctx) }()
		return &stores{
			sessions: sessions,
			locker:   locker,
			limiter:  limiter,
			features: features,
			close:    func() {},
		}, nil
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := red.NewClient(pctx, &cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	logger.Info().Str("addr", cfg.Redis.URL).Int("db", cfg.Redis.DB).Msg("redis connected")
	return &stores{
		sessions: red.NewSessionStore(client, cfg.Redis.TTL),
		locker:   red.NewLocker(client),
		limiter:  red.NewRateLimiter(client),
		features: red.NewFeatureCache(client, cfg.Redis.FeatureCacheTTL),
		health:   client.Ping,
		close: func() {
			if err := client.Close(); err != nil {
				logger.Warn().Err(err).Msg("redis close")
			}
		},
	}, nil
}

// buildAI registers every provider with a key, routes by model name and caps concurrency.
func buildAI(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (adapter.ChatProvider, error) {
	var providers []adapter.ChatProvider

	if cfg.AI.OpenAIKey != "" {
		a, err := aiAdapters.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.OpenAIBaseURL, cfg.AI.DefaultModel, cfg.AI.MaxOutputTokens)
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		providers = append(providers, a)
		logger.Info().Str("base", cfg.AI.OpenAIBaseURL).Str("model", cfg.AI.DefaultModel).Msg("AI provider: openai-compatible")
	}
	if cfg.AI.GeminiKey != "" {
		model := cfg.AI.DefaultModel
		if !strings.HasPrefix(strings.ToLower(model), "gemini") {
			model = ""
		}
		a, err := aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, model, cfg.AI.MaxOutputTokens)
		if err != nil {
			return nil, fmt.Errorf("gemini adapter: %w", err)
		}
		providers = append(providers, a)
		logger.Info().Str("base", cfg.AI.GeminiURL).Msg("AI provider: gemini")
	}
	if len(providers) == 0 {
		return nil, errors.New("no AI provider configured: set ai.openai_key or ai.gemini_key")
	}

	router := aiAdapters.NewRouter(cfg.AI.Provider, providers, nil)
	logger.Info().Str("preferred", cfg.AI.Provider).Int("concurrent_limit", cfg.AI.ConcurrentLimit).Msg("AI routing ready")
	return aiAdapters.NewLimitedAI(router, cfg.AI.ConcurrentLimit), nil
}

// buildRetrieval wires the optional chat sources. Either result may be nil.
func buildRetrieval(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (adapter.ResearchRetriever, adapter.WebSearcher, error) {
	var (
		reports adapter.ResearchRetriever
		web     adapter.WebSearcher
	)
	if rc := cfg.Research; rc.QdrantURL != "" {
		var (
			embedder adapter.Embedder
			err      error
		)
		if strings.EqualFold(rc.EmbedProvider, "gemini") {
			embedder, err = aiAdapters.NewGeminiEmbedder(ctx, rc.EmbedKey, rc.EmbedBaseURL, rc.EmbedModel, rc.EmbedDim)
		} else {
			embedder, err = aiAdapters.NewOpenAIEmbedder(rc.EmbedKey, rc.EmbedBaseURL, rc.EmbedModel)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("embedder: %w", err)
		}
		reports = research.NewQdrantRetriever(rc.QdrantURL, rc.Collection, rc.QdrantAPIKey, rc.Timeout, embedder)
		logger.Info().Str("qdrant", rc.QdrantURL).Str("collection", rc.Collection).Str("embed", rc.EmbedProvider).Msg("report retrieval enabled")
	} else {
		logger.Info().Msg("report retrieval disabled")
	}
	if sc := cfg.Search; sc.BochaKey != "" {
		web = websearch.NewBochaClient(sc.BochaKey, sc.BaseURL, sc.Timeout)
		logger.Info().Int("freshness_days", sc.FreshnessDays).Msg("web search enabled")
	} else {
		logger.Info().Msg("web search disabled")
	}
	return reports, web, nil
}
