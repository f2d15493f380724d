package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xleven/ask-sspai/db"
	"github.com/xleven/ask-sspai/internal/api"
	"github.com/xleven/ask-sspai/internal/chat"
	"github.com/xleven/ask-sspai/internal/config"
	"github.com/xleven/ask-sspai/internal/history"
	"github.com/xleven/ask-sspai/internal/knowledge"
	"github.com/xleven/ask-sspai/internal/observability"
	"github.com/xleven/ask-sspai/internal/ratelimit"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup — call Close() to release.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	a := &App{Config: cfg}

	// On error, clean up everything already initialized
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				slog.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	if cfg.TracingEnabled {
		cleanup, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.OTLPEndpoint,
			ServiceName: cfg.ServiceName,
			Environment: cfg.Environment,
		})
		if err != nil {
			return nil, fmt.Errorf("setting up tracing: %w", err)
		}
		a.otelCleanup = cleanup
	}

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	logger := slog.Default()

	// Embedding always uses the server credential; preview tokens only
	// override the generation call.
	embedder, err := knowledge.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbedderModel)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	store, err := knowledge.NewStore(pool, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("creating knowledge store: %w", err)
	}
	a.Knowledge = store

	retriever, err := knowledge.NewRetriever(store, cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("creating retriever: %w", err)
	}

	chatService, err := chat.NewService(chat.Config{
		Retriever:   retriever,
		Composer:    chat.NewComposer(cfg.PromptPath()),
		ModelName:   cfg.ModelName,
		Temperature: cfg.Temperature,
		Timeout:     cfg.GenerationTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating chat service: %w", err)
	}
	a.Chat = chatService

	historyStore, err := history.NewStore(pool, logger)
	if err != nil {
		return nil, fmt.Errorf("creating history store: %w", err)
	}
	a.History = historyStore

	server, err := api.NewServer(api.ServerConfig{
		Logger:            logger,
		Responder:         chatService,
		History:           historyStore,
		Registered:        ratelimit.NewSlidingWindow(cfg.RegisteredLimit.Quota, cfg.RegisteredLimit.WindowDuration()),
		Anonymous:         ratelimit.NewSlidingWindow(cfg.AnonymousLimit.Quota, cfg.AnonymousLimit.WindowDuration()),
		ResolveCredential: cfg.ResolveCredential,
		Pool:              pool,
		HMACSecret:        []byte(cfg.HMACSecret),
		CORSOrigins:       cfg.CORSOrigins,
		TrustProxy:        cfg.TrustProxy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	a.Server = server

	return a, nil
}

// provideDBPool runs migrations and creates a PostgreSQL connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}
