// Package app provides application initialization and dependency wiring.
package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xleven/ask-sspai/internal/api"
	"github.com/xleven/ask-sspai/internal/chat"
	"github.com/xleven/ask-sspai/internal/config"
	"github.com/xleven/ask-sspai/internal/history"
	"github.com/xleven/ask-sspai/internal/knowledge"
)

// App is the core application container.
type App struct {
	Config *config.Config

	DBPool    *pgxpool.Pool
	Knowledge *knowledge.Store
	Chat      *chat.Service
	History   *history.Store
	Server    *api.Server

	otelCleanup func()
}

// Close gracefully shuts down all resources.
func (a *App) Close() error {
	slog.Info("shutting down application")

	if a.DBPool != nil {
		a.DBPool.Close()
		slog.Info("database pool closed")
	}

	// Flush pending spans last so shutdown itself is traced.
	if a.otelCleanup != nil {
		a.otelCleanup()
	}

	return nil
}
