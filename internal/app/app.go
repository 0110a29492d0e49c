// Package app wires the application together: configuration, database,
// model runtime, stores, pipeline, scheduler and HTTP server. Every entry
// point (serve, jobs, migrate) goes through Setup so the dependency graph
// lives in exactly one place.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrelhq/sentinel/internal/api"
	"github.com/kestrelhq/sentinel/internal/config"
	"github.com/kestrelhq/sentinel/internal/connector"
	"github.com/kestrelhq/sentinel/internal/knowledge"
	"github.com/kestrelhq/sentinel/internal/pipeline"
	"github.com/kestrelhq/sentinel/internal/scheduler"
	"github.com/kestrelhq/sentinel/internal/store"
	"github.com/kestrelhq/sentinel/internal/storeback"
	"github.com/kestrelhq/sentinel/internal/watermark"
)

// shutdownGrace bounds the wait for in-flight background embeds on Close.
const shutdownGrace = 15 * time.Second

// App is the application container. Build with Setup, release with Close.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool       *pgxpool.Pool
	Genkit     *genkit.Genkit
	Knowledge  *knowledge.Store
	Store      *store.Store
	Watermarks *watermark.Store
	Writer     *storeback.Writer
	Pipeline   *pipeline.Pipeline
	Scheduler  *scheduler.Scheduler
	Server     *api.Server
	Connectors []connector.Connector

	// bgCancel stops background embed goroutines; bgWG waits for them.
	bgCancel context.CancelFunc
	bgWG     *sync.WaitGroup
}

// Close releases all resources. Background embed writes get a bounded grace
// period to finish before the pool goes away under them.
func (a *App) Close() error {
	a.Logger.Info("shutting down")

	if a.bgCancel != nil {
		a.bgCancel()
	}
	if a.bgWG != nil {
		done := make(chan struct{})
		go func() {
			a.bgWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			a.Logger.Warn("background writes still running at shutdown deadline")
		}
	}

	if a.Pool != nil {
		a.Pool.Close()
		a.Logger.Info("database pool closed")
	}
	return nil
}
