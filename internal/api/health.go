package api

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
)

// health is the liveness probe: 200 whenever the process serves requests.
func health(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"}, slog.Default())
}

// readiness returns the readiness probe handler. Ready means the database
// pool answers a ping; a nil pool reports not ready.
func readiness(pool *pgxpool.Pool, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pool == nil {
			WriteError(w, http.StatusServiceUnavailable, "not_ready", "database pool not configured", logger)
			return
		}
		if err := pool.Ping(r.Context()); err != nil {
			logger.Error("readiness check failed", "error", err)
			WriteError(w, http.StatusServiceUnavailable, "not_ready", "database not ready", logger)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"}, logger)
	})
}
