// Package api is the HTTP surface: the interactive scan stream plus the
// operational endpoints for jobs and alerts. The scheduler path and the
// request path share nothing in-process except the stores behind these
// handlers.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultAddr binds to loopback: this API carries no authentication
	// and must not face a network without a proxy in front.
	DefaultAddr = "127.0.0.1:3500"

	// ShutdownTimeout is the maximum wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against Slowloris-style header dribble.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// IdleTimeout bounds keep-alive connections between requests.
	IdleTimeout = 120 * time.Second
)

// ServerConfig assembles the API server.
type ServerConfig struct {
	Logger    *slog.Logger
	Retriever Retriever  // required
	Streamer  Streamer   // required
	Auditor   Auditor    // optional: nil disables scan audit
	Runner    JobRunner  // optional: nil disables the jobs endpoints
	Alerts    AlertStore // optional: nil disables the alerts endpoints
	Pool      *pgxpool.Pool

	TokenBudget    int
	ContextCeiling int
	TrustProxy     bool
	RateBurst      int // 0 = default 60

	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// Server is the HTTP server. Build with NewServer, then Run.
type Server struct {
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewServer creates the server with all routes and middleware configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Retriever == nil {
		return nil, errors.New("retriever is required")
	}
	if cfg.Streamer == nil {
		return nil, errors.New("streamer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	mux := http.NewServeMux()

	sh := &scanHandler{
		retriever:      cfg.Retriever,
		streamer:       cfg.Streamer,
		auditor:        cfg.Auditor,
		logger:         logger,
		tokenBudget:    cfg.TokenBudget,
		contextCeiling: cfg.ContextCeiling,
		now:            now,
	}
	mux.HandleFunc("POST /api/v1/scan", sh.handle)

	if cfg.Runner != nil {
		jh := &jobsHandler{runner: cfg.Runner, logger: logger}
		mux.HandleFunc("GET /api/v1/jobs", jh.list)
		mux.HandleFunc("POST /api/v1/jobs/{id}/run", jh.run)
	}

	if cfg.Alerts != nil {
		ah := &alertsHandler{store: cfg.Alerts, logger: logger}
		mux.HandleFunc("GET /api/v1/alerts", ah.list)
		mux.HandleFunc("PATCH /api/v1/alerts/{id}", ah.update)
	}

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newIPLimiter(1.0, burst)

	// Middleware stack, outermost first:
	//   Recovery → RequestID → Logging → RateLimit → Routes
	// RequestID sits before Logging so request_id is available in log attrs.
	var handler http.Handler = mux
	handler = rl.middleware(cfg.TrustProxy, logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w)
		handler.ServeHTTP(w, r)
	})

	// Health probes bypass the middleware stack so a rate-limited or
	// misbehaving client cannot fail a liveness check.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", final)

	return &Server{mux: topMux, logger: logger}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run starts the HTTP server and blocks until ctx is canceled, then shuts
// down gracefully. WriteTimeout stays unset: the scan stream holds its
// response open for as long as the model talks.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
