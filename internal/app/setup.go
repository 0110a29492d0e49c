package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"golang.org/x/time/rate"

	"github.com/kestrelhq/sentinel/db"
	"github.com/kestrelhq/sentinel/internal/api"
	"github.com/kestrelhq/sentinel/internal/config"
	"github.com/kestrelhq/sentinel/internal/connector"
	"github.com/kestrelhq/sentinel/internal/database"
	"github.com/kestrelhq/sentinel/internal/generate"
	"github.com/kestrelhq/sentinel/internal/knowledge"
	"github.com/kestrelhq/sentinel/internal/notify"
	"github.com/kestrelhq/sentinel/internal/pipeline"
	"github.com/kestrelhq/sentinel/internal/retrieval"
	"github.com/kestrelhq/sentinel/internal/scheduler"
	"github.com/kestrelhq/sentinel/internal/store"
	"github.com/kestrelhq/sentinel/internal/storeback"
	"github.com/kestrelhq/sentinel/internal/watermark"
)

// modelCallsPerMinute paces outbound model calls across the scheduler jobs
// and the interactive scan path combined.
const modelCallsPerMinute = 30

// gapCheckInterval is how often the email-silence watchdog runs.
const gapCheckInterval = time.Hour

// Setup creates and initializes the application. On error everything already
// initialized is released; on success the caller owns Close.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.NewPool(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	g, embedder, err := provideGenkit(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	a.Knowledge, err = knowledge.NewStore(pool, embedder, logger)
	if err != nil {
		return nil, err
	}
	a.Store, err = store.New(pool, logger)
	if err != nil {
		return nil, err
	}
	a.Watermarks, err = watermark.NewStore(pool, logger)
	if err != nil {
		return nil, err
	}

	a.Connectors, err = buildConnectors(cfg)
	if err != nil {
		return nil, err
	}

	engine := retrieval.New(a.Knowledge, a.Store,
		cfg.ScoreThreshold, cfg.ContactMatchScore, logger)

	limiter := rate.NewLimiter(rate.Limit(float64(modelCallsPerMinute)/60.0), 3)
	invoker := generate.New(g, cfg.FullModelName(), generate.RetryConfig{}, limiter, logger)

	var notifier storeback.Notifier
	if webhook := notify.NewWebhook(cfg.WebhookURL, logger); webhook.Enabled() {
		notifier = webhook
	}

	// Background embeds outlive the request that spawned them; they stop
	// on Close, not on request-context cancellation.
	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	a.bgCancel = bgCancel
	a.bgWG = &sync.WaitGroup{}

	a.Writer, err = storeback.New(a.Store, a.Knowledge, notifier, bgCtx, a.bgWG, logger)
	if err != nil {
		return nil, err
	}

	a.Pipeline, err = pipeline.New(pipeline.Config{
		Watermarks:     a.Watermarks,
		Records:        a.Store,
		Retriever:      engine,
		Generator:      invoker,
		Writer:         a.Writer,
		Logger:         logger,
		TokenBudget:    retrieval.DefaultTokenBudget,
		ContextCeiling: cfg.Budget.ContextBudget(),
		EmailGap:       cfg.EmailGapAlert,
	})
	if err != nil {
		return nil, err
	}

	a.Scheduler = scheduler.New(logger)
	if err := registerJobs(a.Scheduler, a.Pipeline, cfg, a.Connectors); err != nil {
		return nil, err
	}

	a.Server, err = api.NewServer(api.ServerConfig{
		Logger:         logger,
		Retriever:      engine,
		Streamer:       invoker,
		Auditor:        a.Writer,
		Runner:         a.Scheduler,
		Alerts:         a.Store,
		Pool:           pool,
		TokenBudget:    retrieval.DefaultTokenBudget,
		ContextCeiling: cfg.Budget.ContextBudget(),
		TrustProxy:     cfg.TrustProxy,
		RateBurst:      cfg.RateBurst,
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

// provideGenkit initializes the Genkit runtime with the Gemini plugin and
// resolves the embedder used by the knowledge store.
func provideGenkit(ctx context.Context, cfg *config.Config) (*genkit.Genkit, ai.Embedder, error) {
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, nil, errors.New("initializing genkit with gemini provider")
	}
	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if embedder == nil {
		return nil, nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}
	return g, embedder, nil
}

// buildConnectors constructs one connector per enabled source.
func buildConnectors(cfg *config.Config) ([]connector.Connector, error) {
	filter, err := connector.NewNoiseFilter(cfg.NoiseSenders)
	if err != nil {
		return nil, fmt.Errorf("compiling noise filter: %w", err)
	}

	var conns []connector.Connector
	if cfg.Email.Enabled {
		conns = append(conns, connector.NewEmail(cfg.Email.Endpoint, cfg.Email.Token, filter))
	}
	if cfg.Messaging.Enabled {
		conns = append(conns, connector.NewMessaging(cfg.Messaging.Endpoint, cfg.Messaging.Token, filter))
	}
	if cfg.Meeting.Enabled {
		conns = append(conns, connector.NewMeeting(cfg.Meeting.Endpoint, cfg.Meeting.Token))
	}
	return conns, nil
}

// registerJobs declares the background schedule: one poll job per enabled
// source, the daily briefing, and the email-silence watchdog.
func registerJobs(s *scheduler.Scheduler, p *pipeline.Pipeline, cfg *config.Config, conns []connector.Connector) error {
	intervals := map[string]time.Duration{
		connector.SourceEmail:     cfg.Email.Interval,
		connector.SourceMessaging: cfg.Messaging.Interval,
		connector.SourceMeeting:   cfg.Meeting.Interval,
	}

	for _, c := range conns {
		c := c
		every := intervals[c.Name()]
		if every <= 0 {
			every = 5 * time.Minute
		}
		if err := s.Register(scheduler.Job{
			ID:    c.Name(),
			Every: every,
			Handler: func(ctx context.Context) error {
				return p.RunCycle(ctx, c)
			},
		}); err != nil {
			return err
		}
	}

	if err := s.Register(scheduler.Job{
		ID:      "daily-briefing",
		AtHour:  cfg.BriefingHourUTC,
		Handler: p.RunBriefing,
	}); err != nil {
		return err
	}

	if cfg.Email.Enabled {
		if err := s.Register(scheduler.Job{
			ID:      "email-gap-check",
			Every:   gapCheckInterval,
			Handler: p.CheckEmailGap,
		}); err != nil {
			return err
		}
	}
	return nil
}
