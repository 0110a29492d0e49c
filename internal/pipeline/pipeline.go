// Package pipeline orchestrates event processing: classify, route, retrieve,
// assemble, generate, store back. Each event moves through the state machine
// independently; one event's failure never touches its siblings, and a
// store-back failure never demotes a completed generation.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/sentinel/internal/connector"
	"github.com/kestrelhq/sentinel/internal/event"
	"github.com/kestrelhq/sentinel/internal/generate"
	"github.com/kestrelhq/sentinel/internal/prompt"
	"github.com/kestrelhq/sentinel/internal/retrieval"
	"github.com/kestrelhq/sentinel/internal/store"
)

// State is one step of the per-event state machine.
type State string

const (
	StateReceived        State = "received"
	StateClassified      State = "classified"
	StateQueuedForDigest State = "queued_for_digest"
	StateRouted          State = "routed"
	StateRetrieved       State = "retrieved"
	StateAssembled       State = "assembled"
	StateGenerated       State = "generated"
	StateStoredBack      State = "stored_back"
	StateFailed          State = "failed"
)

// Retriever is the context-retrieval dependency.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) []retrieval.Context
}

// Generator is the model dependency.
type Generator interface {
	Complete(ctx context.Context, req prompt.Request) (*generate.Result, error)
}

// Writes is the store-back dependency.
type Writes interface {
	LogTrigger(ctx context.Context, e *event.Event) uuid.UUID
	Apply(ctx context.Context, triggerID uuid.UUID, e *event.Event, s *generate.Structured, doc *generate.GeneratedDocument)
	CompleteTrigger(ctx context.Context, id uuid.UUID, m store.TriggerMetrics)
	EmbedInteraction(e *event.Event, summary string)
}

// Watermarks is the per-source progress tracking dependency.
type Watermarks interface {
	Get(ctx context.Context, source string) (time.Time, error)
	Advance(ctx context.Context, source string, ts time.Time) error
	GetCursor(ctx context.Context, source string) (string, error)
	SetCursor(ctx context.Context, source, cursor string) error
	MarkProcessed(ctx context.Context, source, id string) error
	IsProcessed(ctx context.Context, source, id string) (bool, error)
}

// Records is the slice of the relational store the orchestrator reads and
// writes directly.
type Records interface {
	GetContactByName(ctx context.Context, name string) (*store.Contact, error)
	EnqueueBriefingItem(ctx context.Context, item map[string]any) error
	DrainBriefingQueue(ctx context.Context) ([]store.BriefingItem, error)
	InsertAlert(ctx context.Context, a *store.Alert) error
	LastTriggerAt(ctx context.Context, source string) (*time.Time, error)
}

// Config assembles a Pipeline.
type Config struct {
	Watermarks Watermarks
	Records    Records
	Retriever  Retriever
	Generator  Generator
	Writer     Writes
	Logger     *slog.Logger

	// TokenBudget caps retrieved context size per event.
	TokenBudget int

	// ContextCeiling is the assembly budget for the whole request.
	ContextCeiling int

	// EmailGap is how long without inbound email triggers the gap alert.
	EmailGap time.Duration

	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// Pipeline is the orchestrator. Safe for concurrent use: scheduled cycles
// and interactive requests share it.
type Pipeline struct {
	marks     Watermarks
	records   Records
	retriever Retriever
	generator Generator
	writer    Writes
	logger    *slog.Logger

	tokenBudget    int
	contextCeiling int
	emailGap       time.Duration
	now            func() time.Time

	mu             sync.Mutex
	lastGapAlertAt time.Time
}

// New builds a Pipeline, validating required dependencies.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Watermarks == nil:
		return nil, fmt.Errorf("watermark store is required")
	case cfg.Records == nil:
		return nil, fmt.Errorf("records store is required")
	case cfg.Retriever == nil:
		return nil, fmt.Errorf("retriever is required")
	case cfg.Generator == nil:
		return nil, fmt.Errorf("generator is required")
	case cfg.Writer == nil:
		return nil, fmt.Errorf("store-back writer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		marks:          cfg.Watermarks,
		records:        cfg.Records,
		retriever:      cfg.Retriever,
		generator:      cfg.Generator,
		writer:         cfg.Writer,
		logger:         logger,
		tokenBudget:    cfg.TokenBudget,
		contextCeiling: cfg.ContextCeiling,
		emailGap:       cfg.EmailGap,
		now:            now,
	}, nil
}

// Process runs one event through the state machine and returns its terminal
// state. Only generation-path failures yield an error; a store-back failure
// is logged inside the writer and the event still lands in stored_back.
func (p *Pipeline) Process(ctx context.Context, e *event.Event) (State, error) {
	start := p.now()

	known := false
	if e.ContactName != "" && e.ContactName != "Unknown" {
		contact, err := p.records.GetContactByName(ctx, e.ContactName)
		if err != nil {
			p.logger.Warn("contact lookup failed during classification",
				"name", e.ContactName, "error", err)
		}
		known = contact != nil
	}
	e.Priority = event.ClassifyPriority(*e, known)

	if e.Priority == event.PriorityLow {
		if err := p.records.EnqueueBriefingItem(ctx, briefingItem(e)); err != nil {
			p.logger.Error("briefing enqueue failed, dropping item",
				"source", e.Type, "source_id", e.SourceID, "error", err)
		}
		return StateQueuedForDigest, nil
	}

	triggerID := p.writer.LogTrigger(ctx, e)

	contexts := p.retriever.Retrieve(ctx, retrieval.Query{
		Text:        e.Content,
		ContactHint: e.ContactName,
		TokenBudget: p.tokenBudget,
	})

	input := e.Content
	if instr := prompt.TriggerInstructions(e.Type); instr != "" {
		input = instr + "\n\n" + input
	}
	req := prompt.Assemble(prompt.ModeTrigger, contexts, nil, input, p.contextCeiling)

	result, err := p.generator.Complete(ctx, req)
	if err != nil {
		p.writer.CompleteTrigger(ctx, triggerID, store.TriggerMetrics{
			Status:   store.TriggerFailed,
			Error:    err.Error(),
			Duration: p.now().Sub(start),
		})
		return StateFailed, fmt.Errorf("generating for %s/%s: %w", e.Type, e.SourceID, err)
	}

	p.writer.Apply(ctx, triggerID, e, result.Structured, result.Document)
	p.writer.EmbedInteraction(e, interactionSummary(e, result))
	p.writer.CompleteTrigger(ctx, triggerID, store.TriggerMetrics{
		Status:       store.TriggerCompleted,
		Duration:     p.now().Sub(start),
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
	})

	return StateStoredBack, nil
}

// RunCycle is the per-source job handler: read the watermark, fetch, dedup,
// process sequentially, advance. A transient fetch failure makes no
// progress. A failed event still advances the watermark past itself (the
// failure stays auditable in the trigger log), but a failed dedup check
// holds the watermark for the whole cycle: an item the processed set could
// not vouch for has no trigger row either, and advancing past it would lose
// it with no trace. Held items are refetched next cycle and deduped then.
func (p *Pipeline) RunCycle(ctx context.Context, c connector.Connector) error {
	source := c.Name()

	since, err := p.marks.Get(ctx, source)
	if err != nil {
		return fmt.Errorf("reading watermark for %s: %w", source, err)
	}

	items, nextCursor, err := p.fetch(ctx, c, since)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", source, err)
	}

	maxSeen := since
	var processed, skipped, failed, dedupErrs int
	for _, item := range items {
		done, err := p.marks.IsProcessed(ctx, source, item.ID)
		if err != nil {
			p.logger.Warn("dedup check failed, holding watermark short of item",
				"source", source, "id", item.ID, "error", err)
			dedupErrs++
			continue
		}

		// Only an item the dedup check has vouched for may pull the
		// watermark forward.
		if item.Timestamp.After(maxSeen) {
			maxSeen = item.Timestamp
		}
		if done {
			skipped++
			continue
		}

		ev, err := c.Normalize(item)
		if err != nil {
			p.logger.Warn("skipping malformed item",
				"source", source, "id", item.ID, "error", err)
			skipped++
			continue
		}

		if _, err := p.Process(ctx, &ev); err != nil {
			p.logger.Error("event processing failed",
				"source", source, "id", item.ID, "error", err)
			failed++
		} else {
			processed++
		}

		if err := p.marks.MarkProcessed(ctx, source, item.ID); err != nil {
			p.logger.Warn("processed-set write failed",
				"source", source, "id", item.ID, "error", err)
		}
	}

	if dedupErrs > 0 {
		p.logger.Warn("watermark and cursor held for refetch",
			"source", source, "held_items", dedupErrs)
		return fmt.Errorf("%d dedup checks failed for %s, no progress recorded", dedupErrs, source)
	}

	if maxSeen.After(since) {
		if err := p.marks.Advance(ctx, source, maxSeen); err != nil {
			return fmt.Errorf("advancing watermark for %s: %w", source, err)
		}
	}
	if nextCursor != "" {
		if err := p.marks.SetCursor(ctx, source, nextCursor); err != nil {
			p.logger.Warn("cursor write failed, next cycle falls back to the time window",
				"source", source, "error", err)
		}
	}

	p.logger.Info("poll cycle complete", "source", source,
		"fetched", len(items), "processed", processed,
		"skipped", skipped, "failed", failed, "watermark", maxSeen)
	return nil
}

// fetch pulls new items from the connector, threading the persisted cursor
// through connectors that track one. A cursor read failure degrades to the
// plain time window.
func (p *Pipeline) fetch(ctx context.Context, c connector.Connector, since time.Time) ([]connector.RawItem, string, error) {
	cf, ok := c.(connector.CursorFetcher)
	if !ok {
		items, err := c.FetchSince(ctx, since)
		return items, "", err
	}

	cursor, err := p.marks.GetCursor(ctx, c.Name())
	if err != nil {
		p.logger.Warn("cursor read failed, falling back to the time window",
			"source", c.Name(), "error", err)
		cursor = ""
	}
	return cf.FetchPage(ctx, since, cursor)
}

// RunBriefing drains the digest queue into one generation and surfaces the
// result as a tier-3 alert. An empty queue is a quiet no-op. The drain
// deletes the rows, so any failure after it puts the batch back in the
// queue for the next run instead of losing it.
func (p *Pipeline) RunBriefing(ctx context.Context) error {
	items, err := p.records.DrainBriefingQueue(ctx)
	if err != nil {
		return fmt.Errorf("draining briefing queue: %w", err)
	}
	if len(items) == 0 {
		p.logger.Debug("briefing queue empty, skipping digest")
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Produce a concise morning briefing from these %d low-priority items. Group related items, call out anything that aged into urgency, keep it scannable.\n", len(items))
	for _, item := range items {
		fmt.Fprintf(&b, "\n- [%v] %v: %v",
			item.Item["source"], item.Item["contact"], item.Item["content"])
	}

	req := prompt.Assemble(prompt.ModeTrigger, nil, nil, b.String(), p.contextCeiling)
	result, err := p.generator.Complete(ctx, req)
	if err != nil {
		p.requeueBriefing(ctx, items)
		return fmt.Errorf("generating briefing: %w", err)
	}

	body := result.Text
	if result.Structured != nil && result.Structured.Analysis != "" {
		body = result.Structured.Analysis
	}
	alert := &store.Alert{
		Tier:   event.TierInfo,
		Title:  fmt.Sprintf("Daily briefing (%d items)", len(items)),
		Body:   &body,
		Status: store.AlertPending,
	}
	if err := p.records.InsertAlert(ctx, alert); err != nil {
		p.requeueBriefing(ctx, items)
		return fmt.Errorf("writing briefing alert: %w", err)
	}

	p.logger.Info("briefing generated", "items", len(items))
	return nil
}

// requeueBriefing puts a drained batch back after a failed digest so the
// next run retries it. An item that cannot be re-enqueued is logged as lost.
func (p *Pipeline) requeueBriefing(ctx context.Context, items []store.BriefingItem) {
	for _, item := range items {
		if err := p.records.EnqueueBriefingItem(ctx, item.Item); err != nil {
			p.logger.Error("briefing re-enqueue failed, item lost",
				"id", item.ID, "error", err)
		}
	}
	p.logger.Warn("briefing batch returned to queue", "items", len(items))
}

// CheckEmailGap raises a tier-1 alert when no inbound email has been seen
// for longer than the configured gap: silence on that channel usually means
// a broken connector or credential, not a quiet day. At most one alert per
// gap window.
func (p *Pipeline) CheckEmailGap(ctx context.Context) error {
	if p.emailGap <= 0 {
		return nil
	}

	last, err := p.records.LastTriggerAt(ctx, string(event.TypeEmail))
	if err != nil {
		return fmt.Errorf("reading last email trigger: %w", err)
	}
	if last == nil {
		// Nothing ever processed; the fallback window covers startup.
		return nil
	}

	now := p.now()
	gap := now.Sub(*last)
	if gap < p.emailGap {
		return nil
	}

	p.mu.Lock()
	recentlyAlerted := now.Sub(p.lastGapAlertAt) < p.emailGap
	if !recentlyAlerted {
		p.lastGapAlertAt = now
	}
	p.mu.Unlock()
	if recentlyAlerted {
		return nil
	}

	body := fmt.Sprintf("No inbound email processed for %s (last at %s). Check the email connector and its credentials.",
		gap.Round(time.Minute), last.Format(time.RFC3339))
	alert := &store.Alert{
		Tier:   event.TierUrgent,
		Title:  "Email stream silent",
		Body:   &body,
		Status: store.AlertPending,
	}
	if err := p.records.InsertAlert(ctx, alert); err != nil {
		return fmt.Errorf("writing gap alert: %w", err)
	}
	p.logger.Warn("email gap alert raised", "gap", gap)
	return nil
}

// briefingItem flattens an event for the digest queue.
func briefingItem(e *event.Event) map[string]any {
	return map[string]any{
		"source":      string(e.Type),
		"source_id":   e.SourceID,
		"contact":     e.ContactName,
		"content":     e.Content,
		"received_at": e.ReceivedAt.Format(time.RFC3339),
	}
}

// interactionSummary is what gets embedded for future retrieval: the model's
// assessment when it produced one, otherwise the raw answer.
func interactionSummary(e *event.Event, result *generate.Result) string {
	text := result.Text
	if result.Structured != nil && result.Structured.Analysis != "" {
		text = result.Structured.Analysis
	}
	return fmt.Sprintf("%s from %s: %s", e.Type, e.ContactName, text)
}
