// Package storeback applies a generation result to the stores. Every write
// is independently fault-tolerant: a failed insert is logged and the rest
// proceed. Event-processing success means "generation completed", not
// "store-back completed"; a store outage degrades audit and learning, never
// live responsiveness.
package storeback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/sentinel/internal/event"
	"github.com/kestrelhq/sentinel/internal/generate"
	"github.com/kestrelhq/sentinel/internal/knowledge"
	"github.com/kestrelhq/sentinel/internal/notify"
	"github.com/kestrelhq/sentinel/internal/store"
)

// embedTimeout bounds one background embedding write.
const embedTimeout = 30 * time.Second

// notifyTierCeiling: alerts at this tier or lower go to the webhook sink.
const notifyTierCeiling = 2

// Records is the relational write path the writer drives.
type Records interface {
	InsertTrigger(ctx context.Context, e *store.TriggerLogEntry) (uuid.UUID, error)
	CompleteTrigger(ctx context.Context, id uuid.UUID, m store.TriggerMetrics) error
	UpsertContact(ctx context.Context, name string, update store.ContactUpdate) (*store.Contact, error)
	InsertDecision(ctx context.Context, d *store.Decision) error
	InsertAlert(ctx context.Context, a *store.Alert) error
	InsertArtifact(ctx context.Context, a *store.Artifact) error
}

// Embedder is the vector-store write path for interaction summaries.
type Embedder interface {
	Upsert(ctx context.Context, collection, id, text string, metadata map[string]any) error
}

// Notifier pushes urgent alerts outward.
type Notifier interface {
	Send(ctx context.Context, n notify.Notification) error
}

// Writer applies generation results. Safe for concurrent use.
//
// bgCtx outlives individual requests and drives the async embedding
// goroutines; wg tracks them for graceful shutdown.
type Writer struct {
	records  Records
	embedder Embedder
	notifier Notifier
	logger   *slog.Logger

	bgCtx context.Context //nolint:containedctx // app lifecycle, not per-request
	wg    *sync.WaitGroup
}

// New creates a Writer. embedder and notifier may be nil (both features
// disabled); wg is required when embedder is set.
func New(records Records, embedder Embedder, notifier Notifier, bgCtx context.Context, wg *sync.WaitGroup, logger *slog.Logger) (*Writer, error) {
	if records == nil {
		return nil, fmt.Errorf("records store is required")
	}
	if embedder != nil && wg == nil {
		return nil, fmt.Errorf("wait group is required with an embedder")
	}
	if wg == nil {
		wg = &sync.WaitGroup{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if bgCtx == nil {
		bgCtx = context.Background()
	}
	return &Writer{
		records:  records,
		embedder: embedder,
		notifier: notifier,
		logger:   logger,
		bgCtx:    bgCtx,
		wg:       wg,
	}, nil
}

// LogTrigger records the audit row for an event before processing starts.
// Always the first write: its unique (source, source_id) index doubles as
// the dedup cross-check. Returns uuid.Nil when the write failed.
func (w *Writer) LogTrigger(ctx context.Context, e *event.Event) uuid.UUID {
	entry := &store.TriggerLogEntry{
		Source:   string(e.Type),
		SourceID: e.SourceID,
		Status:   store.TriggerProcessing,
	}
	if e.ContactName != "" {
		entry.ContactName = &e.ContactName
	}
	if e.Priority != "" {
		p := string(e.Priority)
		entry.Priority = &p
	}

	id, err := w.records.InsertTrigger(ctx, entry)
	if err != nil {
		w.logger.Error("trigger log write failed",
			"source", e.Type, "source_id", e.SourceID, "error", err)
		return uuid.Nil
	}
	return id
}

// Apply writes the structured directives: contact upserts, decision-log
// appends, alert creates (urgent tiers forwarded to the notifier), and the
// generated document when present. Each directive fails independently.
func (w *Writer) Apply(ctx context.Context, triggerID uuid.UUID, e *event.Event, s *generate.Structured, doc *generate.GeneratedDocument) {
	if s == nil {
		return
	}

	for _, cu := range s.ContactUpdates {
		w.applyContactUpdate(ctx, e, cu)
	}
	for _, d := range s.Decisions {
		w.applyDecision(ctx, e, d)
	}
	for _, a := range s.Alerts {
		w.applyAlert(ctx, triggerID, a)
	}
	if doc != nil {
		w.applyDocument(ctx, triggerID, doc)
	}
}

// CompleteTrigger records the final status and metrics. Always the last
// write. A uuid.Nil id means LogTrigger failed earlier; nothing to update.
func (w *Writer) CompleteTrigger(ctx context.Context, id uuid.UUID, m store.TriggerMetrics) {
	if id == uuid.Nil {
		return
	}
	if err := w.records.CompleteTrigger(ctx, id, m); err != nil {
		w.logger.Error("trigger completion write failed", "trigger_id", id, "error", err)
	}
}

// EmbedInteraction queues a background embedding of the interaction summary
// into the interactions collection. Returns immediately; failure is only
// observable in logs.
func (w *Writer) EmbedInteraction(e *event.Event, summary string) {
	if w.embedder == nil || summary == "" {
		return
	}

	id := string(e.Type) + ":" + e.SourceID
	metadata := map[string]any{
		"source":    string(e.Type),
		"source_id": e.SourceID,
	}
	if e.ContactName != "" {
		metadata["name"] = e.ContactName
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(w.bgCtx, embedTimeout)
		defer cancel()

		if err := w.embedder.Upsert(ctx, knowledge.CollectionInteractions, id, summary, metadata); err != nil {
			w.logger.Error("interaction embedding failed", "id", id, "error", err)
			return
		}
		w.logger.Debug("interaction embedded", "id", id)
	}()
}

// scanAuditMaxQuery caps how much of a scan query lands in the decision log.
const scanAuditMaxQuery = 200

// AuditScan queues a background audit of an interactive scan after its
// stream completed: the question goes to the decision log and the full
// exchange is embedded for future retrieval. Returns immediately so the
// request goroutine is never held on store writes; failure is only
// observable in logs.
func (w *Writer) AuditScan(query, answer string) {
	q := query
	if len(q) > scanAuditMaxQuery {
		q = q[:scanAuditMaxQuery] + "..."
	}
	reasoning := "answered from retrieved context"
	dec := &store.Decision{
		DecisionText: "scan: " + q,
		Reasoning:    &reasoning,
		Confidence:   store.ConfidenceMedium,
		TriggerType:  string(event.TypeScan),
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(w.bgCtx, embedTimeout)
		defer cancel()

		if err := w.records.InsertDecision(ctx, dec); err != nil {
			w.logger.Error("scan audit write failed", "error", err)
		}
	}()

	e := &event.Event{
		Type:       event.TypeScan,
		SourceID:   uuid.NewString(),
		ReceivedAt: time.Now(),
	}
	w.EmbedInteraction(e, fmt.Sprintf("Q: %s\nA: %s", query, answer))
}

func (w *Writer) applyContactUpdate(ctx context.Context, e *event.Event, cu generate.ContactDirective) {
	if cu.Name == "" {
		w.logger.Warn("dropping contact update without a name")
		return
	}

	update := store.ContactUpdate{ActiveDeals: cu.ActiveDeals}
	if cu.CommunicationStyle != "" {
		update.CommunicationStyle = &cu.CommunicationStyle
	}
	if cu.ResponsePattern != "" {
		update.ResponsePattern = &cu.ResponsePattern
	}
	if cu.PreferredChannel != "" {
		update.PreferredChannel = &cu.PreferredChannel
	}
	if !e.ReceivedAt.IsZero() {
		t := e.ReceivedAt
		update.LastContactAt = &t
	}

	if _, err := w.records.UpsertContact(ctx, cu.Name, update); err != nil {
		w.logger.Error("contact upsert failed", "name", cu.Name, "error", err)
	}
}

func (w *Writer) applyDecision(ctx context.Context, e *event.Event, d generate.DecisionEntry) {
	if d.Decision == "" {
		return
	}
	dec := &store.Decision{
		DecisionText: d.Decision,
		Confidence:   d.Confidence,
		TriggerType:  string(e.Type),
	}
	if d.Reasoning != "" {
		dec.Reasoning = &d.Reasoning
	}
	if err := w.records.InsertDecision(ctx, dec); err != nil {
		w.logger.Error("decision write failed", "error", err)
	}
}

func (w *Writer) applyAlert(ctx context.Context, triggerID uuid.UUID, a generate.AlertDirective) {
	alert := &store.Alert{
		Tier:   a.Tier,
		Title:  a.Title,
		Status: store.AlertPending,
	}
	if a.Body != "" {
		alert.Body = &a.Body
	}
	if a.ActionRequired != "" {
		alert.ActionRequired = &a.ActionRequired
	}
	if triggerID != uuid.Nil {
		alert.TriggerID = &triggerID
	}

	if err := w.records.InsertAlert(ctx, alert); err != nil {
		w.logger.Error("alert write failed", "title", a.Title, "error", err)
		// Still try to notify: the alert is urgent even if the row is lost.
	}

	if w.notifier != nil && a.Tier <= notifyTierCeiling {
		if err := w.notifier.Send(ctx, notify.Notification{
			Tier:  a.Tier,
			Title: a.Title,
			Body:  a.Body,
		}); err != nil {
			w.logger.Warn("alert notification failed", "title", a.Title, "error", err)
		}
	}
}

func (w *Writer) applyDocument(ctx context.Context, triggerID uuid.UUID, doc *generate.GeneratedDocument) {
	artifact := &store.Artifact{
		Title:   doc.Title,
		Format:  doc.Format,
		Content: doc.Content,
	}
	if triggerID != uuid.Nil {
		artifact.TriggerID = &triggerID
	}
	if err := w.records.InsertArtifact(ctx, artifact); err != nil {
		w.logger.Error("artifact write failed", "title", doc.Title, "error", err)
	}
}
