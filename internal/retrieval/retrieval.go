// Package retrieval merges vector search hits with structured relational
// lookups into one ranked, token-budgeted context list for prompt assembly.
//
// Degradation policy: a store that is down yields an empty result and a log
// line, never an error to the caller — retrieval quality degrades, the
// pipeline keeps moving.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kestrelhq/sentinel/internal/knowledge"
	"github.com/kestrelhq/sentinel/internal/store"
)

// Defaults applied when the Query leaves a knob zero.
const (
	DefaultTopK        = 10
	DefaultTokenBudget = 8000

	structuredScore = 0.9
	profileScore    = 1.0

	pendingAlertLimit   = 10
	recentDecisionLimit = 5
)

// Searcher is the vector-store read path.
type Searcher interface {
	Search(ctx context.Context, collections []string, query string, perCollection int, threshold float32) ([]knowledge.Hit, error)
}

// Records is the relational read path retrieval consults for structured
// context.
type Records interface {
	FindContactFuzzy(ctx context.Context, name string, threshold float32) (*store.Contact, error)
	ListActiveDeals(ctx context.Context) ([]store.Deal, error)
	ListPendingAlerts(ctx context.Context, limit int) ([]store.Alert, error)
	ListRecentDecisions(ctx context.Context, limit int) ([]store.Decision, error)
}

// Query is one retrieval request.
type Query struct {
	Text        string
	ContactHint string
	Collections []string // empty means all collections
	TopK        int
	TokenBudget int
}

// Context is one retrieved item ready for prompt assembly.
type Context struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float32 `json:"score"`
}

// Engine runs the merge-and-budget algorithm over the two stores.
type Engine struct {
	search     Searcher
	records    Records
	logger     *slog.Logger
	threshold  float32
	fuzzyScore float32
}

// New creates an Engine. threshold gates vector hits, fuzzyScore gates the
// contact name match.
func New(search Searcher, records Records, threshold, fuzzyScore float32, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		search:     search,
		records:    records,
		logger:     logger,
		threshold:  threshold,
		fuzzyScore: fuzzyScore,
	}
}

// Retrieve returns the ranked contexts for q: vector hits by score
// descending, then structured records (contact profile, open deals, pending
// alerts, recent decisions), greedily cut at the token budget. Items are
// dropped whole, never truncated mid-item.
func (e *Engine) Retrieve(ctx context.Context, q Query) []Context {
	topK := q.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	budget := q.TokenBudget
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	collections := q.Collections
	if len(collections) == 0 {
		collections = knowledge.AllCollections
	}

	ordered := e.vectorHits(ctx, collections, q.Text, topK)
	ordered = append(ordered, e.structuredRecords(ctx, q.ContactHint)...)

	var (
		out  []Context
		used int
	)
	for _, c := range ordered {
		cost := estimateTokens(c.Text)
		if used+cost > budget {
			break
		}
		out = append(out, c)
		used += cost
		if len(out) >= topK+structuredSlots() {
			break
		}
	}
	return out
}

// structuredSlots bounds how many structured records can follow the vector
// hits: profile + deals summary + alerts summary + decisions summary.
func structuredSlots() int { return 4 }

func (e *Engine) vectorHits(ctx context.Context, collections []string, text string, topK int) []Context {
	if e.search == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	hits, err := e.search.Search(ctx, collections, text, topK, e.threshold)
	if err != nil {
		e.logger.Warn("vector search unavailable, degrading retrieval", "error", err)
		return nil
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	out := make([]Context, 0, len(hits))
	for _, h := range hits {
		out = append(out, Context{
			Source: labelFor(h.Collection, h.Metadata),
			Text:   h.Content,
			Score:  h.Score,
		})
	}
	return out
}

// structuredRecords runs the relational lookups. Each lookup degrades
// independently: one failing table does not hide the others.
func (e *Engine) structuredRecords(ctx context.Context, contactHint string) []Context {
	if e.records == nil {
		return nil
	}
	var out []Context

	if hint := strings.TrimSpace(contactHint); hint != "" {
		contact, err := e.records.FindContactFuzzy(ctx, hint, e.fuzzyScore)
		switch {
		case err != nil:
			e.logger.Warn("contact lookup failed", "hint", hint, "error", err)
		case contact != nil:
			out = append(out, Context{
				Source: "contact:" + contact.Name,
				Text:   renderContact(contact),
				Score:  profileScore,
			})
		}
	}

	if deals, err := e.records.ListActiveDeals(ctx); err != nil {
		e.logger.Warn("deal lookup failed", "error", err)
	} else if len(deals) > 0 {
		out = append(out, Context{
			Source: "deals",
			Text:   renderDeals(deals),
			Score:  structuredScore,
		})
	}

	if alerts, err := e.records.ListPendingAlerts(ctx, pendingAlertLimit); err != nil {
		e.logger.Warn("alert lookup failed", "error", err)
	} else if len(alerts) > 0 {
		out = append(out, Context{
			Source: "alerts",
			Text:   renderAlerts(alerts),
			Score:  structuredScore,
		})
	}

	if decisions, err := e.records.ListRecentDecisions(ctx, recentDecisionLimit); err != nil {
		e.logger.Warn("decision lookup failed", "error", err)
	} else if len(decisions) > 0 {
		out = append(out, Context{
			Source: "decisions",
			Text:   renderDecisions(decisions),
			Score:  structuredScore,
		})
	}

	return out
}

// labelFor derives a human-readable source label from hit metadata,
// falling through the common field names before giving up.
func labelFor(collection string, metadata map[string]any) string {
	for _, key := range []string{"name", "deal_name", "project", "meeting_title", "chat_name", "subject", "title"} {
		if v, ok := metadata[key].(string); ok && v != "" {
			return collection + ":" + v
		}
	}
	return collection + ":unknown"
}

// estimateTokens approximates token count as len/4, the usual rough cut for
// English text. Minimum one token so empty items still cost something.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func renderContact(c *store.Contact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", c.Name)
	if len(c.Aliases) > 0 {
		fmt.Fprintf(&b, "Aliases: %s\n", strings.Join(c.Aliases, ", "))
	}
	if c.CommunicationStyle != nil {
		fmt.Fprintf(&b, "Communication style: %s\n", *c.CommunicationStyle)
	}
	if c.ResponsePattern != nil {
		fmt.Fprintf(&b, "Response pattern: %s\n", *c.ResponsePattern)
	}
	if c.PreferredChannel != nil {
		fmt.Fprintf(&b, "Preferred channel: %s\n", *c.PreferredChannel)
	}
	if len(c.ActiveDeals) > 0 {
		fmt.Fprintf(&b, "Active deals: %s\n", strings.Join(c.ActiveDeals, ", "))
	}
	if c.LastContactAt != nil {
		fmt.Fprintf(&b, "Last contact: %s\n", c.LastContactAt.Format("2006-01-02 15:04 MST"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderDeals(deals []store.Deal) string {
	var b strings.Builder
	b.WriteString("Open deals:\n")
	for _, d := range deals {
		fmt.Fprintf(&b, "- %s (stage: %s", d.Name, d.Stage)
		if d.Amount != nil {
			fmt.Fprintf(&b, ", amount: %.0f", *d.Amount)
		}
		b.WriteString(")")
		if d.Notes != nil && *d.Notes != "" {
			fmt.Fprintf(&b, ": %s", *d.Notes)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderAlerts(alerts []store.Alert) string {
	var b strings.Builder
	b.WriteString("Pending alerts:\n")
	for _, a := range alerts {
		fmt.Fprintf(&b, "- [tier %d] %s", a.Tier, a.Title)
		if a.ActionRequired != nil && *a.ActionRequired != "" {
			fmt.Fprintf(&b, " (action: %s)", *a.ActionRequired)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderDecisions(decisions []store.Decision) string {
	var b strings.Builder
	b.WriteString("Recent decisions:\n")
	for _, d := range decisions {
		fmt.Fprintf(&b, "- %s (confidence: %s)\n", d.DecisionText, d.Confidence)
	}
	return strings.TrimRight(b.String(), "\n")
}
