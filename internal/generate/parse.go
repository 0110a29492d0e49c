package generate

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kestrelhq/sentinel/internal/event"
)

// documentTag marks the fenced block carrying a document-generation
// directive inside a structured response.
const documentTag = "sentinel-document"

// Structured is the parsed directive set from one structured-mode response.
// Every slice may be empty; Analysis always carries something.
type Structured struct {
	Analysis       string             `json:"analysis"`
	Alerts         []AlertDirective   `json:"alerts"`
	ContactUpdates []ContactDirective `json:"contact_updates"`
	Decisions      []DecisionEntry    `json:"decisions"`
	Drafts         []Draft            `json:"drafts"`
}

// AlertDirective is one alert the model asked to raise. Tier is normalized
// to 1..3 during parsing.
type AlertDirective struct {
	Tier           int    `json:"tier"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	ActionRequired string `json:"action_required"`
}

// ContactDirective is a partial contact-profile update. Empty fields mean
// "no observation", not "clear the field".
type ContactDirective struct {
	Name               string   `json:"name"`
	CommunicationStyle string   `json:"communication_style"`
	ResponsePattern    string   `json:"response_pattern"`
	PreferredChannel   string   `json:"preferred_channel"`
	ActiveDeals        []string `json:"active_deals"`
}

// DecisionEntry is one decision-log append.
type DecisionEntry struct {
	Decision   string `json:"decision"`
	Reasoning  string `json:"reasoning"`
	Confidence string `json:"confidence"`
}

// Draft is a suggested reply the model composed.
type Draft struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// DocumentDirective is the embedded request for a secondary document call.
type DocumentDirective struct {
	Title   string `json:"title"`
	Format  string `json:"format"`
	Outline string `json:"outline"`
}

// structuredWire mirrors Structured with loosely-typed tiers: models emit
// integers, floats, or strings despite being told "integer".
type structuredWire struct {
	Analysis       string             `json:"analysis"`
	Alerts         []alertWire        `json:"alerts"`
	ContactUpdates []ContactDirective `json:"contact_updates"`
	Decisions      []DecisionEntry    `json:"decisions"`
	Drafts         []Draft            `json:"drafts"`
}

type alertWire struct {
	Tier           any    `json:"tier"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	ActionRequired string `json:"action_required"`
}

// ParseStructured extracts the directive set from the model's visible text.
// Parse order: the whole text as JSON, then the first fenced json block,
// then fall back to treating the entire text as the analysis. The fallback
// never fails: a malformed response degrades to analysis-only.
func ParseStructured(text string, logger *slog.Logger) *Structured {
	if logger == nil {
		logger = slog.Default()
	}

	candidates := []string{strings.TrimSpace(text)}
	if fenced := extractFence(text, "json"); fenced != "" {
		candidates = append(candidates, fenced)
	}

	for _, candidate := range candidates {
		var wire structuredWire
		if err := json.Unmarshal([]byte(candidate), &wire); err != nil {
			continue
		}
		return wire.normalize(logger)
	}

	logger.Warn("structured response not parseable, keeping raw text as analysis",
		"length", len(text))
	return &Structured{Analysis: strings.TrimSpace(text)}
}

func (w *structuredWire) normalize(logger *slog.Logger) *Structured {
	s := &Structured{
		Analysis:       w.Analysis,
		ContactUpdates: w.ContactUpdates,
		Decisions:      w.Decisions,
		Drafts:         w.Drafts,
	}
	for _, a := range w.Alerts {
		if strings.TrimSpace(a.Title) == "" {
			logger.Warn("dropping alert directive without title")
			continue
		}
		s.Alerts = append(s.Alerts, AlertDirective{
			Tier:           event.NormalizeTier(a.Tier, logger),
			Title:          a.Title,
			Body:           a.Body,
			ActionRequired: a.ActionRequired,
		})
	}
	return s
}

// ExtractDocumentDirective finds the sentinel-document fenced block, parses
// it and returns the text with the block removed. A malformed block is
// stripped but yields no directive.
func ExtractDocumentDirective(text string) (visible string, directive *DocumentDirective) {
	body, rest, found := cutFence(text, documentTag)
	if !found {
		return text, nil
	}

	var d DocumentDirective
	if err := json.Unmarshal([]byte(body), &d); err != nil || d.Title == "" {
		return rest, nil
	}
	if !validDocumentFormat(d.Format) {
		return rest, nil
	}
	return rest, &d
}

func validDocumentFormat(format string) bool {
	switch format {
	case "docx", "xlsx", "pdf", "pptx":
		return true
	}
	return false
}

// extractFence returns the body of the first ```tag fenced block, or "".
func extractFence(text, tag string) string {
	body, _, found := cutFence(text, tag)
	if !found {
		return ""
	}
	return body
}

// cutFence locates the first ```tag ... ``` block, returning its body and
// the surrounding text with the block removed.
func cutFence(text, tag string) (body, rest string, found bool) {
	open := "```" + tag
	start := strings.Index(text, open)
	if start < 0 {
		return "", text, false
	}
	afterOpen := start + len(open)
	end := strings.Index(text[afterOpen:], "```")
	if end < 0 {
		return "", text, false
	}
	body = strings.TrimSpace(text[afterOpen : afterOpen+end])
	rest = strings.TrimSpace(text[:start] + text[afterOpen+end+3:])
	return body, rest, true
}
