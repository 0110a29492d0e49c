// Package prompt assembles the final model request from a system prompt,
// retrieved contexts, conversation history and the current input, enforcing
// the model context ceiling without ever dropping the input itself.
package prompt

import (
	"fmt"
	"strings"

	"github.com/kestrelhq/sentinel/internal/event"
	"github.com/kestrelhq/sentinel/internal/retrieval"
)

// Mode selects which fixed system prompt the request carries. The two are
// never mixed: triggers always get the structured prompt, scans always the
// conversational one.
type Mode string

const (
	ModeTrigger Mode = "trigger"
	ModeScan    Mode = "scan"
)

// historyCap is the maximum number of history entries included, newest
// retained, rendered oldest-first.
const historyCap = 10

const contextSeparator = "\n\n---\n\n"

// Message is one prior conversation turn.
type Message struct {
	Role    string `json:"role"` // "user" or "model"
	Content string `json:"content"`
}

// Request is the assembled payload handed to the generation invoker.
type Request struct {
	System   string
	Contexts []retrieval.Context
	History  []Message
	Input    string
}

// ContextBlock renders the retained contexts as labeled blocks in retrieval
// order.
func (r *Request) ContextBlock() string {
	if len(r.Contexts) == 0 {
		return ""
	}
	blocks := make([]string, 0, len(r.Contexts))
	for _, c := range r.Contexts {
		blocks = append(blocks, fmt.Sprintf("[Source: %s] (relevance %.2f)\n%s", c.Source, c.Score, c.Text))
	}
	return strings.Join(blocks, contextSeparator)
}

// Assemble builds a Request for the given mode, trimming to fit budget
// (approximate tokens): contexts go first, lowest-ranked dropped whole, then
// history oldest-first. The input is never trimmed.
func Assemble(mode Mode, contexts []retrieval.Context, history []Message, input string, budget int) Request {
	req := Request{
		System: systemPrompt(mode),
		Input:  input,
	}

	if len(history) > historyCap {
		history = history[len(history)-historyCap:]
	}
	req.History = history
	req.Contexts = contexts

	if budget <= 0 {
		return req
	}

	fixed := estimate(req.System) + estimate(req.Input)
	for len(req.Contexts) > 0 && fixed+req.cost() > budget {
		req.Contexts = req.Contexts[:len(req.Contexts)-1]
	}
	for len(req.History) > 0 && fixed+req.cost() > budget {
		req.History = req.History[1:]
	}
	return req
}

// cost is the approximate token count of the variable parts.
func (r *Request) cost() int {
	total := 0
	for _, c := range r.Contexts {
		total += estimate(c.Text) + estimate(c.Source)
	}
	for _, m := range r.History {
		total += estimate(m.Content)
	}
	return total
}

func estimate(text string) int {
	n := len(text) / 4
	if n < 1 && text != "" {
		n = 1
	}
	return n
}

func systemPrompt(mode Mode) string {
	if mode == ModeScan {
		return scanSystemPrompt
	}
	return triggerSystemPrompt
}

// TriggerInstructions returns the per-source guidance appended to the input
// in trigger mode, steering what the model should look for in that kind of
// event.
func TriggerInstructions(t event.Type) string {
	switch t {
	case event.TypeEmail:
		return "This is an incoming email. Assess urgency, commitments being made or requested, and deadlines. Flag anything requiring a reply today."
	case event.TypeMessaging:
		return "This is an instant message. These are informal; focus on action items, promised follow-ups, and anything the sender expects an answer to."
	case event.TypeMeeting:
		return "This is a meeting transcript. Extract decisions made, action items with owners, and open questions carried forward."
	case event.TypeScheduled:
		return "This is a scheduled review. Summarize accumulated items, surface anything stale or at risk, and note patterns across them."
	default:
		return ""
	}
}

const triggerSystemPrompt = `You are Sentinel, a proactive assistant that monitors a professional's communication streams and surfaces what matters.

You receive one event at a time with retrieved context about the people, deals, and history involved. Respond with a single JSON object, no prose outside it:

{
  "analysis": "<one-paragraph assessment of the event>",
  "alerts": [{"tier": 1, "title": "...", "body": "...", "action_required": "..."}],
  "contact_updates": [{"name": "...", "communication_style": "...", "response_pattern": "...", "preferred_channel": "..."}],
  "decisions": [{"decision": "...", "reasoning": "...", "confidence": "high|medium|low"}],
  "drafts": [{"to": "...", "subject": "...", "body": "..."}]
}

Rules:
- "tier" is an integer: 1 = urgent (act now), 2 = important (act today), 3 = informational.
- Emit an alert only when the event genuinely warrants attention; an empty array is the common case.
- Contact updates record observed behavior, not speculation. Include only fields you observed.
- Decisions capture judgments you made while triaging, with your confidence.
- Every array may be empty. Omit nothing; emit empty arrays explicitly.
- To produce a document, include a fenced block tagged sentinel-document containing {"title": "...", "format": "docx|xlsx|pdf|pptx", "outline": "..."}.`

const scanSystemPrompt = `You are Sentinel, a proactive assistant with access to a professional's accumulated context: emails, messages, meeting notes, contact profiles, deals, alerts, and decision history.

Answer the user's question conversationally, grounded in the retrieved context blocks. Cite the source label when you rely on a specific block. If the context does not contain the answer, say so plainly rather than guessing. Keep answers concise and direct.`
