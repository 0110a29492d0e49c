package event

import "strings"

// urgencyKeywords are substrings that mark an event as high priority
// regardless of contact familiarity. Checked case-insensitively.
var urgencyKeywords = []string{
	"urgent",
	"asap",
	"deadline",
	"risk",
	"payment",
	"contract",
	"sign",
	"approve",
	"alert",
}

// ClassifyPriority assigns a routing priority from cheap, synchronous rules.
// It never calls the generative model:
//   - an urgency keyword in the content → high
//   - a recognized contact without keywords → medium
//   - everything else → low (queued for the daily briefing digest)
func ClassifyPriority(e Event, knownContact bool) Priority {
	content := strings.ToLower(e.Content)
	for _, kw := range urgencyKeywords {
		if strings.Contains(content, kw) {
			return PriorityHigh
		}
	}
	if knownContact {
		return PriorityMedium
	}
	return PriorityLow
}
