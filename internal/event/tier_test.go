package event

import (
	"testing"

	"github.com/kestrelhq/sentinel/internal/log"
)

func TestNormalizeTier(t *testing.T) {
	logger := log.NewNop()

	tests := []struct {
		name   string
		input  any
		expect int
	}{
		{"int 1", 1, 1},
		{"int 2", 2, 2},
		{"int 3", 3, 3},
		{"int 0 defaults", 0, 3},
		{"int 4 defaults", 4, 3},
		{"negative defaults", -1, 3},
		{"float 1", float64(1), 1},
		{"float 2", float64(2), 2},
		{"fractional float defaults", 1.5, 3},
		{"string urgent", "urgent", 1},
		{"string important", "important", 2},
		{"string info", "info", 3},
		{"uppercase label", "URGENT", 1},
		{"mixed case label", "Important", 2},
		{"padded label", " info ", 3},
		{"numeric string", "2", 2},
		{"numeric string out of range", "7", 3},
		{"garbage string", "banana", 3},
		{"nil defaults", nil, 3},
		{"bool defaults", true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeTier(tt.input, logger); got != tt.expect {
				t.Errorf("NormalizeTier(%v) = %d, want %d", tt.input, got, tt.expect)
			}
		})
	}
}

func TestClassifyPriority(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		knownContact bool
		expect       Priority
	}{
		{"urgent keyword", "urgent: cash shortfall", false, PriorityHigh},
		{"deadline keyword mid-sentence", "the filing deadline moved up", false, PriorityHigh},
		{"keyword case-insensitive", "Please APPROVE the budget", false, PriorityHigh},
		{"known contact no keyword", "lunch next week?", true, PriorityMedium},
		{"unknown sender no keyword", "monthly newsletter content", false, PriorityLow},
		{"keyword beats contact", "contract attached", true, PriorityHigh},
		{"empty content", "", false, PriorityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Event{Type: TypeEmail, Content: tt.content}
			if got := ClassifyPriority(e, tt.knownContact); got != tt.expect {
				t.Errorf("ClassifyPriority(%q, %v) = %q, want %q",
					tt.content, tt.knownContact, got, tt.expect)
			}
		})
	}
}
