package connector

import (
	"fmt"
	"regexp"
	"strings"
)

// defaultNoisePatterns drop obvious automation before any custom rules:
// bulk senders, no-reply addresses, calendar robots.
var defaultNoisePatterns = []string{
	`(?i)no-?reply@`,
	`(?i)notifications?@`,
	`(?i)mailer-daemon@`,
	`(?i)newsletter@`,
	`(?i)@calendar\.google\.com$`,
}

// autoReplyMarkers are subject/body prefixes of non-substantive auto
// replies.
var autoReplyMarkers = []string{
	"out of office",
	"automatic reply",
	"autoreply",
	"delivery status notification",
}

// NoiseFilter decides which raw items never become events. One instance is
// shared by construction across a connector's fetches; it is immutable after
// NewNoiseFilter.
type NoiseFilter struct {
	senders []*regexp.Regexp
}

// NewNoiseFilter compiles the default patterns plus extra ones from config.
// An invalid extra pattern is an error: silently dropping a filter rule
// would silently admit noise.
func NewNoiseFilter(extra []string) (*NoiseFilter, error) {
	patterns := make([]string, 0, len(defaultNoisePatterns)+len(extra))
	patterns = append(patterns, defaultNoisePatterns...)
	patterns = append(patterns, extra...)

	f := &NoiseFilter{senders: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling noise pattern %q: %w", p, err)
		}
		f.senders = append(f.senders, re)
	}
	return f, nil
}

// Drop reports whether item is noise: a matching sender, or an auto-reply
// marker at the start of the body or in the subject field.
func (f *NoiseFilter) Drop(item RawItem) bool {
	for _, re := range f.senders {
		if re.MatchString(item.Sender) {
			return true
		}
	}

	subject, _ := item.Fields["subject"].(string)
	lowerSubject := strings.ToLower(subject)
	lowerBody := strings.ToLower(item.Body)
	for _, marker := range autoReplyMarkers {
		if strings.HasPrefix(lowerBody, marker) || strings.Contains(lowerSubject, marker) {
			return true
		}
	}
	return false
}
