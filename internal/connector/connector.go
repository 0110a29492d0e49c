// Package connector implements the per-source fetch/normalize layer. Each
// connector polls one external source for items newer than a watermark,
// drops noise before normalization, and maps the survivors onto the common
// event shape.
package connector

import (
	"context"
	"errors"
	"time"

	"github.com/kestrelhq/sentinel/internal/event"
)

// ErrTransient marks a fetch failure that should be retried next cycle with
// no watermark progress: network errors, auth hiccups, rate limits.
var ErrTransient = errors.New("transient source error")

// ErrMalformedItem marks an item whose upstream shape could not be
// normalized. The item is skipped; the cycle continues.
var ErrMalformedItem = errors.New("malformed source item")

// RawItem is one source item before normalization. Fields carries
// source-specific extras that survive into event metadata.
type RawItem struct {
	ID         string
	Body       string
	Sender     string
	SenderName string
	Thread     string
	Timestamp  time.Time
	Fields     map[string]any
}

// Connector fetches and normalizes one external source.
type Connector interface {
	// Name is the stable source key used for watermarks, dedup and job ids.
	Name() string

	// FetchSince returns items newer than since, already noise-filtered.
	// A total failure returns ErrTransient-wrapped errors; the caller
	// treats it as "no progress this cycle".
	FetchSince(ctx context.Context, since time.Time) ([]RawItem, error)

	// Normalize maps a raw item onto the common event shape. Missing
	// optional fields fall back: sender display name → thread/chat name →
	// "Unknown".
	Normalize(item RawItem) (event.Event, error)
}

// CursorFetcher is implemented by connectors whose source tracks incremental
// sync with an opaque token beyond the timestamp watermark. The caller
// persists the returned cursor and hands it back on the next cycle; an empty
// returned cursor means the source reported no sync point this cycle.
type CursorFetcher interface {
	Connector

	// FetchPage behaves like FetchSince but resumes from cursor when one is
	// stored. A cursor the connector cannot decode falls back to the time
	// window rather than failing the cycle.
	FetchPage(ctx context.Context, since time.Time, cursor string) ([]RawItem, string, error)
}

// senderFallback resolves the contact name for an item.
func senderFallback(item RawItem) string {
	if item.SenderName != "" {
		return item.SenderName
	}
	if item.Thread != "" {
		return item.Thread
	}
	return "Unknown"
}
