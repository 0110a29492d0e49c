// Package event defines the normalized event shape shared by all source
// connectors and the pipeline, plus the deterministic priority and tier
// rules applied to it.
package event

import (
	"time"
)

// Type discriminates the source kind of an event.
type Type string

const (
	TypeEmail     Type = "email"
	TypeMessaging Type = "messaging"
	TypeMeeting   Type = "meeting"
	TypeScheduled Type = "scheduled"
	TypeScan      Type = "scan"
)

// Priority is the routing class assigned by classification.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Event is the common shape every connector normalizes into. Immutable once
// created; (Type, SourceID) is the dedup key. Per-source extra fields live
// in Metadata, never as ad hoc attributes.
type Event struct {
	Type        Type           `json:"type"`
	SourceID    string         `json:"source_id"`
	Content     string         `json:"content"`
	ContactName string         `json:"contact_name,omitempty"`
	Priority    Priority       `json:"priority"`
	ReceivedAt  time.Time      `json:"received_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
