// Package store is the relational persistence layer: contacts, deals,
// decisions, alerts, the trigger audit log, the briefing queue and generated
// artifacts, all backed by PostgreSQL via pgx.
//
// All SQL is parameterized; no query strings are built from input. Each
// entity's write path is a plain method returning an error — fault-tolerance
// policy (log-and-continue) belongs to the store-back writer, not here.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Contact is a person profile accumulated across interactions. Zero-valued
// optional fields are represented as nil pointers so upserts can distinguish
// "absent" from "empty" (absent never overwrites a stored value).
type Contact struct {
	ID                 uuid.UUID
	Name               string
	Aliases            []string
	CommunicationStyle *string
	ResponsePattern    *string
	PreferredChannel   *string
	ActiveDeals        []string
	Metadata           map[string]any
	LastContactAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ContactUpdate carries the partial fields of a contact upsert. Nil fields
// are left untouched in the stored row.
type ContactUpdate struct {
	CommunicationStyle *string
	ResponsePattern    *string
	PreferredChannel   *string
	ActiveDeals        []string
	Metadata           map[string]any
	LastContactAt      *time.Time
}

// Deal is an open opportunity tied to a contact.
type Deal struct {
	ID        uuid.UUID
	Name      string
	Stage     string
	ContactID *uuid.UUID
	Amount    *float64
	Notes     *string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Confidence levels for decisions.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Decision is one append-only entry in the decision log. Accepted is applied
// later by a human action and stays nil until then.
type Decision struct {
	ID           uuid.UUID
	DecisionText string
	Reasoning    *string
	Confidence   string
	TriggerType  string
	Accepted     *bool
	CreatedAt    time.Time
}

// Alert statuses. Transitions only move forward:
// pending → acknowledged → resolved, or pending → dismissed.
const (
	AlertPending      = "pending"
	AlertAcknowledged = "acknowledged"
	AlertResolved     = "resolved"
	AlertDismissed    = "dismissed"
)

// Alert is a surfaced finding. Tier is fixed at creation.
type Alert struct {
	ID             uuid.UUID
	Tier           int
	Title          string
	Body           *string
	ActionRequired *string
	Status         string
	TriggerID      *uuid.UUID
	ContactID      *uuid.UUID
	DealID         *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Trigger log statuses.
const (
	TriggerProcessing = "processing"
	TriggerCompleted  = "completed"
	TriggerFailed     = "failed"
)

// TriggerLogEntry is one row per event processed: audit trail plus the
// dedup cross-check.
type TriggerLogEntry struct {
	ID           uuid.UUID
	Source       string
	SourceID     string
	ContactName  *string
	Priority     *string
	Status       string
	Error        *string
	DurationMS   *int64
	InputTokens  *int64
	OutputTokens *int64
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// TriggerMetrics is what Complete records on a finished trigger.
type TriggerMetrics struct {
	Status       string
	Error        string
	Duration     time.Duration
	InputTokens  int64
	OutputTokens int64
}

// BriefingItem is one queued low-priority item awaiting the daily digest.
type BriefingItem struct {
	ID        uuid.UUID
	Item      map[string]any
	CreatedAt time.Time
}

// Artifact is a generated document (secondary generation output).
type Artifact struct {
	ID        uuid.UUID
	Title     string
	Format    string
	Content   string
	TriggerID *uuid.UUID
	CreatedAt time.Time
}
