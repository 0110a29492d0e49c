package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// insertTriggerSQL establishes the audit/dedup record for an event. The
// unique (source, source_id) index makes a duplicate insert fail, which the
// pipeline treats as "already processed".
const insertTriggerSQL = `INSERT INTO trigger_log (source, source_id, contact_name, priority)
	VALUES ($1, $2, $3, $4)
	RETURNING id, created_at`

const triggerExistsSQL = `SELECT EXISTS(
	SELECT 1 FROM trigger_log WHERE source = $1 AND source_id = $2)`

const completeTriggerSQL = `UPDATE trigger_log
	SET status = $2, error = NULLIF($3, ''), duration_ms = $4,
	    input_tokens = $5, output_tokens = $6, completed_at = now()
	WHERE id = $1`

const lastTriggerAtSQL = `SELECT max(created_at) FROM trigger_log WHERE source = $1`

// InsertTrigger writes the processing row for an event and returns its id.
func (s *Store) InsertTrigger(ctx context.Context, e *TriggerLogEntry) (uuid.UUID, error) {
	err := s.pool.QueryRow(ctx, insertTriggerSQL,
		e.Source, e.SourceID, e.ContactName, e.Priority,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting trigger log for %s/%s: %w", e.Source, e.SourceID, err)
	}
	return e.ID, nil
}

// TriggerExists reports whether an event was already logged. Cross-check for
// the processed set.
func (s *Store) TriggerExists(ctx context.Context, source, sourceID string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, triggerExistsSQL, source, sourceID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking trigger log for %s/%s: %w", source, sourceID, err)
	}
	return exists, nil
}

// CompleteTrigger records the outcome and metrics of a finished event.
func (s *Store) CompleteTrigger(ctx context.Context, id uuid.UUID, m TriggerMetrics) error {
	status := m.Status
	if status == "" {
		status = TriggerCompleted
	}
	_, err := s.pool.Exec(ctx, completeTriggerSQL,
		id, status, m.Error, m.Duration.Milliseconds(), m.InputTokens, m.OutputTokens)
	if err != nil {
		return fmt.Errorf("completing trigger %s: %w", id, err)
	}
	return nil
}

// LastTriggerAt returns when the source last produced a processed event, or
// nil when it never has. Feeds the silence-gap alert.
func (s *Store) LastTriggerAt(ctx context.Context, source string) (*time.Time, error) {
	var ts *time.Time
	if err := s.pool.QueryRow(ctx, lastTriggerAtSQL, source).Scan(&ts); err != nil {
		return nil, fmt.Errorf("reading last trigger for %s: %w", source, err)
	}
	return ts, nil
}
