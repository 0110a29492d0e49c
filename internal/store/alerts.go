package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrInvalidTransition marks a rejected alert status change.
var ErrInvalidTransition = errors.New("invalid alert status transition")

const insertAlertSQL = `INSERT INTO alerts (tier, title, body, action_required, trigger_id, contact_id, deal_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING id, status, created_at, updated_at`

const alertCols = `id, tier, title, body, action_required, status,
	trigger_id, contact_id, deal_id, created_at, updated_at`

const listPendingAlertsSQL = `SELECT ` + alertCols + ` FROM alerts
	WHERE status = 'pending'
	ORDER BY tier ASC, created_at DESC
	LIMIT $1`

const listAlertsByStatusSQL = `SELECT ` + alertCols + ` FROM alerts
	WHERE status = $1
	ORDER BY created_at DESC
	LIMIT $2`

const getAlertStatusSQL = `SELECT status FROM alerts WHERE id = $1`

// updateAlertStatusSQL guards the transition in the statement itself: the
// row only changes when its current status is one the target may follow, so
// two concurrent updates cannot both pass a read-side check and double-apply.
const updateAlertStatusSQL = `UPDATE alerts SET status = $2, updated_at = now()
	WHERE id = $1 AND status = ANY($3)`

// allowedFrom maps each target status to the statuses it may follow, the
// forward-only machine pending→acknowledged→resolved and pending→dismissed.
var allowedFrom = map[string][]string{
	AlertAcknowledged: {AlertPending},
	AlertDismissed:    {AlertPending},
	AlertResolved:     {AlertAcknowledged},
}

// InsertAlert creates a pending alert. The caller must have normalized the
// tier already (event.NormalizeTier); the CHECK constraint is the backstop.
func (s *Store) InsertAlert(ctx context.Context, a *Alert) error {
	err := s.pool.QueryRow(ctx, insertAlertSQL,
		a.Tier, a.Title, a.Body, a.ActionRequired, a.TriggerID, a.ContactID, a.DealID,
	).Scan(&a.ID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}
	return nil
}

// ListPendingAlerts returns up to limit pending alerts, most urgent first.
func (s *Store) ListPendingAlerts(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, listPendingAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending alerts: %w", err)
	}
	defer rows.Close()
	return s.scanAlerts(rows)
}

// ListAlertsByStatus returns up to limit alerts in the given status.
func (s *Store) ListAlertsByStatus(ctx context.Context, status string, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, listAlertsByStatusSQL, status, limit)
	if err != nil {
		return nil, fmt.Errorf("listing alerts by status: %w", err)
	}
	defer rows.Close()
	return s.scanAlerts(rows)
}

// UpdateAlertStatus moves an alert through the forward-only status machine.
// Rejects anything outside pending→acknowledged→resolved and
// pending→dismissed with ErrInvalidTransition. The transition is applied as
// a single conditional UPDATE, so concurrent callers racing on the same
// alert see exactly one winner.
func (s *Store) UpdateAlertStatus(ctx context.Context, id uuid.UUID, next string) error {
	from, ok := allowedFrom[next]
	if !ok {
		return fmt.Errorf("%w: unknown target status %q", ErrInvalidTransition, next)
	}

	tag, err := s.pool.Exec(ctx, updateAlertStatusSQL, id, next, from)
	if err != nil {
		return fmt.Errorf("updating alert %s status: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing matched: the alert is missing or its status disallows the
	// move. Re-read to tell the two apart.
	var current string
	if err := s.pool.QueryRow(ctx, getAlertStatusSQL, id).Scan(&current); err != nil {
		return fmt.Errorf("reading alert %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, next)
}

func (s *Store) scanAlerts(rows pgx.Rows) ([]Alert, error) {
	var alerts []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.Tier, &a.Title, &a.Body, &a.ActionRequired,
			&a.Status, &a.TriggerID, &a.ContactID, &a.DealID, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alerts: %w", err)
	}
	return alerts, nil
}
