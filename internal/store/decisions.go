package store

import (
	"context"
	"fmt"
	"slices"
)

const insertDecisionSQL = `INSERT INTO decisions (decision_text, reasoning, confidence, trigger_type)
	VALUES ($1, $2, $3, $4)
	RETURNING id, created_at`

const listRecentDecisionsSQL = `SELECT id, decision_text, reasoning, confidence, trigger_type, accepted, created_at
	FROM decisions
	ORDER BY created_at DESC
	LIMIT $1`

const setDecisionFeedbackSQL = `UPDATE decisions SET accepted = $2 WHERE id = $1`

// InsertDecision appends a decision-log entry. Unknown confidence values
// normalize to medium rather than failing the write.
func (s *Store) InsertDecision(ctx context.Context, d *Decision) error {
	confidence := d.Confidence
	if !slices.Contains([]string{ConfidenceHigh, ConfidenceMedium, ConfidenceLow}, confidence) {
		s.logger.Warn("unknown decision confidence, defaulting to medium",
			"confidence", confidence)
		confidence = ConfidenceMedium
	}
	d.Confidence = confidence

	err := s.pool.QueryRow(ctx, insertDecisionSQL,
		d.DecisionText, d.Reasoning, confidence, d.TriggerType,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting decision: %w", err)
	}
	return nil
}

// ListRecentDecisions returns the newest limit decisions.
func (s *Store) ListRecentDecisions(ctx context.Context, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx, listRecentDecisionsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing decisions: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.DecisionText, &d.Reasoning, &d.Confidence,
			&d.TriggerType, &d.Accepted, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating decisions: %w", err)
	}
	return decisions, nil
}

// SetDecisionFeedback records the human accept/reject verdict on a decision.
func (s *Store) SetDecisionFeedback(ctx context.Context, id string, accepted bool) error {
	tag, err := s.pool.Exec(ctx, setDecisionFeedbackSQL, id, accepted)
	if err != nil {
		return fmt.Errorf("recording decision feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("decision %s not found", id)
	}
	return nil
}
