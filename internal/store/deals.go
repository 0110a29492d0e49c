package store

import (
	"context"
	"fmt"
)

const listActiveDealsSQL = `SELECT id, name, stage, contact_id, amount, notes, active, created_at, updated_at
	FROM deals
	WHERE active
	ORDER BY updated_at DESC`

// ListActiveDeals returns all open deals, most recently touched first.
func (s *Store) ListActiveDeals(ctx context.Context) ([]Deal, error) {
	rows, err := s.pool.Query(ctx, listActiveDealsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing active deals: %w", err)
	}
	defer rows.Close()

	var deals []Deal
	for rows.Next() {
		var d Deal
		if err := rows.Scan(&d.ID, &d.Name, &d.Stage, &d.ContactID, &d.Amount,
			&d.Notes, &d.Active, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning deal: %w", err)
		}
		deals = append(deals, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deals: %w", err)
	}
	return deals, nil
}
