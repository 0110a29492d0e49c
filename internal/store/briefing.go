package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const enqueueBriefingSQL = `INSERT INTO briefing_queue (item) VALUES ($1) RETURNING id, created_at`

const drainBriefingSQL = `DELETE FROM briefing_queue RETURNING id, item, created_at`

// EnqueueBriefingItem stores a low-priority item for the daily digest.
func (s *Store) EnqueueBriefingItem(ctx context.Context, item map[string]any) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling briefing item: %w", err)
	}
	var b BriefingItem
	if err := s.pool.QueryRow(ctx, enqueueBriefingSQL, data).Scan(&b.ID, &b.CreatedAt); err != nil {
		return fmt.Errorf("enqueueing briefing item: %w", err)
	}
	return nil
}

// DrainBriefingQueue removes and returns all queued items. The transaction
// makes the snapshot and delete atomic against concurrent enqueues; once it
// returns, the rows are gone, so a caller whose digest fails downstream must
// re-enqueue the batch itself.
func (s *Store) DrainBriefingQueue(ctx context.Context) ([]BriefingItem, error) {
	var items []BriefingItem
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, drainBriefingSQL)
		if err != nil {
			return fmt.Errorf("draining briefing queue: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var b BriefingItem
			var data []byte
			if err := rows.Scan(&b.ID, &data, &b.CreatedAt); err != nil {
				return fmt.Errorf("scanning briefing item: %w", err)
			}
			if err := json.Unmarshal(data, &b.Item); err != nil {
				s.logger.Warn("briefing item unmarshal failed, dropping",
					"id", b.ID, "error", err)
				continue
			}
			items = append(items, b)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating briefing queue: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}
