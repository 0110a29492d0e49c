package store

import (
	"context"
	"fmt"
)

const insertArtifactSQL = `INSERT INTO artifacts (title, format, content, trigger_id)
	VALUES ($1, $2, $3, $4)
	RETURNING id, created_at`

// InsertArtifact stores a generated document.
func (s *Store) InsertArtifact(ctx context.Context, a *Artifact) error {
	err := s.pool.QueryRow(ctx, insertArtifactSQL,
		a.Title, a.Format, a.Content, a.TriggerID,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting artifact: %w", err)
	}
	return nil
}
