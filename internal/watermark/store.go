// Package watermark persists per-source poll progress and the processed-item
// set that together guarantee at-most-once processing per (source, id).
//
// The relational store is the single source of truth: callers re-read the
// watermark at the start of every poll cycle and never cache it in-process,
// so an operator reset between cycles takes effect immediately.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FallbackWindow is how far back a source with no stored watermark starts.
const FallbackWindow = 24 * time.Hour

const (
	getWatermarkSQL = `SELECT last_seen FROM watermarks WHERE source = $1`

	// Advance never moves the stored value backwards; GREATEST keeps the
	// max even when two cycles race across processes.
	advanceWatermarkSQL = `INSERT INTO watermarks (source, last_seen, updated_at)
	VALUES ($1, $2, now())
	ON CONFLICT (source) DO UPDATE
	SET last_seen = GREATEST(watermarks.last_seen, EXCLUDED.last_seen), updated_at = now()`

	// Reset is the explicit backfill override: unconditional overwrite.
	resetWatermarkSQL = `INSERT INTO watermarks (source, last_seen, updated_at)
	VALUES ($1, $2, now())
	ON CONFLICT (source) DO UPDATE
	SET last_seen = EXCLUDED.last_seen, updated_at = now()`

	getCursorSQL = `SELECT cursor FROM watermarks WHERE source = $1`

	setCursorSQL = `INSERT INTO watermarks (source, last_seen, cursor, updated_at)
	VALUES ($1, now() - interval '24 hours', $2, now())
	ON CONFLICT (source) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = now()`

	markProcessedSQL = `INSERT INTO processed_items (source, source_id)
	VALUES ($1, $2)
	ON CONFLICT (source, source_id) DO NOTHING`

	isProcessedSQL = `SELECT EXISTS(
	SELECT 1 FROM processed_items WHERE source = $1 AND source_id = $2)`
)

// Store reads and mutates watermark and processed-set state.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewStore creates a watermark Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger, now: time.Now}, nil
}

// Get returns the last processed timestamp for source. A source with no
// stored watermark falls back to now minus FallbackWindow so a fresh
// deployment does not replay the source's full history.
func (s *Store) Get(ctx context.Context, source string) (time.Time, error) {
	var ts time.Time
	err := s.pool.QueryRow(ctx, getWatermarkSQL, source).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		fallback := s.now().Add(-FallbackWindow)
		s.logger.Debug("no watermark for source, using fallback",
			"source", source, "fallback", fallback)
		return fallback, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading watermark for %s: %w", source, err)
	}
	return ts, nil
}

// Advance moves the watermark for source forward to ts. Timestamps in the
// future are capped at now (a source clock skew must not make the watermark
// skip genuinely new items). Moving backwards is a silent no-op.
func (s *Store) Advance(ctx context.Context, source string, ts time.Time) error {
	if now := s.now(); ts.After(now) {
		s.logger.Warn("watermark timestamp in the future, capping at now",
			"source", source, "timestamp", ts)
		ts = now
	}
	if _, err := s.pool.Exec(ctx, advanceWatermarkSQL, source, ts); err != nil {
		return fmt.Errorf("advancing watermark for %s: %w", source, err)
	}
	return nil
}

// Reset overwrites the watermark unconditionally. Operator backfill only.
func (s *Store) Reset(ctx context.Context, source string, ts time.Time) error {
	if _, err := s.pool.Exec(ctx, resetWatermarkSQL, source, ts); err != nil {
		return fmt.Errorf("resetting watermark for %s: %w", source, err)
	}
	s.logger.Info("watermark reset", "source", source, "timestamp", ts)
	return nil
}

// GetCursor returns the opaque connector cursor for source, or "" when none
// is stored.
func (s *Store) GetCursor(ctx context.Context, source string) (string, error) {
	var cursor *string
	err := s.pool.QueryRow(ctx, getCursorSQL, source).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading cursor for %s: %w", source, err)
	}
	if cursor == nil {
		return "", nil
	}
	return *cursor, nil
}

// SetCursor stores the opaque connector cursor for source.
func (s *Store) SetCursor(ctx context.Context, source, cursor string) error {
	if _, err := s.pool.Exec(ctx, setCursorSQL, source, cursor); err != nil {
		return fmt.Errorf("storing cursor for %s: %w", source, err)
	}
	return nil
}

// MarkProcessed records (source, id) in the processed set. Idempotent.
func (s *Store) MarkProcessed(ctx context.Context, source, id string) error {
	if _, err := s.pool.Exec(ctx, markProcessedSQL, source, id); err != nil {
		return fmt.Errorf("marking %s/%s processed: %w", source, id, err)
	}
	return nil
}

// IsProcessed reports whether (source, id) was already processed.
func (s *Store) IsProcessed(ctx context.Context, source, id string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, isProcessedSQL, source, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking processed for %s/%s: %w", source, id, err)
	}
	return exists, nil
}
