package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const contactCols = `id, name, aliases, communication_style, response_pattern,
	preferred_channel, active_deals, metadata, last_contact_at, created_at, updated_at`

// upsertContactSQL merges partial fields into an existing contact. COALESCE
// keeps stored values when the update carries NULL — an absent field never
// overwrites a present one. Metadata merges via JSONB ||; active_deals keeps
// the distinct union. GREATEST ignores NULLs, so last_contact_at only moves
// forward.
const upsertContactSQL = `INSERT INTO contacts
	(name, communication_style, response_pattern, preferred_channel, active_deals, metadata, last_contact_at)
	VALUES ($1, $2, $3, $4, COALESCE($5, '{}'::text[]), COALESCE($6, '{}'::jsonb), $7)
	ON CONFLICT (name) DO UPDATE SET
		communication_style = COALESCE(EXCLUDED.communication_style, contacts.communication_style),
		response_pattern    = COALESCE(EXCLUDED.response_pattern, contacts.response_pattern),
		preferred_channel   = COALESCE(EXCLUDED.preferred_channel, contacts.preferred_channel),
		active_deals        = ARRAY(SELECT DISTINCT d FROM unnest(contacts.active_deals || EXCLUDED.active_deals) AS d),
		metadata            = contacts.metadata || EXCLUDED.metadata,
		last_contact_at     = GREATEST(contacts.last_contact_at, EXCLUDED.last_contact_at),
		updated_at          = now()
	RETURNING ` + contactCols

const getContactByNameSQL = `SELECT ` + contactCols + ` FROM contacts WHERE name = $1`

// fuzzyContactSQL picks the single best trigram match above the threshold.
// Requires the pg_trgm extension (created by migrations).
const fuzzyContactSQL = `SELECT ` + contactCols + `, similarity(name, $1) AS sim
	FROM contacts
	WHERE similarity(name, $1) > $2
	ORDER BY sim DESC
	LIMIT 1`

// UpsertContact merges update into the contact named name, creating it when
// absent. The advisory lock serializes concurrent upserts of the same name
// across processes.
func (s *Store) UpsertContact(ctx context.Context, name string, update ContactUpdate) (*Contact, error) {
	if name == "" {
		return nil, fmt.Errorf("contact name is required")
	}

	var metadata []byte
	if update.Metadata != nil {
		var err error
		metadata, err = json.Marshal(update.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshaling contact metadata: %w", err)
		}
	}

	var contact *Contact
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "contact:"+name); err != nil {
			return fmt.Errorf("acquiring contact lock: %w", err)
		}

		row := tx.QueryRow(ctx, upsertContactSQL,
			name,
			update.CommunicationStyle,
			update.ResponsePattern,
			update.PreferredChannel,
			update.ActiveDeals,
			metadata,
			update.LastContactAt,
		)
		c, err := s.scanContact(row)
		if err != nil {
			return fmt.Errorf("upserting contact %q: %w", name, err)
		}
		contact = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return contact, nil
}

// GetContactByName returns the contact with the exact name, or nil when none
// exists.
func (s *Store) GetContactByName(ctx context.Context, name string) (*Contact, error) {
	row := s.pool.QueryRow(ctx, getContactByNameSQL, name)
	c, err := s.scanContact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting contact %q: %w", name, err)
	}
	return c, nil
}

// FindContactFuzzy returns the best fuzzy name match above threshold, or nil
// when nothing clears it.
func (s *Store) FindContactFuzzy(ctx context.Context, name string, threshold float32) (*Contact, error) {
	row := s.pool.QueryRow(ctx, fuzzyContactSQL, name, threshold)

	var c Contact
	var metadata []byte
	var sim float32
	err := row.Scan(&c.ID, &c.Name, &c.Aliases, &c.CommunicationStyle,
		&c.ResponsePattern, &c.PreferredChannel, &c.ActiveDeals, &metadata,
		&c.LastContactAt, &c.CreatedAt, &c.UpdatedAt, &sim)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fuzzy contact lookup for %q: %w", name, err)
	}
	s.unmarshalContactMetadata(metadata, &c)
	return &c, nil
}

func (s *Store) scanContact(row pgx.Row) (*Contact, error) {
	var c Contact
	var metadata []byte
	err := row.Scan(&c.ID, &c.Name, &c.Aliases, &c.CommunicationStyle,
		&c.ResponsePattern, &c.PreferredChannel, &c.ActiveDeals, &metadata,
		&c.LastContactAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.unmarshalContactMetadata(metadata, &c)
	return &c, nil
}

// unmarshalContactMetadata decodes metadata with a warning instead of
// failing the whole lookup when stored JSON is malformed.
func (s *Store) unmarshalContactMetadata(data []byte, c *Contact) {
	if len(data) == 0 {
		return
	}
	if err := json.Unmarshal(data, &c.Metadata); err != nil {
		s.logger.Warn("contact metadata unmarshal failed, dropping",
			"contact", c.Name, "error", err)
		c.Metadata = nil
	}
}
