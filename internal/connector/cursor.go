package connector

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// CursorVersion is the current cursor format version.
const CursorVersion = 1

// ErrInvalidCursor indicates the cursor could not be decoded.
var ErrInvalidCursor = errors.New("connector: invalid cursor format")

// Cursor tracks incremental sync state for sources that page by an opaque
// id rather than a timestamp. Stored beside the watermark.
type Cursor struct {
	// Version is the cursor format version for future compatibility.
	Version int `json:"v"`
	// Page is the source-reported continuation token from the last sync.
	Page string `json:"page,omitempty"`
	// HistoryID is the numeric sync point for history-based sources.
	HistoryID uint64 `json:"history_id,omitempty"`
}

// NewCursor creates a new empty cursor.
func NewCursor() *Cursor {
	return &Cursor{Version: CursorVersion}
}

// Encode serialises the cursor to a base64 string for storage.
func (c *Cursor) Encode() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeCursor deserializes a cursor from a base64 string. An empty string
// yields a fresh cursor (full sync).
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return NewCursor(), nil
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	var cursor Cursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, ErrInvalidCursor
	}

	// Version check for future migrations
	if cursor.Version > CursorVersion {
		return nil, ErrInvalidCursor
	}

	return &cursor, nil
}

// IsEmpty returns true if the cursor has no sync state.
func (c *Cursor) IsEmpty() bool {
	return c.Page == "" && c.HistoryID == 0
}
