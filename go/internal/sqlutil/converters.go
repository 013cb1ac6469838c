package sqlutil

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/sqlc-dev/pqtype"
)

// Helpers for converting between Go values and nullable column types.

// ToNullRawMessage converts optional JSON to a nullable JSONB value. Empty
// input and a literal null are stored as SQL NULL.
func ToNullRawMessage(raw json.RawMessage) pqtype.NullRawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return pqtype.NullRawMessage{Valid: false}
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}
}

// FromNullRawMessage returns the JSON of a nullable JSONB value, or nil.
func FromNullRawMessage(val pqtype.NullRawMessage) json.RawMessage {
	if !val.Valid {
		return nil
	}
	return val.RawMessage
}

// FromSqlTimePtr converts sql.NullTime to a Go time pointer
func FromSqlTimePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time
	return &t
}
