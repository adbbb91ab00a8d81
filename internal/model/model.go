// Package model defines the record types shared by the history stores and
// the HTTP API. Amounts inside payloads are decimal strings, never floats.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChangeRecord is an immutable record of one committed store change.
// Once created, records are never modified or deleted.
type ChangeRecord struct {
	ID             uuid.UUID `json:"id" db:"id"`
	Owner          string    `json:"owner" db:"owner"`
	BlockTag       uint64    `json:"block_tag" db:"block_tag"`
	BlockTimestamp time.Time `json:"block_timestamp" db:"block_timestamp"`
	// Fields lists the changed field names in sorted order.
	Fields []string `json:"fields" db:"fields"`
	// Values holds the JSON encoding of each changed field's new value.
	Values     map[string]json.RawMessage `json:"values" db:"values"`
	RecordedAt time.Time                  `json:"recorded_at" db:"recorded_at"`
}

// ChangeQuery filters history reads.
type ChangeQuery struct {
	Owner string
	// Field, when set, keeps only records that changed it.
	Field string
	// FromBlock is inclusive.
	FromBlock uint64
	// Limit caps the result; zero means the store default.
	Limit int
}

// Matches reports whether r passes the query's filters, ignoring Limit.
func (q ChangeQuery) Matches(r ChangeRecord) bool {
	if q.Owner != "" && q.Owner != r.Owner {
		return false
	}
	if r.BlockTag < q.FromBlock {
		return false
	}
	if q.Field == "" {
		return true
	}
	for _, f := range r.Fields {
		if f == q.Field {
			return true
		}
	}
	return false
}
