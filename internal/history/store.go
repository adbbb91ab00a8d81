// Package history keeps an append-only log of committed protocol store
// changes. PostgreSQL is the durable implementation; the in-memory store
// serves tests and simulation mode.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/trenfi/position-engine/internal/metrics"
	"github.com/trenfi/position-engine/internal/model"
	"github.com/trenfi/position-engine/internal/protocol"
)

// DefaultLimit caps List results when the query sets no limit.
const DefaultLimit = 100

// ErrNotFound is returned by Get for an unknown record id.
var ErrNotFound = errors.New("history: record not found")

// Store is the persistence interface for change records.
type Store interface {
	// Append persists a new record.
	Append(ctx context.Context, r model.ChangeRecord) error

	// Get retrieves a record by id.
	Get(ctx context.Context, id uuid.UUID) (model.ChangeRecord, error)

	// List returns matching records, newest block first.
	List(ctx context.Context, q model.ChangeQuery) ([]model.ChangeRecord, error)
}

// NewRecord builds the record for a store change observed for owner.
// Changes with no changed fields yield ok == false.
func NewRecord(owner string, c protocol.Change, now time.Time) (r model.ChangeRecord, ok bool, err error) {
	if len(c.Changed) == 0 {
		return model.ChangeRecord{}, false, nil
	}
	values := make(map[string]json.RawMessage, len(c.Changed))
	for _, field := range c.Changed {
		data, err := json.Marshal(c.Values[field])
		if err != nil {
			return model.ChangeRecord{}, false, fmt.Errorf("encode %s: %w", field, err)
		}
		values[field] = data
	}
	return model.ChangeRecord{
		ID:             uuid.New(),
		Owner:          owner,
		BlockTag:       c.New.BlockTag,
		BlockTimestamp: c.New.BlockTimestamp,
		Fields:         c.Changed,
		Values:         values,
		RecordedAt:     now.UTC(),
	}, true, nil
}

// Recorder appends every change of a protocol store to a history store.
// Appends run on their own goroutine so a slow database never blocks a
// commit; when the buffer is full the record is dropped and logged.
type Recorder struct {
	store   Store
	owner   string
	records chan model.ChangeRecord
	logger  *slog.Logger
}

// NewRecorder returns a recorder with room for buffer pending records.
func NewRecorder(store Store, owner string, buffer int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		owner:   owner,
		records: make(chan model.ChangeRecord, buffer),
		logger:  logger.With("component", "history"),
	}
}

// Observe is a protocol.Store listener.
func (r *Recorder) Observe(c protocol.Change) {
	rec, ok, err := NewRecord(r.owner, c, time.Now())
	if err != nil {
		r.logger.Warn("cannot record change", "block", c.New.BlockTag, "error", err)
		return
	}
	if !ok {
		return
	}
	select {
	case r.records <- rec:
	default:
		r.logger.Warn("history buffer full, dropping record", "block", rec.BlockTag)
	}
}

// Run appends buffered records until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-r.records:
			if err := r.store.Append(ctx, rec); err != nil {
				r.logger.Error("append failed", "id", rec.ID, "error", err)
				continue
			}
			metrics.HistoryRecords.Inc()
		}
	}
}
