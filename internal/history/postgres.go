package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trenfi/position-engine/internal/model"
)

// Schema creates the change log table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS position_changes (
	id              UUID PRIMARY KEY,
	owner           TEXT        NOT NULL,
	block_tag       BIGINT      NOT NULL,
	block_timestamp TIMESTAMPTZ NOT NULL,
	fields          TEXT[]      NOT NULL,
	changed_values  JSONB       NOT NULL,
	recorded_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS position_changes_owner_block ON position_changes (owner, block_tag DESC);
`

// PostgresStore implements Store on PostgreSQL. Records are append-only.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, r model.ChangeRecord) error {
	values, err := json.Marshal(r.Values)
	if err != nil {
		return fmt.Errorf("encode values: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO position_changes (id, owner, block_tag, block_timestamp, fields, changed_values, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7)`,
		r.ID.String(), r.Owner, int64(r.BlockTag), r.BlockTimestamp,
		r.Fields, string(values), r.RecordedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (model.ChangeRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id::TEXT, owner, block_tag, block_timestamp, fields, changed_values::TEXT, recorded_at
		 FROM position_changes WHERE id = $1`, id.String())
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ChangeRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return model.ChangeRecord{}, fmt.Errorf("get record %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, q model.ChangeQuery) ([]model.ChangeRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, owner, block_tag, block_timestamp, fields, changed_values::TEXT, recorded_at
		 FROM position_changes
		 WHERE ($1 = '' OR owner = $1)
		   AND ($2 = '' OR $2 = ANY(fields))
		   AND block_tag >= $3
		 ORDER BY block_tag DESC, recorded_at DESC
		 LIMIT $4`,
		q.Owner, q.Field, int64(q.FromBlock), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ChangeRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (model.ChangeRecord, error) {
	var r model.ChangeRecord
	var idS, valuesS string
	var block int64
	if err := row.Scan(&idS, &r.Owner, &block, &r.BlockTimestamp, &r.Fields, &valuesS, &r.RecordedAt); err != nil {
		return model.ChangeRecord{}, err
	}
	id, err := uuid.Parse(idS)
	if err != nil {
		return model.ChangeRecord{}, err
	}
	r.ID = id
	r.BlockTag = uint64(block)
	if err := json.Unmarshal([]byte(valuesS), &r.Values); err != nil {
		return model.ChangeRecord{}, fmt.Errorf("decode values: %w", err)
	}
	return r, nil
}
