package history

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/trenfi/position-engine/internal/fixed"
	"github.com/trenfi/position-engine/internal/model"
	"github.com/trenfi/position-engine/internal/protocol"
	"github.com/trenfi/position-engine/internal/statestore"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func record(owner string, block uint64, fields ...string) model.ChangeRecord {
	values := map[string]json.RawMessage{}
	for _, f := range fields {
		values[f] = json.RawMessage(`"1"`)
	}
	return model.ChangeRecord{
		ID:             uuid.New(),
		Owner:          owner,
		BlockTag:       block,
		BlockTimestamp: t0.Add(time.Duration(block) * 12 * time.Second),
		Fields:         fields,
		Values:         values,
		RecordedAt:     t0.Add(time.Duration(block) * time.Minute),
	}
}

func TestNewRecord(t *testing.T) {
	c := protocol.Change{
		New:     protocol.State{BlockTag: 7, BlockTimestamp: t0},
		Changed: []string{protocol.FieldBlockTag, protocol.FieldPrice},
		Values: statestore.Values{
			protocol.FieldBlockTag: uint64(7),
			protocol.FieldPrice:    fixed.MustParse("201.5"),
		},
	}
	r, ok, err := NewRecord("0xabc", c, t0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, uuid.Nil, r.ID)
	require.Equal(t, uint64(7), r.BlockTag)
	require.Equal(t, []string{"blockTag", "price"}, r.Fields)
	require.JSONEq(t, `"201.5"`, string(r.Values["price"]))
	require.JSONEq(t, `7`, string(r.Values["blockTag"]))

	_, ok, err = NewRecord("0xabc", protocol.Change{}, t0)
	require.NoError(t, err)
	require.False(t, ok, "empty changes are not recorded")
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a1 := record("a", 1, "price")
	a2 := record("a", 2, "price", "total")
	b3 := record("b", 3, "total")
	for _, r := range []model.ChangeRecord{a1, a2, b3} {
		require.NoError(t, s.Append(ctx, r))
	}
	require.Error(t, s.Append(ctx, a1), "ids are unique")

	got, err := s.Get(ctx, a2.ID)
	require.NoError(t, err)
	require.Equal(t, a2.Fields, got.Fields)

	_, err = s.Get(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)

	tests := []struct {
		name string
		q    model.ChangeQuery
		want []model.ChangeRecord
	}{
		{"all newest first", model.ChangeQuery{}, []model.ChangeRecord{b3, a2, a1}},
		{"owner", model.ChangeQuery{Owner: "a"}, []model.ChangeRecord{a2, a1}},
		{"field", model.ChangeQuery{Field: "total"}, []model.ChangeRecord{b3, a2}},
		{"from block", model.ChangeQuery{FromBlock: 2}, []model.ChangeRecord{b3, a2}},
		{"limit", model.ChangeQuery{Limit: 1}, []model.ChangeRecord{b3}},
		{"no match", model.ChangeQuery{Owner: "z"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.q)
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				require.Equal(t, tt.want[i].ID, got[i].ID)
			}
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := record("a", 1, "price")
	require.NoError(t, s.Append(ctx, r))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	got.Fields[0] = "mutated"

	again, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, "price", again.Fields[0])
}

func TestRecorder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore()
	rec := NewRecorder(s, "0xabc", 8, nil)
	go rec.Run(ctx)

	rec.Observe(protocol.Change{})
	rec.Observe(protocol.Change{
		New:     protocol.State{BlockTag: 3},
		Changed: []string{protocol.FieldPrice},
		Values:  statestore.Values{protocol.FieldPrice: fixed.MustParse("199")},
	})

	require.Eventually(t, func() bool {
		got, _ := s.List(ctx, model.ChangeQuery{})
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	got, err := s.List(ctx, model.ChangeQuery{Owner: "0xabc"})
	require.NoError(t, err)
	require.Equal(t, uint64(3), got[0].BlockTag)
}

// Runs against a real database when POSENG_TEST_DATABASE_URL is set.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("POSENG_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("POSENG_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	require.NoError(t, s.Migrate(ctx))

	owner := "test-" + uuid.NewString()
	r1 := record(owner, 1, "price")
	r2 := record(owner, 2, "price", "total")
	require.NoError(t, s.Append(ctx, r1))
	require.NoError(t, s.Append(ctx, r2))

	got, err := s.Get(ctx, r2.ID)
	require.NoError(t, err)
	require.Equal(t, r2.Fields, got.Fields)
	require.JSONEq(t, `"1"`, string(got.Values["total"]))

	list, err := s.List(ctx, model.ChangeQuery{Owner: owner, Field: "total"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, r2.ID, list[0].ID)

	_, err = s.Get(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}
