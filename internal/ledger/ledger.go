// Package ledger defines how the engine reads the remote ledger.
//
// The Reader and EventSource interfaces are implemented by a chain client
// in production. Simulator is an in-memory ledger used by tests and by the
// serve command's simulation mode; CachedReader adds a Redis cache for reads
// pinned to a block, which never change.
package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/trenfi/position-engine/internal/fixed"
	"github.com/trenfi/position-engine/internal/position"
)

var (
	// ErrUnknownBlock is returned for reads pinned to a block the reader
	// has no state for.
	ErrUnknownBlock = errors.New("ledger: unknown block")

	// ErrUnknownPosition is returned when walking the sorted list from an
	// address that is not in it.
	ErrUnknownPosition = errors.New("ledger: position not in list")
)

// Tag selects the ledger state a read observes.
type Tag struct {
	block  uint64
	pinned bool
}

// Latest reads the most recent state.
var Latest = Tag{}

// AtBlock pins a read to block n.
func AtBlock(n uint64) Tag {
	return Tag{block: n, pinned: true}
}

// Block returns the pinned block number.
func (t Tag) Block() (uint64, bool) {
	return t.block, t.pinned
}

func (t Tag) String() string {
	if !t.pinned {
		return "latest"
	}
	return strconv.FormatUint(t.block, 10)
}

// FeeState is the raw fee data stored on the ledger.
type FeeState struct {
	BaseRate         fixed.Decimal `json:"base_rate"`
	LastFeeOperation time.Time     `json:"last_fee_operation"`
}

// Reader reads ledger fields at a tag.
type Reader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, tag Tag) (time.Time, error)

	Price(ctx context.Context, tag Tag) (fixed.Decimal, error)
	NumberOfPositions(ctx context.Context, tag Tag) (uint64, error)
	Total(ctx context.Context, tag Tag) (position.Position, error)
	TotalRedistributed(ctx context.Context, tag Tag) (position.Position, error)
	Fees(ctx context.Context, tag Tag) (FeeState, error)

	PositionBeforeRedistribution(ctx context.Context, tag Tag, owner common.Address) (position.PendingRedistributionPosition, error)
	// RiskiestPositionBeforeRedistribution returns the last position of
	// the sorted list, or an empty one when the list is empty.
	RiskiestPositionBeforeRedistribution(ctx context.Context, tag Tag) (position.PendingRedistributionPosition, error)

	CollateralBalance(ctx context.Context, tag Tag, owner common.Address) (fixed.Decimal, error)
	DebtTokenBalance(ctx context.Context, tag Tag, owner common.Address) (fixed.Decimal, error)
	CollateralSurplusBalance(ctx context.Context, tag Tag, owner common.Address) (fixed.Decimal, error)
}

// EventSource announces new ledger ticks (blocks).
type EventSource interface {
	Subscribe(fn func(tick uint64)) (unsubscribe func())
}
