package hint

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/trenfi/position-engine/internal/fixed"
)

// Sentinel is the list's "no neighbour" address.
var Sentinel = common.Address{}

// SortedList is the remote list of positions ordered by nominal ratio,
// highest first.
type SortedList interface {
	Size(ctx context.Context) (uint64, error)
	First(ctx context.Context) (common.Address, error)
	Prev(ctx context.Context, id common.Address) (common.Address, error)
	Next(ctx context.Context, id common.Address) (common.Address, error)
	// FindInsertPosition walks from the given hints to the exact neighbours
	// a position with nominal ratio key would be inserted between.
	FindInsertPosition(ctx context.Context, key fixed.Decimal, prevHint, nextHint common.Address) (prev, next common.Address, err error)
}

// Approx is one sampling round's best candidate.
type Approx struct {
	Hint common.Address
	// Diff is |nominal ratio of Hint - key|.
	Diff fixed.Decimal
	// Seed continues the sampler's pseudo-random sequence.
	Seed *uint256.Int
}

// Sampler draws random list members and returns the one closest to key.
type Sampler interface {
	ApproxHint(ctx context.Context, key fixed.Decimal, trials uint64, seed *uint256.Int) (Approx, error)
}

// Redemption is the ledger's answer to "how much of amount can be redeemed
// in one call, and where does it start".
type Redemption struct {
	FirstHint common.Address
	// PartialNICR is the nominal ratio of the last, partially redeemed
	// position after redemption; zero when no position is left partial.
	PartialNICR     fixed.Decimal
	TruncatedAmount fixed.Decimal
}

// RedemptionHelper computes redemption hints on the ledger.
type RedemptionHelper interface {
	RedemptionHints(ctx context.Context, amount, price fixed.Decimal, maxIterations uint64) (Redemption, error)
}
