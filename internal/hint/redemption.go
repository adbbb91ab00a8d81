package hint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/trenfi/position-engine/internal/fees"
	"github.com/trenfi/position-engine/internal/fixed"
	"github.com/trenfi/position-engine/internal/metrics"
)

var (
	// ErrAmountTooLow means no part of the requested amount can be redeemed.
	ErrAmountTooLow = errors.New("hint: amount too low to redeem")

	ErrNotTruncated = errors.New("hint: redemption is not truncated")
	ErrNoHelper     = errors.New("hint: no redemption helper configured")
)

// RedemptionParams is the protocol state a redemption is planned against.
type RedemptionParams struct {
	Price     fixed.Decimal
	TotalDebt fixed.Decimal
	Fees      fees.Schedule
	// MaxRate caps the redemption rate the caller accepts. Nil derives it
	// from the expected rate plus the slippage tolerance.
	MaxRate *fixed.Decimal
}

// RedemptionPlan is everything needed to submit a redemption.
type RedemptionPlan struct {
	RequestedAmount fixed.Decimal  `json:"requestedAmount"`
	Amount          fixed.Decimal  `json:"amount"`
	FirstHint       common.Address `json:"firstRedemptionHint"`
	PartialNICR     fixed.Decimal  `json:"partialRedemptionHintNICR"`
	PartialHints    Hints          `json:"partialRedemptionHints"`
	MaxRate         fixed.Decimal  `json:"maxRedemptionRate"`

	finder *Finder
	params RedemptionParams
}

// Truncated reports whether less than the requested amount can be redeemed.
func (p RedemptionPlan) Truncated() bool {
	return p.Amount.Lt(p.RequestedAmount)
}

// IncreaseAmountByMinimumNetDebt plans the next amount that is guaranteed
// to be redeemable, the truncated amount plus one minimum net debt. maxRate
// replaces the previous cap; nil keeps the cap of p.
func (p RedemptionPlan) IncreaseAmountByMinimumNetDebt(ctx context.Context, maxRate *fixed.Decimal) (RedemptionPlan, error) {
	if !p.Truncated() {
		return RedemptionPlan{}, ErrNotTruncated
	}
	if maxRate == nil {
		m := p.MaxRate
		maxRate = &m
	}
	params := p.params
	params.MaxRate = maxRate
	return p.finder.FindRedemptionHints(ctx, p.Amount.Add(p.finder.opts.MinimumNetDebt), params)
}

// FindRedemptionHints asks the ledger how much of amount can be redeemed
// and where to start, then finds insertion hints for the position that is
// left partially redeemed.
func (f *Finder) FindRedemptionHints(ctx context.Context, amount fixed.Decimal, params RedemptionParams) (RedemptionPlan, error) {
	if f.helper == nil {
		return RedemptionPlan{}, ErrNoHelper
	}
	start := time.Now()
	defer func() { metrics.HintLatency.WithLabelValues("redemption").Observe(time.Since(start).Seconds()) }()

	r, err := f.helper.RedemptionHints(ctx, amount, params.Price, f.opts.MaxIterations)
	if err != nil {
		return RedemptionPlan{}, err
	}
	if r.TruncatedAmount.IsZero() {
		return RedemptionPlan{}, fmt.Errorf("%w: try at least %s", ErrAmountTooLow, f.opts.MinimumNetDebt)
	}

	partial := Hints{Prev: Sentinel, Next: Sentinel}
	if r.PartialNICR.NonZero() {
		if partial, err = f.FindHintsForNominalRatio(ctx, r.PartialNICR, Sentinel); err != nil {
			return RedemptionPlan{}, err
		}
	}

	maxRate := f.defaultMaxRate(r.TruncatedAmount, params)
	if params.MaxRate != nil {
		maxRate = *params.MaxRate
	}

	return RedemptionPlan{
		RequestedAmount: amount,
		Amount:          r.TruncatedAmount,
		FirstHint:       r.FirstHint,
		PartialNICR:     r.PartialNICR,
		PartialHints:    partial,
		MaxRate:         maxRate,
		finder:          f,
		params:          params,
	}, nil
}

// defaultMaxRate is min(redemptionRate(amount/totalDebt) + slippage, 1).
func (f *Finder) defaultMaxRate(amount fixed.Decimal, params RedemptionParams) fixed.Decimal {
	fraction := fixed.One
	if params.TotalDebt.NonZero() {
		fraction = fixed.Min(amount.DivFloor(params.TotalDebt), fixed.One)
	}
	rate := params.Fees.RedemptionRate(fraction).Add(f.opts.SlippageTolerance)
	return fixed.Min(rate, fixed.One)
}
