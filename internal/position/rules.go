package position

import (
	"fmt"

	"github.com/trenfi/position-engine/internal/fixed"
)

// Rules holds the deployment constants the change algebra depends on.
type Rules struct {
	// LiquidationReserve is added to every new position's debt and refunded
	// on closure.
	LiquidationReserve fixed.Decimal `json:"liquidation_reserve"`

	// MinimumNetDebt is the smallest debt, excluding the reserve, an open
	// position may carry.
	MinimumNetDebt fixed.Decimal `json:"minimum_net_debt"`

	// MinimumRatio is the individual ratio below which a position can be
	// liquidated in normal mode.
	MinimumRatio fixed.Decimal `json:"minimum_ratio"`

	// CriticalRatio is the total system ratio below which recovery mode is
	// in effect.
	CriticalRatio fixed.Decimal `json:"critical_ratio"`
}

// DefaultRules returns the reference deployment's constants.
func DefaultRules() Rules {
	return Rules{
		LiquidationReserve: fixed.FromInt(200),
		MinimumNetDebt:     fixed.FromInt(1800),
		MinimumRatio:       fixed.MustParse("1.1"),
		CriticalRatio:      fixed.MustParse("1.5"),
	}
}

// MinimumDebt is the smallest total debt of an open position.
func (r Rules) MinimumDebt() fixed.Decimal {
	return r.LiquidationReserve.Add(r.MinimumNetDebt)
}

// NetDebt returns debt minus the liquidation reserve.
func (r Rules) NetDebt(p Position) (fixed.Decimal, error) {
	if p.Debt.Lt(r.LiquidationReserve) {
		return fixed.Zero, fmt.Errorf("%w: debt %s, reserve %s", ErrNetDebtUndefined, p.Debt, r.LiquidationReserve)
	}
	return p.Debt.Sub(r.LiquidationReserve), nil
}

// IsBelowMinimumRatio reports whether p could be liquidated at price in
// normal mode.
func (r Rules) IsBelowMinimumRatio(p Position, price fixed.Decimal) bool {
	return p.Ratio(price).Lt(r.MinimumRatio)
}

// IsBelowCriticalRatio reports whether p's ratio is under the recovery mode
// threshold.
func (r Rules) IsBelowCriticalRatio(p Position, price fixed.Decimal) bool {
	return p.Ratio(price).Lt(r.CriticalRatio)
}

// IsOpenableInRecoveryMode reports whether p may be opened while the system
// is in recovery mode.
func (r Rules) IsOpenableInRecoveryMode(p Position, price fixed.Decimal) bool {
	return p.Ratio(price).Gte(r.CriticalRatio)
}

// ApplyFee returns amount plus the borrowing fee on it, truncated.
func ApplyFee(rate, amount fixed.Decimal) fixed.Decimal {
	return amount.Mul(fixed.One.Add(rate))
}

// UnapplyFee returns the smallest amount whose fee-inclusive value is at
// least target.
func UnapplyFee(rate, target fixed.Decimal) fixed.Decimal {
	return target.DivCeil(fixed.One.Add(rate))
}

// Diff computes the change that turns from into to at the given borrowing
// rate. ok is false when the positions are equal.
func (r Rules) Diff(from, to Position, rate fixed.Decimal) (change Change, ok bool) {
	if from.Equal(to) {
		return nil, false
	}

	if from.IsEmpty() {
		if to.Debt.Lt(r.LiquidationReserve) {
			return InvalidCreation{Rejected: to, Reason: ReasonMissingLiquidationReserve}, true
		}
		return Creation{
			DepositCollateral: to.Collateral,
			BorrowDebt:        UnapplyFee(rate, to.Debt.Sub(r.LiquidationReserve)),
		}, true
	}

	if to.IsEmpty() {
		c := Closure{WithdrawCollateral: from.Collateral}
		if from.Debt.Gt(r.LiquidationReserve) {
			c.RepayDebt = from.Debt.Sub(r.LiquidationReserve)
		}
		return c, true
	}

	var a Adjustment
	switch {
	case to.Debt.Gt(from.Debt):
		a.BorrowDebt = UnapplyFee(rate, to.Debt.Sub(from.Debt))
	case to.Debt.Lt(from.Debt):
		a.RepayDebt = from.Debt.Sub(to.Debt)
	}
	switch {
	case to.Collateral.Gt(from.Collateral):
		a.DepositCollateral = to.Collateral.Sub(from.Collateral)
	case to.Collateral.Lt(from.Collateral):
		a.WithdrawCollateral = from.Collateral.Sub(to.Collateral)
	}
	switch {
	case to.Debt.IsZero():
		a.ZeroedSide = SideDebt
	case to.Collateral.IsZero():
		a.ZeroedSide = SideCollateral
	}
	return a, true
}

// Apply returns p after change at the given borrowing rate. A nil change
// leaves p as is.
func (r Rules) Apply(p Position, change Change, rate fixed.Decimal) (Position, error) {
	switch c := change.(type) {
	case nil:
		return p, nil

	case InvalidCreation:
		if !p.IsEmpty() {
			return p, fmt.Errorf("%w: %s", ErrCreateOnExisting, p)
		}
		return c.Rejected, nil

	case Creation:
		if !p.IsEmpty() {
			return p, fmt.Errorf("%w: %s", ErrCreateOnExisting, p)
		}
		return New(c.DepositCollateral, r.LiquidationReserve.Add(ApplyFee(rate, c.BorrowDebt))), nil

	case Closure:
		if p.IsEmpty() {
			return p, ErrCloseEmpty
		}
		return Empty, nil

	case Adjustment:
		debtIncrease := fixed.Zero
		if c.BorrowDebt.NonZero() {
			debtIncrease = ApplyFee(rate, c.BorrowDebt)
		}
		switch c.ZeroedSide {
		case SideCollateral:
			return p.SetCollateral(fixed.Zero).AddDebt(debtIncrease).SubtractDebt(c.RepayDebt), nil
		case SideDebt:
			return p.SetDebt(fixed.Zero).AddCollateral(c.DepositCollateral).SubtractCollateral(c.WithdrawCollateral), nil
		default:
			return p.Add(New(c.DepositCollateral, debtIncrease)).Subtract(New(c.WithdrawCollateral, c.RepayDebt)), nil
		}

	default:
		return p, fmt.Errorf("position: unknown change %T", change)
	}
}

// Create returns the position produced by opening with params.
func (r Rules) Create(params Creation, rate fixed.Decimal) Position {
	p, _ := r.Apply(Empty, params, rate)
	return p
}

// Recreate returns the creation params that would open target. It is the
// inverse of Create.
func (r Rules) Recreate(target Position, rate fixed.Decimal) (Creation, error) {
	change, ok := r.Diff(Empty, target, rate)
	c, isCreation := change.(Creation)
	if !ok || !isCreation {
		return Creation{}, fmt.Errorf("%w: %s", ErrNotCreation, target)
	}
	return c, nil
}

// Adjust returns p after applying params.
func (r Rules) Adjust(p Position, params Adjustment, rate fixed.Decimal) (Position, error) {
	return r.Apply(p, params, rate)
}

// AdjustTo returns the adjustment that turns p into target. It is the
// inverse of Adjust.
func (r Rules) AdjustTo(p, target Position, rate fixed.Decimal) (Adjustment, error) {
	change, ok := r.Diff(p, target, rate)
	a, isAdjustment := change.(Adjustment)
	if !ok || !isAdjustment {
		return Adjustment{}, fmt.Errorf("%w: %s to %s", ErrNotAdjustment, p, target)
	}
	return a, nil
}
