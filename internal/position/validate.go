package position

import (
	"errors"
	"fmt"

	"github.com/trenfi/position-engine/internal/fixed"
)

var (
	// ErrDebtBelowMinimum is returned when the resulting position would
	// carry less than the minimum debt.
	ErrDebtBelowMinimum = errors.New("position: debt below minimum")

	// ErrRatioBelowMinimum is returned when the resulting position would be
	// liquidatable in normal mode.
	ErrRatioBelowMinimum = errors.New("position: collateral ratio below minimum")

	// ErrRatioBelowCritical is returned when a position opened in recovery
	// mode would sit under the critical ratio.
	ErrRatioBelowCritical = errors.New("position: collateral ratio below critical in recovery mode")

	// ErrWouldTriggerRecovery is returned when the change would push the
	// total system ratio below critical.
	ErrWouldTriggerRecovery = errors.New("position: change would trigger recovery mode")

	// ErrWithdrawalInRecovery is returned for collateral withdrawals while
	// recovery mode is in effect.
	ErrWithdrawalInRecovery = errors.New("position: no collateral withdrawal in recovery mode")

	// ErrRatioDecreaseInRecovery is returned when an adjustment in recovery
	// mode would lower the position's ratio.
	ErrRatioDecreaseInRecovery = errors.New("position: collateral ratio may not decrease in recovery mode")

	// ErrCloseInRecovery is returned for closures while recovery mode is in
	// effect.
	ErrCloseInRecovery = errors.New("position: can't close in recovery mode")

	// ErrCloseLast is returned when closing the only open position.
	ErrCloseLast = errors.New("position: can't close the last position")

	// ErrRepayExceedsNetDebt is returned when a repayment is larger than the
	// position's net debt.
	ErrRepayExceedsNetDebt = errors.New("position: repayment exceeds net debt")

	// ErrInsufficientBalance is returned when the owner does not hold enough
	// debt tokens for a repayment.
	ErrInsufficientBalance = errors.New("position: insufficient debt token balance")
)

// Context is the protocol state a change is validated against.
type Context struct {
	Total             Position
	Price             fixed.Decimal
	NumberOfPositions uint64
	// DebtTokenBalance is the owner's balance; it bounds repayments.
	DebtTokenBalance fixed.Decimal
}

// Validate checks change against protocol rules and returns the resulting
// position. A nil change is always valid.
func (r Rules) Validate(original Position, change Change, rate fixed.Decimal, ctx Context) (Position, error) {
	if change == nil {
		return original, nil
	}
	if ic, ok := change.(InvalidCreation); ok {
		return ic.Rejected, fmt.Errorf("%w: %s", ErrDebtBelowMinimum, ic.Reason)
	}

	resulting, err := r.Apply(original, change, rate)
	if err != nil {
		return original, err
	}

	recoveryMode := r.IsBelowCriticalRatio(ctx.Total, ctx.Price)
	wouldTriggerRecovery := r.IsBelowCriticalRatio(ctx.Total.Subtract(original).Add(resulting), ctx.Price)

	switch c := change.(type) {
	case Creation:
		if recoveryMode && !r.IsOpenableInRecoveryMode(resulting, ctx.Price) {
			return resulting, fmt.Errorf("%w: ratio %s", ErrRatioBelowCritical, resulting.Ratio(ctx.Price))
		}
		if err := r.checkOpen(resulting, ctx.Price, recoveryMode, wouldTriggerRecovery); err != nil {
			return resulting, err
		}

	case Closure:
		if recoveryMode {
			return resulting, ErrCloseInRecovery
		}
		if ctx.NumberOfPositions <= 1 {
			return resulting, ErrCloseLast
		}
		if c.RepayDebt.Gt(ctx.DebtTokenBalance) {
			return resulting, fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, c.RepayDebt, ctx.DebtTokenBalance)
		}

	case Adjustment:
		if c.RepayDebt.NonZero() && c.ZeroedSide != SideDebt {
			netDebt, err := r.NetDebt(original)
			if err != nil {
				return resulting, err
			}
			if c.RepayDebt.Gt(netDebt) {
				return resulting, fmt.Errorf("%w: repay %s, net debt %s", ErrRepayExceedsNetDebt, c.RepayDebt, netDebt)
			}
			if c.RepayDebt.Gt(ctx.DebtTokenBalance) {
				return resulting, fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, c.RepayDebt, ctx.DebtTokenBalance)
			}
		}
		if recoveryMode {
			if c.WithdrawCollateral.NonZero() {
				return resulting, ErrWithdrawalInRecovery
			}
			if c.BorrowDebt.NonZero() {
				if resulting.Ratio(ctx.Price).Lt(original.Ratio(ctx.Price)) {
					return resulting, ErrRatioDecreaseInRecovery
				}
				if !r.IsOpenableInRecoveryMode(resulting, ctx.Price) {
					return resulting, fmt.Errorf("%w: ratio %s", ErrRatioBelowCritical, resulting.Ratio(ctx.Price))
				}
			}
		}
		if err := r.checkOpen(resulting, ctx.Price, recoveryMode, wouldTriggerRecovery); err != nil {
			return resulting, err
		}
	}
	return resulting, nil
}

// checkOpen applies the constraints every open position must satisfy.
func (r Rules) checkOpen(p Position, price fixed.Decimal, recoveryMode, wouldTriggerRecovery bool) error {
	if p.Debt.Lt(r.MinimumDebt()) {
		return fmt.Errorf("%w: %s < %s", ErrDebtBelowMinimum, p.Debt, r.MinimumDebt())
	}
	if recoveryMode {
		return nil
	}
	if r.IsBelowMinimumRatio(p, price) {
		return fmt.Errorf("%w: ratio %s < %s", ErrRatioBelowMinimum, p.Ratio(price), r.MinimumRatio)
	}
	if wouldTriggerRecovery {
		return ErrWouldTriggerRecovery
	}
	return nil
}
