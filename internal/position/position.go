// Package position models a borrower's collateral/debt position and the
// arithmetic of opening, adjusting and closing it.
//
// Position is an immutable value: every operation returns a fresh value.
// Protocol constants (liquidation reserve, minimum ratios) live in Rules so
// one binary can serve several deployments.
package position

import (
	"errors"
	"fmt"

	"github.com/trenfi/position-engine/internal/fixed"
)

var (
	// ErrNetDebtUndefined is returned when debt is below the liquidation
	// reserve, so netDebt would be negative.
	ErrNetDebtUndefined = errors.New("position: net debt undefined below liquidation reserve")

	// ErrCreateOnExisting is returned when a creation is applied to a
	// non-empty position.
	ErrCreateOnExisting = errors.New("position: can't create onto existing position")

	// ErrCloseEmpty is returned when a closure is applied to an empty position.
	ErrCloseEmpty = errors.New("position: can't close empty position")

	// ErrNotCreation is returned by Recreate when the target cannot be
	// reached by a valid creation.
	ErrNotCreation = errors.New("position: target is not a valid creation")

	// ErrNotAdjustment is returned by AdjustTo when reaching the target is
	// not an adjustment.
	ErrNotAdjustment = errors.New("position: target is not an adjustment")
)

// Hundred scales the nominal ratio.
var Hundred = fixed.FromInt(100)

// Position is a {collateral, debt} pair.
type Position struct {
	Collateral fixed.Decimal `json:"collateral"`
	Debt       fixed.Decimal `json:"debt"`
}

// Empty is the canonical empty position.
var Empty = Position{}

// New returns a position with the given collateral and debt.
func New(collateral, debt fixed.Decimal) Position {
	return Position{Collateral: collateral, Debt: debt}
}

// IsEmpty reports whether both collateral and debt are zero.
func (p Position) IsEmpty() bool {
	return p.Collateral.IsZero() && p.Debt.IsZero()
}

// Ratio returns collateral * price / debt; Infinity when there is no debt.
func (p Position) Ratio(price fixed.Decimal) fixed.Decimal {
	return p.Collateral.MulDiv(price, p.Debt)
}

// NominalRatio returns collateral * 100 / debt, the price-independent key
// the ledger sorts positions by.
func (p Position) NominalRatio() fixed.Decimal {
	return p.Collateral.MulDiv(Hundred, p.Debt)
}

// Add returns the field-wise sum.
func (p Position) Add(o Position) Position {
	return Position{Collateral: p.Collateral.Add(o.Collateral), Debt: p.Debt.Add(o.Debt)}
}

// AddCollateral returns p with collateral increased by x.
func (p Position) AddCollateral(x fixed.Decimal) Position {
	return Position{Collateral: p.Collateral.Add(x), Debt: p.Debt}
}

// AddDebt returns p with debt increased by x.
func (p Position) AddDebt(x fixed.Decimal) Position {
	return Position{Collateral: p.Collateral, Debt: p.Debt.Add(x)}
}

// Subtract returns the field-wise difference, each field clamped at zero.
func (p Position) Subtract(o Position) Position {
	return Position{Collateral: clampedSub(p.Collateral, o.Collateral), Debt: clampedSub(p.Debt, o.Debt)}
}

// SubtractCollateral returns p with collateral reduced by x, clamped at zero.
func (p Position) SubtractCollateral(x fixed.Decimal) Position {
	return Position{Collateral: clampedSub(p.Collateral, x), Debt: p.Debt}
}

// SubtractDebt returns p with debt reduced by x, clamped at zero.
func (p Position) SubtractDebt(x fixed.Decimal) Position {
	return Position{Collateral: p.Collateral, Debt: clampedSub(p.Debt, x)}
}

// SetCollateral returns p with collateral replaced.
func (p Position) SetCollateral(x fixed.Decimal) Position {
	return Position{Collateral: x, Debt: p.Debt}
}

// SetDebt returns p with debt replaced.
func (p Position) SetDebt(x fixed.Decimal) Position {
	return Position{Collateral: p.Collateral, Debt: x}
}

// Multiply scales both fields by m.
func (p Position) Multiply(m fixed.Decimal) Position {
	return Position{Collateral: p.Collateral.Mul(m), Debt: p.Debt.Mul(m)}
}

// Equal reports exact field equality.
func (p Position) Equal(o Position) bool {
	return p.Collateral.Equal(o.Collateral) && p.Debt.Equal(o.Debt)
}

func (p Position) String() string {
	return fmt.Sprintf("{ collateral: %s, debt: %s }", p.Collateral, p.Debt)
}

func clampedSub(a, b fixed.Decimal) fixed.Decimal {
	if a.Gt(b) {
		return a.Sub(b)
	}
	return fixed.Zero
}
