package position

import "github.com/trenfi/position-engine/internal/fixed"

// Kind identifies a Change variant.
type Kind string

const (
	KindInvalidCreation Kind = "invalidCreation"
	KindCreation        Kind = "creation"
	KindClosure         Kind = "closure"
	KindAdjustment      Kind = "adjustment"
)

// ReasonMissingLiquidationReserve is the only reason a creation is rejected.
const ReasonMissingLiquidationReserve = "missingLiquidationReserve"

// Side names the field an adjustment drives to exactly zero.
type Side string

const (
	SideNone       Side = ""
	SideCollateral Side = "collateral"
	SideDebt       Side = "debt"
)

// Change is the difference between two positions. The set of variants is
// closed: InvalidCreation, Creation, Closure and Adjustment.
type Change interface {
	Kind() Kind
	isChange()
}

// InvalidCreation is a creation rejected before reaching the ledger.
type InvalidCreation struct {
	Rejected Position `json:"rejected"`
	Reason   string   `json:"reason"`
}

// Creation opens a position. BorrowDebt excludes the fee and the reserve.
type Creation struct {
	DepositCollateral fixed.Decimal `json:"depositCollateral"`
	BorrowDebt        fixed.Decimal `json:"borrowTrenUSD"`
}

// Closure closes a position. RepayDebt is zero when no net debt is owed.
type Closure struct {
	WithdrawCollateral fixed.Decimal `json:"withdrawCollateral"`
	RepayDebt          fixed.Decimal `json:"repayTrenUSD"`
}

// Adjustment changes an open position. Zero fields are absent: at most one
// of deposit/withdraw and one of borrow/repay is non-zero.
type Adjustment struct {
	DepositCollateral  fixed.Decimal `json:"depositCollateral"`
	WithdrawCollateral fixed.Decimal `json:"withdrawCollateral"`
	BorrowDebt         fixed.Decimal `json:"borrowTrenUSD"`
	RepayDebt          fixed.Decimal `json:"repayTrenUSD"`
	ZeroedSide         Side          `json:"zeroedSide,omitempty"`
}

func (InvalidCreation) Kind() Kind { return KindInvalidCreation }
func (Creation) Kind() Kind        { return KindCreation }
func (Closure) Kind() Kind         { return KindClosure }
func (Adjustment) Kind() Kind      { return KindAdjustment }

func (InvalidCreation) isChange() {}
func (Creation) isChange()        {}
func (Closure) isChange()         {}
func (Adjustment) isChange()      {}

// IsZero reports whether the adjustment carries no amounts.
func (a Adjustment) IsZero() bool {
	return a.DepositCollateral.IsZero() && a.WithdrawCollateral.IsZero() &&
		a.BorrowDebt.IsZero() && a.RepayDebt.IsZero()
}
