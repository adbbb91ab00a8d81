package protocol

import (
	"time"

	"github.com/trenfi/position-engine/internal/fees"
	"github.com/trenfi/position-engine/internal/fixed"
	"github.com/trenfi/position-engine/internal/position"
	"github.com/trenfi/position-engine/internal/statestore"
)

// Base fields, read from the ledger.
const (
	FieldPrice                                = "price"
	FieldNumberOfPositions                    = "numberOfPositions"
	FieldTotal                                = "total"
	FieldTotalRedistributed                   = "totalRedistributed"
	FieldRiskiestPositionBeforeRedistribution = "riskiestPositionBeforeRedistribution"
	FieldFeesInNormalMode                     = "feesInNormalMode"
	FieldPositionBeforeRedistribution         = "positionBeforeRedistribution"
	FieldAccountBalance                       = "accountBalance"
	FieldDebtTokenBalance                     = "debtTokenBalance"
	FieldCollateralSurplusBalance             = "collateralSurplusBalance"
)

// Derived fields.
const (
	FieldPosition                         = "position"
	FieldFees                             = "fees"
	FieldBorrowingRate                    = "borrowingRate"
	FieldRedemptionRate                   = "redemptionRate"
	FieldHaveUndercollateralizedPositions = "haveUndercollateralizedPositions"
)

// Extra fields.
const (
	FieldBlockTag       = "blockTag"
	FieldBlockTimestamp = "blockTimestamp"
)

// State is a typed view of the store's values.
type State struct {
	Price                                fixed.Decimal                          `json:"price"`
	NumberOfPositions                    uint64                                 `json:"numberOfPositions"`
	Total                                position.Position                      `json:"total"`
	TotalRedistributed                   position.Position                      `json:"totalRedistributed"`
	RiskiestPositionBeforeRedistribution position.PendingRedistributionPosition `json:"riskiestPositionBeforeRedistribution"`
	FeesInNormalMode                     fees.Schedule                          `json:"feesInNormalMode"`
	PositionBeforeRedistribution         position.PendingRedistributionPosition `json:"positionBeforeRedistribution"`
	AccountBalance                       fixed.Decimal                          `json:"accountBalance"`
	DebtTokenBalance                     fixed.Decimal                          `json:"debtTokenBalance"`
	CollateralSurplusBalance             fixed.Decimal                          `json:"collateralSurplusBalance"`

	Position                         position.UserPosition `json:"position"`
	Fees                             fees.Schedule         `json:"fees"`
	BorrowingRate                    fixed.Decimal         `json:"borrowingRate"`
	RedemptionRate                   fixed.Decimal         `json:"redemptionRate"`
	HaveUndercollateralizedPositions bool                  `json:"haveUndercollateralizedPositions"`

	BlockTag       uint64    `json:"blockTag"`
	BlockTimestamp time.Time `json:"blockTimestamp"`
}

func get[T any](v statestore.Values, key string) T {
	x, _ := v[key].(T)
	return x
}

// StateOf converts raw store values into a State. Missing fields are left
// at their zero value.
func StateOf(v statestore.Values) State {
	return State{
		Price:                                get[fixed.Decimal](v, FieldPrice),
		NumberOfPositions:                    get[uint64](v, FieldNumberOfPositions),
		Total:                                get[position.Position](v, FieldTotal),
		TotalRedistributed:                   get[position.Position](v, FieldTotalRedistributed),
		RiskiestPositionBeforeRedistribution: get[position.PendingRedistributionPosition](v, FieldRiskiestPositionBeforeRedistribution),
		FeesInNormalMode:                     get[fees.Schedule](v, FieldFeesInNormalMode),
		PositionBeforeRedistribution:         get[position.PendingRedistributionPosition](v, FieldPositionBeforeRedistribution),
		AccountBalance:                       get[fixed.Decimal](v, FieldAccountBalance),
		DebtTokenBalance:                     get[fixed.Decimal](v, FieldDebtTokenBalance),
		CollateralSurplusBalance:             get[fixed.Decimal](v, FieldCollateralSurplusBalance),

		Position:                         get[position.UserPosition](v, FieldPosition),
		Fees:                             get[fees.Schedule](v, FieldFees),
		BorrowingRate:                    get[fixed.Decimal](v, FieldBorrowingRate),
		RedemptionRate:                   get[fixed.Decimal](v, FieldRedemptionRate),
		HaveUndercollateralizedPositions: get[bool](v, FieldHaveUndercollateralizedPositions),

		BlockTag:       get[uint64](v, FieldBlockTag),
		BlockTimestamp: get[time.Time](v, FieldBlockTimestamp),
	}
}

// ValidationContext returns what position.Rules.Validate needs to check a
// change for the store's user.
func (s State) ValidationContext() position.Context {
	return position.Context{
		Total:             s.Total,
		Price:             s.Price,
		NumberOfPositions: s.NumberOfPositions,
		DebtTokenBalance:  s.DebtTokenBalance,
	}
}
