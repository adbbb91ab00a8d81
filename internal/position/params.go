package position

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/trenfi/position-engine/internal/fixed"
)

// Raw parameter keys, as accepted from query strings and request bodies.
const (
	ParamDepositCollateral  = "depositCollateral"
	ParamWithdrawCollateral = "withdrawCollateral"
	ParamBorrowDebt         = "borrowTrenUSD"
	ParamRepayDebt          = "repayTrenUSD"
)

var creationKeys = map[string]bool{
	ParamDepositCollateral: true,
	ParamBorrowDebt:        true,
}

var adjustmentKeys = map[string]bool{
	ParamDepositCollateral:  true,
	ParamWithdrawCollateral: true,
	ParamBorrowDebt:         true,
	ParamRepayDebt:          true,
}

var (
	ErrUnknownParam      = errors.New("position: unknown parameter")
	ErrDuplicateParam    = errors.New("position: duplicate parameter")
	ErrConflictingParams = errors.New("position: conflicting parameters")
	ErrEmptyAdjustment   = errors.New("position: adjustment must change something")
	ErrMissingParam      = errors.New("position: missing parameter")
	ErrInvalidAmount     = errors.New("position: invalid amount")
)

// RawParams maps parameter keys to their unparsed values. It has the same
// shape as url.Values so query strings can be passed straight through.
type RawParams map[string][]string

// parse checks keys against allowed and parses each value. Empty values
// count as absent.
func (raw RawParams) parse(allowed map[string]bool) (map[string]fixed.Decimal, error) {
	out := make(map[string]fixed.Decimal, len(raw))
	for _, key := range slices.Sorted(maps.Keys(raw)) {
		values := raw[key]
		if !allowed[key] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParam, key)
		}
		if len(values) > 1 {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateParam, key)
		}
		if len(values) == 0 || values[0] == "" {
			continue
		}
		v, err := fixed.Parse(values[0])
		if err != nil || v.IsInfinite() {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidAmount, key, values[0])
		}
		out[key] = v
	}
	return out, nil
}

// ParseCreation normalizes raw creation parameters. Both the collateral
// deposit and the borrowed amount are required; either may be zero.
func ParseCreation(raw RawParams) (Creation, error) {
	vals, err := raw.parse(creationKeys)
	if err != nil {
		return Creation{}, err
	}
	for _, key := range []string{ParamDepositCollateral, ParamBorrowDebt} {
		if _, ok := vals[key]; !ok {
			return Creation{}, fmt.Errorf("%w: %s", ErrMissingParam, key)
		}
	}
	return Creation{
		DepositCollateral: vals[ParamDepositCollateral],
		BorrowDebt:        vals[ParamBorrowDebt],
	}, nil
}

// ParseAdjustment normalizes raw adjustment parameters. Deposit and
// withdraw are mutually exclusive, as are borrow and repay.
func ParseAdjustment(raw RawParams) (Adjustment, error) {
	vals, err := raw.parse(adjustmentKeys)
	if err != nil {
		return Adjustment{}, err
	}
	maps.DeleteFunc(vals, func(_ string, v fixed.Decimal) bool { return v.IsZero() })
	if _, ok := vals[ParamDepositCollateral]; ok {
		if _, ok := vals[ParamWithdrawCollateral]; ok {
			return Adjustment{}, fmt.Errorf("%w: %s and %s", ErrConflictingParams, ParamDepositCollateral, ParamWithdrawCollateral)
		}
	}
	if _, ok := vals[ParamBorrowDebt]; ok {
		if _, ok := vals[ParamRepayDebt]; ok {
			return Adjustment{}, fmt.Errorf("%w: %s and %s", ErrConflictingParams, ParamBorrowDebt, ParamRepayDebt)
		}
	}
	a := Adjustment{
		DepositCollateral:  vals[ParamDepositCollateral],
		WithdrawCollateral: vals[ParamWithdrawCollateral],
		BorrowDebt:         vals[ParamBorrowDebt],
		RepayDebt:          vals[ParamRepayDebt],
	}
	if a.IsZero() {
		return Adjustment{}, ErrEmptyAdjustment
	}
	return a, nil
}

// Params renders a change back into raw parameters. Zero amounts are
// omitted except in a creation, which always carries both keys.
func Params(change Change) RawParams {
	raw := RawParams{}
	set := func(key string, v fixed.Decimal) {
		if v.NonZero() {
			raw[key] = []string{v.String()}
		}
	}
	switch c := change.(type) {
	case Creation:
		raw[ParamDepositCollateral] = []string{c.DepositCollateral.String()}
		raw[ParamBorrowDebt] = []string{c.BorrowDebt.String()}
	case Closure:
		set(ParamWithdrawCollateral, c.WithdrawCollateral)
		set(ParamRepayDebt, c.RepayDebt)
	case Adjustment:
		set(ParamDepositCollateral, c.DepositCollateral)
		set(ParamWithdrawCollateral, c.WithdrawCollateral)
		set(ParamBorrowDebt, c.BorrowDebt)
		set(ParamRepayDebt, c.RepayDebt)
	}
	return raw
}
