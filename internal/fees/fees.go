// Package fees implements the protocol's time-decaying fee schedule.
//
// A base rate is bumped by redemptions and decays every minute by a fixed
// factor. Borrowing and redemption rates are pure functions of the base
// rate, the elapsed time since the last fee operation and whether the
// system is in recovery mode:
//
//	baseRate(t)       = base * factor^floor(minutes since reference)
//	borrowingRate     = min(minBorrow + baseRate, maxBorrow)   (floor in recovery mode)
//	redemptionRate(f) = min(minRedeem + baseRate + f^beta, 1)
//
// All values use fixed.Decimal; exponentiation rounds the way the ledger does.
package fees

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trenfi/position-engine/internal/fixed"
)

var (
	// ErrInvalidDecayFactor is returned when the minute decay factor is
	// zero or above one.
	ErrInvalidDecayFactor = errors.New("fees: minute decay factor must be in (0, 1]")

	// ErrInvalidRateBounds is returned when the borrowing rate floor exceeds
	// its ceiling.
	ErrInvalidRateBounds = errors.New("fees: minimum borrowing rate exceeds maximum")

	// ErrInvalidBeta is returned for a zero redemption exponent.
	ErrInvalidBeta = errors.New("fees: beta must be positive")

	// MaxDecayMinutes caps the elapsed time fed to the decay, 1000 years.
	MaxDecayMinutes uint64 = 1000 * 365 * 24 * 60

	// RenderPlaces is the number of percent decimals used when rendering
	// rates for change detection.
	RenderPlaces int32 = 2
)

// Params are the deployment constants of the fee model.
type Params struct {
	MinuteDecayFactor fixed.Decimal `json:"minute_decay_factor"`
	Beta              uint64        `json:"beta"`
	MinBorrowingRate  fixed.Decimal `json:"min_borrowing_rate"`
	MaxBorrowingRate  fixed.Decimal `json:"max_borrowing_rate"`
	MinRedemptionRate fixed.Decimal `json:"min_redemption_rate"`
}

// DefaultParams returns the reference deployment's fee constants. The decay
// factor gives the base rate a 12 hour half-life.
func DefaultParams() Params {
	return Params{
		MinuteDecayFactor: fixed.MustParse("0.999037758833783000"),
		Beta:              2,
		MinBorrowingRate:  fixed.MustParse("0.005"),
		MaxBorrowingRate:  fixed.MustParse("0.05"),
		MinRedemptionRate: fixed.MustParse("0.005"),
	}
}

// Validate checks the constants for internal consistency.
func (p Params) Validate() error {
	if p.MinuteDecayFactor.IsZero() || p.MinuteDecayFactor.Gt(fixed.One) {
		return fmt.Errorf("%w: %s", ErrInvalidDecayFactor, p.MinuteDecayFactor)
	}
	if p.MinBorrowingRate.Gt(p.MaxBorrowingRate) {
		return fmt.Errorf("%w: %s > %s", ErrInvalidRateBounds, p.MinBorrowingRate, p.MaxBorrowingRate)
	}
	if p.Beta == 0 {
		return ErrInvalidBeta
	}
	return nil
}

// Schedule is an immutable snapshot of the fee state.
type Schedule struct {
	params        Params
	baseRate      fixed.Decimal
	referenceTime time.Time
	observedTime  time.Time
	recoveryMode  bool
}

// NewSchedule returns a schedule whose base rate was baseRate at
// referenceTime (the last fee operation), observed at observedTime (the
// latest block).
func NewSchedule(params Params, baseRate fixed.Decimal, referenceTime, observedTime time.Time, recoveryMode bool) (Schedule, error) {
	if err := params.Validate(); err != nil {
		return Schedule{}, err
	}
	return Schedule{
		params:        params,
		baseRate:      baseRate,
		referenceTime: referenceTime,
		observedTime:  observedTime,
		recoveryMode:  recoveryMode,
	}, nil
}

// Params returns the schedule's constants.
func (s Schedule) Params() Params { return s.params }

// ReferenceTime is the time of the last fee operation.
func (s Schedule) ReferenceTime() time.Time { return s.referenceTime }

// ObservedTime is the time the schedule was observed at.
func (s Schedule) ObservedTime() time.Time { return s.observedTime }

// RecoveryMode reports whether recovery mode is in effect.
func (s Schedule) RecoveryMode() bool { return s.recoveryMode }

// WithRecoveryMode returns a copy with the recovery mode flag replaced.
func (s Schedule) WithRecoveryMode(on bool) Schedule {
	s.recoveryMode = on
	return s
}

// WithObservedTime returns a copy observed at t.
func (s Schedule) WithObservedTime(t time.Time) Schedule {
	s.observedTime = t
	return s
}

// elapsedMinutes returns whole minutes from the reference time to when,
// zero if when is earlier, capped at MaxDecayMinutes.
func (s Schedule) elapsedMinutes(when time.Time) uint64 {
	d := when.Sub(s.referenceTime)
	if d <= 0 {
		return 0
	}
	return min(uint64(d/time.Minute), MaxDecayMinutes)
}

// Decay returns a schedule whose reference base rate has decayed by the
// given number of minutes. The reference time moves forward accordingly,
// so rates observed at the same instant are unchanged.
func (s Schedule) Decay(minutes uint64) Schedule {
	minutes = min(minutes, MaxDecayMinutes)
	s.baseRate = s.baseRate.Mul(s.params.MinuteDecayFactor.Pow(minutes))
	// time.Duration overflows after ~292 years; step whole days first.
	days := minutes / (24 * 60)
	s.referenceTime = s.referenceTime.AddDate(0, 0, int(days)).
		Add(time.Duration(minutes-days*24*60) * time.Minute)
	return s
}

// BaseRateAt returns the decayed base rate at when.
func (s Schedule) BaseRateAt(when time.Time) fixed.Decimal {
	return s.baseRate.Mul(s.params.MinuteDecayFactor.Pow(s.elapsedMinutes(when)))
}

// BaseRate returns the decayed base rate at the observed time.
func (s Schedule) BaseRate() fixed.Decimal {
	return s.BaseRateAt(s.observedTime)
}

// BorrowingRateAt returns the borrowing rate at when. In recovery mode the
// rate is held at its floor.
func (s Schedule) BorrowingRateAt(when time.Time) fixed.Decimal {
	if s.recoveryMode {
		return s.params.MinBorrowingRate
	}
	return fixed.Min(s.params.MinBorrowingRate.Add(s.BaseRateAt(when)), s.params.MaxBorrowingRate)
}

// BorrowingRate returns the borrowing rate at the observed time.
func (s Schedule) BorrowingRate() fixed.Decimal {
	return s.BorrowingRateAt(s.observedTime)
}

// BorrowingFee returns the fee charged on borrowing amount.
func (s Schedule) BorrowingFee(amount fixed.Decimal) fixed.Decimal {
	return amount.Mul(s.BorrowingRate())
}

// RedemptionRateAt returns the rate for redeeming the given fraction of
// total debt at when.
func (s Schedule) RedemptionRateAt(fraction fixed.Decimal, when time.Time) fixed.Decimal {
	rate := s.params.MinRedemptionRate.Add(s.BaseRateAt(when))
	if fraction.NonZero() {
		rate = rate.Add(fraction.Pow(s.params.Beta))
	}
	return fixed.Min(rate, fixed.One)
}

// RedemptionRate returns the redemption rate at the observed time.
func (s Schedule) RedemptionRate(fraction fixed.Decimal) fixed.Decimal {
	return s.RedemptionRateAt(fraction, s.observedTime)
}

func percent(rate fixed.Decimal) string {
	return rate.Mul(fixed.FromInt(100)).Prettify(RenderPlaces) + "%"
}

// String renders the visible rates.
func (s Schedule) String() string {
	return fmt.Sprintf("{ borrowingRate: %s, redemptionRate: %s, recoveryMode: %t }",
		percent(s.BorrowingRate()), percent(s.RedemptionRate(fixed.Zero)), s.recoveryMode)
}

// Equal compares rendered rates, so sub-visible decay is not a change.
func (s Schedule) Equal(o Schedule) bool {
	return s.String() == o.String()
}

// MarshalJSON encodes the reference values and the current rates.
func (s Schedule) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		BaseRate       fixed.Decimal `json:"base_rate"`
		ReferenceTime  time.Time     `json:"reference_time"`
		ObservedTime   time.Time     `json:"observed_time"`
		RecoveryMode   bool          `json:"recovery_mode"`
		BorrowingRate  fixed.Decimal `json:"borrowing_rate"`
		RedemptionRate fixed.Decimal `json:"redemption_rate"`
	}{
		BaseRate:       s.baseRate,
		ReferenceTime:  s.referenceTime,
		ObservedTime:   s.observedTime,
		RecoveryMode:   s.recoveryMode,
		BorrowingRate:  s.BorrowingRate(),
		RedemptionRate: s.RedemptionRate(fixed.Zero),
	})
}
