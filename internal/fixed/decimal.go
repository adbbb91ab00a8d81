// Package fixed implements the fixed-point decimal used for every ledger
// quantity: collateral, debt, prices, rates and ratios.
//
// Values are non-negative and carry at most Precision fractional digits, the
// same integer representation the ledger uses. Storage and arithmetic are
// backed by shopspring/decimal; every multiplication and division is cut back
// to Precision digits with an explicit rounding direction, so results match
// the ledger bit for bit. Never float64 for money.
package fixed

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnderflow is raised when a subtraction would go below zero.
	ErrUnderflow = errors.New("fixed: subtraction underflow")

	// ErrNegative is returned when parsing or constructing a negative value.
	ErrNegative = errors.New("fixed: value must not be negative")

	// ErrInvalid is returned for malformed input or input that carries more
	// fractional digits than Precision.
	ErrInvalid = errors.New("fixed: invalid decimal")

	// ErrInfinite is returned when an infinite value has no finite encoding.
	ErrInfinite = errors.New("fixed: value is infinite")
)

// Precision is the number of fractional digits. It must be set once at
// startup, before any value is constructed, to match the ledger's scale.
var Precision int32 = 18

var maxWord = new(uint256.Int).SetAllOne()

// Decimal is an immutable non-negative fixed-point number, or Infinity.
// The zero value is 0.
type Decimal struct {
	v   decimal.Decimal
	inf bool
}

var (
	// Zero is 0.
	Zero = Decimal{}

	// One is 1.
	One = Decimal{v: decimal.NewFromInt(1)}

	// Infinity compares greater than every finite value. It is what
	// division by zero produces, e.g. the ratio of a debt-free position.
	Infinity = Decimal{inf: true}
)

// FromInt returns n as a Decimal. It panics if n is negative.
func FromInt(n int64) Decimal {
	if n < 0 {
		panic(fmt.Errorf("%w: %d", ErrNegative, n))
	}
	return Decimal{v: decimal.NewFromInt(n)}
}

// Parse reads a plain decimal string such as "1800" or "0.005". The strings
// "∞" and "infinity" parse as Infinity.
func Parse(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "∞", "infinity", "inf":
		return Infinity, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if v.Sign() < 0 {
		return Zero, fmt.Errorf("%w: %q", ErrNegative, s)
	}
	if !v.Truncate(Precision).Equal(v) {
		return Zero, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalid, s, Precision)
	}
	return Decimal{v: v}, nil
}

// MustParse is Parse for constants; it panics on error.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromDecimal converts a shopspring decimal, truncating excess digits.
func FromDecimal(v decimal.Decimal) (Decimal, error) {
	if v.Sign() < 0 {
		return Zero, fmt.Errorf("%w: %s", ErrNegative, v)
	}
	return Decimal{v: v.Truncate(Precision)}, nil
}

// FromRaw interprets raw as an integer scaled by 10^Precision, the way the
// ledger stores amounts.
func FromRaw(raw *big.Int) (Decimal, error) {
	if raw.Sign() < 0 {
		return Zero, fmt.Errorf("%w: raw %s", ErrNegative, raw)
	}
	return Decimal{v: decimal.NewFromBigInt(raw, -Precision)}, nil
}

// FromWord decodes a 256-bit ledger word. The all-ones word is Infinity.
func FromWord(w *uint256.Int) Decimal {
	if w.Eq(maxWord) {
		return Infinity
	}
	return Decimal{v: decimal.NewFromBigInt(w.ToBig(), -Precision)}
}

// Raw returns the value scaled by 10^Precision as an integer.
func (d Decimal) Raw() (*big.Int, error) {
	if d.inf {
		return nil, ErrInfinite
	}
	return d.v.Shift(Precision).BigInt(), nil
}

// Word encodes d as a 256-bit ledger word; Infinity maps to the all-ones word.
func (d Decimal) Word() (*uint256.Int, error) {
	if d.inf {
		return maxWord.Clone(), nil
	}
	raw, _ := d.Raw()
	w, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, fmt.Errorf("%w: %s does not fit in 256 bits", ErrInvalid, d)
	}
	return w, nil
}

// Underlying exposes the shopspring value. Infinity has none.
func (d Decimal) Underlying() (decimal.Decimal, error) {
	if d.inf {
		return decimal.Zero, ErrInfinite
	}
	return d.v, nil
}

func ulp() decimal.Decimal {
	return decimal.New(1, -Precision)
}

// Epsilon returns the smallest positive representable value.
func Epsilon() Decimal {
	return Decimal{v: ulp()}
}

// IsZero reports whether d == 0.
func (d Decimal) IsZero() bool { return !d.inf && d.v.IsZero() }

// NonZero reports whether d != 0.
func (d Decimal) NonZero() bool { return !d.IsZero() }

// IsInfinite reports whether d is Infinity.
func (d Decimal) IsInfinite() bool { return d.inf }

// Add returns d + x.
func (d Decimal) Add(x Decimal) Decimal {
	if d.inf || x.inf {
		return Infinity
	}
	return Decimal{v: d.v.Add(x.v)}
}

// Sub returns d - x. It panics with ErrUnderflow when x > d; clamping at
// zero is a policy of the caller, not of this type.
func (d Decimal) Sub(x Decimal) Decimal {
	r, err := d.CheckedSub(x)
	if err != nil {
		panic(err)
	}
	return r
}

// CheckedSub is Sub returning ErrUnderflow instead of panicking.
func (d Decimal) CheckedSub(x Decimal) (Decimal, error) {
	switch {
	case x.inf && d.inf:
		return Zero, fmt.Errorf("%w: ∞ - ∞", ErrUnderflow)
	case x.inf:
		return Zero, fmt.Errorf("%w: %s - ∞", ErrUnderflow, d)
	case d.inf:
		return Infinity, nil
	}
	r := d.v.Sub(x.v)
	if r.Sign() < 0 {
		return Zero, fmt.Errorf("%w: %s - %s", ErrUnderflow, d, x)
	}
	return Decimal{v: r}, nil
}

// Mul returns d * x truncated to Precision digits.
func (d Decimal) Mul(x Decimal) Decimal {
	if d.inf || x.inf {
		if d.IsZero() || x.IsZero() {
			return Zero
		}
		return Infinity
	}
	return Decimal{v: d.v.Mul(x.v).Truncate(Precision)}
}

// mulRound returns d * x rounded half up, the ledger's decMul.
func (d Decimal) mulRound(x Decimal) Decimal {
	p := d.v.Mul(x.v)
	q := p.Truncate(Precision)
	if p.Sub(q).Mul(decimal.New(2, 0)).GreaterThanOrEqual(ulp()) {
		q = q.Add(ulp())
	}
	return Decimal{v: q}
}

// DivFloor returns d / x truncated to Precision digits. Dividing by zero
// yields Infinity.
func (d Decimal) DivFloor(x Decimal) Decimal {
	q, _, special := d.quoRem(x)
	if special != nil {
		return *special
	}
	return Decimal{v: q}
}

// DivCeil returns the smallest representable v such that v * x >= d.
// Use it wherever a pre-fee amount is derived from a post-fee target, so
// re-applying the fee never undershoots the target.
func (d Decimal) DivCeil(x Decimal) Decimal {
	q, r, special := d.quoRem(x)
	if special != nil {
		return *special
	}
	if !r.IsZero() {
		q = q.Add(ulp())
	}
	return Decimal{v: q}
}

func (d Decimal) quoRem(x Decimal) (decimal.Decimal, decimal.Decimal, *Decimal) {
	switch {
	case x.IsZero() || d.inf:
		return decimal.Zero, decimal.Zero, &Infinity
	case x.inf:
		return decimal.Zero, decimal.Zero, &Zero
	}
	q, r := d.v.QuoRem(x.v, Precision)
	return q, r, nil
}

// MulDiv returns d * m / x computed at full precision and truncated once.
func (d Decimal) MulDiv(m, x Decimal) Decimal {
	if x.IsZero() || d.inf || m.inf {
		if !x.IsZero() && (d.IsZero() || m.IsZero()) {
			return Zero
		}
		return Infinity
	}
	if x.inf {
		return Zero
	}
	q, _ := d.v.Mul(m.v).QuoRem(x.v, Precision)
	return Decimal{v: q}
}

// Pow returns d^n by repeated squaring, rounding each product half up the
// way the ledger does when it decays the base rate.
func (d Decimal) Pow(n uint64) Decimal {
	if n == 0 {
		return One
	}
	if d.inf {
		return Infinity
	}
	x, y := d, One
	for n > 1 {
		if n%2 == 1 {
			y = x.mulRound(y)
		}
		x = x.mulRound(x)
		n /= 2
	}
	return x.mulRound(y)
}

// Cmp returns -1, 0 or +1 as d is less than, equal to, or greater than x.
func (d Decimal) Cmp(x Decimal) int {
	switch {
	case d.inf && x.inf:
		return 0
	case d.inf:
		return 1
	case x.inf:
		return -1
	}
	return d.v.Cmp(x.v)
}

// Equal reports d == x exactly.
func (d Decimal) Equal(x Decimal) bool { return d.Cmp(x) == 0 }

// Lt reports d < x.
func (d Decimal) Lt(x Decimal) bool { return d.Cmp(x) < 0 }

// Lte reports d <= x.
func (d Decimal) Lte(x Decimal) bool { return d.Cmp(x) <= 0 }

// Gt reports d > x.
func (d Decimal) Gt(x Decimal) bool { return d.Cmp(x) > 0 }

// Gte reports d >= x.
func (d Decimal) Gte(x Decimal) bool { return d.Cmp(x) >= 0 }

// Min returns the smaller of a and b.
func Min(a, b Decimal) Decimal {
	if a.Lte(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Decimal) Decimal {
	if a.Gte(b) {
		return a
	}
	return b
}

// String renders d without trailing zeros; Infinity renders as "∞".
func (d Decimal) String() string {
	if d.inf {
		return "∞"
	}
	return d.v.String()
}

// Prettify renders d rounded to places fractional digits, for display and
// for change detection that should ignore sub-visible movement.
func (d Decimal) Prettify(places int32) string {
	if d.inf {
		return "∞"
	}
	return d.v.StringFixed(places)
}

// MarshalText encodes d as its decimal string.
func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a decimal string; bare JSON numbers are accepted too.
func (d *Decimal) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalJSON encodes d as a JSON string so no precision is lost in transit.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON accepts a JSON string or number.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*d = Zero
		return nil
	}
	return d.UnmarshalText([]byte(s))
}
