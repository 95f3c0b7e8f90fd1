/*
Package money provides the monetary value type used by the settlement engine.

PURPOSE:
  All ledger arithmetic goes through this type. It wraps decimal.Decimal
  with an explicit scale (digits after the decimal point) and rounding
  mode so that two values always agree on precision before they are
  combined. Floating point is never used.

KEY CONCEPTS:
  - Scale: The ledger runs at DefaultScale (10 digits). Boundary code that
    talks to external money movement (card charges, bank transfers)
    re-parses at ExternalScale (2 digits, round-up) so the engine never
    under-collects.
  - Rounding: Division and multiplication that produce digits beyond the
    target scale apply the configured rounding mode.
  - Canonical form: String() always renders the full fixed number of
    decimal digits, never an exponent, so serialized values round-trip
    exactly.

USAGE:
  m, err := money.Parse("10.50", money.DefaultScale, money.RoundHalfEven)
  total := m.Add(fee)
  if total.IsNegative() { ... }

SEE ALSO:
  - engine/types.go: Account and Transaction carry Money fields
*/
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultScale is the ledger's native precision.
const DefaultScale int32 = 10

// ExternalScale is used when interfacing with external money movement,
// which operates in whole cents.
const ExternalScale int32 = 2

// ErrInvalidAmount is returned when a numeric string cannot be parsed.
var ErrInvalidAmount = errors.New("invalid monetary amount")

// RoundingMode selects how digits beyond the target scale are resolved.
type RoundingMode int

const (
	// RoundHalfEven is banker's rounding, the ledger default.
	RoundHalfEven RoundingMode = iota
	// RoundUp rounds away from zero. Used at external boundaries so the
	// engine never collects less than owed.
	RoundUp
	// RoundDown truncates toward zero.
	RoundDown
)

// Money is a signed decimal value with an explicit scale and rounding mode.
// The zero value is unusable; construct via Parse, Zero, or FromDecimal.
type Money struct {
	value decimal.Decimal
	scale int32
	mode  RoundingMode
}

// Parse constructs a Money from a decimal string at the given scale and
// rounding mode. Malformed input returns ErrInvalidAmount.
func Parse(s string, scale int32, mode RoundingMode) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Money{value: round(d, scale, mode), scale: scale, mode: mode}, nil
}

// MustParse is Parse that panics on malformed input. For literals in tests
// and fixtures only.
func MustParse(s string) Money {
	m, err := Parse(s, DefaultScale, RoundHalfEven)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns the zero value at the given scale and rounding mode.
func Zero(scale int32, mode RoundingMode) Money {
	return Money{value: decimal.Zero, scale: scale, mode: mode}
}

// FromDecimal wraps an existing decimal at the given scale and mode.
func FromDecimal(d decimal.Decimal, scale int32, mode RoundingMode) Money {
	return Money{value: round(d, scale, mode), scale: scale, mode: mode}
}

// round applies mode when reducing d to scale.
func round(d decimal.Decimal, scale int32, mode RoundingMode) decimal.Decimal {
	switch mode {
	case RoundUp:
		return d.RoundUp(scale)
	case RoundDown:
		return d.RoundDown(scale)
	default:
		return d.RoundBank(scale)
	}
}

// rescale brings b onto m's scale before arithmetic. The receiver's scale
// and mode always win, which keeps results at a single precision.
func (m Money) rescale(b Money) decimal.Decimal {
	return round(b.value, m.scale, m.mode)
}

func (m Money) Add(b Money) Money {
	return Money{value: m.value.Add(m.rescale(b)), scale: m.scale, mode: m.mode}
}

func (m Money) Sub(b Money) Money {
	return Money{value: m.value.Sub(m.rescale(b)), scale: m.scale, mode: m.mode}
}

func (m Money) Mul(b Money) Money {
	return FromDecimal(m.value.Mul(m.rescale(b)), m.scale, m.mode)
}

func (m Money) Div(b Money) Money {
	return FromDecimal(m.value.Div(m.rescale(b)), m.scale, m.mode)
}

// Cmp returns -1, 0, or 1 comparing m against b at m's scale.
func (m Money) Cmp(b Money) int { return m.value.Cmp(m.rescale(b)) }

func (m Money) Equal(b Money) bool       { return m.Cmp(b) == 0 }
func (m Money) GreaterThan(b Money) bool { return m.Cmp(b) > 0 }
func (m Money) LessThan(b Money) bool    { return m.Cmp(b) < 0 }

func (m Money) IsZero() bool     { return m.value.IsZero() }
func (m Money) IsNegative() bool { return m.value.IsNegative() }

func (m Money) Abs() Money {
	return Money{value: m.value.Abs(), scale: m.scale, mode: m.mode}
}

// Negate returns m with its sign flipped.
func (m Money) Negate() Money {
	return Money{value: m.value.Neg(), scale: m.scale, mode: m.mode}
}

// SetNegative returns the absolute value with the requested sign.
func (m Money) SetNegative(negative bool) Money {
	abs := m.value.Abs()
	if negative {
		abs = abs.Neg()
	}
	return Money{value: abs, scale: m.scale, mode: m.mode}
}

// Rescale re-parses m at a different scale and mode. Used at deposit and
// withdrawal boundaries where external systems work in whole cents.
func (m Money) Rescale(scale int32, mode RoundingMode) Money {
	return FromDecimal(m.value, scale, mode)
}

// Scale returns the configured scale.
func (m Money) Scale() int32 { return m.scale }

// Float64 approximates the amount as a float. The second result reports
// whether the conversion was exact. For display and metrics, never ledger
// arithmetic.
func (m Money) Float64() (float64, bool) {
	return m.value.Float64()
}

// String renders the canonical fixed-point form: exactly scale decimal
// digits, no exponent. Round-trips exactly through Parse at the same scale.
func (m Money) String() string {
	return m.value.StringFixed(m.scale)
}

// MarshalJSON serializes the canonical string form.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON parses a quoted decimal string at the ledger default scale.
func (m *Money) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s, DefaultScale, RoundHalfEven)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
