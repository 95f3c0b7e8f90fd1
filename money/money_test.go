package money_test

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/money"
)

// =============================================================================
// PARSING
// =============================================================================

func TestParse_CanonicalRoundTrip(t *testing.T) {
	// GIVEN: A decimal string at the ledger scale
	// WHEN: Parsing and rendering it
	// THEN: The canonical form has exactly `scale` decimal digits

	m, err := money.Parse("10.5", money.DefaultScale, money.RoundHalfEven)
	require.NoError(t, err)
	assert.Equal(t, "10.5000000000", m.String())

	again, err := money.Parse(m.String(), money.DefaultScale, money.RoundHalfEven)
	require.NoError(t, err)
	assert.True(t, m.Equal(again), "round-trip must be exact")
}

func TestParse_MalformedInput(t *testing.T) {
	cases := []string{"", "abc", "10.5.5", "1e", "--3"}
	for _, c := range cases {
		_, err := money.Parse(c, money.DefaultScale, money.RoundHalfEven)
		assert.ErrorIs(t, err, money.ErrInvalidAmount, "input %q", c)
	}
}

func TestParse_ExternalScaleRoundsUp(t *testing.T) {
	// GIVEN: A ledger-precision value with sub-cent digits
	// WHEN: Re-parsing at the external boundary scale (2, round-up)
	// THEN: The value rounds away from zero so we never under-collect

	m, err := money.Parse("10.001", money.ExternalScale, money.RoundUp)
	require.NoError(t, err)
	assert.Equal(t, "10.01", m.String())
}

// =============================================================================
// ARITHMETIC
// =============================================================================

func TestArithmetic_Basic(t *testing.T) {
	a := money.MustParse("100.00")
	b := money.MustParse("10.00")

	assert.Equal(t, "90.0000000000", a.Sub(b).String())
	assert.Equal(t, "110.0000000000", a.Add(b).String())
	assert.Equal(t, "1000.0000000000", a.Mul(b).String())
	assert.Equal(t, "10.0000000000", a.Div(b).String())
}

func TestDiv_AppliesRoundingMode(t *testing.T) {
	one, err := money.Parse("1", 2, money.RoundUp)
	require.NoError(t, err)
	three, err := money.Parse("3", 2, money.RoundUp)
	require.NoError(t, err)

	// 0.333... rounds up to 0.34 at scale 2
	assert.Equal(t, "0.34", one.Div(three).String())

	oneDown, err := money.Parse("1", 2, money.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, "0.33", oneDown.Div(three).String())
}

func TestFromDecimal_RoundsToScale(t *testing.T) {
	// GIVEN: A raw decimal with more digits than the target scale
	// WHEN: Wrapping it as Money
	// THEN: The value rounds under the given mode and renders canonically

	third := decimal.NewFromInt(1).Div(decimal.NewFromInt(3))

	up := money.FromDecimal(third, 2, money.RoundUp)
	assert.Equal(t, "0.34", up.String())

	down := money.FromDecimal(third, 2, money.RoundDown)
	assert.Equal(t, "0.33", down.String())

	parsed := money.MustParse("0.3333333333")
	assert.True(t, parsed.Equal(money.FromDecimal(third, money.DefaultScale, money.RoundHalfEven)))
}

func TestCompare_AndPredicates(t *testing.T) {
	a := money.MustParse("5.00")
	b := money.MustParse("7.00")

	assert.Equal(t, -1, a.Cmp(b))
	assert.True(t, b.GreaterThan(a))
	assert.True(t, a.LessThan(b))
	assert.False(t, a.IsZero())
	assert.True(t, money.MustParse("0").IsZero())
	assert.True(t, a.Sub(b).IsNegative())
}

func TestSignHelpers(t *testing.T) {
	m := money.MustParse("-4.25")

	assert.Equal(t, "4.2500000000", m.Abs().String())
	assert.Equal(t, "4.2500000000", m.Negate().String())
	assert.Equal(t, "-4.2500000000", m.SetNegative(true).String())
	assert.Equal(t, "4.2500000000", m.SetNegative(false).String())
}

// =============================================================================
// SERIALIZATION
// =============================================================================

func TestJSON_RoundTrip(t *testing.T) {
	m := money.MustParse("12.34")

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `"12.3400000000"`, string(data))

	var back money.Money
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, m.Equal(back))
}

func TestJSON_RejectsMalformed(t *testing.T) {
	var m money.Money
	err := json.Unmarshal([]byte(`"not-a-number"`), &m)
	assert.ErrorIs(t, err, money.ErrInvalidAmount)
}
