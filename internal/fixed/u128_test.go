package fixed_test

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/rebase-engine/internal/fixed"
)

func TestAddOverflow(t *testing.T) {
	_, err := fixed.Max().Add(fixed.From(1))
	require.ErrorIs(t, err, fixed.ErrOverflow)
	require.ErrorIs(t, err, fixed.ErrArithmetic)

	v, err := fixed.Max().Add(fixed.Zero)
	require.NoError(t, err)
	assert.True(t, v.Eq(fixed.Max()))
}

func TestSubUnderflow(t *testing.T) {
	_, err := fixed.From(5).Sub(fixed.From(6))
	require.ErrorIs(t, err, fixed.ErrUnderflow)
	require.ErrorIs(t, err, fixed.ErrArithmetic)

	v, err := fixed.From(6).Sub(fixed.From(6))
	require.NoError(t, err)
	assert.True(t, v.IsZero())
}

func TestMulOverflow(t *testing.T) {
	// 2^64 * 2^64 = 2^128 does not fit.
	twoTo64 := fixed.MustParse("18446744073709551616")
	_, err := twoTo64.Mul(twoTo64)
	require.ErrorIs(t, err, fixed.ErrOverflow)

	v, err := twoTo64.Mul(fixed.From(2))
	require.NoError(t, err)
	assert.Equal(t, "36893488147419103232", v.String())
}

func TestDivTruncatesAndRejectsZero(t *testing.T) {
	v, err := fixed.From(7).Div(fixed.From(2))
	require.NoError(t, err)
	assert.Equal(t, "3", v.String())

	_, err = fixed.From(7).Div(fixed.Zero)
	require.ErrorIs(t, err, fixed.ErrDivisionByZero)
}

func TestMulDiv(t *testing.T) {
	v, err := fixed.From(1000).MulDiv(fixed.From(20), fixed.From(10000))
	require.NoError(t, err)
	assert.Equal(t, "2", v.String())
}

func TestParse(t *testing.T) {
	v, err := fixed.Parse("340282366920938463463374607431768211455")
	require.NoError(t, err)
	assert.True(t, v.Eq(fixed.Max()))

	_, err = fixed.Parse("340282366920938463463374607431768211456")
	require.ErrorIs(t, err, fixed.ErrOverflow)

	for _, bad := range []string{"", "-1", "+1", "1.5", "abc"} {
		_, err := fixed.Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestFromDecimal(t *testing.T) {
	v, err := fixed.FromDecimal(decimal.RequireFromString("1000"))
	require.NoError(t, err)
	assert.Equal(t, "1000", v.String())

	_, err = fixed.FromDecimal(decimal.RequireFromString("-1"))
	require.ErrorIs(t, err, fixed.ErrInvalid)

	_, err = fixed.FromDecimal(decimal.RequireFromString("1.25"))
	require.ErrorIs(t, err, fixed.ErrInvalid)

	assert.True(t, v.Decimal().Equal(decimal.NewFromInt(1000)))
}

func TestJSON(t *testing.T) {
	data, err := json.Marshal(fixed.Max())
	require.NoError(t, err)
	assert.Equal(t, `"340282366920938463463374607431768211455"`, string(data))

	var v fixed.U128
	require.NoError(t, json.Unmarshal([]byte(`"42"`), &v))
	assert.Equal(t, "42", v.String())

	require.NoError(t, json.Unmarshal([]byte(`43`), &v))
	assert.Equal(t, "43", v.String())
}

func TestMin(t *testing.T) {
	assert.Equal(t, "1", fixed.Min(fixed.From(1), fixed.From(2)).String())
	assert.Equal(t, "1", fixed.Min(fixed.From(2), fixed.From(1)).String())
}

func TestScan(t *testing.T) {
	var v fixed.U128
	require.NoError(t, v.Scan("123"))
	assert.Equal(t, "123", v.String())

	require.NoError(t, v.Scan([]byte("456")))
	assert.Equal(t, "456", v.String())

	assert.ErrorIs(t, v.Scan(nil), fixed.ErrInvalid)
	assert.ErrorIs(t, v.Scan(1.5), fixed.ErrInvalid)
}
