// Package fixed implements the unsigned 128-bit integer used for every
// price, balance, divisor and reserve in the engine.
//
// All operations are checked: a result that does not fit in 128 bits, a
// subtraction that would go below zero, or a division by zero returns an
// error instead of wrapping.
package fixed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Bits is the width of a U128.
const Bits = 128

var (
	// ErrArithmetic is the parent of every overflow and underflow fault.
	ErrArithmetic = errors.New("fixed: arithmetic fault")

	// ErrOverflow is returned when a result exceeds 2^128-1.
	ErrOverflow = fmt.Errorf("%w: overflow", ErrArithmetic)

	// ErrUnderflow is returned when a subtraction would go below zero.
	ErrUnderflow = fmt.Errorf("%w: underflow", ErrArithmetic)

	// ErrDivisionByZero is returned when the divisor of a division is zero.
	ErrDivisionByZero = errors.New("fixed: division by zero")

	// ErrInvalid is returned when a textual or decimal value is not a
	// non-negative integer.
	ErrInvalid = errors.New("fixed: invalid unsigned integer")
)

// U128 is an unsigned 128-bit integer. The zero value is 0 and values are
// safe to copy.
type U128 struct {
	v uint256.Int
}

// Zero is the U128 zero value.
var Zero = U128{}

// From returns n as a U128.
func From(n uint64) U128 {
	var u U128
	u.v.SetUint64(n)
	return u
}

// Max returns 2^128-1.
func Max() U128 {
	var u U128
	u.v[0] = ^uint64(0)
	u.v[1] = ^uint64(0)
	return u
}

// Parse reads a base-10 string.
func Parse(s string) (U128, error) {
	var u U128
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return U128{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if err := u.v.SetFromDecimal(s); err != nil {
		return U128{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if u.v.BitLen() > Bits {
		return U128{}, fmt.Errorf("%w: %s", ErrOverflow, s)
	}
	return u, nil
}

// MustParse is Parse for constants and tests; it panics on error.
func MustParse(s string) U128 {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// FromDecimal converts a decimal that holds a non-negative integer.
func FromDecimal(d decimal.Decimal) (U128, error) {
	if d.IsNegative() || !d.IsInteger() {
		return U128{}, fmt.Errorf("%w: %s", ErrInvalid, d.String())
	}
	v, overflow := uint256.FromBig(d.BigInt())
	if overflow || v.BitLen() > Bits {
		return U128{}, fmt.Errorf("%w: %s", ErrOverflow, d.String())
	}
	return U128{v: *v}, nil
}

// Decimal returns u as an exact decimal.
func (u U128) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(u.v.ToBig(), 0)
}

func (u U128) Add(x U128) (U128, error) {
	var z U128
	if _, overflow := z.v.AddOverflow(&u.v, &x.v); overflow || z.v.BitLen() > Bits {
		return U128{}, ErrOverflow
	}
	return z, nil
}

func (u U128) Sub(x U128) (U128, error) {
	var z U128
	if _, underflow := z.v.SubOverflow(&u.v, &x.v); underflow {
		return U128{}, ErrUnderflow
	}
	return z, nil
}

func (u U128) Mul(x U128) (U128, error) {
	var z U128
	if _, overflow := z.v.MulOverflow(&u.v, &x.v); overflow || z.v.BitLen() > Bits {
		return U128{}, ErrOverflow
	}
	return z, nil
}

// Div is truncating integer division.
func (u U128) Div(x U128) (U128, error) {
	if x.v.IsZero() {
		return U128{}, ErrDivisionByZero
	}
	var z U128
	z.v.Div(&u.v, &x.v)
	return z, nil
}

// MulDiv computes floor(u*x/y), faulting if the product overflows 128 bits.
func (u U128) MulDiv(x, y U128) (U128, error) {
	p, err := u.Mul(x)
	if err != nil {
		return U128{}, err
	}
	return p.Div(y)
}

func (u U128) Lt(x U128) bool { return u.v.Lt(&x.v) }
func (u U128) Gt(x U128) bool { return u.v.Gt(&x.v) }
func (u U128) Eq(x U128) bool { return u.v.Eq(&x.v) }
func (u U128) IsZero() bool   { return u.v.IsZero() }
func (u U128) String() string { return u.v.Dec() }

// Float64 is lossy and only meant for metrics.
func (u U128) Float64() float64 {
	f, _ := u.Decimal().Float64()
	return f
}

// Min returns the smaller of a and b.
func Min(a, b U128) U128 {
	if a.Lt(b) {
		return a
	}
	return b
}

// MarshalJSON encodes u as a quoted base-10 string so values above 2^53
// survive JavaScript clients.
func (u U128) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON accepts a quoted base-10 string or a bare JSON number.
func (u *U128) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return u.scanString(s)
}

// Scan reads a base-10 value from a database column selected as TEXT.
func (u *U128) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return u.scanString(v)
	case []byte:
		return u.scanString(string(v))
	case nil:
		return fmt.Errorf("%w: NULL", ErrInvalid)
	default:
		return fmt.Errorf("%w: unsupported column type %T", ErrInvalid, src)
	}
}

func (u *U128) scanString(s string) error {
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*u = v
	return nil
}
