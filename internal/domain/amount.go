package domain

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Amount is a fixed-point quantity of collateral or shares with six decimal
// places. One collateral unit (and one share) is Unit.
type Amount int64

// Unit is the fixed-point representation of 1.0.
const Unit Amount = 1_000_000

const amountDecimals = 6

// ParseAmount parses a decimal string such as "12.5" into an Amount. Inputs
// with more than six decimal places are rejected rather than rounded.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	scaled := d.Shift(amountDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("parse amount %q: more than %d decimal places", s, amountDecimals)
	}
	if scaled.Abs().GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, fmt.Errorf("parse amount %q: out of range", s)
	}
	return Amount(scaled.IntPart()), nil
}

// MustAmount is ParseAmount for constants and tests. It panics on error.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Units returns n whole units.
func Units(n int64) Amount { return Amount(n) * Unit }

// Decimal returns a as a decimal value.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -amountDecimals)
}

// Float64 returns a in whole units. Use only for display and pricing math.
func (a Amount) Float64() float64 {
	return float64(a) / float64(Unit)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(amountDecimals)
}

// MarshalText encodes the amount as a decimal string so JSON payloads never
// carry float rounding.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText accepts a decimal string.
func (a *Amount) UnmarshalText(text []byte) error {
	v, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MulDivFloor returns floor(a*num/den) without intermediate overflow for
// the magnitudes used by settlement.
func MulDivFloor(a, num, den Amount) Amount {
	if den == 0 {
		return 0
	}
	r := decimal.NewFromInt(int64(a)).Mul(decimal.NewFromInt(int64(num))).
		Div(decimal.NewFromInt(int64(den))).Floor()
	return Amount(r.IntPart())
}
