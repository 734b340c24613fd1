package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RoundDown returns floor(value/step)*step. Step must be positive.
func RoundDown(value, step decimal.Decimal) (decimal.Decimal, error) {
	if step.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, fmt.Errorf("%w: round step %s must be > 0", ErrInvalidInput, step)
	}
	return value.Div(step).Floor().Mul(step), nil
}

// PowInt raises base to a signed integer exponent without leaving decimal space.
func PowInt(base decimal.Decimal, exp int) decimal.Decimal {
	if exp == 0 {
		return decimal.NewFromInt(1)
	}
	if exp < 0 {
		return decimal.NewFromInt(1).Div(PowInt(base, -exp))
	}
	result := decimal.NewFromInt(1)
	for i := 0; i < exp; i++ {
		result = result.Mul(base)
	}
	return result
}
