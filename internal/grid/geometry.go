package grid

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"perpgrid/internal/core"
)

type SpacingMode string

const (
	SpacingAbs     SpacingMode = "ABS"
	SpacingPercent SpacingMode = "PERCENT"
)

// Spec describes the symmetric level layout: Levels per side around the center,
// spaced additively (ABS) or multiplicatively (PERCENT).
type Spec struct {
	Levels         int
	Mode           SpacingMode
	Spacing        decimal.Decimal
	SpacingPercent decimal.Decimal
	Qty            decimal.Decimal
}

func (s Spec) Validate() error {
	if s.Levels < 1 {
		return fmt.Errorf("%w: levels must be >= 1", core.ErrInvalidInput)
	}
	switch s.Mode {
	case SpacingAbs:
		if s.Spacing.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("%w: spacing must be > 0 in ABS mode", core.ErrInvalidInput)
		}
	case SpacingPercent:
		if s.SpacingPercent.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("%w: spacing_percent must be > 0 in PERCENT mode", core.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown spacing mode %q", core.ErrInvalidInput, s.Mode)
	}
	if s.Qty.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: qty must be > 0", core.ErrInvalidInput)
	}
	return nil
}

// PriceForLevel computes the level price at a signed index from the center.
func (s Spec) PriceForLevel(center decimal.Decimal, idx int) decimal.Decimal {
	if idx == 0 {
		return center
	}
	switch s.Mode {
	case SpacingAbs:
		return center.Add(s.Spacing.Mul(decimal.NewFromInt(int64(idx))))
	default:
		ratio := decimal.NewFromInt(1).Add(s.SpacingPercent)
		if idx > 0 {
			return center.Mul(core.PowInt(ratio, idx))
		}
		return center.Div(core.PowInt(ratio, -idx))
	}
}

// CrossSteps returns how many whole grid spacings the mark sits away from the
// center, signed. The percent branch goes through float logs; floor coercion
// keeps any error within one step, which the confirmation window tolerates.
func (s Spec) CrossSteps(center, mark decimal.Decimal) (int, error) {
	if center.Cmp(decimal.Zero) <= 0 {
		return 0, fmt.Errorf("%w: center %s must be > 0", core.ErrInvalidInput, center)
	}
	if mark.Cmp(decimal.Zero) <= 0 {
		return 0, fmt.Errorf("%w: mark %s must be > 0", core.ErrInvalidInput, mark)
	}
	switch s.Mode {
	case SpacingAbs:
		diff := mark.Sub(center)
		steps := diff.Abs().Div(s.Spacing).Floor()
		if diff.Cmp(decimal.Zero) < 0 {
			steps = steps.Neg()
		}
		return int(steps.IntPart()), nil
	default:
		r := mark.Div(center).InexactFloat64()
		if r == 1 {
			return 0, nil
		}
		denom := math.Log(1 + s.SpacingPercent.InexactFloat64())
		if r > 1 {
			return int(math.Floor(math.Log(r) / denom)), nil
		}
		return -int(math.Floor(math.Log(1/r) / denom)), nil
	}
}
