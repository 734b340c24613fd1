package grid

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"perpgrid/internal/core"
)

func absSpec(levels int, spacing string) Spec {
	return Spec{
		Levels:  levels,
		Mode:    SpacingAbs,
		Spacing: decimal.RequireFromString(spacing),
		Qty:     decimal.NewFromInt(1),
	}
}

func pctSpec(levels int, pct string) Spec {
	return Spec{
		Levels:         levels,
		Mode:           SpacingPercent,
		SpacingPercent: decimal.RequireFromString(pct),
		Qty:            decimal.NewFromInt(1),
	}
}

func TestPriceForLevelAbs(t *testing.T) {
	spec := absSpec(3, "10")
	center := decimal.NewFromInt(100)
	cases := []struct {
		idx  int
		want string
	}{
		{-3, "70"}, {-1, "90"}, {0, "100"}, {1, "110"}, {3, "130"},
	}
	for _, tc := range cases {
		got := spec.PriceForLevel(center, tc.idx)
		if got.Cmp(decimal.RequireFromString(tc.want)) != 0 {
			t.Errorf("PriceForLevel(100, %d) = %s, want %s", tc.idx, got, tc.want)
		}
	}
}

func TestPriceForLevelPercent(t *testing.T) {
	spec := pctSpec(3, "0.1")
	center := decimal.NewFromInt(100)
	if got := spec.PriceForLevel(center, 2); got.Cmp(decimal.RequireFromString("121")) != 0 {
		t.Errorf("PriceForLevel(100, 2) = %s, want 121", got)
	}
	down := spec.PriceForLevel(center, -1)
	back := down.Mul(decimal.RequireFromString("1.1"))
	if back.Sub(center).Abs().Cmp(decimal.RequireFromString("0.0000001")) > 0 {
		t.Errorf("PriceForLevel(100, -1) = %s, expected 100/1.1", down)
	}
}

func TestCrossStepsAbs(t *testing.T) {
	spec := absSpec(3, "10")
	center := decimal.NewFromInt(100)
	cases := []struct {
		mark string
		want int
	}{
		{"100", 0},
		{"104", 0},
		{"109.99", 0},
		{"110", 1},
		{"121", 2},
		{"96", 0},
		{"90", -1},
		{"79.5", -2},
		{"200", 10},
	}
	for _, tc := range cases {
		got, err := spec.CrossSteps(center, decimal.RequireFromString(tc.mark))
		if err != nil {
			t.Fatalf("CrossSteps(100, %s) error = %v", tc.mark, err)
		}
		if got != tc.want {
			t.Errorf("CrossSteps(100, %s) = %d, want %d", tc.mark, got, tc.want)
		}
	}
}

func TestCrossStepsPercent(t *testing.T) {
	spec := pctSpec(3, "0.1")
	center := decimal.NewFromInt(100)
	cases := []struct {
		mark string
		want int
	}{
		{"100", 0},
		{"105", 0},
		{"121.1", 2},
		{"133.2", 3},
		{"95", 0},
		{"90.9", -1},
		{"82.6", -2},
	}
	for _, tc := range cases {
		got, err := spec.CrossSteps(center, decimal.RequireFromString(tc.mark))
		if err != nil {
			t.Fatalf("CrossSteps(100, %s) error = %v", tc.mark, err)
		}
		if got != tc.want {
			t.Errorf("CrossSteps(100, %s) = %d, want %d", tc.mark, got, tc.want)
		}
	}
}

func TestCrossStepsAtCenterIsZero(t *testing.T) {
	for _, spec := range []Spec{absSpec(5, "0.5"), pctSpec(5, "0.002")} {
		c := decimal.RequireFromString("31250.75")
		got, err := spec.CrossSteps(c, c)
		if err != nil {
			t.Fatalf("CrossSteps(c, c) error = %v", err)
		}
		if got != 0 {
			t.Errorf("CrossSteps(c, c) = %d, want 0 (mode %s)", got, spec.Mode)
		}
	}
}

func TestCrossStepsPreconditions(t *testing.T) {
	spec := absSpec(3, "10")
	if _, err := spec.CrossSteps(decimal.Zero, decimal.NewFromInt(100)); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("zero center error = %v, want ErrInvalidInput", err)
	}
	if _, err := spec.CrossSteps(decimal.NewFromInt(100), decimal.Zero); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("zero mark error = %v, want ErrInvalidInput", err)
	}
}

func TestSpecValidate(t *testing.T) {
	if err := absSpec(3, "10").Validate(); err != nil {
		t.Errorf("valid ABS spec rejected: %v", err)
	}
	if err := pctSpec(3, "0.01").Validate(); err != nil {
		t.Errorf("valid PERCENT spec rejected: %v", err)
	}
	bad := []Spec{
		{Levels: 0, Mode: SpacingAbs, Spacing: decimal.NewFromInt(1), Qty: decimal.NewFromInt(1)},
		{Levels: 3, Mode: SpacingAbs, Spacing: decimal.Zero, Qty: decimal.NewFromInt(1)},
		{Levels: 3, Mode: SpacingPercent, SpacingPercent: decimal.Zero, Qty: decimal.NewFromInt(1)},
		{Levels: 3, Mode: "GEOMETRIC", Spacing: decimal.NewFromInt(1), Qty: decimal.NewFromInt(1)},
		{Levels: 3, Mode: SpacingAbs, Spacing: decimal.NewFromInt(1), Qty: decimal.Zero},
	}
	for i, spec := range bad {
		if err := spec.Validate(); err == nil {
			t.Errorf("case %d: invalid spec accepted", i)
		}
	}
}
