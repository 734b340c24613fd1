package core

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRoundDown(t *testing.T) {
	cases := []struct {
		value string
		step  string
		want  string
	}{
		{"105.7", "10", "100"},
		{"100", "10", "100"},
		{"0.123456", "0.0001", "0.1234"},
		{"-0.5", "1", "-1"},
		{"99.999", "0.01", "99.99"},
	}
	for _, tc := range cases {
		got, err := RoundDown(decimal.RequireFromString(tc.value), decimal.RequireFromString(tc.step))
		if err != nil {
			t.Fatalf("RoundDown(%s, %s) error = %v", tc.value, tc.step, err)
		}
		if got.Cmp(decimal.RequireFromString(tc.want)) != 0 {
			t.Errorf("RoundDown(%s, %s) = %s, want %s", tc.value, tc.step, got, tc.want)
		}
	}
}

func TestRoundDownIdempotent(t *testing.T) {
	v := decimal.RequireFromString("123.456")
	s := decimal.RequireFromString("0.05")
	once, err := RoundDown(v, s)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := RoundDown(once, s)
	if err != nil {
		t.Fatal(err)
	}
	if once.Cmp(twice) != 0 {
		t.Fatalf("round_down not idempotent: %s != %s", once, twice)
	}
	if once.Cmp(v) > 0 {
		t.Fatalf("round_down(%s) = %s exceeds input", v, once)
	}
}

func TestRoundDownRejectsNonPositiveStep(t *testing.T) {
	for _, step := range []string{"0", "-1"} {
		_, err := RoundDown(decimal.NewFromInt(10), decimal.RequireFromString(step))
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("RoundDown(step=%s) error = %v, want ErrInvalidInput", step, err)
		}
	}
}

func TestPowInt(t *testing.T) {
	base := decimal.RequireFromString("1.1")
	if got := PowInt(base, 0); got.Cmp(decimal.NewFromInt(1)) != 0 {
		t.Errorf("PowInt(1.1, 0) = %s, want 1", got)
	}
	if got := PowInt(base, 2); got.Cmp(decimal.RequireFromString("1.21")) != 0 {
		t.Errorf("PowInt(1.1, 2) = %s, want 1.21", got)
	}
	neg := PowInt(base, -1)
	back := neg.Mul(base)
	if back.Sub(decimal.NewFromInt(1)).Abs().Cmp(decimal.RequireFromString("0.0000001")) > 0 {
		t.Errorf("PowInt(1.1, -1) * 1.1 = %s, want ~1", back)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderFilled, OrderCancelled, OrderRejected, OrderExpired}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false", s)
		}
	}
	open := []OrderStatus{OrderPendingSend, OrderSent, OrderAcked, OrderPartiallyFilled, OrderUnknown}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true", s)
		}
	}
}
