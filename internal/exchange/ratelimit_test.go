package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"perpgrid/internal/core"
	"perpgrid/internal/metrics"
)

func newTestGuard() (*RateLimitGuard, *time.Time, *[]time.Duration) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var slept []time.Duration
	g := NewRateLimitGuard()
	g.now = func() time.Time { return now }
	g.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}
	return g, &now, &slept
}

func TestGuardClearByDefault(t *testing.T) {
	g, _, slept := newTestGuard()
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(*slept) != 0 {
		t.Fatalf("Wait() slept %v with no pending block", *slept)
	}
}

func TestGuardHonorsRetryAfter(t *testing.T) {
	g, _, slept := newTestGuard()
	g.Observe(&core.RateLimitError{RetryAfter: 3 * time.Second})
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 3*time.Second {
		t.Fatalf("slept %v, want one 3s sleep", *slept)
	}
}

func TestGuardExponentialBackoff(t *testing.T) {
	g, _, _ := newTestGuard()
	var delays []time.Duration
	for i := 0; i < 8; i++ {
		g.Observe(&core.RateLimitError{})
		g.mu.Lock()
		delays = append(delays, g.backoff)
		g.blockedUntil = time.Time{}
		g.mu.Unlock()
	}
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, d := range delays {
		if d != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, d, want[i])
		}
	}
}

func TestGuardSuccessResetsBackoff(t *testing.T) {
	g, _, _ := newTestGuard()
	g.Observe(&core.RateLimitError{})
	g.Observe(&core.RateLimitError{})
	g.Observe(nil)
	g.mu.Lock()
	got := g.backoff
	g.mu.Unlock()
	if got != 0 {
		t.Fatalf("backoff after success = %v, want 0", got)
	}
}

func TestGuardIgnoresOtherErrors(t *testing.T) {
	g, _, slept := newTestGuard()
	g.Observe(errors.New("boom"))
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(*slept) != 0 {
		t.Fatalf("non-429 error caused a sleep: %v", *slept)
	}
}

func TestGuardDoPropagatesCancellation(t *testing.T) {
	g := NewRateLimitGuard()
	g.Observe(&core.RateLimitError{RetryAfter: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Do(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
}

func TestCheckCapabilities(t *testing.T) {
	a := &capsOnlyAdapter{caps: Capabilities{MarkPrice: true, Orderbook: true}}
	if err := CheckCapabilities(a); err != nil {
		t.Fatalf("CheckCapabilities() error = %v", err)
	}
	a.caps.Orderbook = false
	if err := CheckCapabilities(a); !errors.Is(err, core.ErrCapabilityUnmet) {
		t.Fatalf("CheckCapabilities() error = %v, want ErrCapabilityUnmet", err)
	}
}

type capsOnlyAdapter struct {
	Adapter
	caps Capabilities
}

func (a *capsOnlyAdapter) Name() string               { return "caps-only" }
func (a *capsOnlyAdapter) Capabilities() Capabilities { return a.caps }

func TestGuardCountsRateLimitHits(t *testing.T) {
	g, _, _ := newTestGuard()
	before := testutil.ToFloat64(metrics.RateLimitHits)
	g.Observe(&core.RateLimitError{RetryAfter: time.Second})
	g.Observe(errors.New("transport down"))
	g.Observe(nil)
	if got := testutil.ToFloat64(metrics.RateLimitHits) - before; got != 1 {
		t.Fatalf("rate limit hits delta = %v, want 1", got)
	}
}
