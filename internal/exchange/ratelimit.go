package exchange

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"perpgrid/internal/core"
	"perpgrid/internal/metrics"
)

const (
	rateLimitInitialBackoff = time.Second
	rateLimitMaxBackoff     = 60 * time.Second
	rateLimitJitter         = 250 * time.Millisecond
)

// RateLimitGuard serializes back-off across every REST call of one exchange
// client. After a 429-equivalent error all callers sleep until a shared
// blocked-until deadline; a success resets the backoff ladder.
type RateLimitGuard struct {
	mu           sync.Mutex
	blockedUntil time.Time
	backoff      time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRateLimitGuard() *RateLimitGuard {
	return &RateLimitGuard{
		now: func() time.Time { return time.Now().UTC() },
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// Wait blocks until the guard is clear. The mutex is never held across the
// actual sleep.
func (g *RateLimitGuard) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		until := g.blockedUntil
		now := g.now()
		g.mu.Unlock()
		if !until.After(now) {
			return nil
		}
		if err := g.sleep(ctx, until.Sub(now)); err != nil {
			return err
		}
	}
}

// Observe updates guard state from a call outcome. Rate-limit errors extend
// the deadline; any other outcome, including failures, resets the ladder only
// on success.
func (g *RateLimitGuard) Observe(err error) {
	if err == nil {
		g.mu.Lock()
		g.backoff = 0
		g.mu.Unlock()
		return
	}
	rl, ok := core.IsRateLimited(err)
	if !ok {
		return
	}
	metrics.RateLimitHits.Inc()
	g.mu.Lock()
	defer g.mu.Unlock()
	delay := rl.RetryAfter
	if delay <= 0 {
		if g.backoff <= 0 {
			g.backoff = rateLimitInitialBackoff
		} else {
			g.backoff *= 2
			if g.backoff > rateLimitMaxBackoff {
				g.backoff = rateLimitMaxBackoff
			}
		}
		delay = g.backoff + time.Duration(rand.Int63n(int64(2*rateLimitJitter))) - rateLimitJitter
		if delay < 0 {
			delay = 0
		}
	}
	deadline := g.now().Add(delay)
	if deadline.After(g.blockedUntil) {
		g.blockedUntil = deadline
	}
}

// Do funnels one REST call through the guard.
func (g *RateLimitGuard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Wait(ctx); err != nil {
		return err
	}
	err := fn(ctx)
	g.Observe(err)
	return err
}
