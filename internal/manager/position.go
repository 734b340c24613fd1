package manager

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpgrid/internal/exchange"
)

// positionCache holds the last known net position for the traded symbol.
// Stream snapshots and REST refreshes both land here; fills invalidate it so
// the next sync fetches a fresh value.
type positionCache struct {
	mu            sync.Mutex
	ready         bool
	net           decimal.Decimal
	updatedAt     time.Time
	lastRefreshAt time.Time
}

func (p *positionCache) applySnapshot(symbol string, snap exchange.PositionSnapshot, now time.Time) {
	net, present := snap.Positions[symbol]
	if !present {
		// A snapshot that omits the symbol means no open position there.
		log.Printf("level=WARN event=position_snapshot_missing_symbol symbol=%s", symbol)
		net = decimal.Zero
	}
	at := snap.At
	if at.IsZero() {
		at = now
	}
	p.mu.Lock()
	p.ready = true
	p.net = net
	p.updatedAt = at
	p.mu.Unlock()
}

func (p *positionCache) invalidate() {
	p.mu.Lock()
	p.updatedAt = time.Time{}
	p.mu.Unlock()
}

func (p *positionCache) cached() (decimal.Decimal, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.net, p.updatedAt
}

// load returns a usable net position for a sync pass. A fresh cached value
// is used as-is; otherwise a REST refresh is attempted, throttled to one
// request per refresh interval. On refresh failure the stale cached value is
// still usable as long as a snapshot has ever been seen.
func (p *positionCache) load(ctx context.Context, m *Manager) (decimal.Decimal, bool) {
	now := m.now()
	p.mu.Lock()
	if p.ready && !p.updatedAt.IsZero() && now.Sub(p.updatedAt) < m.cfg.PositionFresh {
		net := p.net
		p.mu.Unlock()
		return net, true
	}
	throttled := now.Sub(p.lastRefreshAt) < m.cfg.PositionRefreshMin
	p.mu.Unlock()

	if !throttled {
		if net, ok := p.refresh(ctx, m); ok {
			return net, true
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return p.net, true
	}
	return decimal.Zero, false
}

func (p *positionCache) refresh(ctx context.Context, m *Manager) (decimal.Decimal, bool) {
	p.mu.Lock()
	p.lastRefreshAt = m.now()
	p.mu.Unlock()

	var net decimal.Decimal
	err := m.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		net, err = m.adapter.GetNetPosition(ctx, m.cfg.Symbol)
		return err
	})
	if err != nil {
		log.Printf("level=WARN event=position_refresh_failed symbol=%s err=%v",
			m.cfg.Symbol, err)
		return decimal.Zero, false
	}
	p.mu.Lock()
	p.ready = true
	p.net = net
	p.updatedAt = m.now()
	p.mu.Unlock()
	return net, true
}
