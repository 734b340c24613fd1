package manager

import (
	"context"
	"log"
	"strconv"
	"time"

	"perpgrid/internal/core"
	"perpgrid/internal/metrics"
)

// processQuote runs the full trade path for one mark-price observation:
// timeout sweep, cross-step evaluation, shift decision, and level sync.
func (m *Manager) processQuote(ctx context.Context, q core.Quote) {
	now := m.now()
	m.state.UpdateMark(q.Mark, q.Time)

	center, hasCenter := m.state.Center()
	if !hasCenter {
		m.firstQuote(ctx, q)
		return
	}

	m.expireOverdue(ctx, now)

	steps, err := m.cfg.Spec.CrossSteps(center, q.Mark)
	if err != nil {
		log.Printf("level=WARN event=cross_steps_failed center=%s mark=%s err=%v",
			center, q.Mark, err)
		return
	}

	switch {
	case steps == 0:
		m.clearConfirm()
	case abs(steps) >= m.cfg.Spec.Levels:
		// The mark escaped the whole grid. Rebuild around it.
		m.clearConfirm()
		log.Printf("level=WARN event=grid_full_rebuild center=%s mark=%s steps=%d",
			center, q.Mark, steps)
		m.rebuild(ctx, q)
		metrics.FullRebuilds.Inc()
		m.alertImportant("grid_full_rebuild", map[string]string{
			"center": center.String(),
			"mark":   q.Mark.String(),
		})
	case abs(steps) < 2:
		// One step of displacement is jitter around a level boundary.
		m.clearConfirm()
	default:
		m.confirmShift(ctx, steps, now)
	}

	m.syncLevels(ctx, q)
}

// firstQuote seeds the grid center and clears any managed orders left over
// from a previous run before the first sync.
func (m *Manager) firstQuote(ctx context.Context, q core.Quote) {
	m.state.Reset(q.Mark)
	log.Printf("level=INFO event=grid_seeded exchange=%s symbol=%s center=%s levels=%d",
		m.cfg.Exchange, m.cfg.Symbol, q.Mark, m.cfg.Spec.Levels)
	metrics.CenterPrice.Set(markFloat(q.Mark))

	m.cancelPreexisting(ctx)
	m.syncLevels(ctx, q)
}

// cancelPreexisting cancels open exchange orders carrying this strategy's
// client-order-id prefix. Foreign orders are left alone.
func (m *Manager) cancelPreexisting(ctx context.Context) {
	var open []core.Order
	err := m.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		open, err = m.adapter.GetOpenOrders(ctx, m.cfg.Symbol)
		return err
	})
	if err != nil {
		log.Printf("level=WARN event=preexisting_orders_lookup_failed err=%v", err)
		return
	}
	for _, ord := range open {
		if !m.codec.Owns(ord.ClientID) {
			continue
		}
		log.Printf("level=INFO event=cancel_preexisting client_order_id=%s", ord.ClientID)
		m.cancelOrder(ctx, ord, "startup")
	}
}

// rebuild recenters the grid on the given mark and cancels every managed
// non-terminal order; the following sync repopulates all levels.
func (m *Manager) rebuild(ctx context.Context, q core.Quote) {
	stale := m.state.Orders()
	m.state.Reset(q.Mark)
	metrics.CenterPrice.Set(markFloat(q.Mark))
	for _, ord := range stale {
		m.cancelOrder(ctx, ord, "rebuild")
	}
}

// confirmShift applies the mark-shift confirmation window: a displacement of
// two or more steps must persist, with a stable sign, for the whole window
// before the center moves. A sign flip restarts the window.
func (m *Manager) confirmShift(ctx context.Context, steps int, now time.Time) {
	sign := 1
	if steps < 0 {
		sign = -1
	}
	if m.shiftSign != sign {
		m.shiftSign = sign
		m.shiftStartedAt = now
		return
	}
	if now.Sub(m.shiftStartedAt) < m.cfg.ConfirmWindow {
		return
	}
	m.clearConfirm()
	m.applyShift(ctx, steps, "mark")
}

func (m *Manager) clearConfirm() {
	m.shiftSign = 0
	m.shiftStartedAt = time.Time{}
}

// applyShift moves the center by steps grid steps, cancelling orders whose
// level fell off the window or whose side no longer matches.
func (m *Manager) applyShift(ctx context.Context, steps int, trigger string) {
	res, err := m.state.ShiftCenter(steps)
	if err != nil {
		log.Printf("level=ERROR event=shift_failed steps=%d err=%v", steps, err)
		return
	}
	log.Printf("level=INFO event=center_shift trigger=%s steps=%d new_center=%s cancels=%d",
		trigger, steps, res.NewCenter, len(res.OutOfRange))
	metrics.CenterShifts.WithLabelValues(trigger).Inc()
	metrics.CenterPrice.Set(markFloat(res.NewCenter))
	m.alertImportant("center_shifted", map[string]string{
		"symbol":     m.cfg.Symbol,
		"trigger":    trigger,
		"steps":      strconv.Itoa(steps),
		"new_center": res.NewCenter.String(),
	})
	for _, ord := range res.OutOfRange {
		m.cancelOrder(ctx, ord, "shift")
	}
}

// processFillShift handles a fill-driven recenter: a fill at level i proves
// the mark traversed i steps, so the center moves by i with no confirmation.
func (m *Manager) processFillShift(ctx context.Context, levelIndex int) {
	if _, hasCenter := m.state.Center(); !hasCenter {
		return
	}
	if levelIndex == 0 {
		return
	}
	m.clearConfirm()
	m.applyShift(ctx, levelIndex, "fill")
	q, ok := m.md.LatestQuote(m.cfg.Exchange)
	if !ok {
		// No cached book yet; sync against the last seen mark. A post-only
		// placement with no book is suppressed by the crossover guard.
		mark, at := m.state.LastMark()
		q = core.Quote{Exchange: m.cfg.Exchange, Mark: mark, Time: at}
	}
	m.syncLevels(ctx, q)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
