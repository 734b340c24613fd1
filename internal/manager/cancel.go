package manager

import (
	"context"
	"errors"
	"log"
	"time"

	"perpgrid/internal/core"
	"perpgrid/internal/metrics"
	"perpgrid/internal/sink"
)

// RunMaintenance is the periodic timeout sweep. It shares the processing
// flag with the trade path; if a work unit is in flight the tick is dropped.
func (m *Manager) RunMaintenance(ctx context.Context) error {
	if !m.tryAcquire() {
		log.Printf("level=DEBUG event=maintenance_skipped reason=busy")
		return nil
	}
	defer m.endProcessing()
	defer m.signal()

	m.expireOverdue(ctx, m.now())
	m.statusMu.Lock()
	m.lastMaintenanceAt = m.now()
	m.statusMu.Unlock()
	return nil
}

// expireOverdue cancels resting orders older than the cancel timeout.
// Orders not yet acked are left for reconcile; a cancel racing an ack only
// produces rejections.
func (m *Manager) expireOverdue(ctx context.Context, now time.Time) {
	for _, ord := range m.state.Orders() {
		switch ord.Status {
		case core.OrderAcked, core.OrderPartiallyFilled:
		default:
			continue
		}
		if now.Sub(ord.PlacedAt) < m.cfg.CancelTimeout {
			continue
		}
		log.Printf("level=INFO event=order_timeout client_order_id=%s level=%d age=%s",
			ord.ClientID, ord.LevelIndex, now.Sub(ord.PlacedAt))
		m.cancelOrder(ctx, ord, "timeout")
	}
}

// cancelOrder cancels one order on the exchange and marks it CANCELLED only
// on a confirmed success. A failed cancel is resolved by a point lookup; the
// order is never assumed dead.
func (m *Manager) cancelOrder(ctx context.Context, ord core.Order, cause string) {
	if _, inflight := m.pendingCancels[ord.ClientID]; inflight {
		return
	}
	m.pendingCancels[ord.ClientID] = struct{}{}
	defer delete(m.pendingCancels, ord.ClientID)

	err := m.guard.Do(ctx, func(ctx context.Context) error {
		return m.adapter.CancelOrderByClientID(ctx, m.cfg.Symbol, ord.ClientID)
	})
	if err != nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			// Already gone on the exchange; the point lookup settles what
			// happened to it.
			m.reconcileOrder(ctx, ord)
			return
		}
		log.Printf("level=WARN event=cancel_failed client_order_id=%s cause=%s err=%v",
			ord.ClientID, cause, err)
		m.reconcileOrder(ctx, ord)
		return
	}

	ord.Status = core.OrderCancelled
	ord.UpdatedAt = m.now()
	m.state.UpsertOrder(ord)
	m.sink.RecordOrder(sink.RecordFromOrder(ord, m.runID))
	metrics.OrdersCancelled.WithLabelValues(cause).Inc()
	log.Printf("level=INFO event=order_cancelled client_order_id=%s level=%d cause=%s",
		ord.ClientID, ord.LevelIndex, cause)
}

// reconcileOrder resolves one order's true status with a point lookup. An
// order the exchange has never heard of becomes UNKNOWN, not CANCELLED.
func (m *Manager) reconcileOrder(ctx context.Context, ord core.Order) {
	var fetched core.Order
	err := m.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		fetched, err = m.adapter.GetOrderByClientID(ctx, m.cfg.Symbol, ord.ClientID)
		return err
	})
	if err != nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			ord.Status = core.OrderUnknown
			ord.UpdatedAt = m.now()
			m.state.UpsertOrder(ord)
			m.sink.RecordOrder(sink.RecordFromOrder(ord, m.runID))
			log.Printf("level=WARN event=order_unknown client_order_id=%s level=%d",
				ord.ClientID, ord.LevelIndex)
			m.alertImportant("reconcile_unknown_order", map[string]string{
				"symbol":          m.cfg.Symbol,
				"client_order_id": ord.ClientID,
			})
			return
		}
		log.Printf("level=WARN event=order_lookup_failed client_order_id=%s err=%v",
			ord.ClientID, err)
		return
	}
	fetched.LevelIndex = ord.LevelIndex
	fetched.PlacedAt = ord.PlacedAt
	fetched.Exchange = m.cfg.Exchange
	fetched.UpdatedAt = m.now()
	m.state.UpsertOrder(fetched)
	m.sink.RecordOrder(sink.RecordFromOrder(fetched, m.runID))
	if fetched.Status == core.OrderFilled {
		m.pos.invalidate()
		if fetched.LevelIndex != 0 {
			m.mu.Lock()
			m.pendingFills = append(m.pendingFills, fetched.LevelIndex)
			m.mu.Unlock()
			m.signal()
		}
	}
}
