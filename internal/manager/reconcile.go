package manager

import (
	"context"
	"log"

	"perpgrid/internal/core"
	"perpgrid/internal/sink"
)

// RunReconcile is the periodic exchange truth-sync. It lists the open orders
// on the exchange, merges the managed ones into local state, resolves local
// orders the exchange no longer shows, and cancels duplicates left behind by
// races between shifts and fills.
func (m *Manager) RunReconcile(ctx context.Context) error {
	if !m.tryAcquire() {
		log.Printf("level=DEBUG event=reconcile_skipped reason=busy")
		return nil
	}
	defer m.endProcessing()
	defer m.signal()

	var open []core.Order
	err := m.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		open, err = m.adapter.GetOpenOrders(ctx, m.cfg.Symbol)
		return err
	})
	if err != nil {
		log.Printf("level=WARN event=reconcile_open_orders_failed err=%v", err)
		return err
	}

	openSet := make(map[string]struct{}, len(open))
	for _, ord := range open {
		if !m.codec.Owns(ord.ClientID) {
			continue
		}
		openSet[ord.ClientID] = struct{}{}
		m.mergeOpenOrder(ord)
	}

	// Local non-terminal orders the exchange no longer lists get a point
	// lookup; absence becomes UNKNOWN, never an assumed CANCELLED.
	for _, local := range m.state.Orders() {
		if local.Status == core.OrderPendingSend {
			continue
		}
		if _, stillOpen := openSet[local.ClientID]; stillOpen {
			continue
		}
		m.reconcileOrder(ctx, local)
	}

	m.cancelDuplicates(ctx)

	m.statusMu.Lock()
	m.lastReconcileAt = m.now()
	m.statusMu.Unlock()
	return nil
}

// mergeOpenOrder folds an exchange-listed order into local state. Local
// bookkeeping fields survive the merge; an order the exchange knows and we
// do not is adopted from its client-order-id.
func (m *Manager) mergeOpenOrder(ord core.Order) {
	local, known := m.state.Order(ord.ClientID)
	if known {
		ord.LevelIndex = local.LevelIndex
		ord.PlacedAt = local.PlacedAt
	} else {
		side, idx, err := m.codec.Parse(ord.ClientID)
		if err != nil {
			log.Printf("level=WARN event=reconcile_unparsed client_order_id=%s err=%v",
				ord.ClientID, err)
			return
		}
		log.Printf("level=WARN event=reconcile_adopted_order client_order_id=%s level=%d",
			ord.ClientID, idx)
		ord.Side = side
		ord.LevelIndex = idx
		ord.PlacedAt = m.now()
	}
	ord.Exchange = m.cfg.Exchange
	ord.UpdatedAt = m.now()
	m.state.UpsertOrder(ord)
	m.sink.RecordOrder(sink.RecordFromOrder(ord, m.runID))
}

// cancelDuplicates sweeps non-terminal orders that lost the binding for
// their level to another order of the same side. At most one resting order
// per level is allowed.
func (m *Manager) cancelDuplicates(ctx context.Context) {
	for _, ord := range m.state.Orders() {
		switch ord.Status {
		case core.OrderAcked, core.OrderPartiallyFilled, core.OrderSent:
		default:
			continue
		}
		bound, ok := m.state.BoundOrder(ord.LevelIndex)
		if !ok || bound.ClientID == ord.ClientID {
			continue
		}
		if bound.Side != ord.Side {
			continue
		}
		log.Printf("level=WARN event=duplicate_order client_order_id=%s level=%d holder=%s",
			ord.ClientID, ord.LevelIndex, bound.ClientID)
		m.cancelOrder(ctx, ord, "duplicate")
	}
}
