package manager

import (
	"context"
	"errors"
	"log"

	"github.com/shopspring/decimal"

	"perpgrid/internal/core"
	"perpgrid/internal/exchange"
	"perpgrid/internal/metrics"
	"perpgrid/internal/sink"
)

// syncLevels walks the grid in ascending level order and places an order on
// every unbound level that passes the position guard and the post-only
// crossover guard. The pass aborts once the open-order cap is reached.
func (m *Manager) syncLevels(ctx context.Context, q core.Quote) {
	if _, hasCenter := m.state.Center(); !hasCenter {
		return
	}
	net, ok := m.pos.load(ctx, m)
	if !ok {
		log.Printf("level=WARN event=sync_skipped reason=no_position exchange=%s symbol=%s",
			m.cfg.Exchange, m.cfg.Symbol)
		return
	}
	pendingBuy, pendingSell := m.state.PendingTotals()

	for _, idx := range m.state.LevelIndexes() {
		lvl, ok := m.state.Level(idx)
		if !ok || lvl.TargetSide == core.None {
			continue
		}
		if _, bound := m.state.BoundOrder(idx); bound {
			continue
		}
		if m.state.ActiveCount() >= m.cfg.MaxOpenOrders {
			log.Printf("level=WARN event=sync_aborted reason=max_open_orders active=%d",
				m.state.ActiveCount())
			return
		}
		if !m.risk.Allow(lvl.TargetSide, net, pendingBuy, pendingSell, m.cfg.Spec.Qty) {
			log.Printf("level=INFO event=level_skipped reason=max_position level=%d side=%s",
				idx, lvl.TargetSide)
			continue
		}
		if m.cfg.PostOnly && m.wouldCross(lvl.TargetSide, lvl.Price, q) {
			log.Printf("level=INFO event=level_skipped reason=would_cross level=%d side=%s price=%s",
				idx, lvl.TargetSide, lvl.Price)
			continue
		}
		if placed := m.placeLevel(ctx, idx, lvl.TargetSide, lvl.Price); placed {
			switch lvl.TargetSide {
			case core.Buy:
				pendingBuy = pendingBuy.Add(m.cfg.Spec.Qty)
			case core.Sell:
				pendingSell = pendingSell.Add(m.cfg.Spec.Qty)
			}
		}
	}
	metrics.ActiveOrders.Set(float64(m.state.ActiveCount()))
}

// wouldCross reports whether a post-only limit at price would execute
// immediately against the latest book. With no usable book the placement is
// suppressed rather than risked.
func (m *Manager) wouldCross(side core.Side, price decimal.Decimal, q core.Quote) bool {
	if !q.Valid() {
		return true
	}
	switch side {
	case core.Buy:
		return price.GreaterThanOrEqual(q.Ask)
	case core.Sell:
		return price.LessThanOrEqual(q.Bid)
	}
	return true
}

// placeLevel sends one limit order for a grid level. The order is recorded
// locally as PENDING_SEND before the wire call so a crash between send and
// ack still leaves a reconcilable trace.
func (m *Manager) placeLevel(ctx context.Context, idx int, side core.Side, price decimal.Decimal) bool {
	now := m.now()
	local := core.Order{
		ClientID:   m.codec.Next(side, idx),
		Exchange:   m.cfg.Exchange,
		Symbol:     m.cfg.Symbol,
		Side:       side,
		Type:       core.Limit,
		Status:     core.OrderPendingSend,
		Price:      price,
		Qty:        m.cfg.Spec.Qty,
		LevelIndex: idx,
		PostOnly:   m.cfg.PostOnly,
		PlacedAt:   now,
		UpdatedAt:  now,
	}
	m.state.UpsertOrder(local)
	m.sink.RecordOrder(sink.RecordFromOrder(local, m.runID))

	var res exchange.PlaceResult
	err := m.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = m.adapter.PlaceOrder(ctx, exchange.PlaceRequest{
			ClientID:     local.ClientID,
			Symbol:       local.Symbol,
			Side:         side,
			Type:         core.Limit,
			Price:        price,
			Qty:          local.Qty,
			PostOnly:     local.PostOnly,
			ExpireTimeMs: m.cfg.CancelTimeout.Milliseconds(),
		})
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, core.ErrOrderRejected):
			log.Printf("level=WARN event=order_rejected client_order_id=%s level=%d err=%v",
				local.ClientID, idx, err)
			m.alertImportant("order_rejected", map[string]string{
				"symbol":          m.cfg.Symbol,
				"client_order_id": local.ClientID,
			})
			local.Status = core.OrderRejected
		default:
			// The send outcome is unknown; reconcile will resolve it.
			log.Printf("level=WARN event=order_send_unknown client_order_id=%s level=%d err=%v",
				local.ClientID, idx, err)
			local.Status = core.OrderUnknown
		}
		local.UpdatedAt = m.now()
		m.state.UpsertOrder(local)
		m.sink.RecordOrder(sink.RecordFromOrder(local, m.runID))
		return false
	}

	local.Status = res.Status
	local.ExchangeID = res.ExchangeID
	local.ExchangeStatus = res.ExchangeStatus
	local.FilledQty = res.FilledQty
	local.UpdatedAt = m.now()
	m.state.UpsertOrder(local)
	m.sink.RecordOrder(sink.RecordFromOrder(local, m.runID))
	metrics.OrdersPlaced.WithLabelValues(string(side)).Inc()
	log.Printf("level=INFO event=order_placed client_order_id=%s level=%d side=%s price=%s qty=%s status=%s",
		local.ClientID, idx, side, price, local.Qty, local.Status)
	return !local.Status.IsTerminal()
}

// processOrderUpdate merges one account-stream order event into local state
// and queues a fill-driven shift when the order filled away from center.
func (m *Manager) processOrderUpdate(ctx context.Context, upd core.Order) {
	now := m.now()
	local, known := m.state.Order(upd.ClientID)
	if known {
		// Stream payloads do not carry the level; keep local bookkeeping.
		upd.LevelIndex = local.LevelIndex
		upd.PlacedAt = local.PlacedAt
		if upd.Price.IsZero() {
			upd.Price = local.Price
		}
		if upd.Qty.IsZero() {
			upd.Qty = local.Qty
		}
	} else {
		side, idx, err := m.codec.Parse(upd.ClientID)
		if err != nil {
			log.Printf("level=WARN event=order_update_unparsed client_order_id=%s err=%v",
				upd.ClientID, err)
			return
		}
		upd.Side = side
		upd.LevelIndex = idx
		upd.PlacedAt = now
	}
	upd.Exchange = m.cfg.Exchange
	upd.UpdatedAt = now
	m.state.UpsertOrder(upd)
	m.sink.RecordOrder(sink.RecordFromOrder(upd, m.runID))

	m.statusMu.Lock()
	m.lastOrderUpdateAt = now
	m.statusMu.Unlock()

	switch upd.Status {
	case core.OrderFilled:
		metrics.OrderFills.WithLabelValues(string(upd.Side)).Inc()
		log.Printf("level=INFO event=order_filled client_order_id=%s level=%d side=%s price=%s",
			upd.ClientID, upd.LevelIndex, upd.Side, upd.Price)
		m.pos.invalidate()
		if upd.LevelIndex != 0 {
			m.mu.Lock()
			m.pendingFills = append(m.pendingFills, upd.LevelIndex)
			m.mu.Unlock()
			m.signal()
		}
	case core.OrderPartiallyFilled:
		m.pos.invalidate()
	}
	metrics.ActiveOrders.Set(float64(m.state.ActiveCount()))
}

func markFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
