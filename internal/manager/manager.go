// Package manager owns the grid state. It is the single writer: quote
// callbacks, account callbacks, and maintenance ticks all funnel into one
// serialized work queue, and only the drain loop mutates levels and orders or
// talks to the exchange about placements and cancels.
package manager

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpgrid/internal/alert"
	"perpgrid/internal/core"
	"perpgrid/internal/exchange"
	"perpgrid/internal/grid"
	"perpgrid/internal/marketdata"
	"perpgrid/internal/risk"
	"perpgrid/internal/sink"
)

type Config struct {
	StrategyID    string
	Exchange      string
	Symbol        string
	Spec          grid.Spec
	MaxPosition   decimal.Decimal
	MaxOpenOrders int
	PostOnly      bool

	CancelTimeout      time.Duration
	ConfirmWindow      time.Duration
	PositionFresh      time.Duration
	PositionRefreshMin time.Duration
}

type Manager struct {
	cfg     Config
	adapter exchange.Adapter
	guard   *exchange.RateLimitGuard
	md      *marketdata.Aggregator
	codec   *core.ClientIDCodec
	risk    risk.Guard
	sink    sink.Sink
	alerts  alert.Alerter
	runID   string

	state *grid.State

	// Work queue: a single-slot latest-wins quote, FIFO account updates, and
	// FIFO fill shifts. processing guarantees one in-flight work unit.
	mu            sync.Mutex
	pendingQuote  *core.Quote
	pendingOrders []core.Order
	pendingFills  []int
	processing    bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	pos positionCache

	pendingCancels map[string]struct{}

	// Mark-shift confirmation window.
	shiftSign      int
	shiftStartedAt time.Time

	statusMu          sync.Mutex
	status            Status
	lastOrderUpdateAt time.Time
	lastMaintenanceAt time.Time
	lastReconcileAt   time.Time

	unsubAccount exchange.Unsubscribe

	now func() time.Time
}

// Status is the published snapshot read by the health checker and ops surface.
type Status struct {
	RunID                string
	CenterPrice          decimal.Decimal
	HasCenter            bool
	LastQuoteAt          time.Time
	LastOrderUpdateAt    time.Time
	LastPositionUpdateAt time.Time
	LastMaintenanceAt    time.Time
	LastReconcileAt      time.Time
	ActiveOrders         int
}

func New(cfg Config, adapter exchange.Adapter, guard *exchange.RateLimitGuard, md *marketdata.Aggregator, snk sink.Sink, alerts alert.Alerter, runID string) *Manager {
	if snk == nil {
		snk = sink.Nop{}
	}
	return &Manager{
		cfg:            cfg,
		adapter:        adapter,
		guard:          guard,
		md:             md,
		codec:          core.NewClientIDCodec(strategyID(cfg), cfg.Symbol),
		risk:           risk.Guard{MaxPosition: cfg.MaxPosition},
		sink:           snk,
		alerts:         alerts,
		runID:          runID,
		state:          grid.NewState(cfg.Spec),
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		pendingCancels: make(map[string]struct{}),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func strategyID(cfg Config) string {
	if cfg.StrategyID == "" {
		return "grid-default"
	}
	return cfg.StrategyID
}

// Codec exposes the client-order-id codec for the ops surface.
func (m *Manager) Codec() *core.ClientIDCodec { return m.codec }

// Start subscribes to the quote and account streams, refreshes the position
// once over REST, and launches the drain loop.
func (m *Manager) Start(ctx context.Context) error {
	m.md.Subscribe(marketdata.Subscriber{
		Exchanges: []string{m.cfg.Exchange},
		OnQuote:   m.onSnapshot,
	})
	unsub, err := m.adapter.SubscribeAccount(ctx, exchange.AccountSubscription{
		OnOrderUpdate:    m.onOrderUpdate,
		OnPositionUpdate: m.onPositionUpdate,
	})
	if err != nil {
		return err
	}
	m.unsubAccount = unsub

	// Populate the position cache before any placement is attempted.
	if _, ok := m.pos.refresh(ctx, m); !ok {
		log.Printf("level=WARN event=initial_position_refresh_failed exchange=%s symbol=%s",
			m.cfg.Exchange, m.cfg.Symbol)
	}
	go m.run(ctx)
	return nil
}

// Stop unsubscribes streams and waits for the drain loop to exit. In-flight
// adapter calls are abandoned via context cancellation by the caller.
func (m *Manager) Stop() {
	if m.unsubAccount != nil {
		m.unsubAccount()
		m.unsubAccount = nil
	}
	close(m.stop)
	<-m.done
}

func (m *Manager) onSnapshot(snap marketdata.Snapshot) {
	q := snap.Source
	m.mu.Lock()
	// Latest wins: an unprocessed older quote is discarded.
	m.pendingQuote = &q
	m.mu.Unlock()
	m.signal()
}

func (m *Manager) onOrderUpdate(ord core.Order) {
	if !m.codec.Owns(ord.ClientID) {
		return
	}
	m.mu.Lock()
	m.pendingOrders = append(m.pendingOrders, ord)
	m.mu.Unlock()
	m.signal()
}

func (m *Manager) onPositionUpdate(snap exchange.PositionSnapshot) {
	m.pos.applySnapshot(m.cfg.Symbol, snap, m.now())
	// Only the drain loop may read grid state; the stream goroutine updates
	// the position timestamp alone.
	_, posUpdatedAt := m.pos.cached()
	m.statusMu.Lock()
	m.status.LastPositionUpdateAt = posUpdatedAt
	m.statusMu.Unlock()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-m.wake:
			m.drain(ctx)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain executes queued work units one at a time. Priority: account updates,
// then fill shifts, then the pending quote — fills carry newer causal
// information than any quote queued before them.
func (m *Manager) drain(ctx context.Context) {
	for {
		m.mu.Lock()
		if m.processing {
			m.mu.Unlock()
			return
		}
		var (
			ord   *core.Order
			fill  *int
			quote *core.Quote
		)
		switch {
		case len(m.pendingOrders) > 0:
			o := m.pendingOrders[0]
			m.pendingOrders = m.pendingOrders[1:]
			ord = &o
		case len(m.pendingFills) > 0:
			f := m.pendingFills[0]
			m.pendingFills = m.pendingFills[1:]
			fill = &f
		case m.pendingQuote != nil:
			quote = m.pendingQuote
			m.pendingQuote = nil
		default:
			m.mu.Unlock()
			return
		}
		m.processing = true
		m.mu.Unlock()

		func() {
			defer m.endProcessing()
			defer recoverWorkPanic()
			switch {
			case ord != nil:
				m.processOrderUpdate(ctx, *ord)
			case fill != nil:
				m.processFillShift(ctx, *fill)
			case quote != nil:
				m.processQuote(ctx, *quote)
			}
		}()
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (m *Manager) endProcessing() {
	// Snapshot grid state while the processing flag is still held, so no
	// other frame can be mutating it.
	m.publishStatus()
	m.mu.Lock()
	m.processing = false
	m.mu.Unlock()
}

// tryAcquire claims the processing flag for a maintenance entry point. It
// fails when trade-path work is in flight; the caller drops the tick.
func (m *Manager) tryAcquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processing {
		return false
	}
	m.processing = true
	return true
}

func recoverWorkPanic() {
	if r := recover(); r != nil {
		log.Printf("level=ERROR event=work_unit_panic panic=%v", r)
	}
}

// publishStatus copies the writer's frame out for concurrent readers. It must
// only run while the caller holds the processing flag.
func (m *Manager) publishStatus() {
	center, hasCenter := m.state.Center()
	_, lastQuoteAt := m.state.LastMark()
	active := m.state.ActiveCount()
	_, posUpdatedAt := m.pos.cached()

	m.statusMu.Lock()
	m.status = Status{
		RunID:                m.runID,
		CenterPrice:          center,
		HasCenter:            hasCenter,
		LastQuoteAt:          lastQuoteAt,
		LastOrderUpdateAt:    m.lastOrderUpdateAt,
		LastPositionUpdateAt: posUpdatedAt,
		LastMaintenanceAt:    m.lastMaintenanceAt,
		LastReconcileAt:      m.lastReconcileAt,
		ActiveOrders:         active,
	}
	m.statusMu.Unlock()
}

// Status returns the last published snapshot.
func (m *Manager) Status() Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status
}

func (m *Manager) alertImportant(event string, fields map[string]string) {
	if m.alerts == nil {
		return
	}
	m.alerts.Important(event, fields)
}
