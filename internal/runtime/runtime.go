// Package runtime assembles the engine from configuration: adapter, market
// data fan-out, order manager, maintenance ticker, ops surface, and the order
// sink. Start order is dependencies-first; Stop unwinds in reverse.
package runtime

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"perpgrid/internal/alert"
	"perpgrid/internal/config"
	"perpgrid/internal/core"
	"perpgrid/internal/exchange"
	"perpgrid/internal/exchange/binancef"
	"perpgrid/internal/grid"
	"perpgrid/internal/health"
	"perpgrid/internal/manager"
	"perpgrid/internal/marketdata"
	"perpgrid/internal/metrics"
	"perpgrid/internal/ops"
	"perpgrid/internal/sink"
	"perpgrid/internal/ticker"
)

type Runtime struct {
	cfg     config.Config
	runID   string
	adapter exchange.Adapter
	md      *marketdata.Aggregator
	mgr     *manager.Manager
	driver  *ticker.Driver
	opsSrv  *ops.Server
	snk     sink.Sink
	lock    *sink.InstanceLock
	alerts  *alert.Manager
	checker *health.Checker
}

func New(cfg config.Config) (*Runtime, error) {
	adapter, err := buildAdapter(cfg)
	if err != nil {
		return nil, err
	}
	if err := exchange.CheckCapabilities(adapter); err != nil {
		return nil, err
	}
	spec := grid.Spec{
		Levels:         cfg.Grid.Levels,
		Mode:           grid.SpacingMode(cfg.Grid.SpacingMode),
		Spacing:        cfg.Grid.Spacing.Decimal,
		SpacingPercent: cfg.Grid.SpacingPercent.Decimal,
		Qty:            cfg.Grid.Quantity.Decimal,
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Runtime{
		cfg:     cfg,
		runID:   uuid.NewString(),
		adapter: adapter,
		md:      marketdata.NewAggregator(),
		checker: health.NewChecker(health.DefaultThresholds()),
	}, nil
}

func buildAdapter(cfg config.Config) (exchange.Adapter, error) {
	switch cfg.Exchange {
	case "binancef", "binance":
		return binancef.NewClient(binancef.Options{
			APIKey:      cfg.Adapter.APIKey,
			APISecret:   cfg.Adapter.APISecret,
			RestBaseURL: cfg.Adapter.RestBaseURL,
			WSBaseURL:   cfg.Adapter.WSBaseURL,
			Testnet:     cfg.Adapter.Testnet,
		})
	default:
		return nil, fmt.Errorf("unsupported exchange %q", cfg.Exchange)
	}
}

// Start brings the engine up. Any failure leaves already-started components
// stopped again via Stop from the caller.
func (r *Runtime) Start(ctx context.Context) error {
	cfg := r.cfg

	if cfg.DBPath != "" {
		lock, err := sink.AcquireInstanceLock(filepath.Dir(cfg.DBPath), cfg.StrategyID)
		if err != nil {
			return err
		}
		r.lock = lock
		sq, err := sink.OpenSQLite(cfg.DBPath)
		if err != nil {
			return err
		}
		r.snk = sq
	} else {
		r.snk = sink.Nop{}
	}

	if cfg.Telegram.Enabled {
		notifier := alert.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID,
			cfg.Telegram.APIBaseURL, 10*time.Second)
		r.alerts = alert.NewManager(cfg.StrategyID, cfg.Symbol, notifier)
	}

	if err := r.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("adapter connect: %w", err)
	}
	venueSymbol, err := r.adapter.ResolveSymbol(cfg.Symbol)
	if err != nil {
		return err
	}
	if err := r.checkVenueRules(ctx, venueSymbol); err != nil {
		return err
	}

	r.md.AddSource(r.adapter, venueSymbol)
	if err := r.md.Start(ctx); err != nil {
		return err
	}

	mgrCfg := manager.Config{
		StrategyID: cfg.StrategyID,
		Exchange:   r.adapter.Name(),
		Symbol:     venueSymbol,
		Spec: grid.Spec{
			Levels:         cfg.Grid.Levels,
			Mode:           grid.SpacingMode(cfg.Grid.SpacingMode),
			Spacing:        cfg.Grid.Spacing.Decimal,
			SpacingPercent: cfg.Grid.SpacingPercent.Decimal,
			Qty:            cfg.Grid.Quantity.Decimal,
		},
		MaxPosition:        cfg.Risk.MaxPosition.Decimal,
		MaxOpenOrders:      cfg.Risk.MaxOpenOrders,
		PostOnly:           cfg.Grid.PostOnly,
		CancelTimeout:      time.Duration(cfg.Engine.CancelTimeoutMs) * time.Millisecond,
		ConfirmWindow:      time.Duration(cfg.Engine.MarkShiftConfirmMs) * time.Millisecond,
		PositionFresh:      time.Duration(cfg.Engine.PositionFreshSec) * time.Second,
		PositionRefreshMin: time.Duration(cfg.Engine.PositionRefreshSec) * time.Second,
	}
	var alerter alert.Alerter
	if r.alerts != nil {
		alerter = r.alerts
	}
	r.mgr = manager.New(mgrCfg, r.adapter, exchange.NewRateLimitGuard(), r.md, r.snk, alerter, r.runID)
	if err := r.mgr.Start(ctx); err != nil {
		return fmt.Errorf("manager start: %w", err)
	}

	r.driver = ticker.NewDriver(
		ticker.Task{
			Name:     "maintenance",
			Interval: time.Duration(cfg.Engine.MaintenanceSec) * time.Second,
			Handler:  func(ctx context.Context) { _ = r.mgr.RunMaintenance(ctx) },
		},
		ticker.Task{
			Name:       "reconcile",
			Interval:   time.Duration(cfg.Engine.ReconcileIntervalSec) * time.Second,
			RunOnStart: true,
			Handler:    func(ctx context.Context) { _ = r.mgr.RunReconcile(ctx) },
		},
		ticker.Task{
			Name:     "health",
			Interval: 5 * time.Second,
			Handler:  func(context.Context) { r.logHealth() },
		},
	)
	r.driver.Start(ctx)

	if cfg.Ops.Enabled {
		r.opsSrv = ops.NewServer(cfg.Ops.Listen, r.checker, r.mgr.Status)
		r.opsSrv.Start()
	}

	log.Printf("level=INFO event=engine_started run_id=%s exchange=%s symbol=%s levels=%d",
		r.runID, r.adapter.Name(), venueSymbol, cfg.Grid.Levels)
	if r.alerts != nil {
		r.alerts.Important("engine_started", map[string]string{
			"run_id": r.runID,
			"symbol": venueSymbol,
		})
	}
	return nil
}

// checkVenueRules verifies the configured spacing and quantity are
// representable on the venue's tick and lot grids.
func (r *Runtime) checkVenueRules(ctx context.Context, symbol string) error {
	mc, err := r.adapter.GetMarketConfig(ctx, symbol)
	if err != nil {
		return fmt.Errorf("market config: %w", err)
	}
	if mc.MinOrderSizeChange.Sign() > 0 {
		rounded, err := core.RoundDown(r.cfg.Grid.Quantity.Decimal, mc.MinOrderSizeChange)
		if err != nil {
			return err
		}
		if !rounded.Equal(r.cfg.Grid.Quantity.Decimal) || rounded.Sign() <= 0 {
			return fmt.Errorf("%w: quantity %s not on lot step %s",
				core.ErrInvalidInput, r.cfg.Grid.Quantity.Decimal, mc.MinOrderSizeChange)
		}
	}
	if mc.MinPriceChange.Sign() > 0 && r.cfg.Grid.SpacingMode == config.SpacingAbs {
		rounded, err := core.RoundDown(r.cfg.Grid.Spacing.Decimal, mc.MinPriceChange)
		if err != nil {
			return err
		}
		if !rounded.Equal(r.cfg.Grid.Spacing.Decimal) || rounded.Sign() <= 0 {
			return fmt.Errorf("%w: spacing %s not on price tick %s",
				core.ErrInvalidInput, r.cfg.Grid.Spacing.Decimal, mc.MinPriceChange)
		}
	}
	return nil
}

func (r *Runtime) logHealth() {
	report := r.checker.Check(healthStatus(r.mgr.Status()))
	if report.OK {
		return
	}
	for _, w := range report.Warnings {
		log.Printf("level=WARN event=health_warning msg=%q", w)
	}
}

func healthStatus(st manager.Status) health.Status {
	return health.Status{
		CenterPrice:          st.CenterPrice,
		HasCenter:            st.HasCenter,
		LastQuoteAt:          st.LastQuoteAt,
		LastOrderUpdateAt:    st.LastOrderUpdateAt,
		LastPositionUpdateAt: st.LastPositionUpdateAt,
		LastMaintenanceAt:    st.LastMaintenanceAt,
		LastReconcileAt:      st.LastReconcileAt,
	}
}

// Stop unwinds in reverse start order. Each component gets the remainder of
// the shutdown budget.
func (r *Runtime) Stop(ctx context.Context) {
	if r.opsSrv != nil {
		if err := r.opsSrv.Stop(ctx); err != nil {
			log.Printf("level=WARN event=ops_stop_failed err=%v", err)
		}
	}
	if r.driver != nil {
		r.driver.Stop()
	}
	if r.mgr != nil {
		r.mgr.Stop()
		metrics.ActiveOrders.Set(0)
	}
	r.md.Stop()
	if err := r.adapter.Disconnect(ctx); err != nil {
		log.Printf("level=WARN event=adapter_disconnect_failed err=%v", err)
	}
	if r.alerts != nil {
		r.alerts.Important("engine_stopped", map[string]string{"run_id": r.runID})
		if err := r.alerts.Close(ctx); err != nil {
			log.Printf("level=WARN event=alerts_close_failed err=%v", err)
		}
	}
	if r.snk != nil {
		if err := r.snk.Close(ctx); err != nil {
			log.Printf("level=WARN event=sink_close_failed err=%v", err)
		}
	}
	if r.lock != nil {
		if err := r.lock.Release(); err != nil {
			log.Printf("level=WARN event=lock_release_failed err=%v", err)
		}
	}
	log.Printf("level=INFO event=engine_stopped run_id=%s", r.runID)
}
