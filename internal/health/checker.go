// Package health compares engine heartbeat timestamps against staleness
// thresholds and produces warning reports for the ops surface.
package health

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Thresholds struct {
	Market      time.Duration
	Position    time.Duration
	Maintenance time.Duration
	Reconcile   time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Market:      15 * time.Second,
		Position:    60 * time.Second,
		Maintenance: 5 * time.Second,
		Reconcile:   15 * time.Second,
	}
}

// Status is the engine snapshot the checker reads. Zero timestamps mean the
// corresponding event has not happened yet.
type Status struct {
	CenterPrice          decimal.Decimal
	HasCenter            bool
	LastQuoteAt          time.Time
	LastOrderUpdateAt    time.Time
	LastPositionUpdateAt time.Time
	LastMaintenanceAt    time.Time
	LastReconcileAt      time.Time
}

type Report struct {
	OK             bool           `json:"ok"`
	Warnings       []string       `json:"warnings"`
	CenterPrice    string         `json:"center_price,omitempty"`
	MarketAge      *time.Duration `json:"market_age,omitempty"`
	PositionAge    *time.Duration `json:"position_age,omitempty"`
	MaintenanceAge *time.Duration `json:"maintenance_age,omitempty"`
	ReconcileAge   *time.Duration `json:"reconcile_age,omitempty"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

type Checker struct {
	thresholds Thresholds
	startedAt  time.Time
	now        func() time.Time
}

func NewChecker(thresholds Thresholds) *Checker {
	c := &Checker{
		thresholds: thresholds,
		now:        func() time.Time { return time.Now().UTC() },
	}
	c.startedAt = c.now()
	return c
}

// Check evaluates one report. Absent timestamps produce no warning, with one
// exception: a market quote must arrive, graced only during the startup window.
func (c *Checker) Check(status Status) Report {
	now := c.now()
	report := Report{OK: true, GeneratedAt: now}
	if status.HasCenter {
		report.CenterPrice = status.CenterPrice.String()
	}

	inGrace := now.Sub(c.startedAt) < c.thresholds.Market
	if status.LastQuoteAt.IsZero() {
		if !inGrace {
			report.warn("no market quote received since start")
		}
	} else {
		age := now.Sub(status.LastQuoteAt)
		report.MarketAge = &age
		if age >= c.thresholds.Market {
			report.warn(fmt.Sprintf("market quote stale: %s >= %s", age.Round(time.Millisecond), c.thresholds.Market))
		}
	}

	report.PositionAge = c.ageWarn(&report, now, status.LastPositionUpdateAt, c.thresholds.Position, "position")
	report.MaintenanceAge = c.ageWarn(&report, now, status.LastMaintenanceAt, c.thresholds.Maintenance, "maintenance")
	report.ReconcileAge = c.ageWarn(&report, now, status.LastReconcileAt, c.thresholds.Reconcile, "reconcile")
	return report
}

func (c *Checker) ageWarn(report *Report, now, last time.Time, threshold time.Duration, name string) *time.Duration {
	if last.IsZero() {
		return nil
	}
	age := now.Sub(last)
	if age >= threshold {
		report.warn(fmt.Sprintf("%s stale: %s >= %s", name, age.Round(time.Millisecond), threshold))
	}
	return &age
}

func (r *Report) warn(msg string) {
	r.OK = false
	r.Warnings = append(r.Warnings, msg)
}
