package grid

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"perpgrid/internal/core"
)

// Level is one price tier at a signed offset from the center. Index 0 is the
// reference level and never carries an order.
type Level struct {
	Index      int
	TargetSide core.Side
	Price      decimal.Decimal
}

// ShiftResult reports a completed center shift. Orders are not mutated here;
// cancelling the out-of-range ones is the caller's job.
type ShiftResult struct {
	NewCenter  decimal.Decimal
	Steps      int
	OutOfRange []core.Order
}

// State is the in-memory level and order table. It has exactly one writer, the
// order manager; everything else reads copied snapshots.
type State struct {
	spec Spec

	center      decimal.Decimal
	hasCenter   bool
	lastMark    decimal.Decimal
	lastQuoteAt time.Time
	rebuiltAt   time.Time

	levels map[int]Level
	orders map[string]core.Order
	// bound maps a level index to the client id of its single non-terminal order.
	bound map[int]string
}

func NewState(spec Spec) *State {
	return &State{
		spec:   spec,
		levels: make(map[int]Level),
		orders: make(map[string]core.Order),
		bound:  make(map[int]string),
	}
}

func (s *State) Spec() Spec { return s.spec }

func (s *State) Center() (decimal.Decimal, bool) { return s.center, s.hasCenter }

func (s *State) LastMark() (decimal.Decimal, time.Time) { return s.lastMark, s.lastQuoteAt }

func (s *State) LastRebuildAt() time.Time { return s.rebuiltAt }

// Reset rebuilds the symmetric levels around a new center and drops all orders.
func (s *State) Reset(center decimal.Decimal) {
	s.center = center
	s.hasCenter = true
	s.levels = make(map[int]Level, 2*s.spec.Levels+1)
	s.orders = make(map[string]core.Order)
	s.bound = make(map[int]string)
	for i := -s.spec.Levels; i <= s.spec.Levels; i++ {
		s.levels[i] = Level{
			Index:      i,
			TargetSide: targetSideFor(i),
			Price:      s.spec.PriceForLevel(center, i),
		}
	}
	s.rebuiltAt = time.Now().UTC()
}

func targetSideFor(idx int) core.Side {
	switch {
	case idx < 0:
		return core.Buy
	case idx > 0:
		return core.Sell
	default:
		return core.None
	}
}

// UpdateMark records the latest mark without touching levels.
func (s *State) UpdateMark(mark decimal.Decimal, at time.Time) {
	s.lastMark = mark
	s.lastQuoteAt = at
}

// UpsertOrder inserts or replaces a local order record. Terminal orders are
// removed and detached from their level. A non-terminal order binds to its
// level only when the level exists and agrees on side; otherwise it is kept
// unbound, the defensive state for orphans found during reconciliation.
func (s *State) UpsertOrder(order core.Order) {
	prev, existed := s.orders[order.ClientID]
	if existed && s.bound[prev.LevelIndex] == order.ClientID {
		delete(s.bound, prev.LevelIndex)
	}
	if order.Status.IsTerminal() {
		delete(s.orders, order.ClientID)
		return
	}
	s.orders[order.ClientID] = order
	lvl, ok := s.levels[order.LevelIndex]
	if !ok || lvl.TargetSide != order.Side {
		return
	}
	if holder, taken := s.bound[order.LevelIndex]; taken && holder != order.ClientID {
		return
	}
	s.bound[order.LevelIndex] = order.ClientID
}

// ShiftCenter moves the center by a whole number of levels, remapping every
// order's index. Orders falling outside the window, onto the center, or onto a
// level of the opposite side are returned for the caller to cancel.
func (s *State) ShiftCenter(steps int) (ShiftResult, error) {
	if !s.hasCenter {
		return ShiftResult{}, fmt.Errorf("%w: shift requested before first quote", core.ErrInvalidInput)
	}
	if steps == 0 {
		return ShiftResult{NewCenter: s.center, Steps: 0, OutOfRange: nil}, nil
	}
	newCenter := s.spec.PriceForLevel(s.center, steps)
	s.center = newCenter
	s.levels = make(map[int]Level, 2*s.spec.Levels+1)
	for i := -s.spec.Levels; i <= s.spec.Levels; i++ {
		s.levels[i] = Level{
			Index:      i,
			TargetSide: targetSideFor(i),
			Price:      s.spec.PriceForLevel(newCenter, i),
		}
	}
	s.rebuiltAt = time.Now().UTC()
	s.bound = make(map[int]string)

	var outOfRange []core.Order
	for id, ord := range s.orders {
		ord.LevelIndex -= steps
		s.orders[id] = ord
		lvl, ok := s.levels[ord.LevelIndex]
		if !ok || lvl.TargetSide != ord.Side {
			outOfRange = append(outOfRange, ord)
			continue
		}
		if _, taken := s.bound[ord.LevelIndex]; taken {
			outOfRange = append(outOfRange, ord)
			continue
		}
		s.bound[ord.LevelIndex] = id
	}
	sort.Slice(outOfRange, func(i, j int) bool {
		return outOfRange[i].ClientID < outOfRange[j].ClientID
	})
	return ShiftResult{NewCenter: newCenter, Steps: steps, OutOfRange: outOfRange}, nil
}

// Level returns the level at idx.
func (s *State) Level(idx int) (Level, bool) {
	lvl, ok := s.levels[idx]
	return lvl, ok
}

// LevelIndexes returns all level indexes in ascending order, the deterministic
// iteration order of the sync pass.
func (s *State) LevelIndexes() []int {
	idxs := make([]int, 0, len(s.levels))
	for i := range s.levels {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	return idxs
}

// BoundOrder returns the non-terminal order bound to a level, if any.
func (s *State) BoundOrder(idx int) (core.Order, bool) {
	id, ok := s.bound[idx]
	if !ok {
		return core.Order{}, false
	}
	ord, ok := s.orders[id]
	return ord, ok
}

// Order returns a local order record by client id.
func (s *State) Order(clientID string) (core.Order, bool) {
	ord, ok := s.orders[clientID]
	return ord, ok
}

// Orders returns a copy of all non-terminal order records.
func (s *State) Orders() []core.Order {
	out := make([]core.Order, 0, len(s.orders))
	for _, ord := range s.orders {
		out = append(out, ord)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// ActiveCount is the number of non-terminal orders.
func (s *State) ActiveCount() int { return len(s.orders) }

// PendingTotals sums non-terminal quantities per side for the risk guard.
func (s *State) PendingTotals() (pendingBuy, pendingSell decimal.Decimal) {
	pendingBuy, pendingSell = decimal.Zero, decimal.Zero
	for _, ord := range s.orders {
		remaining := ord.Qty.Sub(ord.FilledQty)
		if remaining.Cmp(decimal.Zero) <= 0 {
			continue
		}
		switch ord.Side {
		case core.Buy:
			pendingBuy = pendingBuy.Add(remaining)
		case core.Sell:
			pendingSell = pendingSell.Add(remaining)
		}
	}
	return pendingBuy, pendingSell
}
