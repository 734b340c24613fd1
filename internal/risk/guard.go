// Package risk holds the max-position admission rule. The rule is worst case:
// it admits a placement only if the position stays inside limits even when
// every same-side pending order fills.
package risk

import (
	"github.com/shopspring/decimal"

	"perpgrid/internal/core"
)

type Guard struct {
	MaxPosition decimal.Decimal
}

// Allow evaluates one candidate placement against the current net position and
// the pending totals accumulated so far in the same sync pass.
func (g Guard) Allow(side core.Side, netPosition, pendingBuy, pendingSell, orderQty decimal.Decimal) bool {
	switch side {
	case core.Buy:
		return netPosition.Add(pendingBuy).Add(orderQty).Cmp(g.MaxPosition) <= 0
	case core.Sell:
		return netPosition.Sub(pendingSell).Sub(orderQty).Cmp(g.MaxPosition.Neg()) >= 0
	default:
		return false
	}
}
