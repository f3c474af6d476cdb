package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// applyEvent 是纯记账函数，台账与回放共用同一份规则。
func applyEvent(pos Position, ev TradeEvent) (Position, error) {
	if ev.Quantity <= 0 {
		return pos, &InvariantError{Symbol: ev.Symbol, Reason: "quantity must be positive"}
	}
	qty := decimal.NewFromInt(ev.Quantity)
	switch ev.Side {
	case SideBuy:
		// 加权平均成本
		total := decimal.NewFromInt(pos.Shares).Mul(pos.CostBasis).Add(qty.Mul(ev.Price))
		pos.Shares += ev.Quantity
		pos.CostBasis = total.Div(decimal.NewFromInt(pos.Shares))
		return pos, nil
	case SideSell:
		if ev.Quantity > pos.TradableShares() {
			return pos, &InvariantError{
				Symbol: ev.Symbol,
				Reason: fmt.Sprintf("sell %d exceeds tradable %d (locked tranche %d)",
					ev.Quantity, pos.TradableShares(), pos.BaseShares),
			}
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(qty.Mul(ev.Price.Sub(pos.CostBasis)))
		// 摊薄成本：总成本扣减全部卖出回款。盈利卖出压低剩余成本，
		// 亏损卖出对称抬高剩余成本（等价于 cost - (price-cost)*qty/remaining）。
		remainingTotal := decimal.NewFromInt(pos.Shares).Mul(pos.CostBasis).Sub(qty.Mul(ev.Price))
		pos.Shares -= ev.Quantity
		if pos.Shares > 0 {
			pos.CostBasis = remainingTotal.Div(decimal.NewFromInt(pos.Shares))
		} else {
			pos.CostBasis = decimal.Zero
		}
		return pos, nil
	case SideOverride:
		if pos.BaseShares > ev.Quantity {
			return pos, &InvariantError{
				Symbol: ev.Symbol,
				Reason: fmt.Sprintf("override to %d shares would dip below locked tranche %d",
					ev.Quantity, pos.BaseShares),
			}
		}
		pos.Shares = ev.Quantity
		pos.CostBasis = ev.Price
		return pos, nil
	default:
		return pos, &InvariantError{Symbol: ev.Symbol, Reason: "unknown trade side " + string(ev.Side)}
	}
}

// replay 以 base 为起点按序重放事件，任何一步失败即整体失败。
func replay(base Position, events []TradeEvent) (Position, error) {
	pos := base
	for _, ev := range events {
		next, err := applyEvent(pos, ev)
		if err != nil {
			return base, err
		}
		pos = next
	}
	return pos, nil
}
