package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"legion/internal/ledger"
	"legion/internal/market"
	"legion/internal/pkg/jsonutil"
)

// 中文说明：
// 数量钳制在 Draft 与 Refine 边界执行，而不是只在 FinalOrder 兜底：
// 下游阶段必须始终基于合法、一致的数字进行推理。钳制是修正而非拒绝。

const lotSize = 100 // A股一手

// Proposal 是主帅方案文本尾部的结构化区块。
type Proposal struct {
	Direction  string  `json:"direction"` // buy | sell | hold | wait
	Quantity   int64   `json:"quantity"`
	LimitPrice float64 `json:"limit_price"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
}

// parseProposal 从模型输出中提取方案区块；缺失时返回 false（纯观察输出）。
func parseProposal(raw string) (Proposal, bool) {
	block, ok := jsonutil.ExtractJSON(raw)
	if !ok {
		return Proposal{}, false
	}
	var p Proposal
	if err := json.Unmarshal([]byte(block), &p); err != nil {
		return Proposal{}, false
	}
	p.Direction = strings.ToLower(strings.TrimSpace(p.Direction))
	if p.Direction == "" {
		return Proposal{}, false
	}
	return p, true
}

// clampProposal 把方案压回合法边界，返回调整说明（为空表示无需调整）。
func clampProposal(p Proposal, pos ledger.Position, band *market.PriceBand) (Proposal, []string) {
	var notes []string
	switch p.Direction {
	case "sell":
		tradable := pos.TradableShares()
		if p.Quantity > tradable {
			notes = append(notes, fmt.Sprintf("卖出数量 %d 超出可交易股数，钳制为 %d（锁仓 %d 股不可动）",
				p.Quantity, tradable, pos.BaseShares))
			p.Quantity = tradable
		}
	case "buy":
		limit := pos.EffectiveLimit().InexactFloat64()
		if p.LimitPrice > 0 && float64(p.Quantity)*p.LimitPrice > limit {
			maxQty := int64(limit / p.LimitPrice)
			maxQty = maxQty / lotSize * lotSize
			if maxQty < 0 {
				maxQty = 0
			}
			notes = append(notes, fmt.Sprintf("买入金额超出有效额度 %.2f，数量由 %d 钳制为 %d",
				limit, p.Quantity, maxQty))
			p.Quantity = maxQty
		}
	}
	if band != nil {
		if p.LimitPrice > 0 {
			if clamped, moved := clampIntoBand(p.LimitPrice, *band); moved {
				notes = append(notes, fmt.Sprintf("委托价 %.3f 超出法定区间 [%.3f, %.3f]，钳制为 %.3f",
					p.LimitPrice, band.LimitDown, band.LimitUp, clamped))
				p.LimitPrice = clamped
			}
		}
		if p.StopLoss > 0 {
			if clamped, moved := clampIntoBand(p.StopLoss, *band); moved {
				notes = append(notes, fmt.Sprintf("止损价 %.3f 超出法定区间，钳制为 %.3f", p.StopLoss, clamped))
				p.StopLoss = clamped
			}
		}
	}
	return p, notes
}

func clampIntoBand(price float64, band market.PriceBand) (float64, bool) {
	if price < band.LimitDown {
		return band.LimitDown, true
	}
	if price > band.LimitUp {
		return band.LimitUp, true
	}
	return price, false
}

// renderClamped 在原始输出后追加核定方案与钳制说明，下游阶段只看这个版本。
func renderClamped(raw string, p Proposal, notes []string) string {
	var b strings.Builder
	b.WriteString(raw)
	b.WriteString("\n\n【风控核定方案】\n")
	blob, _ := json.Marshal(p)
	b.Write(blob)
	b.WriteString("\n")
	for _, n := range notes {
		b.WriteString("- 钳制: " + n + "\n")
	}
	return b.String()
}
