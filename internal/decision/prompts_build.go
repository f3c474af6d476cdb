package decision

import (
	"fmt"
	"strings"
	"time"

	"legion/internal/ledger"
	"legion/internal/market"
)

// Facts 是一次推演开始前采集到的全部客观事实，
// 各阶段提示词只引用这里的字段，不再触碰外部数据源。
type Facts struct {
	Symbol       string
	Name         string
	Session      market.Session
	Quote        *market.Quote
	Band         *market.PriceBand
	Position     ledger.Position
	EffLimit     string
	Intel        []IntelRecord
	Indicator    string // 指标快照 JSON，数据不足时为空
	IndicatorErr string
}

// Observation 为 true 时当日只许 hold / abstain（涨跌停区间不可得）。
func (f Facts) Observation() bool {
	return f.Band == nil
}

func (f Facts) renderHeader() string {
	var b strings.Builder
	fmt.Fprintf(&b, "标的: %s %s\n", f.Symbol, f.Name)
	fmt.Fprintf(&b, "当前时段: %s（%s）\n", f.Session.Phase, f.Session.Now.Format("2006-01-02 15:04"))
	if !f.Session.NextTradableDate.IsZero() {
		fmt.Fprintf(&b, "下一交易日: %s\n", f.Session.NextTradableDate.Format("2006-01-02"))
	}
	if f.Quote != nil {
		fmt.Fprintf(&b, "最新价: %.3f  昨收: %.3f\n", f.Quote.Price, f.Quote.PrevClose)
	}
	if f.Band != nil {
		fmt.Fprintf(&b, "法定价格区间: 涨停 %.3f / 跌停 %.3f\n", f.Band.LimitUp, f.Band.LimitDown)
	} else {
		b.WriteString("法定价格区间: 不可得（今日禁止开新仓，只允许 hold/abstain）\n")
	}
	return b.String()
}

func (f Facts) renderPosition() string {
	p := f.Position
	var b strings.Builder
	fmt.Fprintf(&b, "持仓: %d 股，其中底仓锁定 %d 股，可交易 %d 股\n",
		p.Shares, p.BaseShares, p.TradableShares())
	fmt.Fprintf(&b, "核定成本: %s  已实现盈亏: %s\n",
		p.CostBasis.StringFixed(4), p.RealizedPnL.StringFixed(2))
	fmt.Fprintf(&b, "资金分配: %s  有效额度: %s\n",
		p.CapitalAllocation.StringFixed(2), f.EffLimit)
	return b.String()
}

func (f Facts) renderIntel() string {
	if len(f.Intel) == 0 {
		return "情报: 暂无可用情报。\n"
	}
	var b strings.Builder
	b.WriteString("情报摘要:\n")
	for i, it := range f.Intel {
		if i >= 20 {
			fmt.Fprintf(&b, "（其余 %d 条省略）\n", len(f.Intel)-i)
			break
		}
		line := it.Title
		if line == "" {
			line = it.Content
		}
		if it.Time.IsZero() {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, it.Kind, line)
		} else {
			fmt.Fprintf(&b, "%d. [%s] %s (%s)\n", i+1, it.Kind, line, it.Time.Format("01-02 15:04"))
		}
	}
	return b.String()
}

func (f Facts) renderIndicator() string {
	if f.Indicator == "" {
		if f.IndicatorErr != "" {
			return fmt.Sprintf("技术指标: 不可用（%s），请基于其余事实判断并说明数据缺口。\n", f.IndicatorErr)
		}
		return "技术指标: 不可用。\n"
	}
	return "技术指标快照:\n" + f.Indicator + "\n"
}

// buildQuantUser 组装蓝军参谋（量化）的用户提示。
func buildQuantUser(f Facts) string {
	return f.renderHeader() + "\n" + f.renderIndicator() +
		"\n请输出技术面研判：趋势、动能、关键价位，以及对今日操作窗口的量化建议。"
}

// buildIntelUser 组装蓝军参谋（情报）的用户提示。
func buildIntelUser(f Facts) string {
	return f.renderHeader() + "\n" + f.renderIntel() +
		"\n请输出情报面研判：消息利多利空、确定性分级，以及需要警惕的风险事件。"
}

// buildDraftUser 组装主帅初案的用户提示，拼接两位参谋的产出。
func buildDraftUser(f Facts, quantOut, intelOut string) string {
	var b strings.Builder
	b.WriteString(f.renderHeader())
	b.WriteString("\n")
	b.WriteString(f.renderPosition())
	b.WriteString("\n== 量化参谋报告 ==\n")
	b.WriteString(quantOut)
	b.WriteString("\n\n== 情报参谋报告 ==\n")
	b.WriteString(intelOut)
	b.WriteString("\n\n请给出今日作战初案，并在文末附上 JSON 方案区块：")
	b.WriteString(`{"direction": "buy|sell|hold|wait", "quantity": 整数, "limit_price": 数字, "stop_loss": 数字}`)
	if f.Observation() {
		b.WriteString("\n注意：今日价格区间不可得，方案 direction 只允许 hold 或 wait。")
	}
	return b.String()
}

// buildAuditUser 组装红军质询的用户提示。
func buildAuditUser(f Facts, plan string) string {
	return f.renderHeader() + "\n" + f.renderPosition() +
		"\n== 待质询方案 ==\n" + plan +
		"\n\n请从反方立场攻击该方案：指出逻辑漏洞、风险敞口与被忽视的反例。"
}

// buildRefineUser 组装主帅修订的用户提示。
func buildRefineUser(f Facts, draft, attack string) string {
	var b strings.Builder
	b.WriteString(f.renderHeader())
	b.WriteString("\n")
	b.WriteString(f.renderPosition())
	b.WriteString("\n== 初案 ==\n")
	b.WriteString(draft)
	b.WriteString("\n\n== 红军质询 ==\n")
	b.WriteString(attack)
	b.WriteString("\n\n请逐条回应质询并给出修订案，文末同样附上 JSON 方案区块。")
	if f.Observation() {
		b.WriteString("\n注意：今日价格区间不可得，方案 direction 只允许 hold 或 wait。")
	}
	return b.String()
}

// buildFinalVerdictUser 组装红军终审的用户提示。
func buildFinalVerdictUser(f Facts, refined string) string {
	return f.renderHeader() +
		"\n== 修订案 ==\n" + refined +
		"\n\n请给出终审裁决，明确写出「批准执行」或「驳回」，并说明理由。"
}

// buildFinalOrderUser 组装终令生成的用户提示。
func buildFinalOrderUser(f Facts, refined string, verdict Verdict, verdictRaw string) string {
	var b strings.Builder
	b.WriteString(f.renderHeader())
	b.WriteString("\n")
	b.WriteString(f.renderPosition())
	b.WriteString("\n== 终审通过的方案 ==\n")
	b.WriteString(refined)
	b.WriteString("\n\n== 终审意见 ==\n")
	b.WriteString(verdictRaw)
	if verdict != VerdictAccept {
		b.WriteString("\n\n终审未批准执行，action 必须为 hold 或 abstain。")
	}
	if f.Observation() {
		b.WriteString("\n\n今日价格区间不可得，action 必须为 hold 或 abstain。")
	}
	b.WriteString("\n\n只输出一个 JSON 对象，不要输出其他文字。")
	return b.String()
}

func timestampNow(clock func() time.Time) time.Time {
	if clock == nil {
		return time.Now()
	}
	return clock()
}
