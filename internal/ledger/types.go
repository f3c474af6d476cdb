package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// 中文说明：
// 持仓台账：股数、成本、锁仓（底仓）与分标的资金额度的唯一持有者。
// 所有写操作按标的串行化；倒序补录依赖 读-重放-写 序列，不可交错。

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	// SideOverride 人工校正：以事件的数量/价格为新的成本起点，
	// 之前的累计在成本计算上作废，审计轨迹保留。
	SideOverride Side = "override"
)

// TradeEvent 是按 symbol+timestamp 有序追加的台账事件。
type TradeEvent struct {
	ID        int64           `json:"id,omitempty"`
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Side      Side            `json:"side"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Note      string          `json:"note,omitempty"`
}

// Position 每个标的一条，只由台账修改。clearance 后股数归零但记录保留。
type Position struct {
	Symbol            string          `json:"symbol"`
	Shares            int64           `json:"shares"`
	BaseShares        int64           `json:"base_shares"`
	CostBasis         decimal.Decimal `json:"cost_basis"`
	CapitalAllocation decimal.Decimal `json:"capital_allocation"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
}

// TradableShares 是唯一允许卖出建议触碰的数量。
func (p Position) TradableShares() int64 {
	return p.Shares - p.BaseShares
}

// EffectiveLimit 把已实现盈亏滚入买入额度：盈利自动可再投入，
// 亏损削减后续买入能力。
func (p Position) EffectiveLimit() decimal.Decimal {
	return p.CapitalAllocation.Add(p.RealizedPnL)
}

// Snapshot 是某时刻重放得到的持仓切面，供倒序补录与回测复原历史状态。
type Snapshot struct {
	Position
	AsOf time.Time `json:"as_of"`
}

// InvariantError 表示会破坏台账不变量的操作，台账状态保持不变。
type InvariantError struct {
	Symbol string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger invariant violation (%s): %s", e.Symbol, e.Reason)
}

// Store 是持久化边界，单条记录原子。
type Store interface {
	LoadPosition(ctx context.Context, symbol string) (Position, bool, error)
	SavePosition(ctx context.Context, pos Position) error
	AppendTrade(ctx context.Context, ev TradeEvent) error
	// TradesInRange 返回 (after, upTo] 内按时间升序的事件；after 为零值时从头开始。
	TradesInRange(ctx context.Context, symbol string, after, upTo time.Time) ([]TradeEvent, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// NearestSnapshotBefore 返回 asOf < ts 的最近快照。
	NearestSnapshotBefore(ctx context.Context, symbol string, ts time.Time) (Snapshot, bool, error)
	DeleteSnapshotsFrom(ctx context.Context, symbol string, ts time.Time) error
}
