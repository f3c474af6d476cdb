package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"legion/internal/logger"
)

// Ledger 实现 PositionLedger：每标的一把逻辑锁，写操作串行。
type Ledger struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store Store) *Ledger {
	return &Ledger{store: store, locks: make(map[string]*sync.Mutex)}
}

func (l *Ledger) symbolLock(symbol string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[symbol]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[symbol] = lk
	}
	return lk
}

// Position 返回当前持仓快照；不存在时返回零持仓（保留配置额度语义由
// EnsureAllocation 负责）。
func (l *Ledger) Position(ctx context.Context, symbol string) (Position, error) {
	pos, ok, err := l.store.LoadPosition(ctx, symbol)
	if err != nil {
		return Position{}, err
	}
	if !ok {
		return Position{Symbol: symbol, CostBasis: decimal.Zero}, nil
	}
	return pos, nil
}

// EnsureAllocation 建立/更新标的的资金额度上限（新买入的天花板）。
func (l *Ledger) EnsureAllocation(ctx context.Context, symbol string, amount decimal.Decimal) error {
	lk := l.symbolLock(symbol)
	lk.Lock()
	defer lk.Unlock()
	pos, err := l.Position(ctx, symbol)
	if err != nil {
		return err
	}
	pos.CapitalAllocation = amount
	return l.store.SavePosition(ctx, pos)
}

// ApplyTrade 校验并应用一笔事件，返回更新后的快照。倒序补录时从最近
// 的前置快照重放，保证成本不变量与插入顺序无关。失败时台账不变。
func (l *Ledger) ApplyTrade(ctx context.Context, ev TradeEvent) (Position, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	lk := l.symbolLock(ev.Symbol)
	lk.Lock()
	defer lk.Unlock()

	current, err := l.Position(ctx, ev.Symbol)
	if err != nil {
		return Position{}, err
	}

	backdated, err := l.isBackdated(ctx, ev)
	if err != nil {
		return Position{}, err
	}
	if !backdated {
		next, err := applyEvent(current, ev)
		if err != nil {
			return current, err
		}
		return l.persist(ctx, ev, next, next)
	}

	logger.Infof("ledger: backdated %s %s@%s, replaying from prior snapshot",
		ev.Side, ev.Symbol, ev.Timestamp.Format(time.RFC3339))
	next, atEvent, err := l.replayWith(ctx, current, ev)
	if err != nil {
		return current, err
	}
	return l.persist(ctx, ev, next, atEvent)
}

// isBackdated 判断事件是否早于已有的最后一条事件。
func (l *Ledger) isBackdated(ctx context.Context, ev TradeEvent) (bool, error) {
	later, err := l.store.TradesInRange(ctx, ev.Symbol, ev.Timestamp, maxTime)
	if err != nil {
		return false, err
	}
	return len(later) > 0, nil
}

var maxTime = time.Unix(1<<62-1, 0)

// replayWith 把 ev 插入时间序后从最近前置快照起重放，仅在内存中验证，
// 全部通过才允许落库。返回最终状态与事件时刻的状态（后者入快照）。
func (l *Ledger) replayWith(ctx context.Context, current Position, ev TradeEvent) (Position, Position, error) {
	snap, ok, err := l.store.NearestSnapshotBefore(ctx, ev.Symbol, ev.Timestamp)
	if err != nil {
		return Position{}, Position{}, err
	}
	base := Position{Symbol: ev.Symbol}
	var after time.Time
	if ok {
		base = snap.Position
		after = snap.AsOf
	}
	// 额度与底仓是台账属性而非事件产物，重放沿用当前值。
	base.CapitalAllocation = current.CapitalAllocation
	base.BaseShares = current.BaseShares

	events, err := l.store.TradesInRange(ctx, ev.Symbol, after, maxTime)
	if err != nil {
		return Position{}, Position{}, err
	}
	merged := insertByTime(events, ev)

	pos := base
	atEvent := base
	for _, e := range merged {
		next, err := applyEvent(pos, e)
		if err != nil {
			return Position{}, Position{}, err
		}
		pos = next
		if !e.Timestamp.After(ev.Timestamp) {
			atEvent = pos
		}
	}
	return pos, atEvent, nil
}

func insertByTime(events []TradeEvent, ev TradeEvent) []TradeEvent {
	out := make([]TradeEvent, 0, len(events)+1)
	inserted := false
	for _, e := range events {
		if !inserted && ev.Timestamp.Before(e.Timestamp) {
			out = append(out, ev)
			inserted = true
		}
		out = append(out, e)
	}
	if !inserted {
		out = append(out, ev)
	}
	return out
}

func (l *Ledger) persist(ctx context.Context, ev TradeEvent, next, atEvent Position) (Position, error) {
	if err := l.store.AppendTrade(ctx, ev); err != nil {
		return Position{}, fmt.Errorf("ledger: append trade: %w", err)
	}
	// 事件时间之后的快照已失效
	if err := l.store.DeleteSnapshotsFrom(ctx, ev.Symbol, ev.Timestamp); err != nil {
		return Position{}, err
	}
	if err := l.store.SavePosition(ctx, next); err != nil {
		return Position{}, fmt.Errorf("ledger: save position: %w", err)
	}
	snap := Snapshot{Position: atEvent, AsOf: ev.Timestamp}
	if err := l.store.SaveSnapshot(ctx, snap); err != nil {
		return Position{}, err
	}
	return next, nil
}

// SetBaseShares 调整锁仓数量，不得超过当前持股。
func (l *Ledger) SetBaseShares(ctx context.Context, symbol string, n int64) (Position, error) {
	if n < 0 {
		return Position{}, &InvariantError{Symbol: symbol, Reason: "base shares must be non-negative"}
	}
	lk := l.symbolLock(symbol)
	lk.Lock()
	defer lk.Unlock()
	pos, err := l.Position(ctx, symbol)
	if err != nil {
		return Position{}, err
	}
	if n > pos.Shares {
		return pos, &InvariantError{
			Symbol: symbol,
			Reason: fmt.Sprintf("base shares %d exceeds held %d", n, pos.Shares),
		}
	}
	pos.BaseShares = n
	if err := l.store.SavePosition(ctx, pos); err != nil {
		return Position{}, err
	}
	return pos, nil
}

// SnapshotAt 重放至 ts（含）复原历史持仓，不触碰实时状态；供回测使用。
func (l *Ledger) SnapshotAt(ctx context.Context, symbol string, ts time.Time) (Position, error) {
	current, err := l.Position(ctx, symbol)
	if err != nil {
		return Position{}, err
	}
	snap, ok, err := l.store.NearestSnapshotBefore(ctx, symbol, ts)
	if err != nil {
		return Position{}, err
	}
	base := Position{Symbol: symbol}
	var after time.Time
	if ok {
		base = snap.Position
		after = snap.AsOf
	}
	base.CapitalAllocation = current.CapitalAllocation
	base.BaseShares = current.BaseShares
	events, err := l.store.TradesInRange(ctx, symbol, after, ts)
	if err != nil {
		return Position{}, err
	}
	return replay(base, events)
}

// EffectiveLimit 返回 额度 + 累计已实现盈亏。
func (l *Ledger) EffectiveLimit(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pos, err := l.Position(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return pos.EffectiveLimit(), nil
}
