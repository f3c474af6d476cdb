package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore 内存版 Store，仅测试用。
type memStore struct {
	mu        sync.Mutex
	positions map[string]Position
	trades    map[string][]TradeEvent
	snaps     map[string][]Snapshot
	nextID    int64
}

func newMemStore() *memStore {
	return &memStore{
		positions: make(map[string]Position),
		trades:    make(map[string][]TradeEvent),
		snaps:     make(map[string][]Snapshot),
	}
}

func (m *memStore) LoadPosition(_ context.Context, symbol string) (Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	return pos, ok, nil
}

func (m *memStore) SavePosition(_ context.Context, pos Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.Symbol] = pos
	return nil
}

func (m *memStore) AppendTrade(_ context.Context, ev TradeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ev.ID = m.nextID
	evs := append(m.trades[ev.Symbol], ev)
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Timestamp.Before(evs[j].Timestamp) })
	m.trades[ev.Symbol] = evs
	return nil
}

func (m *memStore) TradesInRange(_ context.Context, symbol string, after, upTo time.Time) ([]TradeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TradeEvent
	for _, ev := range m.trades[symbol] {
		if !after.IsZero() && !ev.Timestamp.After(after) {
			continue
		}
		if ev.Timestamp.After(upTo) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *memStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.Symbol] = append(m.snaps[snap.Symbol], snap)
	return nil
}

func (m *memStore) NearestSnapshotBefore(_ context.Context, symbol string, ts time.Time) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best Snapshot
	found := false
	for _, s := range m.snaps[symbol] {
		if s.AsOf.Before(ts) && (!found || s.AsOf.After(best.AsOf)) {
			best = s
			found = true
		}
	}
	return best, found, nil
}

func (m *memStore) DeleteSnapshotsFrom(_ context.Context, symbol string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []Snapshot
	for _, s := range m.snaps[symbol] {
		if s.AsOf.Before(ts) {
			kept = append(kept, s)
		}
	}
	m.snaps[symbol] = kept
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func trade(symbol string, side Side, qty int64, price string, ts time.Time) TradeEvent {
	return TradeEvent{Symbol: symbol, Side: side, Quantity: qty, Price: dec(price), Timestamp: ts}
}

func TestVerifiedCostBasis(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.Local)

	t.Run("profitable sell lowers remaining cost", func(t *testing.T) {
		l := New(newMemStore())
		_, err := l.ApplyTrade(ctx, trade("600519", SideBuy, 100, "10", base))
		require.NoError(t, err)
		pos, err := l.ApplyTrade(ctx, trade("600519", SideSell, 50, "12", base.Add(time.Hour)))
		require.NoError(t, err)
		assert.EqualValues(t, 50, pos.Shares)
		// (100*10 - 50*12) / 50 = 8
		assert.True(t, pos.CostBasis.Equal(dec("8")), "got %s", pos.CostBasis)
		assert.True(t, pos.CostBasis.LessThan(dec("10")))
		assert.True(t, pos.RealizedPnL.Equal(dec("100")))
	})

	t.Run("losing sell raises remaining cost", func(t *testing.T) {
		l := New(newMemStore())
		_, err := l.ApplyTrade(ctx, trade("600519", SideBuy, 100, "10", base))
		require.NoError(t, err)
		pos, err := l.ApplyTrade(ctx, trade("600519", SideSell, 50, "8", base.Add(time.Hour)))
		require.NoError(t, err)
		// (100*10 - 50*8) / 50 = 12
		assert.True(t, pos.CostBasis.Equal(dec("12")), "got %s", pos.CostBasis)
		assert.True(t, pos.RealizedPnL.Equal(dec("-100")))
	})

	t.Run("buy uses weighted average", func(t *testing.T) {
		l := New(newMemStore())
		_, err := l.ApplyTrade(ctx, trade("600519", SideBuy, 100, "10", base))
		require.NoError(t, err)
		pos, err := l.ApplyTrade(ctx, trade("600519", SideBuy, 100, "12", base.Add(time.Hour)))
		require.NoError(t, err)
		assert.True(t, pos.CostBasis.Equal(dec("11")), "got %s", pos.CostBasis)
	})

	t.Run("clearing the position keeps the row at zero cost", func(t *testing.T) {
		l := New(newMemStore())
		_, err := l.ApplyTrade(ctx, trade("600519", SideBuy, 100, "10", base))
		require.NoError(t, err)
		pos, err := l.ApplyTrade(ctx, trade("600519", SideSell, 100, "11", base.Add(time.Hour)))
		require.NoError(t, err)
		assert.EqualValues(t, 0, pos.Shares)
		assert.True(t, pos.CostBasis.IsZero())
	})
}

func TestOverrideResetsBaseline(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.Local)
	l := New(newMemStore())
	_, err := l.ApplyTrade(ctx, trade("000001", SideBuy, 300, "15", base))
	require.NoError(t, err)
	pos, err := l.ApplyTrade(ctx, trade("000001", SideOverride, 500, "14.20", base.Add(time.Hour)))
	require.NoError(t, err)
	assert.EqualValues(t, 500, pos.Shares)
	assert.True(t, pos.CostBasis.Equal(dec("14.20")))

	// 后续成本计算以覆盖值为起点
	pos, err = l.ApplyTrade(ctx, trade("000001", SideBuy, 500, "15.80", base.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.True(t, pos.CostBasis.Equal(dec("15")), "got %s", pos.CostBasis)
}

func TestLockedTrancheViolation(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.Local)
	l := New(newMemStore())
	_, err := l.ApplyTrade(ctx, trade("600519", SideBuy, 1000, "10", base))
	require.NoError(t, err)
	_, err = l.SetBaseShares(ctx, "600519", 400)
	require.NoError(t, err)

	before, err := l.Position(ctx, "600519")
	require.NoError(t, err)

	_, err = l.ApplyTrade(ctx, trade("600519", SideSell, 700, "11", base.Add(time.Hour)))
	var inv *InvariantError
	require.ErrorAs(t, err, &inv)

	after, err := l.Position(ctx, "600519")
	require.NoError(t, err)
	assert.Equal(t, before, after, "position must be unchanged after rejected mutation")

	// 卖出可交易部分成功
	pos, err := l.ApplyTrade(ctx, trade("600519", SideSell, 600, "11", base.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.EqualValues(t, 400, pos.Shares)
	assert.EqualValues(t, 0, pos.TradableShares())
}

func TestSetBaseSharesValidation(t *testing.T) {
	ctx := context.Background()
	l := New(newMemStore())
	_, err := l.ApplyTrade(ctx, trade("600519", SideBuy, 100, "10", time.Now()))
	require.NoError(t, err)
	_, err = l.SetBaseShares(ctx, "600519", 101)
	var inv *InvariantError
	assert.ErrorAs(t, err, &inv)
	_, err = l.SetBaseShares(ctx, "600519", -1)
	assert.ErrorAs(t, err, &inv)
}

func TestBackdatedInsertionReplaysCorrectly(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2026, 3, 2, 9, 30, 0, 0, time.Local)
	t2 := t1.Add(time.Hour)
	t3 := t1.Add(2 * time.Hour)

	// 顺序基准：t1 买 100@10，t2 买 100@14，t3 卖 50@16
	seq := New(newMemStore())
	_, err := seq.ApplyTrade(ctx, trade("600519", SideBuy, 100, "10", t1))
	require.NoError(t, err)
	_, err = seq.ApplyTrade(ctx, trade("600519", SideBuy, 100, "14", t2))
	require.NoError(t, err)
	want, err := seq.ApplyTrade(ctx, trade("600519", SideSell, 50, "16", t3))
	require.NoError(t, err)

	// 乱序：先 t1、t3，再补录 t2
	ooo := New(newMemStore())
	_, err = ooo.ApplyTrade(ctx, trade("600519", SideBuy, 100, "10", t1))
	require.NoError(t, err)
	_, err = ooo.ApplyTrade(ctx, trade("600519", SideSell, 50, "16", t3))
	require.NoError(t, err)
	got, err := ooo.ApplyTrade(ctx, trade("600519", SideBuy, 100, "14", t2))
	require.NoError(t, err)

	assert.EqualValues(t, want.Shares, got.Shares)
	assert.True(t, want.CostBasis.Equal(got.CostBasis), "want %s got %s", want.CostBasis, got.CostBasis)
	assert.True(t, want.RealizedPnL.Equal(got.RealizedPnL), "want %s got %s", want.RealizedPnL, got.RealizedPnL)

	// SnapshotAt 在补录后对齐顺序重放
	wantMid, err := seq.SnapshotAt(ctx, "600519", t2)
	require.NoError(t, err)
	gotMid, err := ooo.SnapshotAt(ctx, "600519", t2)
	require.NoError(t, err)
	assert.EqualValues(t, wantMid.Shares, gotMid.Shares)
	assert.True(t, wantMid.CostBasis.Equal(gotMid.CostBasis))
}

func TestEffectiveLimitRecyclesProfit(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.Local)
	l := New(newMemStore())
	require.NoError(t, l.EnsureAllocation(ctx, "600519", dec("100000")))

	limit, err := l.EffectiveLimit(ctx, "600519")
	require.NoError(t, err)
	assert.True(t, limit.Equal(dec("100000")))

	_, err = l.ApplyTrade(ctx, trade("600519", SideBuy, 100, "10", base))
	require.NoError(t, err)
	_, err = l.ApplyTrade(ctx, trade("600519", SideSell, 100, "12", base.Add(time.Hour)))
	require.NoError(t, err)

	limit, err = l.EffectiveLimit(ctx, "600519")
	require.NoError(t, err)
	assert.True(t, limit.Equal(dec("100200")), "profit recycled into limit, got %s", limit)
}

func TestApplyTradeRejectsNonPositiveQuantity(t *testing.T) {
	ctx := context.Background()
	l := New(newMemStore())
	_, err := l.ApplyTrade(ctx, trade("600519", SideBuy, 0, "10", time.Now()))
	var inv *InvariantError
	assert.ErrorAs(t, err, &inv)
}
