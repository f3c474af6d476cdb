package backtest

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legion/internal/decision"
	"legion/internal/ledger"
	"legion/internal/market"
)

type fakeMinutes struct {
	bars map[string][]market.MinuteBar // key: 2006-01-02
}

func (f *fakeMinutes) MinuteBars(_ context.Context, _ string, day time.Time) ([]market.MinuteBar, error) {
	return f.bars[day.Format("2006-01-02")], nil
}

type fakeRecords struct {
	records []decision.DecisionRecord
	scores  map[string]float64
}

func (f *fakeRecords) Append(context.Context, decision.DecisionRecord) error { return nil }

func (f *fakeRecords) AttachScore(_ context.Context, id string, score float64) error {
	if f.scores == nil {
		f.scores = map[string]float64{}
	}
	f.scores[id] = score
	return nil
}

func (f *fakeRecords) List(context.Context, string, int) ([]decision.DecisionRecord, error) {
	return f.records, nil
}

func (f *fakeRecords) InRange(_ context.Context, symbol string, from, to time.Time) ([]decision.DecisionRecord, error) {
	var out []decision.DecisionRecord
	for _, r := range f.records {
		if r.Symbol == symbol && !r.CreatedAt.Before(from) && !r.CreatedAt.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeTrades struct {
	events []ledger.TradeEvent
}

func (f *fakeTrades) LoadPosition(context.Context, string) (ledger.Position, bool, error) {
	return ledger.Position{}, false, nil
}
func (f *fakeTrades) SavePosition(context.Context, ledger.Position) error { return nil }
func (f *fakeTrades) AppendTrade(context.Context, ledger.TradeEvent) error {
	return nil
}
func (f *fakeTrades) TradesInRange(_ context.Context, symbol string, after, upTo time.Time) ([]ledger.TradeEvent, error) {
	var out []ledger.TradeEvent
	for _, ev := range f.events {
		if ev.Symbol != symbol || ev.Timestamp.After(upTo) {
			continue
		}
		if !after.IsZero() && !ev.Timestamp.After(after) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
func (f *fakeTrades) SaveSnapshot(context.Context, ledger.Snapshot) error { return nil }
func (f *fakeTrades) NearestSnapshotBefore(context.Context, string, time.Time) (ledger.Snapshot, bool, error) {
	return ledger.Snapshot{}, false, nil
}
func (f *fakeTrades) DeleteSnapshotsFrom(context.Context, string, time.Time) error { return nil }

func mustCalendar(t *testing.T) *market.Calendar {
	t.Helper()
	c, err := market.NewCalendar(nil)
	require.NoError(t, err)
	return c
}

func minuteBar(t time.Time, closePrice float64) market.MinuteBar {
	return market.MinuteBar{Time: t, Open: closePrice, High: closePrice, Low: closePrice, Close: closePrice, Volume: 1000}
}

func buyOrder(id, tag string, at time.Time, qty int64, price float64) decision.DecisionRecord {
	return decision.DecisionRecord{
		ID:        id,
		Symbol:    "600519",
		ModelTag:  tag,
		CreatedAt: at,
		Verdict:   decision.VerdictAccept,
		FinalDecision: &decision.FinalDecision{
			Action: "buy", Quantity: qty, LimitPrice: price,
		},
	}
}

func TestEngineComparativeReplay(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.Local)
	at := func(h, m int) time.Time {
		return time.Date(2026, 3, 2, h, m, 0, 0, time.Local)
	}
	bars := []market.MinuteBar{
		minuteBar(at(9, 31), 10),
		minuteBar(at(9, 32), 10),
		minuteBar(at(9, 33), 11),
		minuteBar(at(9, 34), 11),
		minuteBar(at(9, 35), 12),
	}
	minutes := &fakeMinutes{bars: map[string][]market.MinuteBar{day.Format("2006-01-02"): bars}}
	records := &fakeRecords{records: []decision.DecisionRecord{
		buyOrder("rec-m1", "deepseek-r1", at(9, 0), 100, 10),
	}}
	trades := &fakeTrades{events: []ledger.TradeEvent{
		{ID: 1, Symbol: "600519", Timestamp: at(9, 32), Side: ledger.SideBuy,
			Quantity: 200, Price: decimal.RequireFromString("10")},
	}}
	engine := &Engine{
		Minutes:  minutes,
		Records:  records,
		Trades:   trades,
		Calendar: mustCalendar(t),
	}

	result, err := engine.Run(context.Background(), RunRequest{
		Symbol:         "600519",
		From:           at(9, 30),
		To:             at(15, 0),
		Participants:   []string{UserParticipant, "deepseek-r1"},
		InitialCapital: 1_000_000,
		AttachScores:   true,
	})
	require.NoError(t, err)
	require.Len(t, result.Curves, 2)

	byTag := map[string]Curve{}
	for _, c := range result.Curves {
		byTag[c.Tag] = c
	}

	model := byTag["deepseek-r1"]
	require.Len(t, model.Points, 5)
	// 09:31 以收盘价 10 买入 100 股，收盘价 12 时市值 1200。
	assert.InDelta(t, 1_000_200, model.FinalEquity, 1e-6)
	assert.InDelta(t, 0.0002, model.Return, 1e-9)

	user := byTag[UserParticipant]
	// 操作者 09:32 以 10 买入 200 股。
	assert.InDelta(t, 1_000_400, user.FinalEquity, 1e-6)

	// 200 股对 100 股：价格上行的两根 K 线操作者单分钟收益更高。
	require.Len(t, result.AlphaMinutes, 2)
	assert.Equal(t, at(9, 33), result.AlphaMinutes[0])
	assert.Equal(t, at(9, 35), result.AlphaMinutes[1])

	// 模型参与方的总收益率补记回其决策记录。
	require.Contains(t, records.scores, "rec-m1")
	assert.InDelta(t, 0.0002, records.scores["rec-m1"], 1e-9)
}

func TestEngineSkipsNonTradingDays(t *testing.T) {
	sat := time.Date(2026, 3, 7, 9, 31, 0, 0, time.Local)
	mon := time.Date(2026, 3, 9, 9, 31, 0, 0, time.Local)
	minutes := &fakeMinutes{bars: map[string][]market.MinuteBar{
		"2026-03-07": {minuteBar(sat, 10)}, // 周六数据不该被消费
		"2026-03-09": {minuteBar(mon, 10)},
	}}
	engine := &Engine{
		Minutes:  minutes,
		Records:  &fakeRecords{},
		Trades:   &fakeTrades{},
		Calendar: mustCalendar(t),
	}

	result, err := engine.Run(context.Background(), RunRequest{
		Symbol:         "600519",
		From:           time.Date(2026, 3, 7, 0, 0, 0, 0, time.Local),
		To:             time.Date(2026, 3, 9, 15, 0, 0, 0, time.Local),
		Participants:   []string{UserParticipant},
		InitialCapital: 100_000,
	})
	require.NoError(t, err)
	require.Len(t, result.Curves, 1)
	require.Len(t, result.Curves[0].Points, 1)
	assert.Equal(t, mon, result.Curves[0].Points[0].Time)
}

func TestEngineRejectsEmptyRange(t *testing.T) {
	engine := &Engine{Minutes: &fakeMinutes{}, Records: &fakeRecords{}, Trades: &fakeTrades{}}
	now := time.Now()
	_, err := engine.Run(context.Background(), RunRequest{Symbol: "600519", From: now, To: now})
	assert.Error(t, err)
}

func TestRenderReportProducesHTML(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 31, 0, 0, time.Local)
	result := Result{
		Symbol:         "600519",
		From:           at,
		To:             at.Add(time.Minute),
		InitialCapital: 100_000,
		Curves: []Curve{
			{Tag: "user", Points: []Point{{Time: at, Equity: 100_000}, {Time: at.Add(time.Minute), Equity: 100_100}}, FinalEquity: 100_100, Return: 0.001},
			{Tag: "deepseek-r1", Points: []Point{{Time: at, Equity: 100_000}, {Time: at.Add(time.Minute), Equity: 100_050}}, FinalEquity: 100_050, Return: 0.0005},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, RenderReport(result, &buf))
	html := buf.String()
	assert.True(t, strings.Contains(html, "echarts"))
	assert.Contains(t, html, "600519")
}
