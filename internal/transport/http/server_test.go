package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"legion/internal/decision"
	"legion/internal/ledger"
	"legion/internal/market"
)

type memLedgerStore struct {
	mu        sync.Mutex
	positions map[string]ledger.Position
	trades    []ledger.TradeEvent
	snaps     []ledger.Snapshot
}

func newMemLedgerStore() *memLedgerStore {
	return &memLedgerStore{positions: map[string]ledger.Position{}}
}

func (m *memLedgerStore) LoadPosition(_ context.Context, symbol string) (ledger.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return ledger.Position{Symbol: symbol, CostBasis: decimal.Zero,
			CapitalAllocation: decimal.Zero, RealizedPnL: decimal.Zero}, false, nil
	}
	return pos, true, nil
}

func (m *memLedgerStore) SavePosition(_ context.Context, pos ledger.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.Symbol] = pos
	return nil
}

func (m *memLedgerStore) AppendTrade(_ context.Context, ev ledger.TradeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, ev)
	return nil
}

func (m *memLedgerStore) TradesInRange(_ context.Context, symbol string, after, upTo time.Time) ([]ledger.TradeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.TradeEvent
	for _, ev := range m.trades {
		if ev.Symbol != symbol || ev.Timestamp.After(upTo) {
			continue
		}
		if !after.IsZero() && !ev.Timestamp.After(after) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *memLedgerStore) SaveSnapshot(_ context.Context, snap ledger.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, snap)
	return nil
}

func (m *memLedgerStore) NearestSnapshotBefore(_ context.Context, symbol string, ts time.Time) (ledger.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best ledger.Snapshot
	found := false
	for _, s := range m.snaps {
		if s.Position.Symbol != symbol || !s.AsOf.Before(ts) {
			continue
		}
		if !found || s.AsOf.After(best.AsOf) {
			best = s
			found = true
		}
	}
	return best, found, nil
}

func (m *memLedgerStore) DeleteSnapshotsFrom(_ context.Context, symbol string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []ledger.Snapshot
	for _, s := range m.snaps {
		if s.Position.Symbol == symbol && !s.AsOf.Before(ts) {
			continue
		}
		kept = append(kept, s)
	}
	m.snaps = kept
	return nil
}

type stubStarter struct {
	run *decision.Run
	err error
}

func (s *stubStarter) StartRun(context.Context, string) (*decision.Run, error) {
	return s.run, s.err
}

type stubBands struct {
	session market.Session
	band    market.PriceBand
	err     error
}

func (s *stubBands) Band(context.Context, string) (market.Session, market.PriceBand, error) {
	return s.session, s.band, s.err
}

type scriptedInvoker struct {
	outputs map[decision.Role][]string
	idx     map[decision.Role]int
	mu      sync.Mutex
}

func (s *scriptedInvoker) Invoke(_ context.Context, role decision.Role, _, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx == nil {
		s.idx = map[decision.Role]int{}
	}
	i := s.idx[role]
	outs := s.outputs[role]
	if i >= len(outs) {
		return "", fmt.Errorf("无脚本应答: %s #%d", role, i+1)
	}
	s.idx[role] = i + 1
	return outs[i], nil
}

type memRecords struct {
	mu   sync.Mutex
	recs []decision.DecisionRecord
}

func (m *memRecords) Append(_ context.Context, rec decision.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}
func (m *memRecords) AttachScore(context.Context, string, float64) error { return nil }
func (m *memRecords) List(_ context.Context, symbol string, _ int) ([]decision.DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []decision.DecisionRecord
	for _, r := range m.recs {
		if r.Symbol == symbol {
			out = append(out, r)
		}
	}
	return out, nil
}
func (m *memRecords) InRange(context.Context, string, time.Time, time.Time) ([]decision.DecisionRecord, error) {
	return nil, nil
}

type fixedPrompts struct{}

func (fixedPrompts) Get(key string) string { return "system:" + key }

func newTestServer(t *testing.T, starter RunStarter, records decision.RecordStore) (*Server, *ledger.Ledger) {
	t.Helper()
	led := ledger.New(newMemLedgerStore())
	srv, err := NewServer(Config{
		Addr:      ":0",
		Starter:   starter,
		Ledger:    led,
		Records:   records,
		Bands:     &stubBands{band: market.PriceBand{LimitUp: 11, LimitDown: 9}},
		Watchlist: []string{"600519"},
	})
	require.NoError(t, err)
	return srv, led
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	blob, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(blob))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestTradeAndPositionEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, &stubStarter{}, &memRecords{})
	h := srv.Handler()

	w := postJSON(t, h, "/api/trades", map[string]interface{}{
		"symbol": "600519", "side": "buy", "quantity": 1000, "price": "10.00",
		"timestamp": "2026-03-02T09:31:00+08:00",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(1000), gjson.Get(w.Body.String(), "position.shares").Int())

	w = postJSON(t, h, "/api/positions/600519/base-shares", map[string]interface{}{
		"base_shares": 400,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 锁仓之下超卖必须被拒绝并指明不变量
	w = postJSON(t, h, "/api/trades", map[string]interface{}{
		"symbol": "600519", "side": "sell", "quantity": 700, "price": "11.00",
		"timestamp": "2026-03-02T10:00:00+08:00",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, int64(600), gjson.Get(body, "positions.0.tradable_shares").Int())
}

func TestBandEndpointFailClosed(t *testing.T) {
	led := ledger.New(newMemLedgerStore())
	srv, err := NewServer(Config{
		Starter: &stubStarter{},
		Ledger:  led,
		Records: &memRecords{},
		Bands:   &stubBands{err: market.ErrBandUnavailable},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/band/600519", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPipelineRunEndpoint(t *testing.T) {
	records := &memRecords{}
	pl := &decision.Pipeline{
		Prompts: fixedPrompts{},
		Invoker: &scriptedInvoker{outputs: map[decision.Role][]string{
			decision.RoleQuant: {"量化报告"},
			decision.RoleIntel: {"情报报告"},
			decision.RoleCommander: {
				`{"direction": "hold", "quantity": 0, "limit_price": 0}`,
				`{"direction": "hold", "quantity": 0, "limit_price": 0}`,
				`{"action": "hold", "commentary": "观望"}`,
			},
			decision.RoleAuditor: {"质询。", "批准执行。"},
		}},
		Records:  records,
		Bindings: decision.RoleBindings{Quant: "q", Intel: "q", Commander: "c", Auditor: "a"},
	}
	facts := decision.Facts{
		Symbol: "600519",
		Session: market.Session{
			Phase: market.PhasePreOpen,
			Now:   time.Date(2026, 3, 2, 8, 30, 0, 0, time.Local),
		},
		Band: &market.PriceBand{LimitUp: 11, LimitDown: 9},
		Position: ledger.Position{Symbol: "600519", CostBasis: decimal.Zero,
			CapitalAllocation: decimal.Zero, RealizedPnL: decimal.Zero},
	}
	starter := &stubStarter{run: pl.NewRun(facts, "deepseek-r1")}
	srv, _ := newTestServer(t, starter, records)

	w := postJSON(t, srv.Handler(), "/api/pipeline/run", map[string]interface{}{"symbol": "600519"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := w.Body.String()
	assert.Equal(t, "hold", gjson.Get(body, "record.final_decision.action").String())
	assert.Equal(t, "accept", gjson.Get(body, "record.verdict").String())
	require.Len(t, records.recs, 1)
}

func TestBacktestRangeCoversEndDate(t *testing.T) {
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	orig := time.Local
	time.Local = shanghai
	defer func() { time.Local = orig }()

	to, dayOnly, err := parseDayOrTime("2026-03-03")
	require.NoError(t, err)
	require.True(t, dayOnly)
	end := to.Add(24*time.Hour - time.Second)

	// 截止日盘中的分钟线必须落在区间内
	bar := time.Date(2026, 3, 3, 9, 31, 0, 0, shanghai)
	assert.False(t, bar.After(end))

	// from==to 的单日请求区间非空
	from, _, err := parseDayOrTime("2026-03-03")
	require.NoError(t, err)
	assert.True(t, end.After(from))

	ts, dayOnly, err := parseDayOrTime("2026-03-03T10:00:00+08:00")
	require.NoError(t, err)
	assert.False(t, dayOnly)
	assert.Equal(t, 10, ts.In(shanghai).Hour())
}

func TestPipelineRecordsRequiresSymbol(t *testing.T) {
	srv, _ := newTestServer(t, &stubStarter{}, &memRecords{})
	req := httptest.NewRequest(http.MethodGet, "/api/pipeline/records", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
