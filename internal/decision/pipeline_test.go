package decision

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legion/internal/ledger"
	"legion/internal/market"
)

// scriptInvoker 按角色顺序回放预置应答。
type scriptInvoker struct {
	mu  sync.Mutex
	seq map[Role][]scriptStep
	idx map[Role]int
}

type scriptStep struct {
	out string
	err error
}

func newScript() *scriptInvoker {
	return &scriptInvoker{seq: map[Role][]scriptStep{}, idx: map[Role]int{}}
}

func (s *scriptInvoker) add(role Role, out string) *scriptInvoker {
	s.seq[role] = append(s.seq[role], scriptStep{out: out})
	return s
}

func (s *scriptInvoker) fail(role Role, err error) *scriptInvoker {
	s.seq[role] = append(s.seq[role], scriptStep{err: err})
	return s
}

func (s *scriptInvoker) Invoke(_ context.Context, role Role, _, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.idx[role]
	if i >= len(s.seq[role]) {
		return "", fmt.Errorf("脚本中 %s 角色无第 %d 次应答", role, i+1)
	}
	s.idx[role] = i + 1
	step := s.seq[role][i]
	return step.out, step.err
}

type memRecords struct {
	mu   sync.Mutex
	recs []DecisionRecord
}

func (m *memRecords) Append(_ context.Context, rec DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memRecords) AttachScore(_ context.Context, id string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.recs {
		if m.recs[i].ID == id {
			m.recs[i].BacktestScore = &score
			return nil
		}
	}
	return fmt.Errorf("record %s not found", id)
}

func (m *memRecords) List(_ context.Context, symbol string, limit int) ([]DecisionRecord, error) {
	var out []DecisionRecord
	for _, r := range m.recs {
		if r.Symbol == symbol {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRecords) InRange(_ context.Context, symbol string, from, to time.Time) ([]DecisionRecord, error) {
	var out []DecisionRecord
	for _, r := range m.recs {
		if r.Symbol == symbol && !r.CreatedAt.Before(from) && !r.CreatedAt.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fixedPrompts struct{}

func (fixedPrompts) Get(key string) string { return "system:" + key }

func mainBoardFacts() Facts {
	now := time.Date(2026, 3, 2, 8, 30, 0, 0, time.Local)
	return Facts{
		Symbol: "600519",
		Name:   "贵州茅台",
		Session: market.Session{
			Phase:            market.PhasePreOpen,
			Now:              now,
			NextTradableDate: now,
		},
		Quote: &market.Quote{Symbol: "600519", Price: 10.00, PrevClose: 10.00},
		Band:  &market.PriceBand{LimitUp: 11.00, LimitDown: 9.00},
		Position: ledger.Position{
			Symbol:            "600519",
			Shares:            1000,
			BaseShares:        400,
			CostBasis:         decimal.RequireFromString("9.50"),
			CapitalAllocation: decimal.RequireFromString("100000"),
		},
		EffLimit: "100000.00",
	}
}

func newTestPipeline(inv Invoker, store RecordStore) *Pipeline {
	return &Pipeline{
		Prompts:  fixedPrompts{},
		Invoker:  inv,
		Records:  store,
		Bindings: RoleBindings{Quant: "qwen", Intel: "qwen", Commander: "deepseek-r1", Auditor: "qwen-max"},
		Clock:    func() time.Time { return time.Date(2026, 3, 2, 8, 35, 0, 0, time.Local) },
	}
}

func approvedScript() *scriptInvoker {
	return newScript().
		add(RoleQuant, "均线多头排列，动能走强。").
		add(RoleIntel, "无重大利空。").
		add(RoleCommander, `初案：减仓锁定利润。{"direction": "sell", "quantity": 700, "limit_price": 10.20, "stop_loss": 9.60}`).
		add(RoleAuditor, "质询：卖出数量是否超出可动部分？").
		add(RoleCommander, `修订案：维持减仓方向。{"direction": "sell", "quantity": 600, "limit_price": 10.20, "stop_loss": 9.60}`).
		add(RoleAuditor, "复核完毕，批准执行。").
		add(RoleCommander, `{"action": "sell", "quantity": 700, "limit_price": 10.20, "stop_loss": 9.60, "commentary": "逢高减仓"}`)
}

func TestPipelineApprovedRunClampsAtEveryBoundary(t *testing.T) {
	store := &memRecords{}
	pl := newTestPipeline(approvedScript(), store)
	run := pl.NewRun(mainBoardFacts(), "deepseek-r1")

	rec, err := run.RunAll(context.Background())
	require.NoError(t, err)

	require.NotNil(t, rec.FinalDecision)
	assert.Equal(t, "sell", rec.FinalDecision.Action)
	// 底仓 400 锁定，可交易 600：终令的 700 必须被钳回。
	assert.Equal(t, int64(600), rec.FinalDecision.Quantity)
	assert.Contains(t, rec.FinalDecision.Commentary, "风控钳制")
	assert.Equal(t, VerdictAccept, rec.Verdict)
	assert.Len(t, rec.StageOutputs, 7)

	// 初案的 700 在 Draft 边界即被钳制，红军看到的是钳制后的文本。
	var auditUser string
	for _, so := range rec.StageOutputs {
		if so.Stage == StageAudit1 {
			auditUser = so.User
		}
	}
	assert.Contains(t, auditUser, "钳制为 600")

	require.Len(t, store.recs, 1)
	assert.Equal(t, rec.ID, store.recs[0].ID)
}

func TestPipelineManualStepsMatchAutoRun(t *testing.T) {
	auto := newTestPipeline(approvedScript(), &memRecords{})
	autoRec, err := auto.NewRun(mainBoardFacts(), "deepseek-r1").RunAll(context.Background())
	require.NoError(t, err)

	manual := newTestPipeline(approvedScript(), &memRecords{})
	run := manual.NewRun(mainBoardFacts(), "deepseek-r1")
	stages := []Stage{StageDraft, StageAudit1, StageRefine, StageAudit2, StageDone}
	for _, want := range stages {
		got, err := run.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	manualRec := run.Record()

	assert.Equal(t, autoRec.Verdict, manualRec.Verdict)
	assert.Equal(t, autoRec.FinalDecision, manualRec.FinalDecision)
	assert.Equal(t, len(autoRec.StageOutputs), len(manualRec.StageOutputs))
}

func TestPipelineAbortPersistsPartialRecord(t *testing.T) {
	script := newScript().
		add(RoleQuant, "量化报告").
		add(RoleIntel, "情报报告").
		add(RoleCommander, `{"direction": "hold", "quantity": 0, "limit_price": 0}`).
		fail(RoleAuditor, fmt.Errorf("provider timeout"))
	store := &memRecords{}
	pl := newTestPipeline(script, store)

	_, err := pl.NewRun(mainBoardFacts(), "deepseek-r1").RunAll(context.Background())
	require.Error(t, err)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageAudit1, se.Stage)

	require.Len(t, store.recs, 1)
	rec := store.recs[0]
	assert.Nil(t, rec.FinalDecision)
	last := rec.StageOutputs[len(rec.StageOutputs)-1]
	assert.Equal(t, StageAudit1, last.Stage)
	assert.Contains(t, last.Error, "provider timeout")
}

func TestPipelineRejectedVerdictForcesHold(t *testing.T) {
	script := newScript().
		add(RoleQuant, "量化报告").
		add(RoleIntel, "情报报告").
		add(RoleCommander, `{"direction": "buy", "quantity": 500, "limit_price": 10.10}`).
		add(RoleAuditor, "质询。").
		add(RoleCommander, `{"direction": "buy", "quantity": 500, "limit_price": 10.10}`).
		add(RoleAuditor, "风险过高，驳回。").
		add(RoleCommander, `{"action": "buy", "quantity": 500, "limit_price": 10.10}`)
	store := &memRecords{}
	pl := newTestPipeline(script, store)

	rec, err := pl.NewRun(mainBoardFacts(), "deepseek-r1").RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictReject, rec.Verdict)
	require.NotNil(t, rec.FinalDecision)
	assert.Equal(t, "hold", rec.FinalDecision.Action)
}

func TestPipelineObservationModeForcesHold(t *testing.T) {
	facts := mainBoardFacts()
	facts.Band = nil // 停牌复牌首日等场景：法定区间不可得

	script := newScript().
		add(RoleQuant, "量化报告").
		add(RoleIntel, "情报报告").
		add(RoleCommander, `{"direction": "hold", "quantity": 0, "limit_price": 0}`).
		add(RoleAuditor, "质询。").
		add(RoleCommander, `{"direction": "hold", "quantity": 0, "limit_price": 0}`).
		add(RoleAuditor, "批准执行。").
		add(RoleCommander, `{"action": "buy", "quantity": 200, "limit_price": 10.00}`)
	pl := newTestPipeline(script, &memRecords{})

	rec, err := pl.NewRun(facts, "deepseek-r1").RunAll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec.FinalDecision)
	assert.Equal(t, "hold", rec.FinalDecision.Action)
}

func TestPipelineSkipsSpecialistsWhenUnbound(t *testing.T) {
	script := newScript().
		add(RoleCommander, `{"direction": "hold", "quantity": 0, "limit_price": 0}`).
		add(RoleAuditor, "质询。").
		add(RoleCommander, `{"direction": "hold", "quantity": 0, "limit_price": 0}`).
		add(RoleAuditor, "批准执行。").
		add(RoleCommander, `{"action": "hold", "commentary": "观望"}`)
	pl := newTestPipeline(script, &memRecords{})
	pl.Bindings.Quant = ""
	pl.Bindings.Intel = ""

	rec, err := pl.NewRun(mainBoardFacts(), "deepseek-r1").RunAll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec.FinalDecision)
	assert.Len(t, rec.StageOutputs, 5)
	for _, so := range rec.StageOutputs {
		assert.NotContains(t, []Role{RoleQuant, RoleIntel}, so.Role)
	}
}

func TestPipelineSpecialistFailureDegrades(t *testing.T) {
	script := newScript().
		fail(RoleQuant, fmt.Errorf("minute feed down")).
		add(RoleIntel, "情报报告").
		add(RoleCommander, `{"direction": "hold", "quantity": 0, "limit_price": 0}`).
		add(RoleAuditor, "质询。").
		add(RoleCommander, `{"direction": "hold", "quantity": 0, "limit_price": 0}`).
		add(RoleAuditor, "批准执行。").
		add(RoleCommander, `{"action": "hold", "commentary": "数据缺口，观望"}`)
	pl := newTestPipeline(script, &memRecords{})

	run := pl.NewRun(mainBoardFacts(), "deepseek-r1")
	rec, err := run.RunAll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec.FinalDecision)
	assert.Equal(t, "hold", rec.FinalDecision.Action)

	// 专员失败留痕但不终止推演。
	var quantErr string
	for _, so := range rec.StageOutputs {
		if so.Role == RoleQuant {
			quantErr = so.Error
		}
	}
	assert.Contains(t, quantErr, "minute feed down")
}
