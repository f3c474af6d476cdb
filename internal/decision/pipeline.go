package decision

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"legion/internal/logger"
	"legion/internal/market"
	"legion/internal/prompt"
)

// PromptSource 提供阶段提示词，热更新由 prompt.Manager 负责。
type PromptSource interface {
	Get(key string) string
}

// RoleBindings 把议事角色绑定到具体模型供应方。
type RoleBindings struct {
	Quant     string
	Intel     string
	Commander string
	Auditor   string
}

func (b RoleBindings) provider(role Role) string {
	switch role {
	case RoleQuant:
		return b.Quant
	case RoleIntel:
		return b.Intel
	case RoleCommander:
		return b.Commander
	case RoleAuditor:
		return b.Auditor
	}
	return ""
}

// Pipeline 驱动五阶段议事状态机。
type Pipeline struct {
	Prompts  PromptSource
	Invoker  Invoker
	Records  RecordStore
	Bindings RoleBindings
	Clock    func() time.Time
}

// Run 是一次推演实例。手动单步（Next）与自动推进（RunAll）
// 走完全相同的阶段函数，不存在第二套逻辑。
type Run struct {
	pl    *Pipeline
	facts Facts
	rec   DecisionRecord
	stage Stage
	mu    sync.Mutex // 保护 StageOutputs（专员阶段并发调用）

	quantOut   string
	intelOut   string
	draftOut   string
	attackOut  string
	refineOut  string
	verdictRaw string
	verdict    Verdict
}

// NewRun 初始化一次推演，不触发任何模型调用。
func (p *Pipeline) NewRun(facts Facts, modelTag string) *Run {
	now := timestampNow(p.Clock)
	return &Run{
		pl:    p,
		facts: facts,
		stage: StageIdle,
		rec: DecisionRecord{
			ID:          uuid.NewString(),
			Symbol:      facts.Symbol,
			SessionType: facts.Session.Phase,
			ModelTag:    modelTag,
			CreatedAt:   now,
			Verdict:     VerdictPending,
		},
	}
}

// Stage 返回当前所处阶段。
func (r *Run) Stage() Stage { return r.stage }

// Record 返回到目前为止积累的决策记录（副本）。
func (r *Run) Record() DecisionRecord { return r.rec }

// Next 推进一个阶段。失败时把残缺记录落库后返回 *StageError，
// 推演就地终止，绝不跳过失败阶段继续。
func (r *Run) Next(ctx context.Context) (Stage, error) {
	target := nextStage(r.stage)
	if target == StageDone && r.stage == StageDone {
		return StageDone, nil
	}
	var err error
	switch target {
	case StageDraft:
		err = r.runDraft(ctx)
	case StageAudit1:
		err = r.runAudit1(ctx)
	case StageRefine:
		err = r.runRefine(ctx)
	case StageAudit2:
		err = r.runAudit2(ctx)
	case StageFinalOrder:
		err = r.runFinalOrder(ctx)
	case StageDone:
		err = r.finish(ctx)
	}
	if err != nil {
		r.abort(ctx)
		return r.stage, &StageError{Stage: target, Err: err}
	}
	r.stage = target
	if target == StageFinalOrder {
		// 终令即末阶段，直接收束并落库。
		if err := r.finish(ctx); err != nil {
			return r.stage, &StageError{Stage: StageDone, Err: err}
		}
		r.stage = StageDone
	}
	return r.stage, nil
}

// RunAll 自动推进到结束，复用 Next 的全部语义。
func (r *Run) RunAll(ctx context.Context) (DecisionRecord, error) {
	for r.stage != StageDone {
		if _, err := r.Next(ctx); err != nil {
			return r.rec, err
		}
	}
	return r.rec, nil
}

func (r *Run) invoke(ctx context.Context, stage Stage, role Role, system, user string) (string, error) {
	providerID := r.pl.Bindings.provider(role)
	logger.LogAgentRequest(string(role), string(stage), system, user)
	out, err := r.pl.Invoker.Invoke(ctx, role, providerID, system, user)
	so := StageOutput{
		Stage:      stage,
		Role:       role,
		ProviderID: providerID,
		System:     system,
		User:       user,
		RawOutput:  out,
		Timestamp:  timestampNow(r.pl.Clock),
	}
	if err != nil {
		so.Error = err.Error()
	}
	r.mu.Lock()
	r.rec.StageOutputs = append(r.rec.StageOutputs, so)
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	logger.LogAgentResponse(string(role), string(stage), out)
	return out, nil
}

func (r *Run) commanderSystem(key string) string {
	sys := r.pl.Prompts.Get(key)
	if r.facts.Observation() {
		sys = r.pl.Prompts.Get(prompt.KeyObservationOnlyNote) + "\n\n" + sys
	}
	return sys
}

func (r *Run) draftKey() string {
	if r.facts.Session.Phase == market.PhaseNoonBreak {
		return prompt.KeyCommanderNoonReview
	}
	return prompt.KeyCommanderPremarket
}

// runDraft 并行征询两位专员，随后由主帅起草初案并做风控钳制。
// 未配置专员角色时（单模型族部署）跳过专员环节，主帅直接起草。
func (r *Run) runDraft(ctx context.Context) error {
	if r.pl.Bindings.Quant == "" && r.pl.Bindings.Intel == "" {
		r.quantOut = "【未配置量化专员，本环节跳过】"
		r.intelOut = "【未配置情报专员，本环节跳过】"
		out, err := r.invoke(ctx, StageDraft, RoleCommander,
			r.commanderSystem(r.draftKey()), buildDraftUser(r.facts, r.quantOut, r.intelOut))
		if err != nil {
			return err
		}
		r.draftOut = r.applyClamp(StageDraft, out)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := r.invoke(gctx, StageDraft, RoleQuant,
			r.pl.Prompts.Get(prompt.KeyQuantSystem), buildQuantUser(r.facts))
		if err != nil {
			// 专员失败降级为数据缺口说明，不终止推演。
			logger.Warnf("量化专员不可用: %v", err)
			out = "【量化报告不可用：数据缺口，请基于其余事实判断】"
		}
		r.quantOut = out
		return nil
	})
	g.Go(func() error {
		out, err := r.invoke(gctx, StageDraft, RoleIntel,
			r.pl.Prompts.Get(prompt.KeyIntelSystem), buildIntelUser(r.facts))
		if err != nil {
			logger.Warnf("情报专员不可用: %v", err)
			out = "【情报报告不可用：数据缺口，请基于其余事实判断】"
		}
		r.intelOut = out
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	out, err := r.invoke(ctx, StageDraft, RoleCommander,
		r.commanderSystem(r.draftKey()), buildDraftUser(r.facts, r.quantOut, r.intelOut))
	if err != nil {
		return err
	}
	r.draftOut = r.applyClamp(StageDraft, out)
	return nil
}

func (r *Run) runAudit1(ctx context.Context) error {
	out, err := r.invoke(ctx, StageAudit1, RoleAuditor,
		r.pl.Prompts.Get(prompt.KeyAuditorAttack), buildAuditUser(r.facts, r.draftOut))
	if err != nil {
		return err
	}
	r.attackOut = out
	return nil
}

func (r *Run) runRefine(ctx context.Context) error {
	out, err := r.invoke(ctx, StageRefine, RoleCommander,
		r.commanderSystem(prompt.KeyCommanderRefine), buildRefineUser(r.facts, r.draftOut, r.attackOut))
	if err != nil {
		return err
	}
	r.refineOut = r.applyClamp(StageRefine, out)
	return nil
}

func (r *Run) runAudit2(ctx context.Context) error {
	out, err := r.invoke(ctx, StageAudit2, RoleAuditor,
		r.pl.Prompts.Get(prompt.KeyAuditorFinalVerdict), buildFinalVerdictUser(r.facts, r.refineOut))
	if err != nil {
		return err
	}
	r.verdictRaw = out
	r.verdict = ParseVerdict(out)
	if r.verdict == VerdictPending {
		logger.Warnf("终审裁决无法解析，按驳回处理: %s", firstLine(out))
	}
	r.rec.Verdict = r.verdict
	return nil
}

func (r *Run) runFinalOrder(ctx context.Context) error {
	out, err := r.invoke(ctx, StageFinalOrder, RoleCommander,
		r.commanderSystem(prompt.KeyCommanderFinalOrder),
		buildFinalOrderUser(r.facts, r.refineOut, r.verdict, r.verdictRaw))
	if err != nil {
		return err
	}
	fd, err := ParseFinalOrder(out)
	if err != nil {
		return err
	}
	r.rec.FinalDecision = r.enforceFinal(fd)
	return nil
}

// enforceFinal 是终令后的最后一道闸：裁决未通过或观察模式下
// 强制降级为 hold，交易参数再过一遍钳制。
func (r *Run) enforceFinal(fd FinalDecision) *FinalDecision {
	if (fd.Action == "buy" || fd.Action == "sell") && (!r.verdict.Approved() || r.facts.Observation()) {
		logger.Warnf("终令 %s 在未批准/观察模式下被强制降级为 hold", fd.Action)
		fd = FinalDecision{
			Action:     "hold",
			Commentary: strings.TrimSpace("方案未获批准执行，强制观望。原评注: " + fd.Commentary),
		}
		return &fd
	}
	p := Proposal{Direction: fd.Action, Quantity: fd.Quantity, LimitPrice: fd.LimitPrice, StopLoss: fd.StopLoss}
	clamped, notes := clampProposal(p, r.facts.Position, r.facts.Band)
	if len(notes) > 0 {
		logger.Warnf("终令参数被钳制: %s", strings.Join(notes, "; "))
		fd.Quantity = clamped.Quantity
		fd.LimitPrice = clamped.LimitPrice
		fd.StopLoss = clamped.StopLoss
		fd.Commentary = strings.TrimSpace(fd.Commentary + "\n【风控钳制】" + strings.Join(notes, "；"))
	}
	return &fd
}

// applyClamp 解析方案区块并钳制，下游阶段只会看到钳制后的文本。
func (r *Run) applyClamp(stage Stage, raw string) string {
	p, ok := parseProposal(raw)
	if !ok {
		return raw
	}
	clamped, notes := clampProposal(p, r.facts.Position, r.facts.Band)
	if len(notes) == 0 && clamped == p {
		return raw
	}
	logger.Infof("%s 阶段方案钳制: %s", stage, strings.Join(notes, "; "))
	return renderClamped(raw, clamped, notes)
}

func (r *Run) finish(ctx context.Context) error {
	if r.pl.Records == nil {
		return nil
	}
	if err := r.pl.Records.Append(ctx, r.rec); err != nil {
		return fmt.Errorf("决策记录落库失败: %w", err)
	}
	return nil
}

// abort 尽力保存残缺记录：失败阶段的 StageOutput 已带 Error 字段，
// 记录本身 FinalDecision 为 nil，明确标识未走到终令。
func (r *Run) abort(ctx context.Context) {
	if r.pl.Records == nil {
		return
	}
	if err := r.pl.Records.Append(ctx, r.rec); err != nil {
		logger.Errorf("残缺决策记录落库失败: %v", err)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
