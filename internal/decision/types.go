package decision

import (
	"context"
	"fmt"
	"time"

	"legion/internal/market"
)

// 中文说明：
// 五阶段议事状态机的数据结构。每次阶段流转都全量记录
// system/user 提示词与模型原始输出——决策日志是唯一的审计线索。

// Role 是议事参与角色。
type Role string

const (
	RoleQuant     Role = "quant"     // 量化专员
	RoleIntel     Role = "intel"     // 情报专员
	RoleCommander Role = "commander" // 蓝军主帅
	RoleAuditor   Role = "auditor"   // 红军审计
)

// Stage 是状态机节点，线性推进，不可跳过、不可回环。
type Stage string

const (
	StageIdle       Stage = "idle"
	StageDraft      Stage = "draft"
	StageAudit1     Stage = "audit1"
	StageRefine     Stage = "refine"
	StageAudit2     Stage = "audit2" // 最终裁决
	StageFinalOrder Stage = "final_order"
	StageDone       Stage = "done"
)

// nextStage 定义唯一合法的流转关系。
func nextStage(s Stage) Stage {
	switch s {
	case StageIdle:
		return StageDraft
	case StageDraft:
		return StageAudit1
	case StageAudit1:
		return StageRefine
	case StageRefine:
		return StageAudit2
	case StageAudit2:
		return StageFinalOrder
	default:
		return StageDone
	}
}

// StageOutput 是单次阶段流转的完整出处记录。
type StageOutput struct {
	Stage      Stage     `json:"stage"`
	Role       Role      `json:"role"`
	ProviderID string    `json:"provider_id"`
	System     string    `json:"system_prompt"`
	User       string    `json:"user_prompt"`
	RawOutput  string    `json:"raw_output"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// FinalDecision 是唯一应被执行的输出，此前各阶段皆为议事材料。
type FinalDecision struct {
	Action     string  `json:"action"` // buy | sell | hold | abstain
	Quantity   int64   `json:"quantity"`
	LimitPrice float64 `json:"limit_price"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	Commentary string  `json:"commentary,omitempty"`
}

// Verdict 是红军最终裁决的解析结果。
type Verdict string

const (
	VerdictAccept  Verdict = "accept"
	VerdictRevise  Verdict = "revise"
	VerdictReject  Verdict = "reject"
	VerdictPending Verdict = "pending"
)

// Binding 裁决只认 accept；revise/pending 一律按 reject 交由操作者处理。
func (v Verdict) Approved() bool { return v == VerdictAccept }

// DecisionRecord 每次管线运行一条，写入后不可变（回测评分除外）。
type DecisionRecord struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	SessionType   market.Phase   `json:"session_type"`
	ModelTag      string         `json:"model_tag"`
	CreatedAt     time.Time      `json:"created_at"`
	StageOutputs  []StageOutput  `json:"stage_outputs"`
	Verdict       Verdict        `json:"verdict,omitempty"`
	FinalDecision *FinalDecision `json:"final_decision,omitempty"`
	// BacktestScore 由回测引擎事后补记，是记录唯一允许的修改。
	BacktestScore *float64 `json:"backtest_score,omitempty"`
}

// IntelRecord 是情报条目的规范形态：摄入边界统一归一化，
// dict/list 形态歧义不允许进入核心。
type IntelRecord struct {
	Kind    string    `json:"kind"` // announcement | news | rumor
	Title   string    `json:"title"`
	Content string    `json:"content"`
	Source  string    `json:"source,omitempty"`
	Time    time.Time `json:"time"`
}

// StageError 标记管线在哪个阶段、因何失败——失败必须可归因。
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Invoker 抽象 invoke_agent 协作方：超时与格式错误都按失败处理。
type Invoker interface {
	Invoke(ctx context.Context, role Role, providerID, system, user string) (string, error)
}

// RecordStore 是策略日志的持久化边界（只追加）。
type RecordStore interface {
	Append(ctx context.Context, rec DecisionRecord) error
	AttachScore(ctx context.Context, id string, score float64) error
	List(ctx context.Context, symbol string, limit int) ([]DecisionRecord, error)
	InRange(ctx context.Context, symbol string, from, to time.Time) ([]DecisionRecord, error)
}
