package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"legion/internal/pkg/jsonutil"
)

// ParseVerdict 从红军终审文本中提取裁决。
// 关键词优先级：批准 > 修正 > 驳回；全部缺失判为 pending，交由操作员处置。
func ParseVerdict(raw string) Verdict {
	text := strings.TrimSpace(raw)
	if text == "" {
		return VerdictPending
	}
	switch {
	case containsAny(text, "批准执行", "批准", "通过", "同意执行", "approve"):
		return VerdictAccept
	case containsAny(text, "修正", "有条件", "部分批准", "revise"):
		return VerdictRevise
	case containsAny(text, "驳回", "否决", "拒绝", "reject"):
		return VerdictReject
	default:
		return VerdictPending
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ParseFinalOrder 解析终令 JSON 并做结构校验。
func ParseFinalOrder(raw string) (FinalDecision, error) {
	block, ok := jsonutil.ExtractJSON(raw)
	if !ok {
		return FinalDecision{}, fmt.Errorf("终令输出中无 JSON 区块")
	}
	if err := validateFinalOrder(block); err != nil {
		return FinalDecision{}, fmt.Errorf("终令结构校验失败: %w", err)
	}
	var fd FinalDecision
	if err := json.Unmarshal([]byte(block), &fd); err != nil {
		return FinalDecision{}, fmt.Errorf("终令反序列化失败: %w", err)
	}
	fd.Action = strings.ToLower(strings.TrimSpace(fd.Action))
	switch fd.Action {
	case "buy", "sell", "hold", "abstain":
	default:
		return FinalDecision{}, fmt.Errorf("终令 action 非法: %q", fd.Action)
	}
	if fd.Action == "buy" || fd.Action == "sell" {
		if fd.Quantity <= 0 {
			return FinalDecision{}, fmt.Errorf("终令 %s 数量非法: %d", fd.Action, fd.Quantity)
		}
		if fd.LimitPrice <= 0 {
			return FinalDecision{}, fmt.Errorf("终令 %s 委托价非法: %v", fd.Action, fd.LimitPrice)
		}
	}
	return fd, nil
}
