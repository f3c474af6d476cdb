package provider

import "context"

// ChatPayload 单次聊天补全请求。
type ChatPayload struct {
	System    string
	User      string
	MaxTokens int
}

// ModelProvider 是文本补全协作方契约：失败返回错误，绝不以空串冒充结果。
type ModelProvider interface {
	ID() string
	Enabled() bool

	Call(ctx context.Context, payload ChatPayload) (string, error)
}
