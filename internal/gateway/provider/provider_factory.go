package provider

import (
	"fmt"
	"strings"
	"time"

	"legion/internal/logger"
)

// ModelCfg 是构建 Provider 所需的最小配置切面（由 config 层映射）。
type ModelCfg struct {
	ID, APIURL, APIKey, Model string
	Enabled                   bool
	Headers                   map[string]string
	TimeoutSeconds            int
}

func BuildProvidersFromConfig(models []ModelCfg) map[string]ModelProvider {
	out := make(map[string]ModelProvider, len(models))
	for _, m := range models {
		if !m.Enabled {
			continue
		}
		id := strings.TrimSpace(m.ID)
		if id == "" {
			id = strings.TrimSpace(m.Model)
			if id == "" {
				logger.Warnf("跳过缺少 id/model 的 provider 配置")
				continue
			}
			logger.Warnf("未配置 ai.models.id，以模型名代替: %s", id)
		}
		if _, dup := out[id]; dup {
			logger.Warnf("provider id 重复，后者覆盖前者: %s", id)
		}
		client := &OpenAIChatClient{
			BaseURL:      m.APIURL,
			APIKey:       m.APIKey,
			Model:        m.Model,
			ExtraHeaders: m.Headers,
		}
		if m.TimeoutSeconds > 0 {
			client.Timeout = time.Duration(m.TimeoutSeconds) * time.Second
		}
		out[id] = NewOpenAIModelProvider(id, true, client)
	}
	return out
}

// Lookup 按 id 取 provider，找不到时返回可读错误。
func Lookup(providers map[string]ModelProvider, id string) (ModelProvider, error) {
	p, ok := providers[strings.TrimSpace(id)]
	if !ok || p == nil {
		return nil, fmt.Errorf("provider %q not configured", id)
	}
	return p, nil
}
