package prompt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"legion/internal/logger"
)

// Manager 提供按键取模板：外部 YAML 覆盖优先，缺省回落内置模板。
// 文件变更通过 fsnotify 热更新，改提示词不需要重启进程。
type Manager struct {
	mu        sync.RWMutex
	overrides map[string]string
}

// NewManager 不带外部文件：只用内置模板。
func NewManager() *Manager {
	return &Manager{overrides: map[string]string{}}
}

// NewManagerFromFile 读取 YAML（prompts: {key: text}）并监听变更。
func NewManagerFromFile(path string) (*Manager, error) {
	m := &Manager{overrides: map[string]string{}}
	if strings.TrimSpace(path) == "" {
		return m, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("prompt: read overrides: %w", err)
	}
	if err := m.reload(v); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := m.reload(v); err != nil {
			logger.Errorf("prompt reload failed (%s): %v", evt.Name, err)
			return
		}
		logger.Infof("prompt overrides reloaded: %s", evt.Name)
	})
	v.WatchConfig()
	return m, nil
}

func (m *Manager) reload(v *viper.Viper) error {
	raw := v.GetStringMapString("prompts")
	next := make(map[string]string, len(raw))
	for k, text := range raw {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || strings.TrimSpace(text) == "" {
			continue
		}
		next[k] = text
	}
	m.mu.Lock()
	m.overrides = next
	m.mu.Unlock()
	return nil
}

// Get 返回键对应模板；覆盖优先，其次内置，最后空串。
func (m *Manager) Get(key string) string {
	m.mu.RLock()
	text, ok := m.overrides[strings.ToLower(key)]
	m.mu.RUnlock()
	if ok {
		return text
	}
	return Default(key)
}
