package config

import "strings"

// Config 是 Legion 的主配置载体。
type Config struct {
	App       AppConfig       `toml:"app"`
	Market    MarketConfig    `toml:"market"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Watchlist []WatchSymbol   `toml:"watchlist"`
	AI        AIConfig        `toml:"ai"`
	Prompt    PromptConfig    `toml:"prompt"`
	Backtest  BacktestConfig  `toml:"backtest"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
	LLMLog   string `toml:"llm_log_path"`
	LLMDump  bool   `toml:"llm_dump_payload"`
}

// MarketConfig 描述行情协作方与交易日历。
type MarketConfig struct {
	QuoteBaseURL   string `toml:"quote_base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	CalendarPath   string `toml:"calendar_path"`
	MinuteDataDir  string `toml:"minute_data_dir"`
	IntelDir       string `toml:"intel_dir"`
}

// LedgerConfig 描述持仓台账与策略日志的存储位置。
type LedgerConfig struct {
	DBPath          string `toml:"db_path"`
	DecisionLogPath string `toml:"decision_log_path"`
}

// WatchSymbol 是关注列表中的一个标的。资金额度与底仓是台账属性，
// 配置只负责初始化种子值。
type WatchSymbol struct {
	Symbol     string `toml:"symbol"`
	Name       string `toml:"name"`
	ST         bool   `toml:"st"`
	Allocation string `toml:"allocation"` // 十进制字符串，如 "100000"
	BaseShares int64  `toml:"base_shares"`
}

// AIConfig 包含模型供应方与角色派遣的全部设置。
type AIConfig struct {
	ProviderPresets map[string]ModelPreset `toml:"provider_presets"`
	Models          []AIModelConfig        `toml:"models"`
	Roles           RoleDispatch           `toml:"roles"`
}

// ModelPreset 描述可复用的 API 连接配置。
type ModelPreset struct {
	APIURL  string            `toml:"api_url"`
	APIKey  string            `toml:"api_key"`
	Headers map[string]string `toml:"headers"`
}

// AIModelConfig 代表一个可被派遣的模型条目。
type AIModelConfig struct {
	ID             string            `toml:"id"`
	Preset         string            `toml:"preset"`
	Enabled        bool              `toml:"enabled"`
	APIURL         string            `toml:"api_url"`
	APIKey         string            `toml:"api_key"`
	Model          string            `toml:"model"`
	Headers        map[string]string `toml:"headers"`
	TimeoutSeconds int               `toml:"timeout_seconds"`
}

// ResolvedModelConfig 是合并预设后的最终模型配置。
type ResolvedModelConfig struct {
	ID             string
	Enabled        bool
	APIURL         string
	APIKey         string
	Model          string
	Headers        map[string]string
	TimeoutSeconds int
}

// RoleDispatch 把议事角色绑定到模型 ID。
type RoleDispatch struct {
	Quant     string `toml:"quant"`
	Intel     string `toml:"intel"`
	Commander string `toml:"commander"`
	Auditor   string `toml:"auditor"`
}

type PromptConfig struct {
	Path string `toml:"path"` // 提示词覆盖文件，可热更新；为空则全部使用内置默认
}

// BacktestConfig 控制回测报告输出与初始资金。
type BacktestConfig struct {
	ReportDir      string  `toml:"report_dir"`
	InitialCapital float64 `toml:"initial_capital"`
}

// ResolveModelConfigs 合并预设后返回最终模型列表。
func (a AIConfig) ResolveModelConfigs() []ResolvedModelConfig {
	out := make([]ResolvedModelConfig, 0, len(a.Models))
	for _, m := range a.Models {
		r := ResolvedModelConfig{
			ID:             strings.TrimSpace(m.ID),
			Enabled:        m.Enabled,
			APIURL:         strings.TrimSpace(m.APIURL),
			APIKey:         strings.TrimSpace(m.APIKey),
			Model:          strings.TrimSpace(m.Model),
			Headers:        map[string]string{},
			TimeoutSeconds: m.TimeoutSeconds,
		}
		if preset, ok := a.ProviderPresets[strings.TrimSpace(m.Preset)]; ok {
			if r.APIURL == "" {
				r.APIURL = strings.TrimSpace(preset.APIURL)
			}
			if r.APIKey == "" {
				r.APIKey = strings.TrimSpace(preset.APIKey)
			}
			for k, v := range preset.Headers {
				r.Headers[k] = v
			}
		}
		for k, v := range m.Headers {
			r.Headers[k] = v
		}
		out = append(out, r)
	}
	return out
}

// ResolveSymbol 按代码查找关注列表条目。
func (c *Config) ResolveSymbol(symbol string) (WatchSymbol, bool) {
	for _, w := range c.Watchlist {
		if w.Symbol == symbol {
			return w, true
		}
	}
	return WatchSymbol{}, false
}

// WatchSymbols 返回关注列表的全部代码。
func (c *Config) WatchSymbols() []string {
	out := make([]string, 0, len(c.Watchlist))
	for _, w := range c.Watchlist {
		out = append(out, w.Symbol)
	}
	return out
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
