package config

import "strings"

// 默认值常量
const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppHTTPAddr     = ":9991"
	defaultAppLogPath      = "/data/logs/legion-live.log"
	defaultAppLLMLogPath   = "/data/logs/legion-llm.log"
	defaultMarketTimeout   = 10
	defaultCalendarPath    = "configs/calendar.yaml"
	defaultMinuteDataDir   = "/data/minutes"
	defaultIntelDir        = "/data/intel"
	defaultLedgerDB        = "/data/db/ledger.db"
	defaultDecisionLogDB   = "/data/db/decisions.db"
	defaultBacktestReports = "/data/reports"
	defaultBacktestCapital = 1_000_000
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Ledger.applyDefaults(keys)
	c.AI.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.llm_log_path", &a.LLMLog, defaultAppLLMLogPath),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.calendar_path", &m.CalendarPath, defaultCalendarPath),
		stringFieldDefault("market.minute_data_dir", &m.MinuteDataDir, defaultMinuteDataDir),
		stringFieldDefault("market.intel_dir", &m.IntelDir, defaultIntelDir),
		fieldDefault{
			key:   "market.timeout_seconds",
			need:  func() bool { return m.TimeoutSeconds <= 0 },
			apply: func() { m.TimeoutSeconds = defaultMarketTimeout },
		},
	)
}

func (l *LedgerConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("ledger.db_path", &l.DBPath, defaultLedgerDB),
		stringFieldDefault("ledger.decision_log_path", &l.DecisionLogPath, defaultDecisionLogDB),
	)
}

func (a *AIConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	if a.ProviderPresets == nil {
		a.ProviderPresets = make(map[string]ModelPreset)
	}
	// 角色缺省回落到第一个启用的模型。
	fallback := ""
	for _, m := range a.Models {
		if m.Enabled {
			fallback = strings.TrimSpace(m.ID)
			break
		}
	}
	if fallback != "" {
		applyFieldDefaults(keys,
			stringFieldDefault("ai.roles.quant", &a.Roles.Quant, fallback),
			stringFieldDefault("ai.roles.intel", &a.Roles.Intel, fallback),
			stringFieldDefault("ai.roles.commander", &a.Roles.Commander, fallback),
			stringFieldDefault("ai.roles.auditor", &a.Roles.Auditor, fallback),
		)
	}
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("backtest.report_dir", &b.ReportDir, defaultBacktestReports),
		fieldDefault{
			key:   "backtest.initial_capital",
			need:  func() bool { return b.InitialCapital <= 0 },
			apply: func() { b.InitialCapital = defaultBacktestCapital },
		},
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
