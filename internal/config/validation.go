package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.AI.validate(); err != nil {
		return err
	}
	if err := validateWatchlist(c.Watchlist); err != nil {
		return err
	}
	if c.Backtest.InitialCapital <= 0 {
		return fmt.Errorf("backtest.initial_capital must be > 0")
	}
	return nil
}

func (a *AIConfig) validate() error {
	models := a.ResolveModelConfigs()
	if len(models) == 0 {
		return fmt.Errorf("ai.models requires at least one model")
	}
	modelSet := make(map[string]struct{}, len(models))
	for _, m := range models {
		if m.ID == "" {
			return fmt.Errorf("ai.models contains entry without id")
		}
		if _, dup := modelSet[m.ID]; dup {
			return fmt.Errorf("ai.models contains duplicate id: %s", m.ID)
		}
		modelSet[m.ID] = struct{}{}
		if m.Model == "" {
			return fmt.Errorf("ai.models.%s missing model", m.ID)
		}
		if m.APIURL == "" {
			return fmt.Errorf("ai.models.%s missing api_url (can inherit from preset)", m.ID)
		}
	}
	// quant/intel 可以为空：单模型族部署时跳过专员环节，主帅直接起草。
	for role, id := range map[string]string{
		"quant": a.Roles.Quant,
		"intel": a.Roles.Intel,
	} {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := modelSet[id]; !ok {
			return fmt.Errorf("ai.roles.%s references unconfigured model id: %s", role, id)
		}
	}
	for role, id := range map[string]string{
		"commander": a.Roles.Commander,
		"auditor":   a.Roles.Auditor,
	} {
		id = strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("ai.roles.%s is not bound to any model", role)
		}
		if _, ok := modelSet[id]; !ok {
			return fmt.Errorf("ai.roles.%s references unconfigured model id: %s", role, id)
		}
	}
	return nil
}

func validateWatchlist(list []WatchSymbol) error {
	seen := make(map[string]struct{}, len(list))
	for _, w := range list {
		sym := strings.TrimSpace(w.Symbol)
		if sym == "" {
			return fmt.Errorf("watchlist contains entry without symbol")
		}
		if _, dup := seen[sym]; dup {
			return fmt.Errorf("watchlist contains duplicate symbol: %s", sym)
		}
		seen[sym] = struct{}{}
		if w.Allocation != "" {
			amount, err := decimal.NewFromString(w.Allocation)
			if err != nil {
				return fmt.Errorf("watchlist.%s allocation is not a decimal: %w", sym, err)
			}
			if amount.IsNegative() {
				return fmt.Errorf("watchlist.%s allocation must be >= 0", sym)
			}
		}
		if w.BaseShares < 0 {
			return fmt.Errorf("watchlist.%s base_shares must be >= 0", sym)
		}
	}
	return nil
}
