package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"legion/internal/backtest"
	"legion/internal/config"
	"legion/internal/decision"
	"legion/internal/gateway/provider"
	"legion/internal/ledger"
	"legion/internal/logger"
	"legion/internal/market"
	"legion/internal/prompt"
	"legion/internal/store/decisionlog"
	"legion/internal/store/gormstore"
	httpapi "legion/internal/transport/http"
)

// App 聚合全部运行时组件。
type App struct {
	cfg    *config.Config
	server *httpapi.Server

	ledgerStore *gormstore.GormStore
	records     *decisionlog.Store
}

// NewApp 按配置装配全部组件。任何一环失败都直接返回错误，不做半初始化。
func NewApp(cfg *config.Config) (*App, error) {
	store, err := gormstore.NewGormStore(cfg.Ledger.DBPath)
	if err != nil {
		return nil, fmt.Errorf("初始化持仓库失败: %w", err)
	}
	book := ledger.New(store)
	if err := seedWatchlist(context.Background(), book, cfg.Watchlist); err != nil {
		store.Close()
		return nil, err
	}

	records, err := decisionlog.NewStore(cfg.Ledger.DecisionLogPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("初始化策略日志失败: %w", err)
	}

	calendar, err := market.LoadCalendar(cfg.Market.CalendarPath)
	if err != nil {
		logger.Warnf("交易日历加载失败，仅按周末规则判定: %v", err)
		calendar, _ = market.NewCalendar(nil)
	}

	prompts, err := buildPrompts(cfg.Prompt.Path)
	if err != nil {
		store.Close()
		records.Close()
		return nil, err
	}

	providers := provider.BuildProvidersFromConfig(mapModelCfgs(cfg.AI.ResolveModelConfigs()))
	pipeline := &decision.Pipeline{
		Prompts: prompts,
		Invoker: &providerInvoker{providers: providers},
		Records: records,
		Bindings: decision.RoleBindings{
			Quant:     cfg.AI.Roles.Quant,
			Intel:     cfg.AI.Roles.Intel,
			Commander: cfg.AI.Roles.Commander,
			Auditor:   cfg.AI.Roles.Auditor,
		},
	}

	quotes := market.NewSinaQuoteSource(cfg.Market.QuoteBaseURL,
		time.Duration(cfg.Market.TimeoutSeconds)*time.Second)
	minutes := market.NewCSVMinuteSource(cfg.Market.MinuteDataDir)

	svc := &Service{
		cfg:      cfg,
		calendar: calendar,
		quotes:   quotes,
		minutes:  minutes,
		ledger:   book,
		intel:    &fileIntelSource{dir: cfg.Market.IntelDir},
		pipeline: pipeline,
	}

	engine := &backtest.Engine{
		Minutes:  minutes,
		Records:  records,
		Trades:   store,
		Calendar: calendar,
	}

	watch := make([]string, 0, len(cfg.Watchlist))
	for _, w := range cfg.Watchlist {
		watch = append(watch, w.Symbol)
	}
	server, err := httpapi.NewServer(httpapi.Config{
		Addr:      cfg.App.HTTPAddr,
		Starter:   svc,
		Ledger:    book,
		Records:   records,
		Bands:     svc,
		Engine:    engine,
		Watchlist: watch,
	})
	if err != nil {
		store.Close()
		records.Close()
		return nil, err
	}

	return &App{cfg: cfg, server: server, ledgerStore: store, records: records}, nil
}

// seedWatchlist 把配置里的额度与底仓写入台账。配置是额度的权威来源，
// 每次启动按配置核定，留空则不改动台账现值；底仓校正失败不致命，
// 留日志由人工处理。
func seedWatchlist(ctx context.Context, book *ledger.Ledger, watch []config.WatchSymbol) error {
	for _, w := range watch {
		if raw := strings.TrimSpace(w.Allocation); raw != "" {
			alloc, err := decimal.NewFromString(raw)
			if err != nil {
				return fmt.Errorf("watchlist %s 额度非法: %w", w.Symbol, err)
			}
			if err := book.EnsureAllocation(ctx, w.Symbol, alloc); err != nil {
				return fmt.Errorf("watchlist %s 额度写入失败: %w", w.Symbol, err)
			}
		}
		if w.BaseShares > 0 {
			if _, err := book.SetBaseShares(ctx, w.Symbol, w.BaseShares); err != nil {
				logger.Warnf("底仓设置被拒绝 (%s, %d): %v", w.Symbol, w.BaseShares, err)
			}
		}
	}
	return nil
}

func buildPrompts(path string) (*prompt.Manager, error) {
	if path == "" {
		return prompt.NewManager(), nil
	}
	m, err := prompt.NewManagerFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("加载提示词覆盖失败: %w", err)
	}
	return m, nil
}

func mapModelCfgs(models []config.ResolvedModelConfig) []provider.ModelCfg {
	out := make([]provider.ModelCfg, 0, len(models))
	for _, m := range models {
		out = append(out, provider.ModelCfg{
			ID:             m.ID,
			APIURL:         m.APIURL,
			APIKey:         m.APIKey,
			Model:          m.Model,
			Enabled:        m.Enabled,
			Headers:        m.Headers,
			TimeoutSeconds: m.TimeoutSeconds,
		})
	}
	return out
}

// providerInvoker 把推演层的角色调用桥接到 gateway provider。
type providerInvoker struct {
	providers map[string]provider.ModelProvider
}

func (pi *providerInvoker) Invoke(ctx context.Context, role decision.Role, providerID, system, user string) (string, error) {
	p, err := provider.Lookup(pi.providers, providerID)
	if err != nil {
		return "", fmt.Errorf("角色 %s: %w", role, err)
	}
	return p.Call(ctx, provider.ChatPayload{System: system, User: user})
}

// fileIntelSource 从 {dir}/{symbol}.json 读取人工投喂的情报。
// 文件不存在视为无情报，不是错误。
type fileIntelSource struct {
	dir string
}

func (f *fileIntelSource) Intel(_ context.Context, symbol string) (any, error) {
	if f.dir == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(filepath.Join(f.dir, symbol+".json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("情报文件解析失败: %w", err)
	}
	return payload, nil
}
