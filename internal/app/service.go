package app

import (
	"context"
	"fmt"
	"time"

	"legion/internal/analysis/indicator"
	"legion/internal/config"
	"legion/internal/decision"
	"legion/internal/ledger"
	"legion/internal/logger"
	"legion/internal/market"
)

// IntelSource 提供某标的的原始情报载荷（形态不限，摄入边界统一归一化）。
type IntelSource interface {
	Intel(ctx context.Context, symbol string) (any, error)
}

// Service 负责为一次推演采集全部事实并启动管线，
// 同时对外提供时段/价格带查询。
type Service struct {
	cfg      *config.Config
	calendar *market.Calendar
	quotes   market.QuoteSource
	minutes  market.MinuteSource
	ledger   *ledger.Ledger
	intel    IntelSource
	pipeline *decision.Pipeline
	clock    func() time.Time
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}

// Band 实现 httpapi.BandProvider。
func (s *Service) Band(ctx context.Context, symbol string) (market.Session, market.PriceBand, error) {
	session := s.calendar.Classify(s.now())
	w, _ := s.cfg.ResolveSymbol(symbol)
	inst := market.Classify(symbol, w.ST)
	q, err := s.quotes.GetQuote(ctx, symbol)
	if err != nil {
		return session, market.PriceBand{}, err
	}
	anchor, err := market.AnchorPrice(session.Phase, q)
	if err != nil {
		return session, market.PriceBand{}, err
	}
	band, err := market.ComputeBand(inst, anchor)
	return session, band, err
}

// StartRun 实现 httpapi.RunStarter：采集事实并初始化推演。
func (s *Service) StartRun(ctx context.Context, symbol string) (*decision.Run, error) {
	facts, err := s.buildFacts(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return s.pipeline.NewRun(facts, s.cfg.AI.Roles.Commander), nil
}

// buildFacts 采集推演所需的全部客观事实。行情/区间不可得不终止推演，
// 而是降级为观察模式；台账读取失败才是硬错误。
func (s *Service) buildFacts(ctx context.Context, symbol string) (decision.Facts, error) {
	w, ok := s.cfg.ResolveSymbol(symbol)
	if !ok {
		return decision.Facts{}, fmt.Errorf("标的 %s 不在关注列表", symbol)
	}
	now := s.now()
	facts := decision.Facts{
		Symbol:  symbol,
		Name:    w.Name,
		Session: s.calendar.Classify(now),
	}

	pos, err := s.ledger.Position(ctx, symbol)
	if err != nil {
		return decision.Facts{}, fmt.Errorf("读取持仓失败: %w", err)
	}
	facts.Position = pos
	facts.EffLimit = pos.EffectiveLimit().StringFixed(2)

	inst := market.Classify(symbol, w.ST)
	q, err := s.quotes.GetQuote(ctx, symbol)
	if err != nil {
		logger.Warnf("行情不可得，降级为观察模式 (%s): %v", symbol, err)
	} else {
		quote := q
		facts.Quote = &quote
		if anchor, err := market.AnchorPrice(facts.Session.Phase, q); err == nil {
			if band, err := market.ComputeBand(inst, anchor); err == nil {
				facts.Band = &band
			}
		}
		if facts.Band == nil {
			logger.Warnf("法定价格区间不可得，降级为观察模式 (%s)", symbol)
		}
	}

	if s.intel != nil {
		raw, err := s.intel.Intel(ctx, symbol)
		if err != nil {
			logger.Warnf("情报读取失败 (%s): %v", symbol, err)
		} else {
			facts.Intel = decision.NormalizeIntel(raw)
		}
	}

	if bars, err := s.minuteBarsToday(ctx, symbol, now); err != nil {
		facts.IndicatorErr = err.Error()
	} else if snap, err := indicator.Compute(symbol, bars); err != nil {
		facts.IndicatorErr = err.Error()
	} else {
		facts.Indicator = snap.JSON()
	}

	return facts, nil
}

func (s *Service) minuteBarsToday(ctx context.Context, symbol string, now time.Time) ([]market.MinuteBar, error) {
	day := now
	// 盘前没有当日分钟线，退回最近一个交易日
	if sess := s.calendar.Classify(now); sess.Phase == market.PhasePreOpen || !s.calendar.IsTradingDay(now) {
		day = previousTradingDay(s.calendar, now)
	}
	return s.minutes.MinuteBars(ctx, symbol, day)
}

func previousTradingDay(cal *market.Calendar, now time.Time) time.Time {
	d := now.AddDate(0, 0, -1)
	for i := 0; i < 30; i++ {
		if cal.IsTradingDay(d) {
			return d
		}
		d = d.AddDate(0, 0, -1)
	}
	return now
}
