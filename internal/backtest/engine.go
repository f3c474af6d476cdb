package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"legion/internal/decision"
	"legion/internal/ledger"
	"legion/internal/logger"
	"legion/internal/market"
)

// UserParticipant 是真实操作者的参与方标签，其余标签视为模型参与方。
const UserParticipant = "user"

// RunRequest 描述一次回测任务。
type RunRequest struct {
	Symbol         string    `json:"symbol"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	Participants   []string  `json:"participants"`
	InitialCapital float64   `json:"initial_capital"`
	// AttachScores 为 true 时把各模型参与方的总收益率补记回决策记录。
	AttachScores bool `json:"attach_scores"`
}

// Point 是资金曲线上的一个采样点（每分钟一个）。
type Point struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// Curve 是单个参与方的资金曲线。
type Curve struct {
	Tag         string  `json:"tag"`
	Points      []Point `json:"points"`
	FinalEquity float64 `json:"final_equity"`
	Return      float64 `json:"return"` // 总收益率
}

// Result 是回测产出：逐参与方曲线与跑赢全部模型的分钟清单。
type Result struct {
	Symbol         string      `json:"symbol"`
	From           time.Time   `json:"from"`
	To             time.Time   `json:"to"`
	InitialCapital float64     `json:"initial_capital"`
	Curves         []Curve     `json:"curves"`
	AlphaMinutes   []time.Time `json:"alpha_minutes"`
}

// Engine 把策略日志与真实成交在同一分钟序列上重放为资金曲线。
type Engine struct {
	Minutes  market.MinuteSource
	Records  decision.RecordStore
	Trades   ledger.Store
	Calendar *market.Calendar
}

// Run 执行回测。参与方缺省为日志中出现过的 model_tag 加 "user"。
func (e *Engine) Run(ctx context.Context, req RunRequest) (Result, error) {
	if req.Symbol == "" {
		return Result{}, fmt.Errorf("symbol 不能为空")
	}
	if !req.From.Before(req.To) {
		return Result{}, fmt.Errorf("非法时间区间: %s ~ %s", req.From, req.To)
	}
	capital := req.InitialCapital
	if capital <= 0 {
		capital = 1_000_000
	}

	bars, err := e.collectBars(ctx, req.Symbol, req.From, req.To)
	if err != nil {
		return Result{}, err
	}
	if len(bars) == 0 {
		return Result{}, fmt.Errorf("区间内无分钟行情: %s", req.Symbol)
	}

	records, err := e.Records.InRange(ctx, req.Symbol, time.UnixMilli(0), req.To)
	if err != nil {
		return Result{}, fmt.Errorf("读取决策记录失败: %w", err)
	}

	participants := req.Participants
	if len(participants) == 0 {
		participants = defaultParticipants(records)
	}

	result := Result{
		Symbol:         req.Symbol,
		From:           req.From,
		To:             req.To,
		InitialCapital: capital,
	}
	applied := map[string][]string{}
	for _, tag := range participants {
		var curve Curve
		if tag == UserParticipant {
			curve, err = e.replayUser(ctx, req.Symbol, bars, capital, req.To)
			if err != nil {
				return Result{}, err
			}
		} else {
			var ids []string
			curve, ids = replayModel(tag, recordsFor(records, tag), bars, capital)
			applied[tag] = ids
		}
		result.Curves = append(result.Curves, curve)
	}

	for _, curve := range result.Curves {
		if curve.Tag == UserParticipant {
			result.AlphaMinutes = alphaMinutes(curve, result.Curves)
			break
		}
	}

	if req.AttachScores {
		e.attachScores(ctx, result, applied)
	}
	return result, nil
}

func (e *Engine) collectBars(ctx context.Context, symbol string, from, to time.Time) ([]market.MinuteBar, error) {
	var bars []market.MinuteBar
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if e.Calendar != nil && !e.Calendar.IsTradingDay(day) {
			continue
		}
		dayBars, err := e.Minutes.MinuteBars(ctx, symbol, day)
		if err != nil {
			return nil, fmt.Errorf("读取 %s 分钟行情失败: %w", day.Format("2006-01-02"), err)
		}
		for _, b := range dayBars {
			if b.Time.Before(from) || b.Time.After(to) {
				continue
			}
			bars = append(bars, b)
		}
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

func defaultParticipants(records []decision.DecisionRecord) []string {
	seen := map[string]struct{}{}
	out := []string{UserParticipant}
	for _, r := range records {
		if r.ModelTag == "" {
			continue
		}
		if _, ok := seen[r.ModelTag]; ok {
			continue
		}
		seen[r.ModelTag] = struct{}{}
		out = append(out, r.ModelTag)
	}
	return out
}

func recordsFor(records []decision.DecisionRecord, tag string) []decision.DecisionRecord {
	var out []decision.DecisionRecord
	for _, r := range records {
		if r.ModelTag == tag && r.FinalDecision != nil {
			out = append(out, r)
		}
	}
	return out
}

type simState struct {
	cash   float64
	shares int64
}

func (s simState) equity(price float64) float64 {
	return s.cash + float64(s.shares)*price
}

// replayModel 让模型参与方在每根分钟 K 线上执行“最近在前”的终令，
// 每条终令至多执行一次，成交价取当根收盘价。
func replayModel(tag string, records []decision.DecisionRecord, bars []market.MinuteBar, capital float64) (Curve, []string) {
	state := simState{cash: capital}
	curve := Curve{Tag: tag, Points: make([]Point, 0, len(bars))}
	var appliedIDs []string
	next := 0
	for _, bar := range bars {
		for next < len(records) && !records[next].CreatedAt.After(bar.Time) {
			rec := records[next]
			next++
			if applyFinalDecision(&state, *rec.FinalDecision, bar.Close) {
				appliedIDs = append(appliedIDs, rec.ID)
			}
		}
		curve.Points = append(curve.Points, Point{Time: bar.Time, Equity: state.equity(bar.Close)})
	}
	finalize(&curve, capital)
	return curve, appliedIDs
}

func applyFinalDecision(state *simState, fd decision.FinalDecision, price float64) bool {
	switch fd.Action {
	case "buy":
		qty := fd.Quantity
		if cost := float64(qty) * price; cost > state.cash {
			qty = int64(state.cash/price) / 100 * 100
		}
		if qty <= 0 {
			return false
		}
		state.cash -= float64(qty) * price
		state.shares += qty
		return true
	case "sell":
		qty := fd.Quantity
		if qty > state.shares {
			qty = state.shares
		}
		if qty <= 0 {
			return false
		}
		state.cash += float64(qty) * price
		state.shares -= qty
		return true
	}
	return false
}

// replayUser 按真实成交事件重放操作者曲线，成交价取事件记录价。
func (e *Engine) replayUser(ctx context.Context, symbol string, bars []market.MinuteBar, capital float64, upTo time.Time) (Curve, error) {
	events, err := e.Trades.TradesInRange(ctx, symbol, time.Time{}, upTo)
	if err != nil {
		return Curve{}, fmt.Errorf("读取成交流水失败: %w", err)
	}
	state := simState{cash: capital}
	curve := Curve{Tag: UserParticipant, Points: make([]Point, 0, len(bars))}
	next := 0
	// 回测起点前的历史成交先行入账，保证起始持仓正确。
	if len(bars) > 0 {
		for next < len(events) && events[next].Timestamp.Before(bars[0].Time) {
			applyTradeEvent(&state, events[next])
			next++
		}
	}
	for _, bar := range bars {
		for next < len(events) && !events[next].Timestamp.After(bar.Time) {
			applyTradeEvent(&state, events[next])
			next++
		}
		curve.Points = append(curve.Points, Point{Time: bar.Time, Equity: state.equity(bar.Close)})
	}
	finalize(&curve, capital)
	return curve, nil
}

func applyTradeEvent(state *simState, ev ledger.TradeEvent) {
	price := ev.Price.InexactFloat64()
	switch ev.Side {
	case ledger.SideBuy:
		state.cash -= float64(ev.Quantity) * price
		state.shares += ev.Quantity
	case ledger.SideSell:
		state.cash += float64(ev.Quantity) * price
		state.shares -= ev.Quantity
	}
}

func finalize(curve *Curve, capital float64) {
	if len(curve.Points) == 0 {
		curve.FinalEquity = capital
		return
	}
	curve.FinalEquity = curve.Points[len(curve.Points)-1].Equity
	curve.Return = curve.FinalEquity/capital - 1
}

// alphaMinutes 标记操作者单分钟收益严格超过所有模型参与方的时刻，
// 作为“优势提取”请求的输入。
func alphaMinutes(user Curve, curves []Curve) []time.Time {
	var models []Curve
	for _, c := range curves {
		if c.Tag != UserParticipant {
			models = append(models, c)
		}
	}
	if len(models) == 0 || len(user.Points) < 2 {
		return nil
	}
	var out []time.Time
	for i := 1; i < len(user.Points); i++ {
		userDelta := user.Points[i].Equity - user.Points[i-1].Equity
		best := true
		for _, m := range models {
			if i >= len(m.Points) {
				best = false
				break
			}
			if userDelta <= m.Points[i].Equity-m.Points[i-1].Equity {
				best = false
				break
			}
		}
		if best {
			out = append(out, user.Points[i].Time)
		}
	}
	return out
}

func (e *Engine) attachScores(ctx context.Context, result Result, applied map[string][]string) {
	for _, curve := range result.Curves {
		ids := applied[curve.Tag]
		for _, id := range ids {
			if err := e.Records.AttachScore(ctx, id, curve.Return); err != nil {
				logger.Warnf("补记回测得分失败 (id=%s): %v", id, err)
			}
		}
	}
}
