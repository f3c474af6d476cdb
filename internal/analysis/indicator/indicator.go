package indicator

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"legion/internal/market"
)

// 中文说明：
// 量化专员的指标快照：对分钟/日线序列计算常用技术指标，
// 输出紧凑 JSON 区块注入提示词。数据不足时返回错误，由调用方降级。

// Value 保存单个指标的最新值与状态描述。
type Value struct {
	Latest float64 `json:"latest"`
	State  string  `json:"state,omitempty"`
}

// Snapshot 汇总单个标的的指标输出。
type Snapshot struct {
	Symbol string           `json:"symbol"`
	Count  int              `json:"count"`
	Values map[string]Value `json:"values"`
}

// Compute 基于 K 线序列计算 EMA/RSI/MACD/ATR/OBV。
func Compute(symbol string, bars []market.MinuteBar) (Snapshot, error) {
	snap := Snapshot{Symbol: symbol, Count: len(bars), Values: make(map[string]Value)}
	if len(bars) < 30 {
		return snap, fmt.Errorf("indicator: insufficient bars (%d)", len(bars))
	}
	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		volumes[i] = float64(b.Volume)
	}

	price := closes[len(closes)-1]
	for name, period := range map[string]int{"ema5": 5, "ema10": 10, "ema20": 20} {
		ema := lastValid(talib.Ema(closes, period))
		snap.Values[name] = Value{Latest: round4(ema), State: relativeState(price, ema)}
	}

	rsi := lastValid(talib.Rsi(closes, 14))
	snap.Values["rsi14"] = Value{Latest: round4(rsi), State: rsiState(rsi)}

	_, _, hist := talib.Macd(closes, 12, 26, 9)
	h := lastValid(hist)
	snap.Values["macd_hist"] = Value{Latest: round4(h), State: polarityState(h)}

	atr := lastValid(talib.Atr(highs, lows, closes, 14))
	snap.Values["atr14"] = Value{Latest: round4(atr)}

	obv := lastValid(talib.Obv(closes, volumes))
	snap.Values["obv"] = Value{Latest: round4(obv)}

	return snap, nil
}

// JSON 输出注入提示词用的紧凑块。
func (s Snapshot) JSON() string {
	raw, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(raw)
}

// lastValid 取序列末端最近的有限值。精确零是合法读数（OBV 平量、
// MACD 柱过零），不跳过。
func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		v := series[i]
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v
		}
	}
	return 0
}

func relativeState(price, ref float64) string {
	switch {
	case ref == 0:
		return ""
	case price > ref:
		return "above"
	case price < ref:
		return "below"
	default:
		return "at"
	}
}

func rsiState(v float64) string {
	switch {
	case v >= 70:
		return "overbought"
	case v <= 30:
		return "oversold"
	default:
		return "neutral"
	}
}

func polarityState(v float64) string {
	switch {
	case v > 0:
		return "positive"
	case v < 0:
		return "negative"
	default:
		return "flat"
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
