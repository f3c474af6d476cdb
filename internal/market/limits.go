package market

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"legion/internal/logger"
)

// 中文说明：
// 次一交易日法定涨跌停价计算。锚定价选择是全系统最关键的安全规则：
// 收盘前生成的决策锚定昨收，收盘后生成的决策必须锚定今收，且价格带
// 描述的是下一个可交易日而非“今天”。

// ErrBandUnavailable 表示锚定价缺失，计算必须失败关闭而不是代入 0 或陈旧值。
var ErrBandUnavailable = errors.New("market: price band unavailable")

// PriceBand 是纯派生值，按需重算，永不持久化。
type PriceBand struct {
	LimitUp   float64 `json:"limit_up"`
	LimitDown float64 `json:"limit_down"`
}

// BandPct returns the legal daily move for the instrument's board.
// STAR-index ETFs (588 prefix) are forced to 20% even though they are
// funds, because the constituent limit governs the tracker.
func BandPct(inst Instrument) float64 {
	if inst.IsSTARTracker() {
		return 0.20
	}
	switch inst.Board {
	case BoardChiNext, BoardSTAR:
		return 0.20
	case BoardBSE:
		return 0.30
	case BoardST:
		return 0.05
	default:
		return 0.10
	}
}

// RoundCNY rounds half away from zero at the given precision. Exchange
// rules round half up; half-to-even would silently shift a band edge by
// one cent and make a later suggested price illegal.
func RoundCNY(x float64, precision int32) float64 {
	return decimal.NewFromFloat(x).Round(precision).InexactFloat64()
}

// ComputeBand 计算 (标的, 锚定价) 的合法价格带。锚定价非正即失败关闭。
func ComputeBand(inst Instrument, anchor float64) (PriceBand, error) {
	if anchor <= 0 || math.IsNaN(anchor) || math.IsInf(anchor, 0) {
		return PriceBand{}, ErrBandUnavailable
	}
	pct := BandPct(inst)
	band := PriceBand{
		LimitUp:   RoundCNY(anchor*(1+pct), inst.Precision),
		LimitDown: RoundCNY(anchor*(1-pct), inst.Precision),
	}
	assertRoundPolicy(anchor*(1+pct), band.LimitUp, inst.Precision)
	assertRoundPolicy(anchor*(1-pct), band.LimitDown, inst.Precision)
	return band, nil
}

// AnchorPrice picks the session-dependent anchor. Before the regular
// close the anchor is yesterday's close; in post_close it is today's
// close, and the band then describes the next tradable date.
func AnchorPrice(phase Phase, q Quote) (float64, error) {
	var anchor float64
	if phase == PhasePostClose {
		anchor = q.Price
	} else {
		anchor = q.PrevClose
	}
	if anchor <= 0 {
		return 0, ErrBandUnavailable
	}
	return anchor, nil
}

// assertRoundPolicy 内部断言：半数位必须远离零舍入（四舍五入），
// 出现银行家舍入的结果即代码缺陷，记录错误而非抛给用户。
func assertRoundPolicy(raw, got float64, precision int32) {
	want := decimal.NewFromFloat(raw).Round(precision).InexactFloat64()
	if math.Abs(want-got) > 1e-9 {
		logger.Errorf("rounding policy violation: raw=%v got=%v want=%v p=%d", raw, got, want, precision)
	}
}
