package market

import "time"

// 中文说明：
// 交易时段划分。周末与节假日整日按盘后语义处理，保证“下一交易日”的
// 日期锚定不会落到休市日（避免建议用户在节假日“明天”操作）。

type Phase string

const (
	PhasePreOpen   Phase = "pre_open"   // 00:00–09:15
	PhaseIntraday  Phase = "intraday"   // 09:15–11:30, 13:00–15:05
	PhaseNoonBreak Phase = "noon_break" // 11:30–13:00
	PhasePostClose Phase = "post_close" // 15:05–24:00，含全天休市日
)

// Session 是某个时刻的时段判定结果，作为显式参数穿透整个决策管线，
// 不允许从全局状态隐式读取。
type Session struct {
	Phase            Phase
	Now              time.Time
	NextTradableDate time.Time
}

// Classify maps wall-clock time to a trading phase and the first trading
// date strictly after now's date.
func (c *Calendar) Classify(now time.Time) Session {
	s := Session{Now: now, NextTradableDate: c.NextTradableDate(now)}
	if !c.IsTradingDay(now) {
		s.Phase = PhasePostClose
		return s
	}
	s.Phase = phaseOfDay(now)
	return s
}

func phaseOfDay(now time.Time) Phase {
	minute := now.Hour()*60 + now.Minute()
	switch {
	case minute < 9*60+15:
		return PhasePreOpen
	case minute < 11*60+30:
		return PhaseIntraday
	case minute < 13*60:
		return PhaseNoonBreak
	case minute < 15*60+5:
		return PhaseIntraday
	default:
		return PhasePostClose
	}
}

// NextTradableDate walks forward from now's date, skipping weekends and
// configured holidays; the result is strictly after the anchor date.
func (c *Calendar) NextTradableDate(now time.Time) time.Time {
	d := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for {
		d = d.AddDate(0, 0, 1)
		if c.IsTradingDay(d) {
			return d
		}
	}
}
