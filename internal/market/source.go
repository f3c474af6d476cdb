package market

import (
	"context"
	"errors"
	"time"
)

// ErrDataUnavailable 表示行情源暂不可用。调用方必须降级为“仅观察”，
// 绝不允许以 0 或缓存陈旧值冒充实时数据进入提示词。
var ErrDataUnavailable = errors.New("market: data unavailable")

// Quote 是外部行情协作方返回的快照。
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	PrevClose float64   `json:"prev_close"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// QuoteSource 是行情协作方契约。实现方失败时返回 ErrDataUnavailable。
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}

// MinuteBar 是回测引擎消费的分钟级 K 线。
type MinuteBar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// MinuteSource 提供指定交易日的分钟序列，供回测逐分钟重放。
type MinuteSource interface {
	MinuteBars(ctx context.Context, symbol string, day time.Time) ([]MinuteBar, error)
}
