package market

import "strings"

// 中文说明：
// A股标的分类：按代码前缀推导板块与资产类型，精度决定所有价格输出的小数位。
// ST 标识来自证券简称而非代码，由调用方（配置的自选股条目）显式传入。

type AssetClass string

const (
	AssetStock AssetClass = "stock"
	AssetETF   AssetClass = "etf"
)

// Board 是交易所挂牌层级，决定法定单日涨跌幅。
type Board string

const (
	BoardMain    Board = "main"    // 沪深主板 ±10%
	BoardChiNext Board = "chinext" // 创业板 ±20%
	BoardSTAR    Board = "star"    // 科创板 ±20%
	BoardBSE     Board = "bse"     // 北交所 ±30%
	BoardST      Board = "st"      // ST/风险警示 ±5%
)

type Instrument struct {
	Symbol    string
	Class     AssetClass
	Board     Board
	Precision int32 // 股票 2 位，ETF 3 位
}

// starTrackerPrefix 前缀的 ETF 跟踪科创板指数，涨跌幅跟随成分股限制。
const starTrackerPrefix = "588"

// Classify derives board and asset class from the symbol. The isST flag
// overrides the board because the 5% cap follows the risk-warning label,
// not the listing venue.
func Classify(symbol string, isST bool) Instrument {
	symbol = strings.TrimSpace(symbol)
	inst := Instrument{Symbol: symbol, Class: AssetStock, Board: BoardMain, Precision: 2}
	switch {
	case isFundCode(symbol):
		inst.Class = AssetETF
		inst.Precision = 3
	case strings.HasPrefix(symbol, "688") || strings.HasPrefix(symbol, "689"):
		inst.Board = BoardSTAR
	case strings.HasPrefix(symbol, "300") || strings.HasPrefix(symbol, "301"):
		inst.Board = BoardChiNext
	case strings.HasPrefix(symbol, "8") || strings.HasPrefix(symbol, "4"):
		inst.Board = BoardBSE
	}
	if isST && inst.Class == AssetStock {
		inst.Board = BoardST
	}
	return inst
}

// IsSTARTracker 判断是否为科创板指数 ETF（588 开头）。
func (i Instrument) IsSTARTracker() bool {
	return i.Class == AssetETF && strings.HasPrefix(i.Symbol, starTrackerPrefix)
}

func isFundCode(symbol string) bool {
	if len(symbol) != 6 {
		return false
	}
	// 沪市基金 5xxxxx，深市基金 15/16/18xxxx
	if strings.HasPrefix(symbol, "5") {
		return true
	}
	return strings.HasPrefix(symbol, "15") ||
		strings.HasPrefix(symbol, "16") ||
		strings.HasPrefix(symbol, "18")
}
