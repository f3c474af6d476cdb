package model

import "gorm.io/datatypes"

// 中文说明：
// 台账持久化模型。金额字段用字符串承载 decimal，避免浮点污染成本精度；
// 时间一律 Unix 毫秒。

type PositionModel struct {
	Symbol            string `gorm:"column:symbol;primaryKey"`
	Shares            int64  `gorm:"column:shares"`
	BaseShares        int64  `gorm:"column:base_shares"`
	CostBasis         string `gorm:"column:cost_basis"`
	CapitalAllocation string `gorm:"column:capital_allocation"`
	RealizedPnL       string `gorm:"column:realized_pnl"`
	UpdatedAtUnix     int64  `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

type TradeEventModel struct {
	ID            int64  `gorm:"column:id;primaryKey"`
	Symbol        string `gorm:"column:symbol;index:idx_trade_symbol_ts,priority:1"`
	TSMilli       int64  `gorm:"column:ts;index:idx_trade_symbol_ts,priority:2"`
	Side          string `gorm:"column:side"`
	Quantity      int64  `gorm:"column:quantity"`
	Price         string `gorm:"column:price"`
	Note          string `gorm:"column:note"`
	CreatedAtUnix int64  `gorm:"column:created_at"`
}

func (TradeEventModel) TableName() string { return "trade_events" }

type SnapshotModel struct {
	ID           int64          `gorm:"column:id;primaryKey"`
	Symbol       string         `gorm:"column:symbol;index:idx_snapshot_symbol_ts,priority:1"`
	AsOfMilli    int64          `gorm:"column:as_of;index:idx_snapshot_symbol_ts,priority:2"`
	PositionJSON datatypes.JSON `gorm:"column:position_json;type:TEXT"`
}

func (SnapshotModel) TableName() string { return "ledger_snapshots" }
