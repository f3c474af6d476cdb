package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"legion/internal/ledger"
	storemodel "legion/internal/store/model"
)

// GormStore 用 Gorm + SQLite 实现 ledger.Store。
type GormStore struct {
	db *gorm.DB
}

var _ ledger.Store = (*GormStore)(nil)

func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 台账数据库路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&storemodel.PositionModel{},
		&storemodel.TradeEventModel{},
		&storemodel.SnapshotModel{},
	); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL：保持很小的连接数，降低锁竞争。
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) LoadPosition(ctx context.Context, symbol string) (ledger.Position, bool, error) {
	var m storemodel.PositionModel
	err := s.db.WithContext(ctx).First(&m, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Position{}, false, nil
	}
	if err != nil {
		return ledger.Position{}, false, err
	}
	pos, err := positionFromModel(m)
	if err != nil {
		return ledger.Position{}, false, err
	}
	return pos, true, nil
}

func (s *GormStore) SavePosition(ctx context.Context, pos ledger.Position) error {
	m := storemodel.PositionModel{
		Symbol:            pos.Symbol,
		Shares:            pos.Shares,
		BaseShares:        pos.BaseShares,
		CostBasis:         pos.CostBasis.String(),
		CapitalAllocation: pos.CapitalAllocation.String(),
		RealizedPnL:       pos.RealizedPnL.String(),
		UpdatedAtUnix:     time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "symbol"}}, UpdateAll: true}).
		Create(&m).Error
}

func (s *GormStore) AppendTrade(ctx context.Context, ev ledger.TradeEvent) error {
	m := storemodel.TradeEventModel{
		Symbol:        ev.Symbol,
		TSMilli:       ev.Timestamp.UnixMilli(),
		Side:          string(ev.Side),
		Quantity:      ev.Quantity,
		Price:         ev.Price.String(),
		Note:          ev.Note,
		CreatedAtUnix: time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormStore) TradesInRange(ctx context.Context, symbol string, after, upTo time.Time) ([]ledger.TradeEvent, error) {
	q := s.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Where("ts <= ?", upTo.UnixMilli()).
		Order("ts asc, id asc")
	if !after.IsZero() {
		q = q.Where("ts > ?", after.UnixMilli())
	}
	var rows []storemodel.TradeEventModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.TradeEvent, 0, len(rows))
	for _, m := range rows {
		price, err := decimal.NewFromString(m.Price)
		if err != nil {
			return nil, fmt.Errorf("gorm store: bad price %q for trade %d: %w", m.Price, m.ID, err)
		}
		out = append(out, ledger.TradeEvent{
			ID:        m.ID,
			Symbol:    m.Symbol,
			Timestamp: time.UnixMilli(m.TSMilli),
			Side:      ledger.Side(m.Side),
			Quantity:  m.Quantity,
			Price:     price,
			Note:      m.Note,
		})
	}
	return out, nil
}

func (s *GormStore) SaveSnapshot(ctx context.Context, snap ledger.Snapshot) error {
	raw, err := json.Marshal(snap.Position)
	if err != nil {
		return err
	}
	m := storemodel.SnapshotModel{
		Symbol:       snap.Symbol,
		AsOfMilli:    snap.AsOf.UnixMilli(),
		PositionJSON: datatypes.JSON(raw),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormStore) NearestSnapshotBefore(ctx context.Context, symbol string, ts time.Time) (ledger.Snapshot, bool, error) {
	var m storemodel.SnapshotModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND as_of < ?", symbol, ts.UnixMilli()).
		Order("as_of desc, id desc").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Snapshot{}, false, nil
	}
	if err != nil {
		return ledger.Snapshot{}, false, err
	}
	var pos ledger.Position
	if err := json.Unmarshal(m.PositionJSON, &pos); err != nil {
		return ledger.Snapshot{}, false, err
	}
	return ledger.Snapshot{Position: pos, AsOf: time.UnixMilli(m.AsOfMilli)}, true, nil
}

func (s *GormStore) DeleteSnapshotsFrom(ctx context.Context, symbol string, ts time.Time) error {
	return s.db.WithContext(ctx).
		Where("symbol = ? AND as_of >= ?", symbol, ts.UnixMilli()).
		Delete(&storemodel.SnapshotModel{}).Error
}

func positionFromModel(m storemodel.PositionModel) (ledger.Position, error) {
	cost, err := decimal.NewFromString(m.CostBasis)
	if err != nil {
		return ledger.Position{}, fmt.Errorf("gorm store: bad cost basis %q: %w", m.CostBasis, err)
	}
	alloc, err := decimal.NewFromString(m.CapitalAllocation)
	if err != nil {
		return ledger.Position{}, fmt.Errorf("gorm store: bad allocation %q: %w", m.CapitalAllocation, err)
	}
	pnl, err := decimal.NewFromString(m.RealizedPnL)
	if err != nil {
		return ledger.Position{}, fmt.Errorf("gorm store: bad realized pnl %q: %w", m.RealizedPnL, err)
	}
	return ledger.Position{
		Symbol:            m.Symbol,
		Shares:            m.Shares,
		BaseShares:        m.BaseShares,
		CostBasis:         cost,
		CapitalAllocation: alloc,
		RealizedPnL:       pnl,
	}, nil
}
