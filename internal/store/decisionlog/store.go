package decisionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"legion/internal/decision"
	"legion/internal/market"

	_ "modernc.org/sqlite"
)

// Store 持久化完整议事记录（只追加），供复盘与回测评分使用。
// 记录写入后唯一允许的修改是补记回测得分。
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	ownsDB bool
}

// NewStore 初始化 SQLite 存储。
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("decision log path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, ownsDB: true}, nil
}

// UseExternalDB 复用外部初始化的 SQLite 连接，避免多连接锁冲突。
func (s *Store) UseExternalDB(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("external db 不能为空")
	}
	if err := ensureSchema(db); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownsDB && s.db != nil && s.db != db {
		_ = s.db.Close()
	}
	s.db = db
	s.ownsDB = false
	return nil
}

// Close 关闭底层 DB。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil || !s.ownsDB {
		s.db = nil
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decision_records (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			session_type TEXT NOT NULL,
			model_tag TEXT,
			created_at INTEGER NOT NULL,
			verdict TEXT,
			stage_outputs_json TEXT NOT NULL,
			final_decision_json TEXT,
			backtest_score REAL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decision_records_symbol_ts ON decision_records(symbol, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_decision_records_ts ON decision_records(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("decision record store 未初始化")
	}
	return db, nil
}

// Append 写入一条议事记录。主键冲突按错误返回，记录不可覆盖。
func (s *Store) Append(ctx context.Context, rec decision.DecisionRecord) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	stages, err := json.Marshal(rec.StageOutputs)
	if err != nil {
		return fmt.Errorf("序列化阶段记录失败: %w", err)
	}
	var finalBlob sql.NullString
	if rec.FinalDecision != nil {
		b, err := json.Marshal(rec.FinalDecision)
		if err != nil {
			return fmt.Errorf("序列化终令失败: %w", err)
		}
		finalBlob = sql.NullString{String: string(b), Valid: true}
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO decision_records
			(id, symbol, session_type, model_tag, created_at, verdict, stage_outputs_json, final_decision_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Symbol,
		string(rec.SessionType),
		rec.ModelTag,
		createdAt.UnixMilli(),
		string(rec.Verdict),
		string(stages),
		finalBlob,
	)
	return err
}

// AttachScore 补记回测得分——这是记录唯一允许的更新。
func (s *Store) AttachScore(ctx context.Context, id string, score float64) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE decision_records SET backtest_score = ? WHERE id = ?`, score, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("决策记录 %s 不存在", id)
	}
	return nil
}

const selectCols = `id, symbol, session_type, model_tag, created_at, verdict,
	stage_outputs_json, final_decision_json, backtest_score`

// List 返回某标的最近的记录，新的在前。
func (s *Store) List(ctx context.Context, symbol string, limit int) ([]decision.DecisionRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT `+selectCols+`
		FROM decision_records WHERE symbol = ?
		ORDER BY created_at DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAll(rows)
}

// InRange 返回 [from, to] 内某标的的记录，按时间升序。
func (s *Store) InRange(ctx context.Context, symbol string, from, to time.Time) ([]decision.DecisionRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+selectCols+`
		FROM decision_records
		WHERE symbol = ? AND created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC`, symbol, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([]decision.DecisionRecord, error) {
	var out []decision.DecisionRecord
	for rows.Next() {
		var (
			rec       decision.DecisionRecord
			session   string
			verdict   sql.NullString
			createdAt int64
			stages    string
			finalBlob sql.NullString
			score     sql.NullFloat64
		)
		if err := rows.Scan(&rec.ID, &rec.Symbol, &session, &rec.ModelTag, &createdAt,
			&verdict, &stages, &finalBlob, &score); err != nil {
			return nil, err
		}
		rec.SessionType = market.Phase(session)
		rec.CreatedAt = time.UnixMilli(createdAt)
		rec.Verdict = decision.Verdict(verdict.String)
		if err := json.Unmarshal([]byte(stages), &rec.StageOutputs); err != nil {
			return nil, fmt.Errorf("解析阶段记录失败 (id=%s): %w", rec.ID, err)
		}
		if finalBlob.Valid && finalBlob.String != "" {
			var fd decision.FinalDecision
			if err := json.Unmarshal([]byte(finalBlob.String), &fd); err != nil {
				return nil, fmt.Errorf("解析终令失败 (id=%s): %w", rec.ID, err)
			}
			rec.FinalDecision = &fd
		}
		if score.Valid {
			v := score.Float64
			rec.BacktestScore = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
