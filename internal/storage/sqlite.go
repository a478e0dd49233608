package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"consensus-trader/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSchema 本地 journal 表结构
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id             TEXT NOT NULL,
	symbol               TEXT NOT NULL,
	price                REAL,
	mathematical_score   REAL,
	math_action          TEXT,
	math_confidence      REAL,
	kelly_fraction       REAL,
	ai_action            TEXT,
	ai_agreement         REAL,
	aggregate_confidence REAL,
	final_action         TEXT NOT NULL,
	source               TEXT NOT NULL,
	ai_degraded          INTEGER NOT NULL DEFAULT 0,
	market_regime        TEXT,
	session_phase        TEXT,
	opinions             INTEGER NOT NULL DEFAULT 0,
	decided_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	client_order_id  TEXT PRIMARY KEY,
	broker_order_id  TEXT,
	cycle_id         TEXT,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	quantity         REAL NOT NULL,
	filled_quantity  REAL NOT NULL DEFAULT 0,
	avg_fill_price   REAL NOT NULL DEFAULT 0,
	sizing_method    TEXT,
	state            TEXT NOT NULL,
	rejection_reason TEXT,
	submitted_at     DATETIME,
	updated_at       DATETIME
);

CREATE TABLE IF NOT EXISTS trades (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	client_order_id TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	quantity        REAL NOT NULL,
	price           REAL NOT NULL,
	cash_after      REAL,
	filled_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS skipped_trades (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id TEXT,
	symbol   TEXT NOT NULL,
	action   TEXT NOT NULL,
	reason   TEXT NOT NULL,
	at       DATETIME NOT NULL
);
`

type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal path 为 ":memory:" 时使用内存库
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite 单写者；内存库每个连接都是独立的库
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(SQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) RecordDecision(ctx context.Context, d *model.ConsensusDecision) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO decisions
		(cycle_id, symbol, price, mathematical_score, math_action, math_confidence, kelly_fraction,
		 ai_action, ai_agreement, aggregate_confidence, final_action, source, ai_degraded,
		 market_regime, session_phase, opinions, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.CycleID, d.Symbol, d.Price, d.MathematicalScore, string(d.MathAction), d.MathConfidence, d.KellyFraction,
		string(d.AIAction), d.AIAgreement, d.AggregateConfidence, string(d.FinalAction), string(d.Source), d.AIDegraded,
		string(d.MarketRegime), d.SessionPhase, len(d.Opinions), d.DecidedAt.UTC(),
	)
	return err
}

func (j *SQLiteJournal) RecordOrder(ctx context.Context, o *model.OrderRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO orders
		(client_order_id, broker_order_id, cycle_id, symbol, side, quantity, filled_quantity,
		 avg_fill_price, sizing_method, state, rejection_reason, submitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			broker_order_id = excluded.broker_order_id,
			filled_quantity = excluded.filled_quantity,
			avg_fill_price = excluded.avg_fill_price,
			state = excluded.state,
			rejection_reason = excluded.rejection_reason,
			submitted_at = excluded.submitted_at,
			updated_at = excluded.updated_at`,
		o.ClientOrderID, o.BrokerOrderID, o.CycleID, o.Symbol, string(o.Side), o.Quantity, o.FilledQuantity,
		o.AvgFillPrice, string(o.SizingMethod), string(o.State), o.RejectionReason, o.SubmittedAt.UTC(), o.UpdatedAt.UTC(),
	)
	return err
}

func (j *SQLiteJournal) RecordTrade(ctx context.Context, t model.TradeRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO trades
		(client_order_id, symbol, side, quantity, price, cash_after, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ClientOrderID, t.Symbol, string(t.Side), t.Quantity, t.Price, t.CashAfter, t.FilledAt.UTC(),
	)
	return err
}

func (j *SQLiteJournal) RecordSkipped(ctx context.Context, s model.SkippedTrade) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO skipped_trades (cycle_id, symbol, action, reason, at)
		VALUES (?, ?, ?, ?, ?)`,
		s.CycleID, s.Symbol, string(s.Action), s.Reason, s.At.UTC(),
	)
	return err
}

// RecentOrders 按更新时间倒序
func (j *SQLiteJournal) RecentOrders(ctx context.Context, limit int) ([]OrderEventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT client_order_id, broker_order_id, cycle_id, symbol, side, quantity, filled_quantity,
		       avg_fill_price, sizing_method, state, rejection_reason, submitted_at, updated_at
		FROM orders ORDER BY updated_at DESC, client_order_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []OrderEventRecord
	for rows.Next() {
		var (
			r                     OrderEventRecord
			broker, cycle, method sql.NullString
			reason                sql.NullString
			submitted, updated    sql.NullTime
		)
		if err := rows.Scan(&r.ClientOrderID, &broker, &cycle, &r.Symbol, &r.Side, &r.Quantity, &r.FilledQuantity,
			&r.AvgFillPrice, &method, &r.State, &reason, &submitted, &updated); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		r.BrokerOrderID, r.CycleID, r.SizingMethod, r.RejectionReason = broker.String, cycle.String, method.String, reason.String
		r.SubmittedAt, r.UpdatedAt = submitted.Time, updated.Time
		out = append(out, r)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) count(ctx context.Context, table string) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
