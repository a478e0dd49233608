package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"consensus-trader/internal/model"
	"consensus-trader/internal/service"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"
)

const snapshotTable = "market_snapshots"

// ClickhouseSchema 幂等建表
var ClickhouseSchema = []string{
	`CREATE TABLE IF NOT EXISTS ` + snapshotTable + ` (
		symbol        LowCardinality(String),
		category      LowCardinality(String),
		sequence      UInt64,
		source_time   DateTime64(9, 'UTC'),
		source_seq    UInt64,
		captured_at   DateTime64(9, 'UTC'),
		last          Float64,
		bid           Float64,
		ask           Float64,
		volume        Float64,
		bar_open      Float64,
		bar_high      Float64,
		bar_low       Float64,
		bar_close     Float64,
		bar_volume    Float64,
		headline      String,
		rsi           Nullable(Float64),
		macd          Nullable(Float64),
		macd_signal   Nullable(Float64),
		macd_hist     Nullable(Float64),
		atr           Nullable(Float64),
		vwap          Nullable(Float64),
		tenkan        Nullable(Float64),
		kijun         Nullable(Float64),
		span_a        Nullable(Float64),
		span_b        Nullable(Float64),
		poc           Nullable(Float64),
		mean_return   Nullable(Float64),
		volatility    Nullable(Float64),
		win_rate      Nullable(Float64),
		payoff_ratio  Nullable(Float64)
	) ENGINE = MergeTree
	ORDER BY (symbol, category, sequence)`,
}

const insertSnapshotSQL = `INSERT INTO ` + snapshotTable + ` (
	symbol, category, sequence, source_time, source_seq, captured_at,
	last, bid, ask, volume, bar_open, bar_high, bar_low, bar_close, bar_volume, headline,
	rsi, macd, macd_signal, macd_hist, atr, vwap, tenkan, kijun, span_a, span_b, poc,
	mean_return, volatility, win_rate, payoff_ratio)`

// ClickhouseSink 快照历史。SaveSnapshot 只入缓冲区，批量写入由 Run 或缓冲区满触发
type ClickhouseSink struct {
	db        *sql.DB
	batchSize int
	interval  time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	pending []SnapshotRecord
}

// NewClickhouseSink 打开连接、Ping 并建表
func NewClickhouseSink(ctx context.Context, cfg service.ClickhouseConfig) (*ClickhouseSink, error) {
	db, err := sql.Open("clickhouse", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, &service.NetworkError{Op: "clickhouse ping", Err: err}
	}

	sink := NewClickhouseSinkWithDB(db, 500, time.Second)
	if err := sink.InitSchema(ctx, ClickhouseSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func NewClickhouseSinkWithDB(db *sql.DB, batchSize int, interval time.Duration) *ClickhouseSink {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &ClickhouseSink{
		db:        db,
		batchSize: batchSize,
		interval:  interval,
		logger:    service.Named("storage.clickhouse"),
	}
}

// InitSchema ensures tables exist (idempotent).
func (s *ClickhouseSink) InitSchema(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *ClickhouseSink) Health(ctx context.Context) error { return s.db.PingContext(ctx) }

// SaveSnapshot 追加一条历史记录
func (s *ClickhouseSink) SaveSnapshot(ctx context.Context, snap *model.MarketSnapshot) error {
	s.mu.Lock()
	s.pending = append(s.pending, NewSnapshotRecord(snap))
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Pending 尚未写入的记录数
func (s *ClickhouseSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush 写出缓冲区；失败时记录放回缓冲区等待下次
func (s *ClickhouseSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := s.insert(ctx, batch); err != nil {
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.mu.Unlock()
		return fmt.Errorf("clickhouse insert %d rows: %w", len(batch), err)
	}
	s.logger.Debug("Snapshots flushed", zap.Int("rows", len(batch)))
	return nil
}

func (s *ClickhouseSink) insert(ctx context.Context, batch []SnapshotRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, insertSnapshotSQL)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range batch {
		if _, err := stmt.ExecContext(ctx, snapshotRow(r)...); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Run 定时刷新，退出前最后刷新一次
func (s *ClickhouseSink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Flush(fctx); err != nil {
				s.logger.Warn("Final snapshot flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("Snapshot flush failed", zap.Error(err), zap.Int("pending", s.Pending()))
			}
		}
	}
}

func (s *ClickhouseSink) Close() error { return s.db.Close() }

// snapshotRow 与 insertSnapshotSQL 的列顺序一致
func snapshotRow(r SnapshotRecord) []interface{} {
	return []interface{}{
		r.Symbol, r.Category, r.Sequence, r.SourceTime.UTC(), r.SourceSeq, r.CapturedAt.UTC(),
		r.Last, r.Bid, r.Ask, r.Volume, r.BarOpen, r.BarHigh, r.BarLow, r.BarClose, r.BarVolume, r.Headline,
		nullable(r.RSI), nullable(r.MACD), nullable(r.MACDSignal), nullable(r.MACDHist), nullable(r.ATR),
		nullable(r.VWAP), nullable(r.Tenkan), nullable(r.Kijun), nullable(r.SpanA), nullable(r.SpanB), nullable(r.POC),
		nullable(r.MeanReturn), nullable(r.Volatility), nullable(r.WinRate), nullable(r.PayoffRatio),
	}
}

func buildDSN(cfg service.ClickhouseConfig) string {
	return fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s?dial_timeout=%s&read_timeout=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, 5*time.Second, 10*time.Second)
}
