package storage

import (
	"context"
	"fmt"

	"consensus-trader/internal/bus"
	"consensus-trader/internal/model"
	"consensus-trader/internal/service"

	"go.uber.org/zap"
)

// Journal 决策、订单、成交与跳过记录的持久化
type Journal interface {
	RecordDecision(ctx context.Context, d *model.ConsensusDecision) error
	// RecordOrder 按 client_order_id 插入或更新
	RecordOrder(ctx context.Context, o *model.OrderRecord) error
	RecordTrade(ctx context.Context, t model.TradeRecord) error
	RecordSkipped(ctx context.Context, s model.SkippedTrade) error
	RecentOrders(ctx context.Context, limit int) ([]OrderEventRecord, error)
	Close() error
}

// OpenJournal 按配置选择 sqlite 或 postgres
func OpenJournal(cfg service.JournalConfig) (Journal, error) {
	switch cfg.Driver {
	case "postgres":
		return NewGormJournal(PostgresOption{ConnString: cfg.DSN})
	case "sqlite", "":
		return NewSQLiteJournal(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: unknown journal driver %q", service.ErrConfig, cfg.Driver)
	}
}

// JournalWriter 把总线上的决策与订单事件写入 journal
type JournalWriter struct {
	journal Journal
	logger  *zap.Logger
}

func NewJournalWriter(j Journal) *JournalWriter {
	return &JournalWriter{journal: j, logger: service.Named("storage.journal")}
}

// Handle 处理单个事件，其余类型忽略
func (w *JournalWriter) Handle(ctx context.Context, e bus.Event) error {
	switch p := e.Payload.(type) {
	case *model.ConsensusDecision:
		return w.journal.RecordDecision(ctx, p)
	case *model.OrderRecord:
		return w.journal.RecordOrder(ctx, p)
	}
	return nil
}

func (w *JournalWriter) Run(ctx context.Context, q *bus.Queue) {
	q.Run(ctx, func(e bus.Event) {
		if err := w.Handle(ctx, e); err != nil {
			w.logger.Warn("Journal write failed", zap.String("type", string(e.Type)), zap.String("key", e.Key), zap.Error(err))
		}
	})
}
