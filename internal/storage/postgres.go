package storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"consensus-trader/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// PostgresOption 连接参数；ConnString 非空时直接使用
type PostgresOption struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	ConnString string
}

func (opt PostgresOption) dsn() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}
	host := opt.Host
	if host == "" {
		host = "localhost"
	}
	port := opt.Port
	if port == 0 {
		port = 5432
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := &url.URL{Scheme: "postgres", Host: fmt.Sprintf("%s:%d", host, port)}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}
	u.RawQuery = url.Values{"sslmode": []string{sslMode}}.Encode()
	return u.String()
}

// DecisionRow decisions 表
type DecisionRow struct {
	ID                  uint64    `gorm:"primaryKey;autoIncrement"`
	CycleID             string    `gorm:"type:varchar(32);index;not null"`
	Symbol              string    `gorm:"type:varchar(20);index;not null"`
	Price               float64   `gorm:"type:decimal(15,4)"`
	MathematicalScore   float64   `gorm:"type:decimal(8,4)"`
	MathAction          string    `gorm:"type:varchar(8)"`
	MathConfidence      float64   `gorm:"type:decimal(5,4)"`
	KellyFraction       float64   `gorm:"type:decimal(6,4)"`
	AIAction            string    `gorm:"type:varchar(8)"`
	AIAgreement         float64   `gorm:"type:decimal(5,4)"`
	AggregateConfidence float64   `gorm:"type:decimal(5,4)"`
	FinalAction         string    `gorm:"type:varchar(8);not null"`
	Source              string    `gorm:"type:varchar(8);not null"`
	AIDegraded          bool      `gorm:"not null;default:false"`
	MarketRegime        string    `gorm:"type:varchar(24)"`
	SessionPhase        string    `gorm:"type:varchar(16)"`
	Opinions            int       `gorm:"not null;default:0"`
	DecidedAt           time.Time `gorm:"index;not null"`
}

func (DecisionRow) TableName() string { return "decisions" }

// OrderRow orders 表，client_order_id 唯一
type OrderRow struct {
	ClientOrderID   string    `gorm:"primaryKey;type:varchar(32)"`
	BrokerOrderID   string    `gorm:"type:varchar(64);index"`
	CycleID         string    `gorm:"type:varchar(32);index"`
	Symbol          string    `gorm:"type:varchar(20);index;not null"`
	Side            string    `gorm:"type:varchar(4);not null"`
	Quantity        float64   `gorm:"type:decimal(15,4);not null"`
	FilledQuantity  float64   `gorm:"type:decimal(15,4);not null;default:0"`
	AvgFillPrice    float64   `gorm:"type:decimal(15,4);not null;default:0"`
	SizingMethod    string    `gorm:"type:varchar(16)"`
	State           string    `gorm:"type:varchar(20);not null"`
	RejectionReason string    `gorm:"type:text"`
	SubmittedAt     time.Time
	UpdatedAt       time.Time `gorm:"index"`
}

func (OrderRow) TableName() string { return "orders" }

type TradeRow struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	ClientOrderID string    `gorm:"type:varchar(32);index;not null"`
	Symbol        string    `gorm:"type:varchar(20);index;not null"`
	Side          string    `gorm:"type:varchar(4);not null"`
	Quantity      float64   `gorm:"type:decimal(15,4);not null"`
	Price         float64   `gorm:"type:decimal(15,4);not null"`
	CashAfter     float64   `gorm:"type:decimal(15,2)"`
	FilledAt      time.Time `gorm:"index;not null"`
}

func (TradeRow) TableName() string { return "trades" }

type SkippedRow struct {
	ID      uint64    `gorm:"primaryKey;autoIncrement"`
	CycleID string    `gorm:"type:varchar(32);index"`
	Symbol  string    `gorm:"type:varchar(20);index;not null"`
	Action  string    `gorm:"type:varchar(8);not null"`
	Reason  string    `gorm:"type:text;not null"`
	At      time.Time `gorm:"index;not null"`
}

func (SkippedRow) TableName() string { return "skipped_trades" }

// GormJournal Postgres journal
type GormJournal struct {
	db *gorm.DB
}

// NewGormJournal 连接并自动迁移
func NewGormJournal(opt PostgresOption) (*GormJournal, error) {
	db, err := gorm.Open(postgres.Open(opt.dsn()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to journal database: %w", err)
	}
	return NewGormJournalWithDB(db)
}

// NewGormJournalWithDB 复用已打开的 gorm.DB
func NewGormJournalWithDB(db *gorm.DB) (*GormJournal, error) {
	if err := db.AutoMigrate(&DecisionRow{}, &OrderRow{}, &TradeRow{}, &SkippedRow{}); err != nil {
		return nil, fmt.Errorf("journal migrate: %w", err)
	}
	return &GormJournal{db: db}, nil
}

func (j *GormJournal) RecordDecision(ctx context.Context, d *model.ConsensusDecision) error {
	return j.db.WithContext(ctx).Create(decisionRow(d)).Error
}

func (j *GormJournal) RecordOrder(ctx context.Context, o *model.OrderRecord) error {
	return j.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "client_order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"broker_order_id", "filled_quantity", "avg_fill_price", "state",
			"rejection_reason", "submitted_at", "updated_at",
		}),
	}).Create(orderRow(o)).Error
}

func (j *GormJournal) RecordTrade(ctx context.Context, t model.TradeRecord) error {
	return j.db.WithContext(ctx).Create(&TradeRow{
		ClientOrderID: t.ClientOrderID,
		Symbol:        t.Symbol,
		Side:          string(t.Side),
		Quantity:      t.Quantity,
		Price:         t.Price,
		CashAfter:     t.CashAfter,
		FilledAt:      t.FilledAt.UTC(),
	}).Error
}

func (j *GormJournal) RecordSkipped(ctx context.Context, s model.SkippedTrade) error {
	return j.db.WithContext(ctx).Create(&SkippedRow{
		CycleID: s.CycleID,
		Symbol:  s.Symbol,
		Action:  string(s.Action),
		Reason:  s.Reason,
		At:      s.At.UTC(),
	}).Error
}

func (j *GormJournal) RecentOrders(ctx context.Context, limit int) ([]OrderEventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []OrderRow
	if err := j.db.WithContext(ctx).Order("updated_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	out := make([]OrderEventRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, OrderEventRecord{
			ClientOrderID:   r.ClientOrderID,
			BrokerOrderID:   r.BrokerOrderID,
			CycleID:         r.CycleID,
			Symbol:          r.Symbol,
			Side:            r.Side,
			Quantity:        r.Quantity,
			FilledQuantity:  r.FilledQuantity,
			AvgFillPrice:    r.AvgFillPrice,
			SizingMethod:    r.SizingMethod,
			State:           r.State,
			RejectionReason: r.RejectionReason,
			SubmittedAt:     r.SubmittedAt,
			UpdatedAt:       r.UpdatedAt,
		})
	}
	return out, nil
}

func (j *GormJournal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func decisionRow(d *model.ConsensusDecision) *DecisionRow {
	return &DecisionRow{
		CycleID:             d.CycleID,
		Symbol:              d.Symbol,
		Price:               d.Price,
		MathematicalScore:   d.MathematicalScore,
		MathAction:          string(d.MathAction),
		MathConfidence:      d.MathConfidence,
		KellyFraction:       d.KellyFraction,
		AIAction:            string(d.AIAction),
		AIAgreement:         d.AIAgreement,
		AggregateConfidence: d.AggregateConfidence,
		FinalAction:         string(d.FinalAction),
		Source:              string(d.Source),
		AIDegraded:          d.AIDegraded,
		MarketRegime:        string(d.MarketRegime),
		SessionPhase:        d.SessionPhase,
		Opinions:            len(d.Opinions),
		DecidedAt:           d.DecidedAt.UTC(),
	}
}

func orderRow(o *model.OrderRecord) *OrderRow {
	return &OrderRow{
		ClientOrderID:   o.ClientOrderID,
		BrokerOrderID:   o.BrokerOrderID,
		CycleID:         o.CycleID,
		Symbol:          o.Symbol,
		Side:            string(o.Side),
		Quantity:        o.Quantity,
		FilledQuantity:  o.FilledQuantity,
		AvgFillPrice:    o.AvgFillPrice,
		SizingMethod:    string(o.SizingMethod),
		State:           string(o.State),
		RejectionReason: o.RejectionReason,
		SubmittedAt:     o.SubmittedAt.UTC(),
		UpdatedAt:       o.UpdatedAt.UTC(),
	}
}
