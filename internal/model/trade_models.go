package model

import (
	"fmt"
	"time"
)

// Action 决策动作
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Actions 投票累加顺序固定，保证聚合结果确定
var Actions = []Action{ActionBuy, ActionSell, ActionHold}

// MarketState 市场状态常量
type MarketState string

const (
	// 趋势模式 (Up or Down)
	StateStrongUpTrend   MarketState = "STRONG_UP_TREND"
	StateStrongDownTrend MarketState = "STRONG_DOWN_TREND"

	// 震荡模式
	StateHighVolRanging MarketState = "HIGH_VOL_RANGING"
	StateLowVolRanging  MarketState = "LOW_VOL_RANGING"

	// 初始状态
	StateInitial MarketState = "INITIALIZING"
)

// ModelRole AI 模型角色，配置时一次性确定
type ModelRole string

const (
	RoleTechnicalAnalysis ModelRole = "technical_analysis"
	RoleSentimentAnalysis ModelRole = "sentiment_analysis"
	RoleRiskManagement    ModelRole = "risk_management"
	RoleMarketRegime      ModelRole = "market_regime"
	RoleMomentum          ModelRole = "momentum"
	RoleGeneral           ModelRole = "general"
)

// ModelOpinion 单个模型在单轮中的意见
type ModelOpinion struct {
	ModelID    string
	Role       ModelRole
	Action     Action
	Confidence float64
	Weight     float64
	Latency    time.Duration
	Succeeded  bool
	Error      string
	Round      int
	Reasoning  string
}

// DecisionSource 最终动作来源
type DecisionSource string

const (
	SourceMath        DecisionSource = "math"
	SourceAI          DecisionSource = "ai"
	SourceLiquidation DecisionSource = "liquidation" // 止盈止损强制平仓
)

// ConsensusDecision 每个 symbol 每个周期一个
type ConsensusDecision struct {
	CycleID             string
	Symbol              string
	Category            Category
	Price               float64
	MathematicalScore   float64
	MathAction          Action
	MathConfidence      float64
	KellyFraction       float64
	Opinions            []ModelOpinion
	AIAction            Action
	AIAgreement         float64
	AggregateConfidence float64
	FinalAction         Action
	Source              DecisionSource
	AIDegraded          bool
	MarketRegime        MarketState
	SessionPhase        string
	DecidedAt           time.Time
}

func (d ConsensusDecision) String() string {
	return fmt.Sprintf("DECISION [%s] %s conf=%.2f src=%s score=%.3f agree=%.2f regime=%s degraded=%v",
		d.Symbol, d.FinalAction, d.AggregateConfidence, d.Source, d.MathematicalScore, d.AIAgreement, d.MarketRegime, d.AIDegraded)
}

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderState 订单状态机
type OrderState string

const (
	OrderPending         OrderState = "pending"
	OrderSubmitted       OrderState = "submitted"
	OrderAccepted        OrderState = "accepted"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderRejected        OrderState = "rejected"
	OrderCancelled       OrderState = "cancelled"
)

// IsTerminal 终态不可再迁移
func (s OrderState) IsTerminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderCancelled
}

// SizingMethod 仓位计算方式
type SizingMethod string

const (
	SizingKelly       SizingMethod = "kelly"
	SizingScaleOut    SizingMethod = "scale_out"
	SizingLiquidation SizingMethod = "liquidation"
)

// OrderRecord 订单意图及其生命周期
type OrderRecord struct {
	ClientOrderID   string
	BrokerOrderID   string
	CycleID         string
	Symbol          string
	Side            Side
	Quantity        float64
	FilledQuantity  float64
	AvgFillPrice    float64
	LimitPrice      float64 // 0 表示市价单
	SizingMethod    SizingMethod
	State           OrderState
	RejectionReason string
	Confidence      float64
	SubmittedAt     time.Time
	UpdatedAt       time.Time
}

func (o OrderRecord) String() string {
	return fmt.Sprintf("ORDER [%s %s %.4f] state=%s filled=%.4f@%.4f method=%s",
		o.Side, o.Symbol, o.Quantity, o.State, o.FilledQuantity, o.AvgFillPrice, o.SizingMethod)
}

// Position 持仓
type Position struct {
	Symbol    string
	Quantity  float64
	CostBasis float64 // 总成本
	AvgPrice  float64
}

// WashTradeGuard 平仓后的冷却期
type WashTradeGuard struct {
	Symbol                  string
	LiquidatedAt            time.Time
	CooldownCyclesRemaining int
}

// SkippedTrade 被跳过的交易及原因
type SkippedTrade struct {
	CycleID string
	Symbol  string
	Action  Action
	Reason  string
	At      time.Time
}

// TradeRecord 一次成交记录，写入 journal
type TradeRecord struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Quantity      float64
	Price         float64
	CashAfter     float64
	FilledAt      time.Time
}
