package storage

import (
	"time"

	"consensus-trader/internal/model"
)

// SnapshotRecord 快照的扁平持久化形式，Redis / ClickHouse / Kafka 共用
type SnapshotRecord struct {
	Symbol         string    `json:"symbol"`
	Category       string    `json:"category"`
	Sequence       uint64    `json:"sequence"`
	SourceTime     time.Time `json:"source_time"`
	SourceSeq      uint64    `json:"source_seq"`
	CapturedAt     time.Time `json:"captured_at"`
	Last           float64   `json:"last"`
	LastSize       float64   `json:"last_size"`
	Bid            float64   `json:"bid"`
	BidSize        float64   `json:"bid_size"`
	Ask            float64   `json:"ask"`
	AskSize        float64   `json:"ask_size"`
	Volume         float64   `json:"volume"`
	BarOpen        float64   `json:"bar_open"`
	BarHigh        float64   `json:"bar_high"`
	BarLow         float64   `json:"bar_low"`
	BarClose       float64   `json:"bar_close"`
	BarVolume      float64   `json:"bar_volume"`
	BarStart       time.Time `json:"bar_start"`
	Headline       string    `json:"headline,omitempty"`
	RSI            *float64  `json:"rsi,omitempty"`
	MACD           *float64  `json:"macd,omitempty"`
	MACDSignal     *float64  `json:"macd_signal,omitempty"`
	MACDHist       *float64  `json:"macd_hist,omitempty"`
	ATR            *float64  `json:"atr,omitempty"`
	SMA            *float64  `json:"sma,omitempty"`
	VWAP           *float64  `json:"vwap,omitempty"`
	Tenkan         *float64  `json:"tenkan,omitempty"`
	Kijun          *float64  `json:"kijun,omitempty"`
	SpanA          *float64  `json:"span_a,omitempty"`
	SpanB          *float64  `json:"span_b,omitempty"`
	POC            *float64  `json:"poc,omitempty"`
	MeanReturn     *float64  `json:"mean_return,omitempty"`
	Volatility     *float64  `json:"volatility,omitempty"`
	WinRate        *float64  `json:"win_rate,omitempty"`
	PayoffRatio    *float64  `json:"payoff_ratio,omitempty"`
	ReturnsSamples int       `json:"return_samples,omitempty"`
}

// NewSnapshotRecord 展开指标；缺失指标保持 nil
func NewSnapshotRecord(s *model.MarketSnapshot) SnapshotRecord {
	r := SnapshotRecord{
		Symbol:     s.Symbol,
		Category:   string(s.Category),
		Sequence:   s.SequenceNumber,
		SourceTime: s.SourceTime,
		SourceSeq:  s.SourceSeq,
		CapturedAt: s.CapturedAt,
		Last:       s.Last,
		LastSize:   s.LastSize,
		Bid:        s.Quote.BidPrice,
		BidSize:    s.Quote.BidSize,
		Ask:        s.Quote.AskPrice,
		AskSize:    s.Quote.AskSize,
		Volume:     s.Volume,
		Headline:   s.Headline,
	}
	if s.Bar != nil {
		r.BarOpen, r.BarHigh, r.BarLow, r.BarClose = s.Bar.Open, s.Bar.High, s.Bar.Low, s.Bar.Close
		r.BarVolume = s.Bar.Volume
		r.BarStart = s.Bar.StartTime
	}

	ind := s.Indicators
	r.RSI, r.ATR, r.SMA, r.VWAP, r.POC = ind.RSI, ind.ATR, ind.SMA, ind.VWAP, ind.POC
	if ind.MACD != nil {
		r.MACD, r.MACDSignal, r.MACDHist = ptr(ind.MACD.Line), ptr(ind.MACD.Signal), ptr(ind.MACD.Hist)
	}
	if ind.Ichimoku != nil {
		r.Tenkan, r.Kijun = ptr(ind.Ichimoku.Tenkan), ptr(ind.Ichimoku.Kijun)
		r.SpanA, r.SpanB = ptr(ind.Ichimoku.SpanA), ptr(ind.Ichimoku.SpanB)
	}
	if ind.Returns != nil {
		r.MeanReturn, r.Volatility = ptr(ind.Returns.MeanReturn), ptr(ind.Returns.Volatility)
		r.WinRate, r.PayoffRatio = ptr(ind.Returns.WinRate), ptr(ind.Returns.PayoffRatio)
		r.ReturnsSamples = ind.Returns.Samples
	}
	return r
}

func ptr(v float64) *float64 { return &v }

// nullable ClickHouse Nullable(Float64) 列的参数
func nullable(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// OpinionRecord 单个模型意见
type OpinionRecord struct {
	ModelID    string  `json:"model_id"`
	Role       string  `json:"role"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Weight     float64 `json:"weight"`
	LatencyMs  int64   `json:"latency_ms"`
	Succeeded  bool    `json:"succeeded"`
	Error      string  `json:"error,omitempty"`
	Round      int     `json:"round"`
}

// DecisionRecord 决策的持久化形式
type DecisionRecord struct {
	CycleID             string          `json:"cycle_id"`
	Symbol              string          `json:"symbol"`
	Price               float64         `json:"price"`
	MathematicalScore   float64         `json:"mathematical_score"`
	MathAction          string          `json:"math_action"`
	MathConfidence      float64         `json:"math_confidence"`
	KellyFraction       float64         `json:"kelly_fraction"`
	AIAction            string          `json:"ai_action,omitempty"`
	AIAgreement         float64         `json:"ai_agreement"`
	AggregateConfidence float64         `json:"aggregate_confidence"`
	FinalAction         string          `json:"final_action"`
	Source              string          `json:"source"`
	AIDegraded          bool            `json:"ai_degraded"`
	MarketRegime        string          `json:"market_regime"`
	SessionPhase        string          `json:"session_phase"`
	DecidedAt           time.Time       `json:"decided_at"`
	Opinions            []OpinionRecord `json:"opinions,omitempty"`
}

func NewDecisionRecord(d *model.ConsensusDecision) DecisionRecord {
	r := DecisionRecord{
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
		DecidedAt:           d.DecidedAt,
	}
	for _, o := range d.Opinions {
		r.Opinions = append(r.Opinions, OpinionRecord{
			ModelID:    o.ModelID,
			Role:       string(o.Role),
			Action:     string(o.Action),
			Confidence: o.Confidence,
			Weight:     o.Weight,
			LatencyMs:  o.Latency.Milliseconds(),
			Succeeded:  o.Succeeded,
			Error:      o.Error,
			Round:      o.Round,
		})
	}
	return r
}

// OrderEventRecord 订单事件的持久化形式
type OrderEventRecord struct {
	ClientOrderID   string    `json:"client_order_id"`
	BrokerOrderID   string    `json:"broker_order_id,omitempty"`
	CycleID         string    `json:"cycle_id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Quantity        float64   `json:"quantity"`
	FilledQuantity  float64   `json:"filled_quantity"`
	AvgFillPrice    float64   `json:"avg_fill_price"`
	SizingMethod    string    `json:"sizing_method"`
	State           string    `json:"state"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	SubmittedAt     time.Time `json:"submitted_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func NewOrderEventRecord(o *model.OrderRecord) OrderEventRecord {
	return OrderEventRecord{
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
		SubmittedAt:     o.SubmittedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}
