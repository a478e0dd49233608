package model

import "time"

// Category 行情/账户流类别
type Category string

const (
	CategoryStocks         Category = "stocks"
	CategoryCrypto         Category = "crypto"
	CategoryOptions        Category = "options"
	CategoryNews           Category = "news"
	CategoryTradeUpdates   Category = "trade_updates"
	CategoryAccountUpdates Category = "account_updates"
	CategoryOrderUpdates   Category = "order_updates"
)

// AllCategories 已知类别，顺序固定
var AllCategories = []Category{
	CategoryStocks, CategoryCrypto, CategoryOptions, CategoryNews,
	CategoryTradeUpdates, CategoryAccountUpdates, CategoryOrderUpdates,
}

// IsAccountLevel 账户级类别没有 symbol 维度
func (c Category) IsAccountLevel() bool {
	return c == CategoryTradeUpdates || c == CategoryAccountUpdates || c == CategoryOrderUpdates
}

// IsMarket 可用于决策的行情类别
func (c Category) IsMarket() bool {
	return c == CategoryStocks || c == CategoryCrypto || c == CategoryOptions
}

// MessageKind 流消息负载类型
type MessageKind string

const (
	KindQuote       MessageKind = "quote"
	KindTrade       MessageKind = "trade"
	KindBar         MessageKind = "bar"
	KindNews        MessageKind = "news"
	KindTradeUpdate MessageKind = "trade_update"
)

// Ticker 代表一笔成交 (最小粒度行情)
type Ticker struct {
	Symbol    string
	Timestamp time.Time
	Price     float64
	Size      float64
}

// Quote 最优买卖报价
type Quote struct {
	BidPrice float64
	BidSize  float64
	AskPrice float64
	AskSize  float64
}

// KLine 代表聚合后的 K 线数据
type KLine struct {
	Symbol    string
	Interval  string // 周期，例如 "1m"
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	VWAP      float64
	StartTime time.Time
}

// News 新闻标题 (情绪分析输入)
type News struct {
	ID       int64
	Headline string
	Summary  string
	Source   string
	Symbols  []string
}

// TradeUpdate 交易流推送的订单事件
type TradeUpdate struct {
	Event          string // new / fill / partial_fill / canceled / rejected / expired
	BrokerOrderID  string
	ClientOrderID  string
	Symbol         string
	FilledQty      float64
	FilledAvgPrice float64
	Price          float64
	Qty            float64
}

// StreamMessage 解码后的单条流消息
type StreamMessage struct {
	Category  Category
	Kind      MessageKind
	Symbol    string
	Seq       uint64 // 券商提供的序号 (trade id)，没有则为 0
	Timestamp time.Time

	Trade       *Ticker
	Quote       *Quote
	Bar         *KLine
	News        *News
	TradeUpdate *TradeUpdate
}

// ConnectionState 订阅状态
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateSubscribed   ConnectionState = "subscribed"
	StateDegraded     ConnectionState = "degraded"
)

// SubscriptionKey (category, symbol) 唯一键；账户级类别 symbol 为空
type SubscriptionKey struct {
	Category Category
	Symbol   string
}

func (k SubscriptionKey) String() string {
	if k.Symbol == "" {
		return string(k.Category)
	}
	return string(k.Category) + ":" + k.Symbol
}

// StreamSubscription 单个活跃订阅
type StreamSubscription struct {
	Key        SubscriptionKey
	State      ConnectionState
	LastUpdate time.Time
}

// Ichimoku 一目均衡表
type Ichimoku struct {
	Tenkan float64
	Kijun  float64
	SpanA  float64
	SpanB  float64
}

// MACD 指标
type MACD struct {
	Line   float64
	Signal float64
	Hist   float64
}

// ReturnStats 滚动收益统计，供 Kelly / CAPM 使用
type ReturnStats struct {
	MeanReturn  float64
	Volatility  float64
	WinRate     float64
	PayoffRatio float64
	Samples     int
}

// Indicators 历史不足时对应字段为 nil
type Indicators struct {
	RSI      *float64
	MACD     *MACD
	ATR      *float64
	SMA      *float64
	VWAP     *float64
	Ichimoku *Ichimoku
	POC      *float64
	Returns  *ReturnStats
}

// MarketSnapshot 单个 (symbol, category) 最新状态，整体替换，不做局部修改
type MarketSnapshot struct {
	Symbol         string
	Category       Category
	Last           float64
	LastSize       float64
	Quote          Quote
	Bar            *KLine
	Volume         float64 // 当日累计成交量
	Headline       string
	Indicators     Indicators
	SequenceNumber uint64
	SourceTime     time.Time
	SourceSeq      uint64
	CapturedAt     time.Time
}

// Price 决策使用的参考价：成交价优先，其次报价中点
func (s *MarketSnapshot) Price() float64 {
	if s.Last > 0 {
		return s.Last
	}
	if s.Quote.BidPrice > 0 && s.Quote.AskPrice > 0 {
		return (s.Quote.BidPrice + s.Quote.AskPrice) / 2
	}
	if s.Bar != nil {
		return s.Bar.Close
	}
	return 0
}
