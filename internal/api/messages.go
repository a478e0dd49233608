package api

import (
	"encoding/json"
	"fmt"
	"time"

	"consensus-trader/internal/model"
	"consensus-trader/internal/service"
)

// Control 协议控制帧 (认证结果、订阅确认、错误)
type Control struct {
	Kind string // success / error / subscription / authorization / listening
	Code int
	Msg  string
}

// 认证相关的控制帧内容
const (
	msgAuthenticated = "authenticated"
	msgAuthorized    = "authorized"
)

// IsAuthOK 认证成功
func (c Control) IsAuthOK() bool {
	return (c.Kind == "success" && c.Msg == msgAuthenticated) || (c.Kind == "authorization" && c.Msg == msgAuthorized)
}

// IsAuthFailure 认证失败属于致命错误
func (c Control) IsAuthFailure() bool {
	if c.Kind == "authorization" && c.Msg != msgAuthorized {
		return true
	}
	// 401 not authenticated, 402 auth failed, 404 auth timeout, 406 connection limit exceeded
	return c.Kind == "error" && (c.Code == 401 || c.Code == 402 || c.Code == 404 || c.Code == 406)
}

// Dialect 单个端点的协议：认证帧、订阅帧与消息解码
type Dialect interface {
	AuthFrame(creds Credentials) interface{}
	SubscribeFrame(symbols []string) interface{}
	Decode(raw []byte) ([]model.StreamMessage, []Control, error)
}

// MarketDialect 行情端点 (stocks / crypto / options / news)，消息为带 T 字段的数组
type MarketDialect struct {
	Category model.Category
}

type marketFrame struct {
	T   string `json:"T"`
	Msg string `json:"msg"`
	// error
	Code int `json:"code"`
	// trade / quote / bar
	S  string          `json:"S"`
	I  uint64          `json:"i"`
	P  float64         `json:"p"`
	Sz float64         `json:"s"`
	Ts string          `json:"t"`
	Bp float64         `json:"bp"`
	Bs float64         `json:"bs"`
	Ap float64         `json:"ap"`
	As float64         `json:"as"`
	O  float64         `json:"o"`
	H  float64         `json:"h"`
	L  float64         `json:"l"`
	C  json.RawMessage `json:"c"` // bar 为收盘价，trade/quote 为条件数组
	V  float64         `json:"v"`
	Vw float64         `json:"vw"`
	// news
	ID        int64    `json:"id"`
	Headline  string   `json:"headline"`
	Summary   string   `json:"summary"`
	Source    string   `json:"source"`
	Symbols   []string `json:"symbols"`
	CreatedAt string   `json:"created_at"`
}

func (d MarketDialect) AuthFrame(creds Credentials) interface{} {
	return map[string]string{"action": "auth", "key": creds.KeyID, "secret": creds.SecretKey}
}

func (d MarketDialect) SubscribeFrame(symbols []string) interface{} {
	if d.Category == model.CategoryNews {
		if len(symbols) == 0 {
			symbols = []string{"*"}
		}
		return map[string]interface{}{"action": "subscribe", "news": symbols}
	}
	return map[string]interface{}{
		"action": "subscribe",
		"trades": symbols,
		"quotes": symbols,
		"bars":   symbols,
	}
}

func (d MarketDialect) Decode(raw []byte) ([]model.StreamMessage, []Control, error) {
	var frames []marketFrame
	if err := json.Unmarshal(raw, &frames); err != nil {
		// 个别端点会发送单个对象
		var single marketFrame
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return nil, nil, &service.ValidationError{Field: "frame", Reason: err.Error()}
		}
		frames = []marketFrame{single}
	}

	var msgs []model.StreamMessage
	var ctrls []Control
	var bad error // 第一个无法解析的帧，其余帧照常处理
	for _, f := range frames {
		switch f.T {
		case "success", "error", "subscription":
			ctrls = append(ctrls, Control{Kind: f.T, Code: f.Code, Msg: f.Msg})
		case "t":
			ts, _ := service.ParseTimestamp(f.Ts)
			msgs = append(msgs, model.StreamMessage{
				Category: d.Category, Kind: model.KindTrade, Symbol: f.S, Seq: f.I, Timestamp: ts,
				Trade: &model.Ticker{Symbol: f.S, Timestamp: ts, Price: f.P, Size: f.Sz},
			})
		case "q":
			ts, _ := service.ParseTimestamp(f.Ts)
			msgs = append(msgs, model.StreamMessage{
				Category: d.Category, Kind: model.KindQuote, Symbol: f.S, Timestamp: ts,
				Quote: &model.Quote{BidPrice: f.Bp, BidSize: f.Bs, AskPrice: f.Ap, AskSize: f.As},
			})
		case "b", "u", "d":
			// b 分钟线, u 修正分钟线, d 日线
			ts, _ := service.ParseTimestamp(f.Ts)
			var closePx float64
			if err := json.Unmarshal(f.C, &closePx); err != nil {
				if bad == nil {
					bad = &service.ValidationError{Field: "bar.c", Reason: err.Error()}
				}
				continue
			}
			msgs = append(msgs, model.StreamMessage{
				Category: d.Category, Kind: model.KindBar, Symbol: f.S, Timestamp: ts,
				Bar: &model.KLine{
					Symbol: f.S, Interval: "1m", Open: f.O, High: f.H, Low: f.L, Close: closePx,
					Volume: f.V, VWAP: f.Vw, StartTime: ts,
				},
			})
		case "n":
			ts, _ := service.ParseTimestamp(f.CreatedAt)
			news := &model.News{ID: f.ID, Headline: f.Headline, Summary: f.Summary, Source: f.Source, Symbols: f.Symbols}
			if len(f.Symbols) == 0 {
				msgs = append(msgs, model.StreamMessage{
					Category: model.CategoryNews, Kind: model.KindNews, Seq: uint64(f.ID), Timestamp: ts, News: news,
				})
				continue
			}
			// 一条新闻按 symbol 拆分，分别路由到各自的 worker
			for _, sym := range f.Symbols {
				msgs = append(msgs, model.StreamMessage{
					Category: model.CategoryNews, Kind: model.KindNews, Symbol: sym, Seq: uint64(f.ID), Timestamp: ts, News: news,
				})
			}
		default:
			// 未知类型忽略 (例如 corrections / statuses)
		}
	}
	return msgs, ctrls, bad
}

// TradingDialect 交易流端点 (trade_updates)
type TradingDialect struct {
	Streams []model.Category
}

type tradingFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradeUpdateData struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Price     string `json:"price"`
	Qty       string `json:"qty"`
	Status    string `json:"status"`
	Action    string `json:"action"`
	Order     struct {
		ID             string `json:"id"`
		ClientOrderID  string `json:"client_order_id"`
		Symbol         string `json:"symbol"`
		Qty            string `json:"qty"`
		FilledQty      string `json:"filled_qty"`
		FilledAvgPrice string `json:"filled_avg_price"`
		UpdatedAt      string `json:"updated_at"`
	} `json:"order"`
}

func (d TradingDialect) AuthFrame(creds Credentials) interface{} {
	return map[string]interface{}{
		"action": "auth",
		"key":    creds.KeyID,
		"secret": creds.SecretKey,
	}
}

// SubscribeFrame 交易流不区分 symbol，只监听流名称
func (d TradingDialect) SubscribeFrame(_ []string) interface{} {
	streams := make([]string, 0, len(d.Streams))
	for _, s := range d.Streams {
		streams = append(streams, string(s))
	}
	return map[string]interface{}{
		"action": "listen",
		"data":   map[string]interface{}{"streams": streams},
	}
}

func (d TradingDialect) Decode(raw []byte) ([]model.StreamMessage, []Control, error) {
	var f tradingFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, nil, &service.ValidationError{Field: "frame", Reason: err.Error()}
	}

	switch f.Stream {
	case "authorization":
		var auth tradeUpdateData
		_ = json.Unmarshal(f.Data, &auth)
		return nil, []Control{{Kind: "authorization", Msg: auth.Status}}, nil
	case "listening":
		return nil, []Control{{Kind: "listening"}}, nil
	case string(model.CategoryTradeUpdates), string(model.CategoryOrderUpdates), string(model.CategoryAccountUpdates):
	default:
		return nil, nil, nil
	}

	var data tradeUpdateData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		return nil, nil, &service.ValidationError{Field: "trade_update", Reason: err.Error()}
	}
	ts, err := service.ParseTimestamp(data.Timestamp)
	if err != nil {
		ts, _ = service.ParseTimestamp(data.Order.UpdatedAt)
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	update := &model.TradeUpdate{
		Event:          data.Event,
		BrokerOrderID:  data.Order.ID,
		ClientOrderID:  data.Order.ClientOrderID,
		Symbol:         data.Order.Symbol,
		FilledQty:      service.StringToFloatOr(data.Order.FilledQty, 0),
		FilledAvgPrice: service.StringToFloatOr(data.Order.FilledAvgPrice, 0),
		Price:          service.StringToFloatOr(data.Price, 0),
		Qty:            service.StringToFloatOr(data.Order.Qty, 0),
	}
	return []model.StreamMessage{{
		Category:    model.Category(f.Stream),
		Kind:        model.KindTradeUpdate,
		Timestamp:   ts,
		TradeUpdate: update,
	}}, nil, nil
}

// String 调试输出
func (c Control) String() string {
	return fmt.Sprintf("%s(%d) %s", c.Kind, c.Code, c.Msg)
}
