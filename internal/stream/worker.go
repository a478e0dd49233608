package stream

import (
	"context"
	"errors"
	"time"

	"consensus-trader/internal/bus"
	"consensus-trader/internal/model"
	"consensus-trader/internal/service"
	"consensus-trader/pkg/ta"

	"go.uber.org/zap"
)

var errStale = errors.New("stale message")

const persistTimeout = 2 * time.Second

// worker 单个 (category, symbol) 的顺序处理者，是该 key 快照的唯一写者
type worker struct {
	key         model.SubscriptionKey
	in          chan model.StreamMessage
	engine      *Engine
	window      *ta.Window
	agg         *BarAggregator
	barInterval time.Duration
	maxFailures int
	logger      *zap.Logger

	// 以下只在 run goroutine 中访问
	lastTS     time.Time
	lastSeq    uint64
	failures   int
	seq        uint64
	current    model.MarketSnapshot
	indicators model.Indicators
	dayKey     string
}

func newWorker(e *Engine, key model.SubscriptionKey) *worker {
	return &worker{
		key:         key,
		in:          make(chan model.StreamMessage, e.cfg.WorkerBuffer),
		engine:      e,
		window:      ta.NewWindow(e.cfg.WindowSize),
		agg:         NewBarAggregator(key.Symbol, e.cfg.BarInterval),
		barInterval: e.cfg.BarInterval,
		maxFailures: e.cfg.MaxConsecutiveFailures,
		logger:      service.Named("stream.worker").With(zap.String("key", key.String())),
		current:     model.MarketSnapshot{Symbol: key.Symbol, Category: key.Category},
	}
}

// run 顺序消费，ctx 结束或通道关闭时退出
func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-w.in:
			if !ok {
				return
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *worker) handle(ctx context.Context, msg model.StreamMessage) {
	err := w.process(ctx, msg)
	switch {
	case err == nil:
		w.failures = 0
	case errors.Is(err, errStale):
		// 重复投递或乱序，丢弃即可
		w.logger.Debug("Dropping stale message", zap.Time("ts", msg.Timestamp), zap.Uint64("seq", msg.Seq))
	default:
		w.failures++
		w.engine.metrics.RecordValidationError(string(w.key.Category))
		w.logger.Warn("Message rejected", zap.Error(err), zap.Int("consecutive", w.failures))
		if w.failures >= w.maxFailures {
			w.failures = 0
			w.engine.degrade(w.key, err)
		}
	}
}

// orderTime 排序用时间：K 线的时间戳是起始时间，按结束时间参与排序
func (w *worker) orderTime(msg model.StreamMessage) time.Time {
	if msg.Kind == model.KindBar {
		return msg.Timestamp.Add(w.barInterval)
	}
	return msg.Timestamp
}

// newer (ts, seq) 字典序严格更大
func (w *worker) newer(ts time.Time, seq uint64) bool {
	if w.lastTS.IsZero() {
		return true
	}
	if ts.After(w.lastTS) {
		return true
	}
	return ts.Equal(w.lastTS) && seq > w.lastSeq
}

func (w *worker) process(ctx context.Context, msg model.StreamMessage) error {
	if err := validate(msg); err != nil {
		return err
	}
	if msg.Kind == model.KindTradeUpdate {
		// 订单事件可能同一时间戳多条，由订单状态机自行忽略倒退的迁移
		w.engine.metrics.RecordStreamMessage(string(w.key.Category))
		w.engine.markFresh(w.key, msg.Timestamp)
		upd := *msg.TradeUpdate
		if n := w.engine.bus.Publish(bus.TradeUpdateEvent(&upd, msg.Timestamp)); n > 0 {
			w.engine.metrics.RecordDropped("bus")
		}
		return nil
	}

	ts := w.orderTime(msg)
	if !w.newer(ts, msg.Seq) {
		return errStale
	}
	w.lastTS, w.lastSeq = ts, msg.Seq

	w.engine.metrics.RecordStreamMessage(string(w.key.Category))
	w.engine.markFresh(w.key, msg.Timestamp)

	snap := w.apply(msg)
	w.engine.store.Put(snap)
	w.engine.metrics.RecordLastPrice(snap.Symbol, snap.Price())

	if w.engine.sink != nil {
		pctx, cancel := context.WithTimeout(ctx, persistTimeout)
		if err := w.engine.sink.SaveSnapshot(pctx, snap); err != nil {
			w.engine.metrics.RecordError("persist")
			w.logger.Warn("Snapshot persistence failed",
				zap.Error(service.WrapStage("persist", "", snap.Symbol, err)))
		}
		cancel()
	}
	if n := w.engine.bus.Publish(bus.SnapshotEvent(snap)); n > 0 {
		w.engine.metrics.RecordDropped("bus")
	}
	return nil
}

// apply 基于上一个快照构建新快照，返回的指针之后不再修改
func (w *worker) apply(msg model.StreamMessage) *model.MarketSnapshot {
	next := w.current
	indicatorsDirty := false

	switch msg.Kind {
	case model.KindTrade:
		t := *msg.Trade
		next.Last = t.Price
		next.LastSize = t.Size
		day := msg.Timestamp.UTC().Format("2006-01-02")
		if day != w.dayKey {
			w.dayKey = day
			next.Volume = 0
		}
		next.Volume += t.Size
		if bar, done := w.agg.Add(t); done {
			if w.window.Push(bar) {
				b := bar
				next.Bar = &b
				indicatorsDirty = true
			}
		}
	case model.KindQuote:
		next.Quote = *msg.Quote
	case model.KindBar:
		bar := *msg.Bar
		if w.window.Push(bar) {
			next.Bar = &bar
			indicatorsDirty = true
		}
	case model.KindNews:
		next.Headline = msg.News.Headline
	}

	if indicatorsDirty {
		w.indicators = w.window.Calculate()
	}
	next.Indicators = w.indicators

	w.seq++
	next.SequenceNumber = w.seq
	next.SourceTime = msg.Timestamp
	next.SourceSeq = msg.Seq
	next.CapturedAt = time.Now()

	w.current = next
	snap := next
	return &snap
}

// validate 结构性校验，失败返回 ValidationError
func validate(msg model.StreamMessage) error {
	if msg.Timestamp.IsZero() {
		return &service.ValidationError{Field: "timestamp", Reason: "zero timestamp"}
	}
	if !msg.Category.IsAccountLevel() && msg.Symbol == "" {
		return &service.ValidationError{Field: "symbol", Reason: "missing symbol"}
	}

	switch msg.Kind {
	case model.KindTrade:
		if msg.Trade == nil || msg.Trade.Price <= 0 {
			return &service.ValidationError{Field: "trade.price", Reason: "non-positive price"}
		}
		if msg.Trade.Size < 0 {
			return &service.ValidationError{Field: "trade.size", Reason: "negative size"}
		}
	case model.KindQuote:
		q := msg.Quote
		if q == nil || (q.BidPrice <= 0 && q.AskPrice <= 0) {
			return &service.ValidationError{Field: "quote", Reason: "non-positive price"}
		}
		if q.BidPrice > 0 && q.AskPrice > 0 && q.BidPrice > q.AskPrice {
			return &service.ValidationError{Field: "quote", Reason: "crossed quote"}
		}
	case model.KindBar:
		b := msg.Bar
		if b == nil || b.Close <= 0 || b.Open <= 0 {
			return &service.ValidationError{Field: "bar", Reason: "non-positive price"}
		}
		if b.High < b.Low {
			return &service.ValidationError{Field: "bar", Reason: "high below low"}
		}
	case model.KindNews:
		if msg.News == nil || msg.News.Headline == "" {
			return &service.ValidationError{Field: "news.headline", Reason: "empty headline"}
		}
	case model.KindTradeUpdate:
		if msg.TradeUpdate == nil || (msg.TradeUpdate.ClientOrderID == "" && msg.TradeUpdate.BrokerOrderID == "") {
			return &service.ValidationError{Field: "trade_update.order", Reason: "missing order id"}
		}
	default:
		return &service.ValidationError{Field: "kind", Reason: "unknown message kind " + string(msg.Kind)}
	}
	return nil
}
