package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"consensus-trader/internal/api"
	"consensus-trader/internal/bus"
	"consensus-trader/internal/metrics"
	"consensus-trader/internal/model"
	"consensus-trader/internal/service"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

var (
	ErrDuplicateSubscription = errors.New("subscription already active")
	ErrUnknownCategory       = errors.New("unknown stream category")
	ErrEngineRunning         = errors.New("endpoint cannot be added while engine is running")
)

const tradingEndpoint = "trading"

// SnapshotSink 快照持久化 (Redis / ClickHouse)
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, snap *model.MarketSnapshot) error
}

// Deps 引擎依赖；Sink 可以为空
type Deps struct {
	Store   *Store
	Sink    SnapshotSink
	Bus     *bus.Bus
	Metrics *metrics.Recorder
}

type subscription struct {
	info     model.StreamSubscription
	endpoint string
	worker   *worker
}

// Engine 行情引擎：每个端点一个多路复用连接，每个 (category, symbol) 一个 worker
type Engine struct {
	cfg     service.StreamConfig
	creds   api.Credentials
	feed    model.Feed
	store   *Store
	sink    SnapshotSink
	bus     *bus.Bus
	metrics *metrics.Recorder
	logger  *zap.Logger

	mu         sync.RWMutex
	subs       map[model.SubscriptionKey]*subscription
	connectors map[string]*api.Connector
	runCtx     context.Context
	workers    conc.WaitGroup
}

func NewEngine(cfg service.StreamConfig, creds api.Credentials, feed model.Feed, deps Deps) *Engine {
	if cfg.WorkerBuffer <= 0 {
		cfg.WorkerBuffer = 256
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.BarInterval <= 0 {
		cfg.BarInterval = time.Minute
	}
	if deps.Store == nil {
		deps.Store = NewStore()
	}
	if deps.Bus == nil {
		deps.Bus = bus.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Engine{
		cfg:        cfg,
		creds:      creds,
		feed:       feed,
		store:      deps.Store,
		sink:       deps.Sink,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		logger:     service.Named("stream"),
		subs:       make(map[model.SubscriptionKey]*subscription),
		connectors: make(map[string]*api.Connector),
	}
}

// Store 快照存储 (只读使用)
func (e *Engine) Store() *Store { return e.store }

// endpointFor 类别 -> (端点名, URL)
func (e *Engine) endpointFor(cat model.Category) (string, string, error) {
	switch cat {
	case model.CategoryStocks:
		return "stocks", strings.ReplaceAll(e.cfg.StocksURL, "{feed}", string(e.feed)), nil
	case model.CategoryCrypto:
		return "crypto", e.cfg.CryptoURL, nil
	case model.CategoryOptions:
		return "options", e.cfg.OptionsURL, nil
	case model.CategoryNews:
		return "news", e.cfg.NewsURL, nil
	case model.CategoryTradeUpdates, model.CategoryAccountUpdates, model.CategoryOrderUpdates:
		return tradingEndpoint, e.cfg.TradingURL, nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnknownCategory, cat)
	}
}

// Start 按过滤后的类别登记订阅；symbols 以类别名为 key，news 未配置时沿用 stocks 的 symbol
func (e *Engine) Start(allowed []model.Category, symbols map[string][]string) error {
	for _, cat := range allowed {
		var list []string
		switch {
		case cat.IsAccountLevel():
		case cat == model.CategoryNews && len(symbols[string(cat)]) == 0:
			list = symbols[string(model.CategoryStocks)]
		default:
			list = symbols[string(cat)]
		}
		if !cat.IsAccountLevel() && len(list) == 0 {
			e.logger.Warn("No symbols configured for category", zap.String("category", string(cat)))
			continue
		}
		if err := e.Subscribe(cat, list...); err != nil && !errors.Is(err, ErrDuplicateSubscription) {
			return err
		}
	}
	return nil
}

// Subscribe 登记 (category, symbol)。同一个 key 最多一个活跃订阅
func (e *Engine) Subscribe(cat model.Category, symbols ...string) error {
	endpoint, _, err := e.endpointFor(cat)
	if err != nil {
		return err
	}
	if cat.IsAccountLevel() {
		symbols = []string{""}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	conn, running := e.connectors[endpoint]
	if e.runCtx != nil && !running {
		return fmt.Errorf("%w: %s", ErrEngineRunning, endpoint)
	}

	var added []string
	var dup error
	for _, sym := range symbols {
		key := model.SubscriptionKey{Category: cat, Symbol: sym}
		if _, ok := e.subs[key]; ok {
			dup = fmt.Errorf("%w: %s", ErrDuplicateSubscription, key)
			continue
		}
		sub := &subscription{
			info:     model.StreamSubscription{Key: key, State: model.StateDisconnected},
			endpoint: endpoint,
			worker:   newWorker(e, key),
		}
		e.subs[key] = sub
		added = append(added, sym)
		if e.runCtx != nil {
			ctx := e.runCtx
			e.workers.Go(func() { sub.worker.run(ctx) })
		}
	}

	if running && len(added) > 0 && !cat.IsAccountLevel() {
		if err := conn.Subscribe(added...); err != nil {
			return err
		}
	}
	return dup
}

// Subscriptions 当前订阅状态快照，按 key 排序
func (e *Engine) Subscriptions() []model.StreamSubscription {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.StreamSubscription, 0, len(e.subs))
	for _, s := range e.subs {
		out = append(out, s.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Run 建立所有端点连接并启动 worker，阻塞直到 ctx 结束或出现致命错误 (认证失败)
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.runCtx != nil {
		e.mu.Unlock()
		return errors.New("stream engine already running")
	}
	e.runCtx = ctx
	e.buildConnectors()
	for _, s := range e.subs {
		w := s.worker
		e.workers.Go(func() { w.run(ctx) })
	}
	conns := make([]*api.Connector, 0, len(e.connectors))
	for _, c := range e.connectors {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	e.logger.Info("Stream engine started", zap.Int("endpoints", len(conns)), zap.Int("subscriptions", len(e.Subscriptions())))

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, c := range conns {
		c := c
		p.Go(func(ctx context.Context) error { return c.Run(ctx) })
	}
	err := p.Wait()
	if len(conns) == 0 {
		<-ctx.Done()
	}

	cancel()
	e.workers.Wait()
	e.logger.Info("Stream engine stopped", zap.Error(err))
	return err
}

// buildConnectors 每个端点一个连接，调用方持有 e.mu
func (e *Engine) buildConnectors() {
	symbols := make(map[string][]string)
	var tradingStreams []model.Category
	seenStream := make(map[model.Category]bool)
	categories := make(map[string]model.Category)

	for key, sub := range e.subs {
		if key.Category.IsAccountLevel() {
			if !seenStream[key.Category] {
				seenStream[key.Category] = true
				tradingStreams = append(tradingStreams, key.Category)
			}
			continue
		}
		symbols[sub.endpoint] = append(symbols[sub.endpoint], key.Symbol)
		categories[sub.endpoint] = key.Category
	}

	for endpoint, cat := range categories {
		_, url, _ := e.endpointFor(cat)
		c := e.newConnector(endpoint, url, api.MarketDialect{Category: cat})
		sort.Strings(symbols[endpoint])
		_ = c.Subscribe(symbols[endpoint]...)
		e.connectors[endpoint] = c
	}
	if len(tradingStreams) > 0 {
		sort.Slice(tradingStreams, func(i, j int) bool { return tradingStreams[i] < tradingStreams[j] })
		_, url, _ := e.endpointFor(tradingStreams[0])
		e.connectors[tradingEndpoint] = e.newConnector(tradingEndpoint, url, api.TradingDialect{Streams: tradingStreams})
	}
}

func (e *Engine) newConnector(endpoint, url string, dialect api.Dialect) *api.Connector {
	backoff := e.cfg.Backoff
	if backoff.Min <= 0 {
		backoff = service.ReconnectBackoff()
	}
	return api.NewConnector(api.ConnectorConfig{
		Name:    endpoint,
		URL:     url,
		Creds:   e.creds,
		Dialect: dialect,
		Backoff: backoff,
	}, e.route, func(state model.ConnectionState, reconnected bool) {
		e.onConnectionState(endpoint, state, reconnected)
	})
}

// route 连接读循环的回调，按 key 分发到 worker。行情消息在队列满时丢弃，账户消息阻塞等待
func (e *Engine) route(msgs []model.StreamMessage) {
	e.mu.RLock()
	ctx := e.runCtx
	e.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	for _, msg := range msgs {
		key := model.SubscriptionKey{Category: msg.Category, Symbol: msg.Symbol}
		if msg.Category.IsAccountLevel() {
			key.Symbol = ""
		}
		e.mu.RLock()
		sub, ok := e.subs[key]
		e.mu.RUnlock()
		if !ok {
			continue
		}

		if key.Category.IsAccountLevel() {
			select {
			case sub.worker.in <- msg:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case sub.worker.in <- msg:
		default:
			e.metrics.RecordDropped("worker")
			e.logger.Warn("Worker queue full, dropping message", zap.String("key", key.String()))
		}
	}
}

// onConnectionState 重连后该端点全部订阅标记为 Degraded，直到收到新消息
func (e *Engine) onConnectionState(endpoint string, state model.ConnectionState, reconnected bool) {
	target := state
	switch {
	case state == model.StateConnecting:
		return
	case state == model.StateSubscribed && reconnected:
		target = model.StateDegraded
		e.metrics.RecordReconnect(endpoint)
	}

	now := time.Now()
	var changed []model.StreamSubscription
	e.mu.Lock()
	for _, s := range e.subs {
		if s.endpoint != endpoint || s.info.State == target {
			continue
		}
		s.info.State = target
		changed = append(changed, s.info)
	}
	e.mu.Unlock()

	for i := range changed {
		info := changed[i]
		info.LastUpdate = now
		e.bus.Publish(bus.SubscriptionEvent(&info))
	}
}

// markFresh worker 接受消息后调用
func (e *Engine) markFresh(key model.SubscriptionKey, ts time.Time) {
	e.mu.Lock()
	s, ok := e.subs[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	s.info.LastUpdate = ts
	if s.info.State == model.StateSubscribed {
		e.mu.Unlock()
		return
	}
	s.info.State = model.StateSubscribed
	info := s.info
	e.mu.Unlock()

	e.bus.Publish(bus.SubscriptionEvent(&info))
}

// degrade 连续校验失败：标记 Degraded 并重新订阅该 key
func (e *Engine) degrade(key model.SubscriptionKey, cause error) {
	e.mu.Lock()
	s, ok := e.subs[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	s.info.State = model.StateDegraded
	info := s.info
	conn := e.connectors[s.endpoint]
	e.mu.Unlock()

	e.logger.Warn("Subscription degraded, resubscribing", zap.String("key", key.String()), zap.Error(cause))
	e.bus.Publish(bus.SubscriptionEvent(&info))
	if conn == nil {
		return
	}
	var err error
	if key.Category.IsAccountLevel() {
		err = conn.Resubscribe()
	} else {
		err = conn.Resubscribe(key.Symbol)
	}
	if err != nil {
		e.logger.Warn("Resubscribe failed", zap.String("key", key.String()), zap.Error(err))
	}
}
