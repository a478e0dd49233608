package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"consensus-trader/internal/bus"
	"consensus-trader/internal/executor"
	"consensus-trader/internal/metrics"
	"consensus-trader/internal/model"
	"consensus-trader/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// 跳过原因，同时作为 metrics label
const (
	SkipAccountRestricted = "account_restricted"
	SkipWashTrade         = "wash_trade_cooldown"
	SkipZeroQuantity      = "zero_quantity"
	SkipNoPosition        = "no_position"
	SkipNoPrice           = "no_price"
	SkipInsufficientCash  = "insufficient_cash"
	SkipBrokerRejected    = "broker_rejected"
	SkipSubmitFailed      = "submit_failed"
)

const recentLimit = 200

// Recorder 成交与跳过记录 (journal 实现)
type Recorder interface {
	RecordTrade(ctx context.Context, t model.TradeRecord) error
	RecordSkipped(ctx context.Context, s model.SkippedTrade) error
}

// Deps 可选依赖
type Deps struct {
	Journal Recorder
	Bus     *bus.Bus
	Metrics *metrics.Recorder
	Marks   func(symbol string) (float64, bool) // 估值用最新价格
}

// Coordinator 仓位计算、冷却检查、下单与订单跟踪。账本与冷却表只由它修改
type Coordinator struct {
	cfg        service.ExecutionConfig
	broker     executor.Broker
	ledger     *Ledger
	guards     *GuardTable
	capability atomic.Pointer[model.AccountCapability]

	journal Recorder
	bus     *bus.Bus
	metrics *metrics.Recorder
	marks   func(symbol string) (float64, bool)
	logger  *zap.Logger
	backoff service.Backoff
	now     func() time.Time

	mu        sync.Mutex
	orders    map[string]*model.OrderRecord // client order id
	unsettled map[string]bool               // 撤单未确认，预留保留
	recent    []string
	skipped   []model.SkippedTrade
	baseline  float64 // 组合止损的起始净值
	inflight  sync.WaitGroup
}

func NewCoordinator(cfg service.ExecutionConfig, broker executor.Broker, capability *model.AccountCapability, deps Deps) *Coordinator {
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxExposure <= 0 {
		cfg.MaxExposure = 0.1
	}
	if cfg.DefaultKelly <= 0 {
		cfg.DefaultKelly = 0.02
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewWithRegistry(prometheus.NewRegistry())
	}
	if deps.Marks == nil {
		deps.Marks = func(string) (float64, bool) { return 0, false }
	}
	c := &Coordinator{
		cfg:     cfg,
		broker:  broker,
		ledger:  NewLedger(cfg.InitialCash),
		guards:  NewGuardTable(cfg.CooldownCycles),
		journal: deps.Journal,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		marks:   deps.Marks,
		logger:  service.Named("execution"),
		backoff: service.Backoff{Min: cfg.SubmitRetryDelay, Max: 5 * time.Second, Factor: 2, Jitter: 0.2},
		now:     time.Now,
		orders:    make(map[string]*model.OrderRecord),
		unsettled: make(map[string]bool),
		baseline:  cfg.InitialCash,
	}
	c.capability.Store(capability)
	return c
}

func (c *Coordinator) Ledger() *Ledger { return c.ledger }

func (c *Coordinator) Guards() *GuardTable { return c.guards }

// SetCapability 重新验证后替换
func (c *Coordinator) SetCapability(capability *model.AccountCapability) {
	c.capability.Store(capability)
}

// SeedPositions 启动时从券商同步现金与持仓
func (c *Coordinator) SeedPositions(ctx context.Context) error {
	acct, err := c.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("seed account: %w", err)
	}
	positions, err := c.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("seed positions: %w", err)
	}
	c.ledger.SetCash(acct.Cash)
	c.ledger.Seed(positions)
	equity := c.Equity()
	c.mu.Lock()
	c.baseline = equity
	c.mu.Unlock()
	c.logger.Info("Ledger seeded from broker",
		zap.String("broker", c.broker.Name()),
		zap.Float64("cash", acct.Cash),
		zap.Int("positions", len(positions)))
	return nil
}

// Equity 现金 + 持仓市值
func (c *Coordinator) Equity() float64 {
	return c.ledger.Equity(c.marks)
}

// Held 当前持仓数量
func (c *Coordinator) Held(symbol string) float64 {
	return c.ledger.Position(symbol).Quantity
}

// refusal 账户状态不允许下单时返回原因
func (c *Coordinator) refusal() string {
	capability := c.capability.Load()
	if capability == nil {
		return "no verified account capability"
	}
	if !capability.CanTrade() {
		return fmt.Sprintf("account %s, trading not permitted", capability.Status)
	}
	return ""
}

// Execute 执行一个决策。Hold 与被跳过的交易返回 nil 订单；错误只用于记录，不中断周期
func (c *Coordinator) Execute(ctx context.Context, d model.ConsensusDecision) (*model.OrderRecord, error) {
	if d.FinalAction == model.ActionHold || d.FinalAction == "" {
		return nil, nil
	}
	c.inflight.Add(1)
	defer c.inflight.Done()

	// 关停开始后不再产生新订单
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("execution stopped: %w", err)
	}
	if reason := c.refusal(); reason != "" {
		c.skip(ctx, d, SkipAccountRestricted, reason)
		return nil, nil
	}
	if d.Price <= 0 {
		c.skip(ctx, d, SkipNoPrice, "no reference price")
		return nil, nil
	}

	var (
		qty    float64
		method model.SizingMethod
	)
	switch d.FinalAction {
	case model.ActionBuy:
		if remaining, blocked := c.guards.Blocked(d.Symbol); blocked {
			c.skip(ctx, d, SkipWashTrade, fmt.Sprintf("wash trade cooldown, %d cycles remaining", remaining))
			return nil, nil
		}
		kelly := d.KellyFraction
		if kelly <= 0 {
			kelly = c.cfg.DefaultKelly
		}
		pos := c.ledger.Position(d.Symbol)
		res := SizeBuy(SizingInput{
			Symbol:          d.Symbol,
			Category:        d.Category,
			KellyFraction:   kelly,
			Confidence:      d.AggregateConfidence,
			Price:           d.Price,
			AvailableCash:   c.ledger.Available(),
			Equity:          c.Equity(),
			CurrentExposure: pos.Quantity * d.Price,
			MaxExposure:     c.cfg.MaxExposure,
		})
		if res.Clamp != nil {
			// 提交前拦截，不作为错误返回
			c.logger.Warn("Oversized order clamped", zap.String("symbol", d.Symbol), zap.Error(res.Clamp), zap.Float64("qty", res.Quantity))
		}
		if res.Quantity <= 0 {
			c.skip(ctx, d, SkipZeroQuantity, "computed quantity is zero")
			return nil, nil
		}
		qty, method = res.Quantity, model.SizingKelly

	case model.ActionSell:
		held := c.sellable(d.Symbol)
		if held <= 0 {
			c.skip(ctx, d, SkipNoPosition, "no position to sell")
			return nil, nil
		}
		qty, method = SizeSell(held, d.AggregateConfidence, c.cfg.FullExitConfidence, c.cfg.ScaleOutFraction, d.Category)

	default:
		return nil, fmt.Errorf("unknown action %q", d.FinalAction)
	}
	return c.place(ctx, d, qty, method)
}

// place 预留现金、提交并跟踪到终态。预留在订单终态时释放
func (c *Coordinator) place(ctx context.Context, d model.ConsensusDecision, qty float64, method model.SizingMethod) (*model.OrderRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("execution stopped: %w", err)
	}
	o := &model.OrderRecord{
		ClientOrderID: service.NewID(),
		CycleID:       d.CycleID,
		Symbol:        d.Symbol,
		Side:          sideOf(d.FinalAction),
		Quantity:      qty,
		SizingMethod:  method,
		State:         model.OrderPending,
		Confidence:    d.AggregateConfidence,
		UpdatedAt:     c.now(),
	}
	if o.Side == model.SideBuy {
		if err := c.ledger.Reserve(o.ClientOrderID, qty*d.Price); err != nil {
			c.skip(ctx, d, SkipInsufficientCash, err.Error())
			return nil, nil
		}
	}
	c.track(o)

	if err := c.submit(ctx, d, o); err != nil {
		return c.snapshot(o.ClientOrderID), err
	}
	// 已提交的订单在关停时也要推进到终态
	c.await(context.WithoutCancel(ctx), o.ClientOrderID)
	return c.snapshot(o.ClientOrderID), nil
}

// sellable 持仓减去未完成卖单的剩余数量
func (c *Coordinator) sellable(symbol string) float64 {
	held := c.ledger.Position(symbol).Quantity
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.orders {
		if o.Symbol == symbol && o.Side == model.SideSell && !o.State.IsTerminal() {
			held -= o.Quantity - o.FilledQuantity
		}
	}
	return held
}

func sideOf(a model.Action) model.Side {
	if a == model.ActionSell {
		return model.SideSell
	}
	return model.SideBuy
}

// submit 网络错误重试一次，券商拒单直接记录。
// 已发出的请求不随 ctx 取消；ctx 结束后不再发起重试
func (c *Coordinator) submit(ctx context.Context, d model.ConsensusDecision, o *model.OrderRecord) error {
	req := executor.OrderRequest{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Category:      d.Category,
		Side:          o.Side,
		Quantity:      o.Quantity,
		LimitPrice:    o.LimitPrice,
	}

	var status *executor.OrderStatus
	err := service.Retry(ctx, 2, c.backoff, func(rctx context.Context) error {
		var err error
		status, err = c.broker.SubmitOrder(context.WithoutCancel(rctx), req)
		if err != nil && service.IsRetryable(err) {
			c.logger.Warn("Order submit failed, retrying", zap.String("symbol", o.Symbol), zap.Error(err))
		}
		return err
	})
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		reason, skipReason := "submit failed: "+err.Error(), SkipSubmitFailed
		var rej *service.BrokerRejectionError
		if errors.As(err, &rej) {
			reason, skipReason = "broker rejected: "+rej.Reason, SkipBrokerRejected
		}
		c.update(o.ClientOrderID, func(o *model.OrderRecord) {
			o.RejectionReason = reason
			c.transition(o, model.OrderRejected)
		})
		c.skip(ctx, d, skipReason, reason)
		return service.WrapStage("submit", d.CycleID, d.Symbol, err)
	}

	c.update(o.ClientOrderID, func(o *model.OrderRecord) {
		o.SubmittedAt = c.now()
		c.transition(o, model.OrderSubmitted)
	})
	c.ApplyStatus(ctx, status)
	return nil
}

// await 轮询直到终态或超时，超时后撤单
func (c *Coordinator) await(ctx context.Context, clientID string) {
	deadline := c.now().Add(c.cfg.FillTimeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		o := c.snapshot(clientID)
		if o == nil || o.State.IsTerminal() {
			return
		}
		if !c.now().Before(deadline) {
			c.cancel(ctx, o)
			return
		}
		<-ticker.C

		status, err := c.broker.GetOrder(ctx, o.BrokerOrderID)
		if err != nil {
			c.metrics.RecordError("order_poll")
			c.logger.Warn("Order status poll failed", zap.String("order", clientID), zap.Error(err))
			continue
		}
		c.ApplyStatus(ctx, status)
	}
}

// cancel 只有券商报告终态才结束订单；未确认的订单保留预留，由 Reconcile 继续跟踪
func (c *Coordinator) cancel(ctx context.Context, o *model.OrderRecord) {
	c.logger.Warn("Fill timeout, cancelling order", zap.String("order", o.ClientOrderID), zap.String("symbol", o.Symbol), zap.String("state", string(o.State)))
	if err := c.broker.CancelOrder(ctx, o.BrokerOrderID); err != nil {
		c.metrics.RecordError("order_cancel")
		c.logger.Warn("Cancel failed", zap.String("order", o.ClientOrderID), zap.Error(err))
	}
	// 撤单前可能已有成交
	if status, err := c.broker.GetOrder(ctx, o.BrokerOrderID); err == nil {
		c.ApplyStatus(ctx, status)
	} else {
		c.logger.Warn("Order status after cancel unavailable", zap.String("order", o.ClientOrderID), zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.orders[o.ClientOrderID]; ok && !cur.State.IsTerminal() {
		c.unsettled[o.ClientOrderID] = true
		c.logger.Warn("Order not confirmed terminal after cancel, keeping reservation",
			zap.String("order", o.ClientOrderID),
			zap.String("state", string(cur.State)))
	}
}

// Reconcile 查询撤单后仍未终结的订单。券商报告终态后释放预留
func (c *Coordinator) Reconcile(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.unsettled))
	for id := range c.unsettled {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		o := c.snapshot(id)
		if o == nil {
			c.mu.Lock()
			delete(c.unsettled, id)
			c.mu.Unlock()
			continue
		}
		status, err := c.broker.GetOrder(ctx, o.BrokerOrderID)
		if err != nil {
			c.metrics.RecordError("order_poll")
			c.logger.Warn("Unsettled order poll failed", zap.String("order", id), zap.Error(err))
			continue
		}
		c.ApplyStatus(ctx, status)
	}
}

// Unsettled 撤单未确认的订单数
func (c *Coordinator) Unsettled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unsettled)
}

// ApplyStatus 应用券商回报 (轮询或交易流)。按已记录的成交量计算增量，重复回报不会重复记账
func (c *Coordinator) ApplyStatus(ctx context.Context, st *executor.OrderStatus) {
	if st == nil {
		return
	}
	var trade *model.TradeRecord
	var flattened bool

	c.update(st.ClientOrderID, func(o *model.OrderRecord) {
		if st.BrokerOrderID != "" {
			o.BrokerOrderID = st.BrokerOrderID
		}
		if delta := st.FilledQty - o.FilledQuantity; delta > 1e-12 {
			price := st.FilledAvgPrice
			if o.FilledQuantity > 0 {
				// 从累计均价还原本次增量的成交价
				price = (st.FilledQty*st.FilledAvgPrice - o.FilledQuantity*o.AvgFillPrice) / delta
			}
			cash := c.ledger.ApplyFill(o.ClientOrderID, o.Symbol, o.Side, delta, price)
			o.FilledQuantity = st.FilledQty
			o.AvgFillPrice = st.FilledAvgPrice
			trade = &model.TradeRecord{
				ClientOrderID: o.ClientOrderID,
				Symbol:        o.Symbol,
				Side:          o.Side,
				Quantity:      delta,
				Price:         price,
				CashAfter:     cash,
				FilledAt:      c.now(),
			}
			if o.Side == model.SideSell && c.ledger.Position(o.Symbol).Quantity <= 0 {
				flattened = true
			}
		}
		if st.State != "" && st.State != o.State {
			c.transition(o, st.State)
		}
	})

	if trade == nil {
		return
	}
	c.logger.Info("Order fill applied",
		zap.String("order", trade.ClientOrderID),
		zap.String("symbol", trade.Symbol),
		zap.String("side", string(trade.Side)),
		zap.Float64("qty", trade.Quantity),
		zap.Float64("price", trade.Price),
		zap.Float64("cash", trade.CashAfter))
	if flattened {
		c.guards.Arm(trade.Symbol, trade.FilledAt)
		c.logger.Info("Position flattened, wash trade guard armed", zap.String("symbol", trade.Symbol), zap.Int("cycles", c.guards.cooldown))
	}
	if c.journal != nil {
		if err := c.journal.RecordTrade(ctx, *trade); err != nil {
			c.metrics.RecordError("journal")
			c.logger.Warn("Trade journal write failed", zap.Error(err))
		}
	}
}

// HandleTradeUpdate 交易流推送的订单事件
func (c *Coordinator) HandleTradeUpdate(ctx context.Context, u *model.TradeUpdate) {
	state := executor.MapStatus(u.Event)
	if u.Event == "fill" {
		state = model.OrderFilled
	}
	if u.Event == "partial_fill" {
		state = model.OrderPartiallyFilled
	}
	c.ApplyStatus(ctx, &executor.OrderStatus{
		BrokerOrderID:  u.BrokerOrderID,
		ClientOrderID:  u.ClientOrderID,
		Symbol:         u.Symbol,
		Status:         u.Event,
		State:          state,
		FilledQty:      u.FilledQty,
		FilledAvgPrice: u.FilledAvgPrice,
		UpdatedAt:      c.now(),
	})
}

// transition 调用方持有 c.mu
func (c *Coordinator) transition(o *model.OrderRecord, to model.OrderState) {
	path, err := advance(o, to, c.now())
	if err != nil {
		c.logger.Warn("Ignoring order state change", zap.String("order", o.ClientOrderID), zap.Error(err))
		return
	}
	for _, s := range path {
		c.metrics.RecordOrder(string(o.Side), string(s))
	}
	if len(path) == 0 {
		return
	}
	if o.State.IsTerminal() {
		c.ledger.Release(o.ClientOrderID)
		delete(c.unsettled, o.ClientOrderID)
	}
	c.logger.Info(o.String(), zap.String("order", o.ClientOrderID), zap.String("cycle", o.CycleID))
	if c.bus != nil {
		cp := *o
		c.bus.Publish(bus.OrderEvent(&cp))
	}
}

func (c *Coordinator) track(o *model.OrderRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[o.ClientOrderID] = o
	c.recent = append(c.recent, o.ClientOrderID)
	if len(c.recent) > recentLimit {
		old := c.recent[0]
		c.recent = c.recent[1:]
		if prev, ok := c.orders[old]; ok && prev.State.IsTerminal() {
			delete(c.orders, old)
		}
	}
	c.metrics.RecordOrder(string(o.Side), string(o.State))
	if c.bus != nil {
		cp := *o
		c.bus.Publish(bus.OrderEvent(&cp))
	}
}

func (c *Coordinator) update(clientID string, fn func(o *model.OrderRecord)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.orders[clientID]; ok {
		fn(o)
	}
}

func (c *Coordinator) snapshot(clientID string) *model.OrderRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[clientID]
	if !ok {
		return nil
	}
	cp := *o
	return &cp
}

// Orders 最近的订单，按提交顺序
func (c *Coordinator) Orders() []model.OrderRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.OrderRecord, 0, len(c.recent))
	for _, id := range c.recent {
		if o, ok := c.orders[id]; ok {
			out = append(out, *o)
		}
	}
	return out
}

func (c *Coordinator) Skipped() []model.SkippedTrade {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.SkippedTrade, len(c.skipped))
	copy(out, c.skipped)
	return out
}

func (c *Coordinator) skip(ctx context.Context, d model.ConsensusDecision, kind, reason string) {
	s := model.SkippedTrade{CycleID: d.CycleID, Symbol: d.Symbol, Action: d.FinalAction, Reason: reason, At: c.now()}
	c.mu.Lock()
	c.skipped = append(c.skipped, s)
	if len(c.skipped) > recentLimit {
		c.skipped = c.skipped[len(c.skipped)-recentLimit:]
	}
	c.mu.Unlock()

	c.metrics.RecordSkipped(kind)
	c.logger.Info("Trade skipped",
		zap.String("symbol", d.Symbol),
		zap.String("cycle", d.CycleID),
		zap.String("action", string(d.FinalAction)),
		zap.String("reason", reason))
	if c.journal != nil {
		if err := c.journal.RecordSkipped(context.WithoutCancel(ctx), s); err != nil {
			c.metrics.RecordError("journal")
			c.logger.Warn("Skipped trade journal write failed", zap.Error(err))
		}
	}
}

// EndCycle 每个完成的周期调用一次
func (c *Coordinator) EndCycle() {
	for _, sym := range c.guards.Tick() {
		c.logger.Info("Wash trade guard released", zap.String("symbol", sym))
	}
}

// Shutdown 等待进行中的订单到达终态
func (c *Coordinator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("Execution coordinator drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("execution shutdown: %w", ctx.Err())
	}
}
