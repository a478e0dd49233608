package executor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"consensus-trader/internal/model"
	"consensus-trader/internal/service"

	"go.uber.org/zap"
)

// PriceSource 最新价格来源 (快照存储)
type PriceSource interface {
	LatestPrice(symbol string) (float64, bool)
}

// PriceFunc 函数适配器
type PriceFunc func(symbol string) (float64, bool)

func (f PriceFunc) LatestPrice(symbol string) (float64, bool) { return f(symbol) }

// SimulatorConfig 模拟器配置
type SimulatorConfig struct {
	InitialCapital float64 // 初始资金
	FeeRate        float64 // 交易手续费率 (例如 0.0005)，美股通常为 0
}

// SimulatorExecutor 纸面交易：以最新快照价格立即成交
type SimulatorExecutor struct {
	cfg    SimulatorConfig
	prices PriceSource
	logger *zap.SugaredLogger

	mu sync.RWMutex // 保护账户状态

	cash      float64
	maxEquity float64 // 历史最高账户净值
	positions map[string]*model.Position
	orders    map[string]*OrderStatus // broker id -> 状态
	lastPrice map[string]float64

	tradeHistory []*model.TradeRecord
	seq          int
	now          func() time.Time
}

func NewSimulatorExecutor(cfg SimulatorConfig, prices PriceSource) *SimulatorExecutor {
	return &SimulatorExecutor{
		cfg:       cfg,
		prices:    prices,
		logger:    service.Logger.Sugar().With("component", "simulator"),
		cash:      cfg.InitialCapital,
		maxEquity: cfg.InitialCapital, // 初始化时，最大净值 = 初始资金
		positions: make(map[string]*model.Position),
		orders:    make(map[string]*OrderStatus),
		lastPrice: make(map[string]float64),
		now:       time.Now,
	}
}

func (e *SimulatorExecutor) Name() string { return "simulator" }

// SubmitOrder 模拟下单和执行
func (e *SimulatorExecutor) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, &service.BrokerRejectionError{Code: http.StatusUnprocessableEntity, Reason: "qty must be > 0"}
	}

	price, ok := e.prices.LatestPrice(req.Symbol)
	if !ok || price <= 0 {
		return nil, &service.BrokerRejectionError{Code: http.StatusUnprocessableEntity, Reason: "no price for symbol " + req.Symbol}
	}
	if req.LimitPrice > 0 {
		// 限价单不满足条件时仍按市价成交，模拟器只做立即成交
		e.logger.Debugf("Sim limit price %.4f ignored for %s", req.LimitPrice, req.Symbol)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	notional := req.Quantity * price
	fee := notional * e.cfg.FeeRate

	switch req.Side {
	case model.SideBuy:
		if notional+fee > e.cash {
			e.logger.Infof("Sim Rejected: Insufficient buying power. Need: %.2f, Have: %.2f", notional+fee, e.cash)
			return nil, &service.BrokerRejectionError{Code: http.StatusForbidden, Reason: "insufficient buying power"}
		}
		e.cash -= notional + fee
		pos := e.position(req.Symbol)
		pos.Quantity += req.Quantity
		pos.CostBasis += notional
		pos.AvgPrice = pos.CostBasis / pos.Quantity

	case model.SideSell:
		pos := e.positions[req.Symbol]
		if pos == nil || pos.Quantity+1e-9 < req.Quantity {
			held := 0.0
			if pos != nil {
				held = pos.Quantity
			}
			e.logger.Infof("Sim Rejected: Insufficient qty for %s. Want: %.4f, Have: %.4f", req.Symbol, req.Quantity, held)
			return nil, &service.BrokerRejectionError{Code: http.StatusForbidden, Reason: "insufficient qty available for order"}
		}
		e.cash += notional - fee
		pos.CostBasis -= pos.AvgPrice * req.Quantity
		pos.Quantity -= req.Quantity
		if pos.Quantity <= 1e-9 {
			delete(e.positions, req.Symbol)
		}

	default:
		return nil, &service.BrokerRejectionError{Code: http.StatusUnprocessableEntity, Reason: fmt.Sprintf("invalid side %q", req.Side)}
	}

	e.seq++
	now := e.now()
	status := &OrderStatus{
		BrokerOrderID:  fmt.Sprintf("sim-%06d", e.seq),
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Status:         "filled",
		State:          model.OrderFilled,
		FilledQty:      req.Quantity,
		FilledAvgPrice: price,
		UpdatedAt:      now,
	}
	e.orders[status.BrokerOrderID] = status
	e.lastPrice[req.Symbol] = price
	e.tradeHistory = append(e.tradeHistory, &model.TradeRecord{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         price,
		CashAfter:     e.cash,
		FilledAt:      now,
	})

	if eq := e.equityLocked(); eq > e.maxEquity {
		e.maxEquity = eq
	}
	e.logger.Infof("Sim ORDER FILLED: %s %s %.4f @ %.4f. Fee: %.4f. Cash: %.2f",
		req.Side, req.Symbol, req.Quantity, price, fee, e.cash)

	out := *status
	return &out, nil
}

func (e *SimulatorExecutor) position(symbol string) *model.Position {
	pos, ok := e.positions[symbol]
	if !ok {
		pos = &model.Position{Symbol: symbol}
		e.positions[symbol] = pos
	}
	return pos
}

func (e *SimulatorExecutor) GetOrder(ctx context.Context, brokerOrderID string) (*OrderStatus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.orders[brokerOrderID]
	if !ok {
		return nil, &service.BrokerRejectionError{Code: http.StatusNotFound, Reason: "order not found"}
	}
	out := *s
	return &out, nil
}

// CancelOrder 模拟器订单立即成交，已成交订单不可撤
func (e *SimulatorExecutor) CancelOrder(ctx context.Context, brokerOrderID string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.orders[brokerOrderID]
	if !ok {
		return &service.BrokerRejectionError{Code: http.StatusNotFound, Reason: "order not found"}
	}
	if s.State.IsTerminal() {
		return &service.BrokerRejectionError{Code: http.StatusUnprocessableEntity, Reason: "order is already " + string(s.State)}
	}
	return nil
}

func (e *SimulatorExecutor) GetAccount(ctx context.Context) (*AccountInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &AccountInfo{Cash: e.cash, BuyingPower: e.cash, Equity: e.equityLocked()}, nil
}

func (e *SimulatorExecutor) GetPositions(ctx context.Context) ([]model.Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out, nil
}

// equityLocked 净值 = 现金 + 持仓按最新价估值
func (e *SimulatorExecutor) equityLocked() float64 {
	eq := e.cash
	for sym, p := range e.positions {
		price := p.AvgPrice
		if last, ok := e.prices.LatestPrice(sym); ok && last > 0 {
			price = last
		} else if last, ok := e.lastPrice[sym]; ok {
			price = last
		}
		eq += p.Quantity * price
	}
	return eq
}

// GetTradeHistory 返回记录的副本，防止外部修改
func (e *SimulatorExecutor) GetTradeHistory() []*model.TradeRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	records := make([]*model.TradeRecord, len(e.tradeHistory))
	copy(records, e.tradeHistory)
	return records
}

// GetMaxEquity 返回账户历史上的最高净值
func (e *SimulatorExecutor) GetMaxEquity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.maxEquity
}
