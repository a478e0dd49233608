package execution

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"consensus-trader/internal/model"

	"github.com/shopspring/decimal"
)

var ErrInsufficientCash = errors.New("insufficient available cash")

type lot struct {
	qty  decimal.Decimal
	cost decimal.Decimal
}

// Ledger 组合账本，只由确认的成交修改。金额用 decimal 避免累计误差
type Ledger struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	reserved  map[string]decimal.Decimal // client order id -> 预留金额
	positions map[string]*lot
}

func NewLedger(cash float64) *Ledger {
	return &Ledger{
		cash:      decimal.NewFromFloat(cash),
		reserved:  make(map[string]decimal.Decimal),
		positions: make(map[string]*lot),
	}
}

// Cash 账面现金
func (l *Ledger) Cash() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash.InexactFloat64()
}

// Available 现金减去未成交买单的预留
func (l *Ledger) Available() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.availableLocked().InexactFloat64()
}

func (l *Ledger) availableLocked() decimal.Decimal {
	avail := l.cash
	for _, r := range l.reserved {
		avail = avail.Sub(r)
	}
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// Reserve 为买单预留现金，超出可用现金时拒绝
func (l *Ledger) Reserve(id string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	amt := decimal.NewFromFloat(amount)
	if amt.GreaterThan(l.availableLocked()) {
		return fmt.Errorf("%w: need %s, available %s", ErrInsufficientCash, amt.StringFixed(2), l.availableLocked().StringFixed(2))
	}
	l.reserved[id] = l.reserved[id].Add(amt)
	return nil
}

// Release 订单终结后释放剩余预留
func (l *Ledger) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reserved, id)
}

// ApplyFill 应用一笔成交 (增量数量)，返回成交后的现金
func (l *Ledger) ApplyFill(id, symbol string, side model.Side, qty, price float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := decimal.NewFromFloat(qty)
	notional := q.Mul(decimal.NewFromFloat(price))
	pos, ok := l.positions[symbol]
	if !ok {
		pos = &lot{}
		l.positions[symbol] = pos
	}

	switch side {
	case model.SideBuy:
		l.cash = l.cash.Sub(notional)
		pos.qty = pos.qty.Add(q)
		pos.cost = pos.cost.Add(notional)
		if r, ok := l.reserved[id]; ok {
			r = r.Sub(notional)
			if r.IsPositive() {
				l.reserved[id] = r
			} else {
				delete(l.reserved, id)
			}
		}
	case model.SideSell:
		l.cash = l.cash.Add(notional)
		if pos.qty.IsPositive() {
			// 按平均成本减少成本基础
			avg := pos.cost.Div(pos.qty)
			pos.qty = pos.qty.Sub(q)
			pos.cost = pos.cost.Sub(avg.Mul(q))
		}
		if !pos.qty.IsPositive() {
			delete(l.positions, symbol)
		}
	}
	return l.cash.InexactFloat64()
}

// SetCash 与券商账户对齐 (启动时)
func (l *Ledger) SetCash(cash float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash = decimal.NewFromFloat(cash)
}

// Seed 用券商持仓初始化
func (l *Ledger) Seed(positions []model.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range positions {
		if p.Quantity <= 0 {
			continue
		}
		cost := p.CostBasis
		if cost == 0 {
			cost = p.AvgPrice * p.Quantity
		}
		l.positions[p.Symbol] = &lot{qty: decimal.NewFromFloat(p.Quantity), cost: decimal.NewFromFloat(cost)}
	}
}

func (l *Ledger) Position(symbol string) model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return toPosition(symbol, l.positions[symbol])
}

func (l *Ledger) Positions() []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Position, 0, len(l.positions))
	for sym, p := range l.positions {
		out = append(out, toPosition(sym, p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Equity 现金 + 持仓市值。mark 没有价格时按平均成本估值
func (l *Ledger) Equity(mark func(symbol string) (float64, bool)) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	eq := l.cash
	for sym, p := range l.positions {
		if price, ok := mark(sym); ok && price > 0 {
			eq = eq.Add(p.qty.Mul(decimal.NewFromFloat(price)))
			continue
		}
		eq = eq.Add(p.cost)
	}
	return eq.InexactFloat64()
}

func toPosition(symbol string, p *lot) model.Position {
	if p == nil || !p.qty.IsPositive() {
		return model.Position{Symbol: symbol}
	}
	return model.Position{
		Symbol:    symbol,
		Quantity:  p.qty.InexactFloat64(),
		CostBasis: p.cost.InexactFloat64(),
		AvgPrice:  p.cost.Div(p.qty).InexactFloat64(),
	}
}
