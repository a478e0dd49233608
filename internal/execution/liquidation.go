package execution

import (
	"context"
	"fmt"
	"sort"

	"consensus-trader/internal/model"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// LiquidationKind 强制平仓的触发类型
type LiquidationKind string

const (
	LiquidateProfitTarget  LiquidationKind = "profit_target"
	LiquidateStopLoss      LiquidationKind = "stop_loss"
	LiquidatePortfolioStop LiquidationKind = "portfolio_stop_loss"
)

// Mark 最新成交价与资产类别
type Mark struct {
	Price    float64
	Category model.Category
}

// LiquidationTrigger 一个需要全部卖出的持仓
type LiquidationTrigger struct {
	Symbol   string
	Category model.Category
	Kind     LiquidationKind
	Price    float64
	PnLPct   float64 // 组合止损时为组合回撤
}

// LiquidationRules 百分比阈值，0 表示关闭
type LiquidationRules struct {
	ProfitTargetPct float64
	StopLossPct     float64
}

func (r LiquidationRules) enabled() bool {
	return r.ProfitTargetPct > 0 || r.StopLossPct > 0
}

// CheckLiquidation 组合回撤达到止损线时平掉所有有价格的持仓；
// 否则逐个检查相对平均成本的止盈与止损。结果按 symbol 排序
func CheckLiquidation(positions []model.Position, marks map[string]Mark, equity, baseline float64, rules LiquidationRules) []LiquidationTrigger {
	var out []LiquidationTrigger

	portfolioStop := false
	drawdown := 0.0
	if rules.StopLossPct > 0 && baseline > 0 {
		drawdown = (baseline - equity) / baseline * 100
		portfolioStop = drawdown >= rules.StopLossPct
	}

	for _, p := range positions {
		if p.Quantity <= 0 {
			continue
		}
		m, ok := marks[p.Symbol]
		if !ok || m.Price <= 0 {
			continue
		}
		t := LiquidationTrigger{Symbol: p.Symbol, Category: m.Category, Price: m.Price}
		switch {
		case portfolioStop:
			t.Kind, t.PnLPct = LiquidatePortfolioStop, -drawdown
		case p.AvgPrice > 0:
			t.PnLPct = (m.Price - p.AvgPrice) / p.AvgPrice * 100
			if rules.ProfitTargetPct > 0 && t.PnLPct >= rules.ProfitTargetPct {
				t.Kind = LiquidateProfitTarget
			} else if rules.StopLossPct > 0 && t.PnLPct <= -rules.StopLossPct {
				t.Kind = LiquidateStopLoss
			}
		}
		if t.Kind != "" {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Liquidate 检查止盈止损并卖出触发的整个持仓。订单走与普通决策相同的
// 账户检查、提交与跟踪流程，平仓成交后同样进入防对敲冷却
func (c *Coordinator) Liquidate(ctx context.Context, cycleID string, marks map[string]Mark) ([]model.OrderRecord, []error) {
	rules := LiquidationRules{ProfitTargetPct: c.cfg.ProfitTargetPct, StopLossPct: c.cfg.StopLossPct}
	if !rules.enabled() {
		return nil, nil
	}
	c.inflight.Add(1)
	defer c.inflight.Done()

	if err := ctx.Err(); err != nil {
		return nil, []error{fmt.Errorf("liquidation stopped: %w", err)}
	}

	c.mu.Lock()
	baseline := c.baseline
	c.mu.Unlock()
	equity := c.ledger.Equity(func(sym string) (float64, bool) {
		if m, ok := marks[sym]; ok && m.Price > 0 {
			return m.Price, true
		}
		return c.marks(sym)
	})

	triggers := CheckLiquidation(c.ledger.Positions(), marks, equity, baseline, rules)
	if len(triggers) == 0 {
		return nil, nil
	}

	type result struct {
		order *model.OrderRecord
		err   error
	}
	results := make([]result, len(triggers))
	wp := pool.New().WithMaxGoroutines(4)
	for i, t := range triggers {
		i, t := i, t
		wp.Go(func() {
			o, err := c.liquidate(ctx, cycleID, t)
			results[i] = result{order: o, err: err}
		})
	}
	wp.Wait()

	var (
		orders []model.OrderRecord
		errs   []error
	)
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
		}
		if r.order != nil {
			orders = append(orders, *r.order)
		}
	}
	return orders, errs
}

func (c *Coordinator) liquidate(ctx context.Context, cycleID string, t LiquidationTrigger) (*model.OrderRecord, error) {
	d := model.ConsensusDecision{
		CycleID:             cycleID,
		Symbol:              t.Symbol,
		Category:            t.Category,
		Price:               t.Price,
		FinalAction:         model.ActionSell,
		AggregateConfidence: 1,
		Source:              model.SourceLiquidation,
		DecidedAt:           c.now(),
	}
	if reason := c.refusal(); reason != "" {
		c.skip(ctx, d, SkipAccountRestricted, reason)
		return nil, nil
	}
	// 已有卖单在途时只卖剩余部分
	qty := c.sellable(t.Symbol)
	if qty <= 0 {
		return nil, nil
	}
	c.logger.Warn("Liquidation triggered",
		zap.String("symbol", t.Symbol),
		zap.String("kind", string(t.Kind)),
		zap.Float64("price", t.Price),
		zap.Float64("pnl_pct", t.PnLPct),
		zap.Float64("qty", qty))
	return c.place(ctx, d, qty, model.SizingLiquidation)
}
