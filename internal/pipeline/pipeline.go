package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"consensus-trader/internal/bus"
	"consensus-trader/internal/consensus"
	"consensus-trader/internal/execution"
	"consensus-trader/internal/metrics"
	"consensus-trader/internal/model"
	"consensus-trader/internal/service"
	"consensus-trader/internal/strategy"
	"consensus-trader/internal/timing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// ErrCycleInFlight 上一个周期尚未结束
var ErrCycleInFlight = errors.New("decision cycle already in flight")

// SnapshotSource 最新行情快照
type SnapshotSource interface {
	All() []*model.MarketSnapshot
}

// Decider 单个 symbol 的共识决策
type Decider interface {
	Decide(ctx context.Context, cycleID string, in consensus.Input) model.ConsensusDecision
}

// Trader 执行协调器
type Trader interface {
	Execute(ctx context.Context, d model.ConsensusDecision) (*model.OrderRecord, error)
	Liquidate(ctx context.Context, cycleID string, marks map[string]execution.Mark) ([]model.OrderRecord, []error)
	Reconcile(ctx context.Context)
	EndCycle()
	Equity() float64
	Held(symbol string) float64
}

type Deps struct {
	Snapshots SnapshotSource
	Decider   Decider
	Trader    Trader
	Timing    *timing.Controller
	Bus       *bus.Bus
	Metrics   *metrics.Recorder
}

// Report 一个周期的结果
type Report struct {
	CycleID   string
	Phase     timing.Phase
	Decisions []model.ConsensusDecision
	Orders    []model.OrderRecord
	Errors    []error
	Duration  time.Duration
}

// Degraded 所有决策都退回了数学基线
func (r Report) Degraded() bool {
	if len(r.Decisions) == 0 {
		return false
	}
	for _, d := range r.Decisions {
		if !d.AIDegraded {
			return false
		}
	}
	return true
}

// Pipeline 周期：读快照 -> 共识决策 -> 执行 -> 延迟反馈给节奏控制
type Pipeline struct {
	cfg       service.PipelineConfig
	snapshots SnapshotSource
	decider   Decider
	trader    Trader
	timing    *timing.Controller
	bus       *bus.Bus
	metrics   *metrics.Recorder
	logger    *zap.Logger
	now       func() time.Time

	mu   sync.RWMutex
	last *Report
}

func New(cfg service.PipelineConfig, deps Deps) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewWithRegistry(prometheus.NewRegistry())
	}
	return &Pipeline{
		cfg:       cfg,
		snapshots: deps.Snapshots,
		decider:   deps.Decider,
		trader:    deps.Trader,
		timing:    deps.Timing,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		logger:    service.Named("pipeline"),
		now:       time.Now,
	}
}

// LastReport 最近完成的周期，未运行过时为 nil
func (p *Pipeline) LastReport() *Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return nil
	}
	r := *p.last
	return &r
}

// Run 按节奏控制器给出的间隔循环执行周期，直到 ctx 结束
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("Decision loop started", zap.Int("concurrency", p.cfg.Concurrency))
	for {
		report, err := p.RunCycle(ctx)
		if err != nil && !errors.Is(err, ErrCycleInFlight) {
			p.logger.Warn("Cycle aborted", zap.Error(err))
		}

		next, phase := p.timing.NextInterval(p.now())
		if phase == timing.PhaseClosed && p.hasCrypto() && next > p.timing.MaxInterval() {
			// 加密货币全天交易
			next = p.timing.MaxInterval()
		}
		p.metrics.RecordCycle(report.Duration, next)
		p.logger.Info("Next cycle scheduled",
			zap.String("phase", string(phase)),
			zap.Duration("in", next),
			zap.Duration("observed_latency", p.timing.ObservedLatency()))

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info("Decision loop stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunCycle 执行一个完整周期。同一时间只允许一个周期
func (p *Pipeline) RunCycle(ctx context.Context) (Report, error) {
	if !p.timing.TryBegin() {
		return Report{}, ErrCycleInFlight
	}
	defer p.timing.End()

	start := p.now()
	report := Report{CycleID: service.NewID(), Phase: p.timing.Phase(start)}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	// 撤单未确认的订单
	p.trader.Reconcile(ctx)

	snaps := p.eligible(report.Phase, start)
	if len(snaps) == 0 {
		p.logger.Debug("No eligible snapshots", zap.String("cycle", report.CycleID), zap.String("phase", string(report.Phase)))
		// 冷却期按周期计数，空周期也算
		p.trader.EndCycle()
		p.finish(&report, start, false)
		return report, nil
	}

	report.Orders, report.Errors = p.trader.Liquidate(ctx, report.CycleID, marks(snaps))
	report.Decisions = p.decide(ctx, report.CycleID, report.Phase, snaps)
	if err := ctx.Err(); err != nil {
		// 关停期间完成的决策不再执行
		p.logger.Info("Cycle interrupted before execution", zap.String("cycle", report.CycleID), zap.Error(err))
		p.finish(&report, start, false)
		return report, err
	}
	orders, errs := p.execute(ctx, report.Decisions)
	report.Orders = append(report.Orders, orders...)
	report.Errors = append(report.Errors, errs...)
	p.trader.EndCycle()

	p.finish(&report, start, true)
	return report, nil
}

// eligible 有价格、未过期、且当前时段可交易的快照，按 symbol 排序
func (p *Pipeline) eligible(phase timing.Phase, now time.Time) []*model.MarketSnapshot {
	var out []*model.MarketSnapshot
	for _, s := range p.snapshots.All() {
		if s == nil || s.Price() <= 0 {
			continue
		}
		if !s.Category.IsMarket() {
			continue
		}
		if phase == timing.PhaseClosed && s.Category != model.CategoryCrypto {
			continue
		}
		if p.cfg.StaleAfter > 0 && !s.CapturedAt.IsZero() && now.Sub(s.CapturedAt) > p.cfg.StaleAfter {
			p.metrics.RecordSkipped("stale_snapshot")
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol == out[j].Symbol {
			return out[i].Category < out[j].Category
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func marks(snaps []*model.MarketSnapshot) map[string]execution.Mark {
	out := make(map[string]execution.Mark, len(snaps))
	for _, s := range snaps {
		out[s.Symbol] = execution.Mark{Price: s.Price(), Category: s.Category}
	}
	return out
}

func (p *Pipeline) hasCrypto() bool {
	for _, s := range p.snapshots.All() {
		if s != nil && s.Category == model.CategoryCrypto {
			return true
		}
	}
	return false
}

// decide 每个 symbol 并发决策，结果顺序与输入一致
func (p *Pipeline) decide(ctx context.Context, cycleID string, phase timing.Phase, snaps []*model.MarketSnapshot) []model.ConsensusDecision {
	decisions := make([]model.ConsensusDecision, len(snaps))
	equity := p.trader.Equity()

	wp := pool.New().WithMaxGoroutines(p.cfg.Concurrency)
	for i, snap := range snaps {
		i, snap := i, snap
		wp.Go(func() {
			p.metrics.RecordLastPrice(snap.Symbol, snap.Price())
			decisions[i] = p.decider.Decide(ctx, cycleID, consensus.Input{
				Snapshot:     snap,
				Holding:      strategy.Holding{Quantity: p.trader.Held(snap.Symbol), Equity: equity},
				SessionPhase: string(phase),
			})
		})
	}
	wp.Wait()

	for i := range decisions {
		d := decisions[i]
		if p.bus != nil {
			p.bus.Publish(bus.DecisionEvent(&d))
		}
		if d.FinalAction != model.ActionHold {
			p.logger.Info("!!! NEW TRADING SIGNAL !!!", zap.String("Signal", d.String()), zap.String("cycle", cycleID))
		}
	}
	return decisions
}

// execute 非 Hold 决策并发执行。单个 symbol 的错误只记录，不影响其它 symbol
func (p *Pipeline) execute(ctx context.Context, decisions []model.ConsensusDecision) ([]model.OrderRecord, []error) {
	type result struct {
		order *model.OrderRecord
		err   error
	}
	results := make([]result, len(decisions))

	wp := pool.New().WithMaxGoroutines(p.cfg.Concurrency)
	for i, d := range decisions {
		if d.FinalAction == model.ActionHold {
			continue
		}
		i, d := i, d
		wp.Go(func() {
			o, err := p.trader.Execute(ctx, d)
			results[i] = result{order: o, err: err}
		})
	}
	wp.Wait()

	var (
		orders []model.OrderRecord
		errs   []error
	)
	for i, r := range results {
		if r.err != nil {
			var stage *service.StageError
			if !errors.As(r.err, &stage) {
				r.err = service.WrapStage("execute", decisions[i].CycleID, decisions[i].Symbol, r.err)
			}
			p.metrics.RecordError("execute")
			p.logger.Warn("Execution failed", zap.Error(r.err))
			errs = append(errs, r.err)
		}
		if r.order != nil {
			orders = append(orders, *r.order)
		}
	}
	return orders, errs
}

// finish 记录耗时；只有真正执行了决策的周期才反馈延迟
func (p *Pipeline) finish(r *Report, start time.Time, observed bool) {
	r.Duration = p.now().Sub(start)
	if observed {
		p.timing.ObserveLatency(r.Duration, len(r.Errors) == 0 && !r.Degraded())
	}

	p.mu.Lock()
	last := *r
	p.last = &last
	p.mu.Unlock()

	if !observed {
		return
	}
	p.logger.Info("Cycle complete",
		zap.String("cycle", r.CycleID),
		zap.String("phase", string(r.Phase)),
		zap.Int("decisions", len(r.Decisions)),
		zap.Int("orders", len(r.Orders)),
		zap.Int("errors", len(r.Errors)),
		zap.Bool("degraded", r.Degraded()),
		zap.Duration("took", r.Duration))
}
