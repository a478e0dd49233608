package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"consensus-trader/internal/bus"
	"consensus-trader/internal/consensus"
	"consensus-trader/internal/execution"
	"consensus-trader/internal/model"
	"consensus-trader/internal/service"
	"consensus-trader/internal/timing"

	"github.com/creasty/defaults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshots []*model.MarketSnapshot

func (s snapshots) All() []*model.MarketSnapshot { return s }

type fakeDecider struct {
	mu       sync.Mutex
	actions  map[string]model.Action
	degraded bool
	inputs   []consensus.Input
	onDecide func()
}

func (f *fakeDecider) Decide(_ context.Context, cycleID string, in consensus.Input) model.ConsensusDecision {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	if f.onDecide != nil {
		f.onDecide()
	}
	action, ok := f.actions[in.Snapshot.Symbol]
	if !ok {
		action = model.ActionHold
	}
	return model.ConsensusDecision{
		CycleID:             cycleID,
		Symbol:              in.Snapshot.Symbol,
		Category:            in.Snapshot.Category,
		Price:               in.Snapshot.Price(),
		FinalAction:         action,
		AggregateConfidence: 0.9,
		AIDegraded:          f.degraded,
		SessionPhase:        in.SessionPhase,
	}
}

type fakeTrader struct {
	mu         sync.Mutex
	executed   []string
	ended      int
	reconciled int
	marks      map[string]execution.Mark
	liquidated []model.OrderRecord
	held       map[string]float64
	err        error
}

func (f *fakeTrader) Liquidate(_ context.Context, _ string, marks map[string]execution.Mark) ([]model.OrderRecord, []error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = marks
	return f.liquidated, nil
}

func (f *fakeTrader) Reconcile(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled++
}

func (f *fakeTrader) Execute(_ context.Context, d model.ConsensusDecision) (*model.OrderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, d.Symbol)
	if f.err != nil {
		return nil, f.err
	}
	return &model.OrderRecord{CycleID: d.CycleID, Symbol: d.Symbol, State: model.OrderFilled}, nil
}

func (f *fakeTrader) EndCycle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
}

func (f *fakeTrader) Equity() float64 { return 50000 }

func (f *fakeTrader) Held(symbol string) float64 { return f.held[symbol] }

func newController(t *testing.T) *timing.Controller {
	t.Helper()
	var cfg service.TimingConfig
	require.NoError(t, defaults.Set(&cfg))
	return timing.NewController(cfg, false)
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", value, loc)
	require.NoError(t, err)
	return ts
}

func snap(symbol string, cat model.Category, price float64, captured time.Time) *model.MarketSnapshot {
	return &model.MarketSnapshot{Symbol: symbol, Category: cat, Last: price, CapturedAt: captured}
}

func newPipeline(t *testing.T, now time.Time, src SnapshotSource, d Decider, tr Trader, b *bus.Bus) (*Pipeline, *timing.Controller) {
	t.Helper()
	ctrl := newController(t)
	p := New(service.PipelineConfig{Concurrency: 2, StaleAfter: 10 * time.Minute}, Deps{
		Snapshots: src,
		Decider:   d,
		Trader:    tr,
		Timing:    ctrl,
		Bus:       b,
	})
	p.now = func() time.Time { return now }
	return p, ctrl
}

func TestRunCycleDecidesAndExecutes(t *testing.T) {
	t.Parallel()

	now := at(t, "2025-03-12 11:00:00")
	src := snapshots{
		snap("MSFT", model.CategoryStocks, 400, now),
		snap("AAPL", model.CategoryStocks, 180, now),
		snap("BTC/USD", model.CategoryCrypto, 65000, now),
	}
	dec := &fakeDecider{actions: map[string]model.Action{"AAPL": model.ActionBuy, "BTC/USD": model.ActionSell}}
	tr := &fakeTrader{held: map[string]float64{"BTC/USD": 0.5}}
	b := bus.New()
	q := b.Subscribe("test", 16, bus.EventDecision)
	p, ctrl := newPipeline(t, now, src, dec, tr, b)

	report, err := p.RunCycle(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, report.CycleID)
	assert.Equal(t, timing.PhaseRegular, report.Phase)
	require.Len(t, report.Decisions, 3)
	assert.Equal(t, []string{"AAPL", "BTC/USD", "MSFT"}, []string{report.Decisions[0].Symbol, report.Decisions[1].Symbol, report.Decisions[2].Symbol})
	assert.ElementsMatch(t, []string{"AAPL", "BTC/USD"}, tr.executed)
	assert.Len(t, report.Orders, 2)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, tr.ended)

	for _, in := range dec.inputs {
		assert.Equal(t, string(timing.PhaseRegular), in.SessionPhase)
		assert.Equal(t, 50000.0, in.Holding.Equity)
		if in.Snapshot.Symbol == "BTC/USD" {
			assert.Equal(t, 0.5, in.Holding.Quantity)
		}
	}

	st := ctrl.Status(now)
	assert.Equal(t, uint64(1), st.Cycles)
	assert.Equal(t, 1.0, st.SuccessRate)
	assert.False(t, st.InFlight)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var events []bus.Event
	q.Run(ctx, func(e bus.Event) { events = append(events, e) })
	assert.Len(t, events, 3)

	last := p.LastReport()
	require.NotNil(t, last)
	assert.Equal(t, report.CycleID, last.CycleID)
}

func TestRunCycleSkipsIneligibleSnapshots(t *testing.T) {
	t.Parallel()

	now := at(t, "2025-03-12 11:00:00")
	src := snapshots{
		snap("AAPL", model.CategoryStocks, 180, now),
		snap("STALE", model.CategoryStocks, 10, now.Add(-time.Hour)),
		snap("NOPRICE", model.CategoryStocks, 0, now),
		snap("", model.CategoryNews, 1, now),
		nil,
	}
	dec := &fakeDecider{}
	p, _ := newPipeline(t, now, src, dec, &fakeTrader{}, nil)

	report, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, "AAPL", report.Decisions[0].Symbol)
}

func TestRunCycleWeekendOnlyCrypto(t *testing.T) {
	t.Parallel()

	now := at(t, "2025-03-15 11:00:00")
	src := snapshots{
		snap("AAPL", model.CategoryStocks, 180, now),
		snap("ETH/USD", model.CategoryCrypto, 3000, now),
	}
	dec := &fakeDecider{}
	p, _ := newPipeline(t, now, src, dec, &fakeTrader{}, nil)

	report, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, timing.PhaseClosed, report.Phase)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, "ETH/USD", report.Decisions[0].Symbol)
}

func TestRunCycleSingleInFlight(t *testing.T) {
	t.Parallel()

	now := at(t, "2025-03-12 11:00:00")
	tr := &fakeTrader{}
	p, ctrl := newPipeline(t, now, snapshots{snap("AAPL", model.CategoryStocks, 180, now)}, &fakeDecider{}, tr, nil)

	require.True(t, ctrl.TryBegin())
	_, err := p.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInFlight)
	assert.Equal(t, 0, tr.ended)

	ctrl.End()
	_, err = p.RunCycle(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, tr.ended)
}

func TestExecutionErrorsAreWrapped(t *testing.T) {
	t.Parallel()

	now := at(t, "2025-03-12 11:00:00")
	tr := &fakeTrader{err: errors.New("boom")}
	dec := &fakeDecider{actions: map[string]model.Action{"AAPL": model.ActionBuy}}
	p, ctrl := newPipeline(t, now, snapshots{snap("AAPL", model.CategoryStocks, 180, now)}, dec, tr, nil)

	report, err := p.RunCycle(context.Background())
	require.NoError(t, err, "per-symbol failures do not abort the cycle")
	require.Len(t, report.Errors, 1)

	var stage *service.StageError
	require.True(t, errors.As(report.Errors[0], &stage))
	assert.Equal(t, "execute", stage.Stage)
	assert.Equal(t, "AAPL", stage.Symbol)
	assert.Equal(t, report.CycleID, stage.CycleID)
	assert.Equal(t, 0.0, ctrl.Status(now).SuccessRate)
}

func TestDegradedCycle(t *testing.T) {
	t.Parallel()

	now := at(t, "2025-03-12 11:00:00")
	dec := &fakeDecider{degraded: true}
	p, ctrl := newPipeline(t, now, snapshots{snap("AAPL", model.CategoryStocks, 180, now)}, dec, &fakeTrader{}, nil)

	report, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Degraded())
	assert.Equal(t, 0.0, ctrl.Status(now).SuccessRate)
	assert.False(t, Report{}.Degraded())
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	now := at(t, "2025-03-12 11:00:00")
	tr := &fakeTrader{}
	p, _ := newPipeline(t, now, snapshots{snap("AAPL", model.CategoryStocks, 180, now)}, &fakeDecider{}, tr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, tr.ended)
}

func TestEmptyCycleStillCountsCooldown(t *testing.T) {
	t.Parallel()

	now := at(t, "2025-03-15 11:00:00")
	tr := &fakeTrader{}
	p, _ := newPipeline(t, now, snapshots{snap("AAPL", model.CategoryStocks, 180, now)}, &fakeDecider{}, tr, nil)

	report, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Decisions)
	assert.Equal(t, 1, tr.ended)
	assert.Equal(t, 1, tr.reconciled)
}

func TestCancelledCycleDoesNotExecute(t *testing.T) {
	t.Parallel()

	now := at(t, "2025-03-12 11:00:00")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dec := &fakeDecider{actions: map[string]model.Action{"AAPL": model.ActionBuy}, onDecide: cancel}
	tr := &fakeTrader{}
	p, _ := newPipeline(t, now, snapshots{snap("AAPL", model.CategoryStocks, 180, now)}, dec, tr, nil)

	report, err := p.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, report.Decisions, 1)
	assert.Empty(t, tr.executed)
	assert.Empty(t, report.Orders)
	assert.Equal(t, 0, tr.ended)
}

func TestLiquidationRunsBeforeDecisions(t *testing.T) {
	t.Parallel()

	now := at(t, "2025-03-12 11:00:00")
	src := snapshots{
		snap("AAPL", model.CategoryStocks, 180, now),
		snap("BTC/USD", model.CategoryCrypto, 65000, now),
	}
	tr := &fakeTrader{liquidated: []model.OrderRecord{{Symbol: "AAPL", SizingMethod: model.SizingLiquidation, State: model.OrderFilled}}}
	dec := &fakeDecider{actions: map[string]model.Action{"BTC/USD": model.ActionBuy}}
	p, _ := newPipeline(t, now, src, dec, tr, nil)

	report, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]execution.Mark{
		"AAPL":    {Price: 180, Category: model.CategoryStocks},
		"BTC/USD": {Price: 65000, Category: model.CategoryCrypto},
	}, tr.marks)
	require.Len(t, report.Orders, 2)
	assert.Equal(t, model.SizingLiquidation, report.Orders[0].SizingMethod)
	assert.Equal(t, "BTC/USD", report.Orders[1].Symbol)
}
