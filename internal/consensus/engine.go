package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"consensus-trader/internal/llm"
	"consensus-trader/internal/metrics"
	"consensus-trader/internal/model"
	"consensus-trader/internal/service"
	"consensus-trader/internal/strategy"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// Provider 模型推理接口，llm.Client 实现
type Provider interface {
	Generate(ctx context.Context, modelID string, messages []llm.Message, temperature float64) (llm.Generation, error)
}

// Deps 外部依赖，nil 时使用默认实现
type Deps struct {
	Provider Provider
	Signals  *strategy.SignalGenerator
	Breakers *llm.BreakerSet
	Metrics  *metrics.Recorder
}

// tuning 可热更新的参数，整体替换
type tuning struct {
	policy       *Policy
	rounds       int
	modelTimeout time.Duration
	cycleBudget  time.Duration
}

// Engine 数学基线 + 多模型投票
type Engine struct {
	provider Provider
	signals  *strategy.SignalGenerator
	breakers *llm.BreakerSet
	models   []ModelSpec
	tuning   atomic.Pointer[tuning]
	metrics  *metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewEngine(cfg service.ConsensusConfig, strat service.StrategyConfig, deps Deps) (*Engine, error) {
	specs, err := ResolveModels(cfg.Models)
	if err != nil {
		return nil, err
	}
	if len(specs) > 0 && deps.Provider == nil {
		return nil, fmt.Errorf("%w: %d models configured without a provider", service.ErrConfig, len(specs))
	}
	t, err := newTuning(cfg)
	if err != nil {
		return nil, err
	}
	if deps.Signals == nil {
		deps.Signals = strategy.NewSignalGenerator(strat, nil)
	}
	if deps.Breakers == nil {
		deps.Breakers = llm.NewBreakerSet(cfg.Breaker)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewWithRegistry(prometheus.NewRegistry())
	}

	e := &Engine{
		provider: deps.Provider,
		signals:  deps.Signals,
		breakers: deps.Breakers,
		models:   specs,
		metrics:  deps.Metrics,
		logger:   service.Named("consensus"),
		now:      time.Now,
	}
	e.tuning.Store(t)

	for _, s := range specs {
		e.logger.Info("Model registered", zap.String("model", s.ID), zap.String("role", string(s.Role)), zap.Float64("temperature", s.Temperature))
	}
	if len(specs) == 0 {
		e.logger.Warn("No AI models configured, decisions use the mathematical baseline only")
	}
	return e, nil
}

func newTuning(cfg service.ConsensusConfig) (*tuning, error) {
	p, err := PolicyFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	t := &tuning{policy: p, rounds: cfg.Rounds, modelTimeout: cfg.ModelTimeout, cycleBudget: cfg.CycleBudget}
	if t.rounds < 1 {
		t.rounds = 1
	}
	if t.modelTimeout <= 0 {
		t.modelTimeout = 15 * time.Second
	}
	if t.cycleBudget <= 0 {
		t.cycleBudget = 20 * time.Second
	}
	return t, nil
}

// UpdatePolicy 热更新阈值、权重、轮数与超时。模型列表不随之变化
func (e *Engine) UpdatePolicy(cfg service.ConsensusConfig) error {
	t, err := newTuning(cfg)
	if err != nil {
		return err
	}
	e.tuning.Store(t)
	e.logger.Info("Consensus policy updated",
		zap.Float64("threshold", t.policy.Threshold),
		zap.Float64("ai_weight", t.policy.AIWeight),
		zap.Int("rounds", t.rounds))
	return nil
}

// Policy 当前生效策略的副本
func (e *Engine) Policy() Policy {
	p := *e.tuning.Load().policy
	weights := make(map[model.ModelRole]float64, len(p.RoleWeights))
	for k, v := range p.RoleWeights {
		weights[k] = v
	}
	p.RoleWeights = weights
	return p
}

func (e *Engine) Models() []ModelSpec {
	out := make([]ModelSpec, len(e.models))
	copy(out, e.models)
	return out
}

func (e *Engine) BreakerStates() map[string]llm.BreakerState {
	states := e.breakers.States()
	for _, m := range e.models {
		if _, ok := states[m.ID]; !ok {
			states[m.ID] = llm.BreakerClosed
		}
	}
	return states
}

// Decide 为单个 symbol 生成一个决策。模型失败只降级，不返回错误
func (e *Engine) Decide(ctx context.Context, cycleID string, in Input) model.ConsensusDecision {
	t := e.tuning.Load()
	math := e.signals.GenerateSignal(in.Snapshot, in.Holding)

	d := model.ConsensusDecision{
		CycleID:           cycleID,
		Symbol:            in.Snapshot.Symbol,
		Category:          in.Snapshot.Category,
		Price:             in.Snapshot.Price(),
		MathematicalScore: math.Score,
		MathAction:        math.Action,
		MathConfidence:    math.Confidence,
		KellyFraction:     math.KellyFraction,
		MarketRegime:      math.Regime,
		SessionPhase:      in.SessionPhase,
	}

	attempted := len(e.models) > 0
	if attempted {
		d.Opinions = e.poll(ctx, t, in, math)
	}

	vote := Aggregate(d.Opinions, t.policy)
	out := Combine(math, vote, t.policy, attempted)
	if vote.Contributed {
		d.AIAction = vote.Action
		d.AIAgreement = vote.Agreement
	}
	d.FinalAction = out.Action
	d.Source = out.Source
	d.AggregateConfidence = out.Confidence
	d.AIDegraded = out.Degraded
	d.DecidedAt = e.now()

	e.metrics.RecordDecision(string(d.FinalAction), string(d.Source))
	if d.AIDegraded {
		e.logger.Warn("All models failed, falling back to mathematical baseline", zap.String("symbol", d.Symbol), zap.String("cycle", cycleID))
	}
	e.logger.Info(d.String(), zap.String("cycle", cycleID), zap.String("math", math.String()))
	return d
}

// poll 逐轮并发询问全部模型，后续轮次附带上一轮的回答。返回最后完成的一轮
func (e *Engine) poll(ctx context.Context, t *tuning, in Input, math strategy.MathSignal) []model.ModelOpinion {
	budget, cancel := context.WithTimeout(ctx, t.cycleBudget)
	defer cancel()

	var followUps []llm.Message
	var last []model.ModelOpinion
	texts := make(map[string]string, len(e.models))

	for round := 1; round <= t.rounds; round++ {
		if round > 1 {
			if budget.Err() != nil {
				e.logger.Warn("Cycle budget exhausted, skipping remaining rounds", zap.String("symbol", in.Snapshot.Symbol), zap.Int("round", round))
				break
			}
			followUps = append(followUps, FollowUp(round, last, texts))
		}

		opinions := make([]model.ModelOpinion, len(e.models))
		replies := make([]string, len(e.models))
		p := pool.New().WithMaxGoroutines(len(e.models))
		for i, spec := range e.models {
			i, spec := i, spec
			msgs := append(BuildMessages(spec.Role, in, math), followUps...)
			p.Go(func() {
				opinions[i], replies[i] = e.ask(budget, t, spec, round, msgs)
			})
		}
		p.Wait()

		for i, o := range opinions {
			if o.Succeeded {
				opinions[i].Weight = t.policy.weight(o.Role) * o.Confidence
			}
			texts[o.ModelID] = replies[i]
		}
		last = opinions
	}
	return last
}

type generation struct {
	gen llm.Generation
	err error
}

// ask 单个模型的单次询问。超时、熔断、解析失败都转为失败意见
func (e *Engine) ask(ctx context.Context, t *tuning, spec ModelSpec, round int, msgs []llm.Message) (model.ModelOpinion, string) {
	op := model.ModelOpinion{ModelID: spec.ID, Role: spec.Role, Action: model.ActionHold, Round: round}

	br := e.breakers.Get(spec.ID)
	if !br.Allow() {
		op.Error = llm.ErrBreakerOpen.Error()
		e.metrics.RecordOpinion(spec.ID, "skipped", 0)
		return op, ""
	}

	mctx, cancel := context.WithTimeout(ctx, t.modelTimeout)
	defer cancel()

	start := time.Now()
	ch := make(chan generation, 1)
	go func() {
		g, err := e.provider.Generate(mctx, spec.ID, msgs, spec.Temperature)
		ch <- generation{gen: g, err: err}
	}()

	var res generation
	select {
	case res = <-ch:
	case <-mctx.Done():
		res.err = &service.ModelTimeoutError{ModelID: spec.ID, Err: mctx.Err()}
	}
	op.Latency = time.Since(start)

	if res.err != nil {
		// 上游取消或周期预算耗尽不计入模型的熔断失败
		if ctx.Err() == nil {
			br.Failure()
		}
		outcome := "failed"
		var te *service.ModelTimeoutError
		if errors.As(res.err, &te) || errors.Is(res.err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		op.Error = res.err.Error()
		e.metrics.RecordOpinion(spec.ID, outcome, op.Latency)
		e.logger.Warn("Model call failed", zap.String("model", spec.ID), zap.Int("round", round), zap.String("outcome", outcome), zap.Error(res.err))
		return op, ""
	}
	// 服务可用，熔断器只统计调用失败
	br.Success()

	parsed, err := ParseResponse(res.gen.Text)
	if err != nil {
		op.Error = err.Error()
		e.metrics.RecordOpinion(spec.ID, "unparseable", op.Latency)
		e.logger.Warn("Model response unparseable", zap.String("model", spec.ID), zap.String("text", truncate(res.gen.Text, 200)))
		return op, res.gen.Text
	}

	op.Action = parsed.Action
	op.Confidence = service.Clamp(parsed.Confidence*roleProfiles[spec.Role].ConfidenceScale, 0, 1)
	op.Reasoning = parsed.Reasoning
	op.Succeeded = true
	e.metrics.RecordOpinion(spec.ID, "ok", op.Latency)
	e.logger.Debug("Model opinion",
		zap.String("model", spec.ID),
		zap.String("role", string(spec.Role)),
		zap.String("action", string(op.Action)),
		zap.Float64("confidence", op.Confidence),
		zap.Duration("latency", op.Latency))
	return op, res.gen.Text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
