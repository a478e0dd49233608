package consensus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"consensus-trader/internal/llm"
	"consensus-trader/internal/model"
	"consensus-trader/internal/service"
	"consensus-trader/internal/strategy"

	"github.com/creasty/defaults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	block   map[string]bool
	calls   map[string]int
	msgLens map[string][]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		replies: map[string]string{},
		errs:    map[string]error{},
		block:   map[string]bool{},
		calls:   map[string]int{},
		msgLens: map[string][]int{},
	}
}

func (f *fakeProvider) Generate(ctx context.Context, modelID string, messages []llm.Message, _ float64) (llm.Generation, error) {
	f.mu.Lock()
	f.calls[modelID]++
	f.msgLens[modelID] = append(f.msgLens[modelID], len(messages))
	reply, err, block := f.replies[modelID], f.errs[modelID], f.block[modelID]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return llm.Generation{}, ctx.Err()
	}
	if err != nil {
		return llm.Generation{}, err
	}
	return llm.Generation{Text: reply, Latency: time.Millisecond}, nil
}

func (f *fakeProvider) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func consensusConfig(t *testing.T, models ...service.ModelConfig) service.ConsensusConfig {
	t.Helper()
	var cfg service.ConsensusConfig
	require.NoError(t, defaults.Set(&cfg))
	cfg.Models = models
	return cfg
}

func strategyConfig(t *testing.T) service.StrategyConfig {
	t.Helper()
	var cfg service.StrategyConfig
	require.NoError(t, defaults.Set(&cfg))
	return cfg
}

func defaultPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := PolicyFromConfig(consensusConfig(t))
	require.NoError(t, err)
	return p
}

func input() Input {
	return Input{
		Snapshot:     &model.MarketSnapshot{Symbol: "AAPL", Category: model.CategoryStocks, Last: 180},
		Holding:      strategy.Holding{Equity: 10000},
		SessionPhase: "regular",
	}
}

var panel = []service.ModelConfig{
	{ID: "ta", Capability: "technical"},
	{ID: "risk", Capability: "risk"},
	{ID: "gen"},
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		text      string
		action    model.Action
		conf      float64
		reasoning string
		wantErr   bool
	}{
		{name: "plain lines", text: "DECISION: BUY\nCONFIDENCE: 0.85\nREASONING: trend up", action: model.ActionBuy, conf: 0.85, reasoning: "trend up"},
		{name: "markdown and percent", text: "**Decision:** sell\n**Confidence:** 70%", action: model.ActionSell, conf: 0.7},
		{name: "json object", text: `Here you go: {"action": "HOLD", "confidence": 85, "reasoning": "mixed"}`, action: model.ActionHold, conf: 0.85, reasoning: "mixed"},
		{name: "missing confidence", text: "DECISION: BUY", action: model.ActionBuy, conf: 0.5},
		{name: "extra words", text: "Decision: BUY (strong conviction)\nConfidence: 0.9.", action: model.ActionBuy, conf: 0.9},
		{name: "no decision", text: "I think the market looks fine", wantErr: true},
		{name: "unknown action", text: "DECISION: maybe\nCONFIDENCE: 0.4", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := ParseResponse(tt.text)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnparseable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.action, p.Action)
			assert.InDelta(t, tt.conf, p.Confidence, 1e-9)
			assert.Equal(t, tt.reasoning, p.Reasoning)
		})
	}
}

func TestResolveModels(t *testing.T) {
	t.Parallel()

	specs, err := ResolveModels(panel)
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, model.RoleTechnicalAnalysis, specs[0].Role)
	assert.Equal(t, model.RoleRiskManagement, specs[1].Role)
	assert.Equal(t, model.RoleGeneral, specs[2].Role)
	assert.Equal(t, 0.05, specs[1].Temperature)

	_, err = ResolveModels([]service.ModelConfig{{ID: "a"}, {ID: "a"}})
	assert.ErrorIs(t, err, service.ErrConfig)

	_, err = ResolveRole("astrology")
	assert.ErrorIs(t, err, service.ErrConfig)
}

func TestPolicyFromConfig(t *testing.T) {
	t.Parallel()

	cfg := consensusConfig(t)
	cfg.RoleWeights = map[string]float64{"sentiment": 0.5}
	p, err := PolicyFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.weight(model.RoleSentimentAnalysis))
	assert.Equal(t, 0.30, p.weight(model.RoleRiskManagement))

	cfg.RoleWeights = map[string]float64{"risk": -1}
	_, err = PolicyFromConfig(cfg)
	assert.ErrorIs(t, err, service.ErrConfig)

	cfg = consensusConfig(t)
	cfg.Threshold = 1.5
	_, err = PolicyFromConfig(cfg)
	assert.ErrorIs(t, err, service.ErrConfig)
}

func opinion(id string, role model.ModelRole, a model.Action, conf float64) model.ModelOpinion {
	return model.ModelOpinion{ModelID: id, Role: role, Action: a, Confidence: conf, Succeeded: true}
}

func TestAggregateIsOrderIndependent(t *testing.T) {
	t.Parallel()

	p := defaultPolicy(t)
	ops := []model.ModelOpinion{
		opinion("ta", model.RoleTechnicalAnalysis, model.ActionBuy, 0.8),
		opinion("risk", model.RoleRiskManagement, model.ActionBuy, 1.0),
		opinion("gen", model.RoleGeneral, model.ActionSell, 1.0),
		{ModelID: "down", Role: model.RoleMomentum, Action: model.ActionSell, Confidence: 1, Succeeded: false},
	}
	reversed := []model.ModelOpinion{ops[3], ops[2], ops[1], ops[0]}

	a := Aggregate(ops, p)
	b := Aggregate(reversed, p)
	assert.Equal(t, model.ActionBuy, a.Action)
	assert.Equal(t, a.Action, b.Action)
	assert.InDelta(t, 0.5/0.7, a.Agreement, 1e-9)
	assert.InDelta(t, a.Agreement, b.Agreement, 1e-12)
	assert.Equal(t, a, Aggregate(ops, p))
}

func TestAggregateTieIsHold(t *testing.T) {
	t.Parallel()

	p := defaultPolicy(t)
	v := Aggregate([]model.ModelOpinion{
		opinion("a", model.RoleGeneral, model.ActionBuy, 0.9),
		opinion("b", model.RoleGeneral, model.ActionSell, 0.9),
	}, p)
	assert.True(t, v.Contributed)
	assert.Equal(t, model.ActionHold, v.Action)

	v = Aggregate([]model.ModelOpinion{
		opinion("a", model.RoleGeneral, model.ActionBuy, 0.5),
		opinion("b", model.RoleGeneral, model.ActionHold, 0.5),
	}, p)
	assert.Equal(t, model.ActionHold, v.Action)
	assert.InDelta(t, 0.5, v.Agreement, 1e-9)
}

func TestCombineThreshold(t *testing.T) {
	t.Parallel()

	p := defaultPolicy(t)
	math := strategy.MathSignal{Action: model.ActionHold, Confidence: 0.5}
	vote := Aggregate([]model.ModelOpinion{
		opinion("ta", model.RoleTechnicalAnalysis, model.ActionBuy, 0.8),
		opinion("risk", model.RoleRiskManagement, model.ActionBuy, 1.0),
		opinion("gen", model.RoleGeneral, model.ActionSell, 1.0),
	}, p)

	out := Combine(math, vote, p, true)
	assert.Equal(t, model.ActionBuy, out.Action)
	assert.Equal(t, model.SourceAI, out.Source)
	assert.InDelta(t, 0.6*0.5+0.4*(0.5/0.7), out.Confidence, 1e-9)
	assert.False(t, out.Degraded)

	strict := *p
	strict.Threshold = 0.8
	out = Combine(math, vote, &strict, true)
	assert.Equal(t, model.ActionHold, out.Action)
	assert.Equal(t, model.SourceMath, out.Source)

	out = Combine(math, Aggregate(nil, p), p, true)
	assert.True(t, out.Degraded)
	assert.Equal(t, 0.5, out.Confidence)
}

func TestDecideWithPanel(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider()
	fp.replies["ta"] = "DECISION: BUY\nCONFIDENCE: 0.8\nREASONING: breakout"
	fp.replies["risk"] = "DECISION: BUY\nCONFIDENCE: 0.9"
	fp.replies["gen"] = "DECISION: SELL\nCONFIDENCE: 1.0"

	e, err := NewEngine(consensusConfig(t, panel...), strategyConfig(t), Deps{Provider: fp})
	require.NoError(t, err)

	d := e.Decide(context.Background(), "c1", input())
	require.Len(t, d.Opinions, 3)
	assert.Equal(t, "ta", d.Opinions[0].ModelID)
	assert.Equal(t, "gen", d.Opinions[2].ModelID)

	buy := 0.25*0.8 + 0.30*0.99
	sell := 0.20 * 0.7
	assert.InDelta(t, 0.99, d.Opinions[1].Confidence, 1e-9)
	assert.InDelta(t, 0.30*0.99, d.Opinions[1].Weight, 1e-9)
	assert.Equal(t, model.ActionBuy, d.FinalAction)
	assert.Equal(t, model.SourceAI, d.Source)
	assert.Equal(t, model.ActionHold, d.MathAction)
	assert.InDelta(t, buy/(buy+sell), d.AIAgreement, 1e-9)
	assert.InDelta(t, 0.4*buy/(buy+sell), d.AggregateConfidence, 1e-9)
	assert.False(t, d.AIDegraded)
	assert.Equal(t, "c1", d.CycleID)
	assert.Equal(t, 180.0, d.Price)
	assert.Equal(t, "regular", d.SessionPhase)
}

func TestDecideAllModelsFail(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider()
	for _, m := range panel {
		fp.errs[m.ID] = &service.NetworkError{Op: "generate", Err: errors.New("connection refused")}
	}
	e, err := NewEngine(consensusConfig(t, panel...), strategyConfig(t), Deps{Provider: fp})
	require.NoError(t, err)

	d := e.Decide(context.Background(), "c1", input())
	assert.True(t, d.AIDegraded)
	assert.Equal(t, model.SourceMath, d.Source)
	assert.Equal(t, d.MathAction, d.FinalAction)
	assert.Equal(t, d.MathConfidence, d.AggregateConfidence)
	assert.Empty(t, d.AIAction)
	for _, o := range d.Opinions {
		assert.False(t, o.Succeeded)
		assert.NotEmpty(t, o.Error)
	}
}

func TestDecideWithoutModels(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(consensusConfig(t), strategyConfig(t), Deps{})
	require.NoError(t, err)

	d := e.Decide(context.Background(), "c1", input())
	assert.False(t, d.AIDegraded)
	assert.Empty(t, d.Opinions)
	assert.Equal(t, model.SourceMath, d.Source)
	assert.Equal(t, model.ActionHold, d.FinalAction)
}

func TestSlowModelDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider()
	fp.block["ta"] = true
	fp.replies["risk"] = "DECISION: SELL\nCONFIDENCE: 0.9"
	fp.replies["gen"] = "DECISION: SELL\nCONFIDENCE: 0.9"

	cfg := consensusConfig(t, panel...)
	cfg.ModelTimeout = 50 * time.Millisecond
	e, err := NewEngine(cfg, strategyConfig(t), Deps{Provider: fp})
	require.NoError(t, err)

	start := time.Now()
	d := e.Decide(context.Background(), "c1", input())
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.False(t, d.Opinions[0].Succeeded)
	assert.NotEmpty(t, d.Opinions[0].Error)
	assert.True(t, d.Opinions[1].Succeeded)
	assert.True(t, d.Opinions[2].Succeeded)
	assert.Equal(t, model.ActionSell, d.AIAction)
	assert.InDelta(t, 1.0, d.AIAgreement, 1e-9)
	assert.False(t, d.AIDegraded)
}

func TestOpenBreakerSkipsModel(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider()
	fp.replies["risk"] = "DECISION: HOLD\nCONFIDENCE: 0.6"
	fp.replies["gen"] = "DECISION: HOLD\nCONFIDENCE: 0.6"

	cfg := consensusConfig(t, panel...)
	breakers := llm.NewBreakerSet(cfg.Breaker)
	for i := 0; i < cfg.Breaker.FailureThreshold; i++ {
		breakers.Get("ta").Failure()
	}

	e, err := NewEngine(cfg, strategyConfig(t), Deps{Provider: fp, Breakers: breakers})
	require.NoError(t, err)

	d := e.Decide(context.Background(), "c1", input())
	assert.Equal(t, 0, fp.callCount("ta"))
	assert.Contains(t, d.Opinions[0].Error, "circuit breaker open")
	assert.Equal(t, llm.BreakerOpen, e.BreakerStates()["ta"])
	assert.Equal(t, llm.BreakerClosed, e.BreakerStates()["gen"])
}

func TestCancelledCycleDoesNotTripBreaker(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider()
	for _, m := range panel {
		fp.block[m.ID] = true
	}
	cfg := consensusConfig(t, panel...)
	cfg.Rounds = 1
	cfg.ModelTimeout = 20 * time.Millisecond
	e, err := NewEngine(cfg, strategyConfig(t), Deps{Provider: fp})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < cfg.Breaker.FailureThreshold+2; i++ {
		d := e.Decide(ctx, "c1", input())
		assert.True(t, d.AIDegraded)
	}
	for _, m := range panel {
		assert.Equal(t, llm.BreakerClosed, e.BreakerStates()[m.ID], m.ID)
	}

	// 单个模型自身超时仍然计入
	for i := 0; i < cfg.Breaker.FailureThreshold; i++ {
		e.Decide(context.Background(), "c2", input())
	}
	assert.Equal(t, llm.BreakerOpen, e.BreakerStates()["ta"])
}

func TestMultiRoundSharesTranscript(t *testing.T) {
	t.Parallel()

	fp := newFakeProvider()
	for _, m := range panel {
		fp.replies[m.ID] = "DECISION: BUY\nCONFIDENCE: 0.7"
	}
	cfg := consensusConfig(t, panel...)
	cfg.Rounds = 2
	e, err := NewEngine(cfg, strategyConfig(t), Deps{Provider: fp})
	require.NoError(t, err)

	d := e.Decide(context.Background(), "c1", input())
	for _, o := range d.Opinions {
		assert.Equal(t, 2, o.Round)
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	assert.Equal(t, []int{2, 3}, fp.msgLens["ta"])
}

func TestUpdatePolicy(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(consensusConfig(t), strategyConfig(t), Deps{})
	require.NoError(t, err)

	cfg := consensusConfig(t)
	cfg.Threshold = 0.75
	cfg.RoleWeights = map[string]float64{"momentum": 0.4}
	require.NoError(t, e.UpdatePolicy(cfg))
	assert.Equal(t, 0.75, e.Policy().Threshold)
	assert.Equal(t, 0.4, e.Policy().RoleWeights[model.RoleMomentum])

	cfg.Threshold = 0
	assert.ErrorIs(t, e.UpdatePolicy(cfg), service.ErrConfig)
	assert.Equal(t, 0.75, e.Policy().Threshold, "rejected update keeps the old policy")
}

func TestBuildMessagesMentionsRoleAndData(t *testing.T) {
	t.Parallel()

	in := input()
	rsi := 64.2
	in.Snapshot.Indicators.RSI = &rsi
	in.Snapshot.Headline = "Apple beats estimates"
	msgs := BuildMessages(model.RoleSentimentAnalysis, in, strategy.MathSignal{Action: model.ActionBuy, Regime: model.StateStrongUpTrend})

	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[1].Content, "sentiment")
	assert.Contains(t, msgs[1].Content, "RSI14 64.2")
	assert.Contains(t, msgs[1].Content, "Apple beats estimates")
	assert.Contains(t, msgs[1].Content, "STRONG_UP_TREND")
	assert.Contains(t, msgs[1].Content, "DECISION:")
}
