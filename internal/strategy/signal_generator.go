package strategy

import (
	"math"
	"strings"

	"consensus-trader/internal/model"
	"consensus-trader/internal/service"

	"go.uber.org/zap"
)

// 市场状态对评分的偏置
var regimeBias = map[model.MarketState]float64{
	model.StateStrongUpTrend:   1.0,
	model.StateStrongDownTrend: -1.0,
	model.StateHighVolRanging:  -0.25, // 高波动震荡，偏向观望
	model.StateLowVolRanging:   0,
	model.StateInitial:         0,
}

// SignalGenerator 数学评分器：资产配置、Kelly、CAPM 与市场状态加权
type SignalGenerator struct {
	cfg    service.StrategyConfig
	state  *StateMachine
	logger *zap.SugaredLogger
}

// NewSignalGenerator 初始化信号生成器
func NewSignalGenerator(cfg service.StrategyConfig, state *StateMachine) *SignalGenerator {
	if state == nil {
		state = NewStateMachine(cfg)
	}
	return &SignalGenerator{
		cfg:    cfg,
		state:  state,
		logger: service.Logger.Sugar().With("component", "strategy"),
	}
}

// StateMachine 返回共享的状态机
func (sg *SignalGenerator) StateMachine() *StateMachine { return sg.state }

// GenerateSignal 基于最新快照和当前持仓生成数学基线。纯函数式，不做 I/O
func (sg *SignalGenerator) GenerateSignal(snap *model.MarketSnapshot, holding Holding) MathSignal {
	price := snap.Price()
	ind := snap.Indicators
	regime := sg.state.CheckAndTransition(snap.Symbol, price, ind)

	sig := MathSignal{Action: model.ActionHold, Regime: regime}
	if price <= 0 || ind.Returns == nil || ind.Returns.Samples < 2 {
		sig.Reason = "insufficient history"
		return sig
	}

	kellyRaw := kellyFraction(ind.Returns.WinRate, ind.Returns.PayoffRatio)
	sig.KellyFraction = service.Clamp(kellyRaw, 0, sg.cfg.KellyCap)

	c := Components{
		Allocation: sg.allocationSignal(price, holding),
		Kelly:      service.Clamp(kellyRaw/sg.cfg.KellyCap, -1, 1),
		CAPM:       sg.capmSignal(snap.Symbol, ind.Returns),
		Regime:     regimeBias[regime],
	}
	sig.Components = c

	wSum := sg.cfg.AllocationWeight + sg.cfg.KellyWeight + sg.cfg.CAPMWeight + sg.cfg.RegimeWeight
	if wSum <= 0 {
		sig.Reason = "all score weights are zero"
		return sig
	}
	score := (c.Allocation*sg.cfg.AllocationWeight + c.Kelly*sg.cfg.KellyWeight +
		c.CAPM*sg.cfg.CAPMWeight + c.Regime*sg.cfg.RegimeWeight) / wSum
	sig.Score = service.Clamp(score, -1, 1)

	switch {
	case sig.Score > sg.cfg.BuyThreshold:
		sig.Action = model.ActionBuy
		sig.Confidence = 0.5 + 0.5*math.Abs(sig.Score)
		sig.Reason = "score above buy threshold"
	case sig.Score < sg.cfg.SellThreshold && holding.Quantity > 0:
		sig.Action = model.ActionSell
		sig.Confidence = 0.5 + 0.5*math.Abs(sig.Score)
		sig.Reason = "score below sell threshold with open position"
	default:
		// 离阈值越远越确定应当观望
		sig.Confidence = service.Clamp(1-math.Abs(sig.Score), 0, 1) * 0.5
		sig.Reason = "score within thresholds"
	}

	sg.logger.Debugf("%s %s", snap.Symbol, sig)
	return sig
}

// allocationSignal 当前权重低于目标为正，超配为负
func (sg *SignalGenerator) allocationSignal(price float64, h Holding) float64 {
	if h.Equity <= 0 || sg.cfg.TargetAllocation <= 0 {
		return 0
	}
	current := h.Quantity * price / h.Equity
	return service.Clamp((sg.cfg.TargetAllocation-current)/sg.cfg.TargetAllocation, -1, 1)
}

// capmSignal 观测平均收益相对 CAPM 期望收益 (按周期折算) 的缺口，以波动率归一
func (sg *SignalGenerator) capmSignal(symbol string, r *model.ReturnStats) float64 {
	beta := sg.cfg.DefaultBeta
	// viper 会把 map key 转成小写
	if b, ok := sg.cfg.Betas[strings.ToLower(symbol)]; ok {
		beta = b
	}
	annual := sg.cfg.RiskFreeRate + beta*(sg.cfg.MarketReturn-sg.cfg.RiskFreeRate)
	expected := annual / sg.cfg.PeriodsPerYear
	gap := r.MeanReturn - expected
	if r.Volatility <= 0 {
		return 0
	}
	return service.Clamp(gap/r.Volatility, -1, 1)
}

// kellyFraction f = p - (1-p)/b，赔率未知时视为没有优势
func kellyFraction(winRate, payoff float64) float64 {
	if payoff <= 0 {
		return 0
	}
	return winRate - (1-winRate)/payoff
}
