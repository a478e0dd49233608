package strategy

import (
	"sync"

	"consensus-trader/internal/model"
	"consensus-trader/internal/service"

	"go.uber.org/zap"
)

// StateMachine 每个 symbol 一个市场状态，由最新快照的指标驱动
type StateMachine struct {
	mu     sync.RWMutex
	states map[string]model.MarketState
	// 状态转换阈值 (可以从配置文件加载)
	TrendThreshold  float64 // 判断趋势强度的 RSI 阈值，例如 60/40
	ATRVolThreshold float64 // 判断高/低波动的 ATR/价格 阈值
}

// NewStateMachine 初始化状态机
func NewStateMachine(cfg service.StrategyConfig) *StateMachine {
	sm := &StateMachine{
		states:          make(map[string]model.MarketState),
		TrendThreshold:  cfg.TrendRSI,
		ATRVolThreshold: cfg.ATRVolThreshold,
	}
	if sm.TrendThreshold <= 50 {
		sm.TrendThreshold = 60.0 // RSI 超过 60 视为潜在强势
	}
	if sm.ATRVolThreshold <= 0 {
		sm.ATRVolThreshold = 0.0005
	}
	return sm
}

// CheckAndTransition 根据价格与指标判断状态，状态变化时记录日志
func (sm *StateMachine) CheckAndTransition(symbol string, price float64, ind model.Indicators) model.MarketState {
	newState := sm.classify(price, ind)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	old, ok := sm.states[symbol]
	if !ok {
		old = model.StateInitial
	}
	if newState != old {
		fields := []zap.Field{
			zap.String("symbol", symbol),
			zap.String("From", string(old)),
			zap.String("To", string(newState)),
		}
		if ind.RSI != nil {
			fields = append(fields, zap.Float64("RSI", *ind.RSI))
		}
		if ind.ATR != nil {
			fields = append(fields, zap.Float64("ATR", *ind.ATR))
		}
		service.Logger.Info("!!! State Transition !!!", fields...)
	}
	sm.states[symbol] = newState
	return newState
}

func (sm *StateMachine) classify(price float64, ind model.Indicators) model.MarketState {
	if price <= 0 || ind.SMA == nil || ind.RSI == nil || ind.ATR == nil {
		return model.StateInitial
	}

	// --- A. 趋势判断 ---
	isUpTrend, isDownTrend := sm.checkStrongTrend(price, ind)
	if isUpTrend {
		return model.StateStrongUpTrend
	}
	if isDownTrend {
		return model.StateStrongDownTrend
	}

	// --- B. 非趋势状态：归类为震荡模式 ---
	return sm.determineRangingMode(price, *ind.ATR)
}

// checkStrongTrend 均线位置 + RSI 动量，云层 (Ichimoku) 作为更长周期的过滤
func (sm *StateMachine) checkStrongTrend(price float64, ind model.Indicators) (isUpTrend bool, isDownTrend bool) {
	sma, rsi := *ind.SMA, *ind.RSI

	// 云层不就绪时不做过滤
	cloudUp, cloudDown := true, true
	if ind.Ichimoku != nil {
		top := ind.Ichimoku.SpanA
		bottom := ind.Ichimoku.SpanB
		if bottom > top {
			top, bottom = bottom, top
		}
		cloudUp = price > top
		cloudDown = price < bottom
	}

	isUpTrend = price > sma && rsi >= sm.TrendThreshold && cloudUp
	isDownTrend = price < sma && rsi <= 100-sm.TrendThreshold && cloudDown
	return isUpTrend, isDownTrend
}

// determineRangingMode 根据 ATR 百分比确定震荡模式
func (sm *StateMachine) determineRangingMode(price, atr float64) model.MarketState {
	if atr/price >= sm.ATRVolThreshold {
		return model.StateHighVolRanging
	}
	return model.StateLowVolRanging
}

// GetCurrentState 查询某个 symbol 的当前状态
func (sm *StateMachine) GetCurrentState(symbol string) model.MarketState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if s, ok := sm.states[symbol]; ok {
		return s
	}
	return model.StateInitial
}
