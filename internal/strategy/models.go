package strategy

import (
	"fmt"

	"consensus-trader/internal/model"
)

// Components 数学评分的各个分量，均在 [-1, 1]
type Components struct {
	Allocation float64 // 目标权重 vs 当前权重
	Kelly      float64 // Kelly 隐含方向
	CAPM       float64 // 期望收益缺口
	Regime     float64 // 市场状态偏置
}

// MathSignal 数学基线信号，同步计算，始终可用
type MathSignal struct {
	Score         float64
	Action        model.Action
	Confidence    float64
	KellyFraction float64 // 已按 KellyCap 截断，没有统计数据时为 0
	Regime        model.MarketState
	Components    Components
	Reason        string
}

func (s MathSignal) String() string {
	return fmt.Sprintf("MATH [%s] score=%.3f conf=%.2f kelly=%.4f regime=%s (alloc=%.2f kelly=%.2f capm=%.2f regime=%.2f) %s",
		s.Action, s.Score, s.Confidence, s.KellyFraction, s.Regime,
		s.Components.Allocation, s.Components.Kelly, s.Components.CAPM, s.Components.Regime, s.Reason)
}

// Holding 评分时需要的持仓信息
type Holding struct {
	Quantity float64
	Equity   float64
}
