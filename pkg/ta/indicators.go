package ta

import (
	"consensus-trader/internal/model"
	"math"
)

// VWAP = Σ(price × volume) / Σvolume。K 线自带 vwap 时优先使用，否则用典型价 (H+L+C)/3
func VWAP(closes, highs, lows, volumes, barVWAP []float64) (float64, bool) {
	var pv, vol float64
	for i := range closes {
		if volumes[i] <= 0 {
			continue
		}
		price := (highs[i] + lows[i] + closes[i]) / 3
		if i < len(barVWAP) && barVWAP[i] > 0 {
			price = barVWAP[i]
		}
		pv += price * volumes[i]
		vol += volumes[i]
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}

// CalcIchimoku 调用方保证长度 >= 52
func CalcIchimoku(highs, lows []float64) model.Ichimoku {
	tenkan := midpoint(highs, lows, tenkanPeriod)
	kijun := midpoint(highs, lows, kijunPeriod)
	return model.Ichimoku{
		Tenkan: tenkan,
		Kijun:  kijun,
		SpanA:  (tenkan + kijun) / 2,
		SpanB:  midpoint(highs, lows, senkouPeriod),
	}
}

// midpoint 最近 period 根的 (最高 + 最低) / 2
func midpoint(highs, lows []float64, period int) float64 {
	start := len(highs) - period
	if start < 0 {
		start = 0
	}
	hi, lo := math.Inf(-1), math.Inf(1)
	for i := start; i < len(highs); i++ {
		hi = math.Max(hi, highs[i])
		lo = math.Min(lo, lows[i])
	}
	return (hi + lo) / 2
}

// PointOfControl 成交量分布中成交量最大的价格档位中点
func PointOfControl(closes, volumes []float64, levels int) (float64, bool) {
	if len(closes) == 0 || levels <= 0 {
		return 0, false
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	var total float64
	for i, c := range closes {
		lo = math.Min(lo, c)
		hi = math.Max(hi, c)
		total += volumes[i]
	}
	if total == 0 {
		return 0, false
	}
	if hi == lo {
		return lo, true
	}

	step := (hi - lo) / float64(levels)
	buckets := make([]float64, levels)
	for i, c := range closes {
		idx := int((c - lo) / step)
		if idx >= levels {
			idx = levels - 1
		}
		buckets[idx] += volumes[i]
	}

	best := 0
	for i := 1; i < levels; i++ {
		if buckets[i] > buckets[best] {
			best = i
		}
	}
	return lo + step*(float64(best)+0.5), true
}

// CalcReturnStats 逐根简单收益的统计量，至少需要 3 根
func CalcReturnStats(closes []float64) (model.ReturnStats, bool) {
	if len(closes) < 3 {
		return model.ReturnStats{}, false
	}

	var sum, winSum, lossSum float64
	var wins, losses int
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 {
			continue
		}
		r := closes[i]/closes[i-1] - 1
		returns = append(returns, r)
		sum += r
		switch {
		case r > 0:
			wins++
			winSum += r
		case r < 0:
			losses++
			lossSum += -r
		}
	}
	if len(returns) < 2 {
		return model.ReturnStats{}, false
	}

	mean := sum / float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)

	stats := model.ReturnStats{
		MeanReturn: mean,
		Volatility: math.Sqrt(variance),
		Samples:    len(returns),
	}
	if wins+losses > 0 {
		stats.WinRate = float64(wins) / float64(wins+losses)
	}
	switch {
	case wins > 0 && losses > 0:
		stats.PayoffRatio = (winSum / float64(wins)) / (lossSum / float64(losses))
	case wins > 0:
		// 没有亏损样本，赔率视为 1
		stats.PayoffRatio = 1
	}
	return stats, true
}
