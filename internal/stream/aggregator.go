package stream

import (
	"math"
	"time"

	"consensus-trader/internal/model"
	"consensus-trader/internal/service"
)

// BarAggregator 把逐笔成交聚合成固定周期 K 线。由所属 worker 顺序调用，不加锁
type BarAggregator struct {
	Symbol   string
	Interval time.Duration
	Current  model.KLine // 正在构建的当前 K 线
	pv       float64     // Σ price × size，用于 VWAP
}

// NewBarAggregator interval <= 0 时按 1 分钟聚合
func NewBarAggregator(symbol string, interval time.Duration) *BarAggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &BarAggregator{Symbol: symbol, Interval: interval}
}

// Add 聚合一笔成交。跨入新周期时返回已完成的上一根 K 线
func (agg *BarAggregator) Add(t model.Ticker) (model.KLine, bool) {
	// 将成交时间对齐到 K 线起始时间
	start := t.Timestamp.Truncate(agg.Interval)

	var completed model.KLine
	done := false
	if !agg.Current.StartTime.IsZero() && start.After(agg.Current.StartTime) {
		completed = agg.Current
		done = true
		agg.Current = model.KLine{}
		agg.pv = 0
	}

	if agg.Current.StartTime.IsZero() {
		agg.Current = model.KLine{
			Symbol:    agg.Symbol,
			Interval:  service.FormatInterval(agg.Interval),
			Open:      t.Price,
			High:      t.Price,
			Low:       t.Price,
			StartTime: start,
		}
	} else if start.Before(agg.Current.StartTime) {
		// 迟到的上一周期成交，已经输出，忽略
		return completed, done
	}

	agg.Current.Close = t.Price
	agg.Current.High = math.Max(agg.Current.High, t.Price)
	agg.Current.Low = math.Min(agg.Current.Low, t.Price)
	agg.Current.Volume += t.Size
	agg.pv += t.Price * t.Size
	if agg.Current.Volume > 0 {
		agg.Current.VWAP = agg.pv / agg.Current.Volume
	}
	return completed, done
}
