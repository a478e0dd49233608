package ta

import (
	"consensus-trader/internal/model"
	"sync"

	"github.com/markcheno/go-talib"
)

const (
	DefaultCapacity = 200

	smaPeriod    = 20
	rsiPeriod    = 14
	atrPeriod    = 14
	macdFast     = 12
	macdSlow     = 26
	macdSignal   = 9
	tenkanPeriod = 9
	kijunPeriod  = 26
	senkouPeriod = 52
	pocLevels    = 20
)

// Window 单个 (category, symbol) 的有界滚动 K 线窗口，按时间排序，FIFO 淘汰
type Window struct {
	mu       sync.RWMutex
	capacity int
	bars     []model.KLine
}

// NewWindow capacity <= 0 时使用默认值
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		capacity: capacity,
		bars:     make([]model.KLine, 0, capacity),
	}
}

// Push 追加一根 K 线。同一起始时间视为更新最后一根；早于最后一根的直接丢弃
func (w *Window) Push(bar model.KLine) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n := len(w.bars); n > 0 {
		last := w.bars[n-1].StartTime
		if bar.StartTime.Before(last) {
			return false
		}
		if bar.StartTime.Equal(last) {
			w.bars[n-1] = bar
			return true
		}
	}

	w.bars = append(w.bars, bar)
	if len(w.bars) > w.capacity {
		// FIFO：丢弃最旧的
		copy(w.bars, w.bars[len(w.bars)-w.capacity:])
		w.bars = w.bars[:w.capacity]
	}
	return true
}

// Len 当前窗口长度
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.bars)
}

// Last 最新一根 K 线
func (w *Window) Last() (model.KLine, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.bars) == 0 {
		return model.KLine{}, false
	}
	return w.bars[len(w.bars)-1], true
}

// Calculate 基于当前窗口计算全部指标，历史不足的指标为 nil
func (w *Window) Calculate() model.Indicators {
	w.mu.RLock()
	n := len(w.bars)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	vwaps := make([]float64, n)
	for i, b := range w.bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
		volumes[i] = b.Volume
		vwaps[i] = b.VWAP
	}
	w.mu.RUnlock()

	var ind model.Indicators
	if n == 0 {
		return ind
	}

	// --- 均线 (SMA 20) ---
	if n >= smaPeriod {
		ind.SMA = last(talib.Sma(closes, smaPeriod))
	}

	// --- 相对强弱指数 (RSI 14) ---
	if n > rsiPeriod {
		ind.RSI = last(talib.Rsi(closes, rsiPeriod))
	}

	// --- MACD (12, 26, 9) ---
	if n > macdSlow+macdSignal {
		macd, signal, hist := talib.Macd(closes, macdFast, macdSlow, macdSignal)
		ind.MACD = &model.MACD{
			Line:   macd[len(macd)-1],
			Signal: signal[len(signal)-1],
			Hist:   hist[len(hist)-1],
		}
	}

	// --- 平均真实波动范围 (ATR 14) ---
	if n > atrPeriod {
		ind.ATR = last(talib.Atr(highs, lows, closes, atrPeriod))
	}

	if v, ok := VWAP(closes, highs, lows, volumes, vwaps); ok {
		ind.VWAP = &v
	}
	if n >= senkouPeriod {
		ich := CalcIchimoku(highs, lows)
		ind.Ichimoku = &ich
	}
	if p, ok := PointOfControl(closes, volumes, pocLevels); ok {
		ind.POC = &p
	}
	if stats, ok := CalcReturnStats(closes); ok {
		ind.Returns = &stats
	}
	return ind
}

func last(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	return &v
}
