package ta

import (
	"consensus-trader/internal/model"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)

func bar(i int, close float64) model.KLine {
	return model.KLine{
		Symbol:    "AAPL",
		Interval:  "1m",
		Open:      close,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    100,
		StartTime: t0.Add(time.Duration(i) * time.Minute),
	}
}

func TestWindowEvictsOldest(t *testing.T) {
	t.Parallel()

	w := NewWindow(5)
	for i := 0; i < 8; i++ {
		assert.True(t, w.Push(bar(i, float64(100+i))))
	}
	assert.Equal(t, 5, w.Len())

	lastBar, ok := w.Last()
	require.True(t, ok)
	assert.Equal(t, 107.0, lastBar.Close)
}

func TestWindowRejectsOutOfOrderAndReplacesSameStart(t *testing.T) {
	t.Parallel()

	w := NewWindow(10)
	require.True(t, w.Push(bar(2, 100)))
	assert.False(t, w.Push(bar(1, 99)))
	assert.Equal(t, 1, w.Len())

	updated := bar(2, 101)
	assert.True(t, w.Push(updated))
	assert.Equal(t, 1, w.Len())
	lastBar, _ := w.Last()
	assert.Equal(t, 101.0, lastBar.Close)
}

func TestCalculateShortHistoryLeavesNil(t *testing.T) {
	t.Parallel()

	w := NewWindow(0)
	for i := 0; i < 10; i++ {
		w.Push(bar(i, 100+float64(i%3)))
	}
	ind := w.Calculate()
	assert.Nil(t, ind.RSI)
	assert.Nil(t, ind.MACD)
	assert.Nil(t, ind.ATR)
	assert.Nil(t, ind.Ichimoku)
	assert.NotNil(t, ind.VWAP)
	assert.NotNil(t, ind.POC)
	assert.NotNil(t, ind.Returns)
}

func TestCalculateFullHistory(t *testing.T) {
	t.Parallel()

	w := NewWindow(0)
	for i := 0; i < 120; i++ {
		w.Push(bar(i, 100+10*math.Sin(float64(i)/6)))
	}
	ind := w.Calculate()

	require.NotNil(t, ind.RSI)
	assert.GreaterOrEqual(t, *ind.RSI, 0.0)
	assert.LessOrEqual(t, *ind.RSI, 100.0)
	require.NotNil(t, ind.MACD)
	assert.InDelta(t, ind.MACD.Line-ind.MACD.Signal, ind.MACD.Hist, 1e-9)
	require.NotNil(t, ind.ATR)
	assert.Greater(t, *ind.ATR, 0.0)
	require.NotNil(t, ind.SMA)
	require.NotNil(t, ind.Ichimoku)
	assert.InDelta(t, (ind.Ichimoku.Tenkan+ind.Ichimoku.Kijun)/2, ind.Ichimoku.SpanA, 1e-9)
}

func TestRisingSeriesHasHighRSI(t *testing.T) {
	t.Parallel()

	w := NewWindow(0)
	for i := 0; i < 40; i++ {
		w.Push(bar(i, 100+float64(i)))
	}
	ind := w.Calculate()
	require.NotNil(t, ind.RSI)
	assert.Greater(t, *ind.RSI, 90.0)
}

func TestVWAP(t *testing.T) {
	t.Parallel()

	closes := []float64{10, 20}
	v, ok := VWAP(closes, closes, closes, []float64{1, 3}, nil)
	require.True(t, ok)
	assert.InDelta(t, 17.5, v, 1e-9)

	_, ok = VWAP(closes, closes, closes, []float64{0, 0}, nil)
	assert.False(t, ok)

	v, ok = VWAP(closes, closes, closes, []float64{1, 1}, []float64{11, 21})
	require.True(t, ok)
	assert.InDelta(t, 16, v, 1e-9)
}

func TestIchimokuMidpoints(t *testing.T) {
	t.Parallel()

	highs := make([]float64, 52)
	lows := make([]float64, 52)
	for i := range highs {
		highs[i] = float64(i + 10)
		lows[i] = float64(i)
	}
	ich := CalcIchimoku(highs, lows)
	// 最近 9 根: high max 61, low min 43
	assert.InDelta(t, 52, ich.Tenkan, 1e-9)
	// 最近 26 根: 61 / 26
	assert.InDelta(t, 43.5, ich.Kijun, 1e-9)
	// 全部 52 根: 61 / 0
	assert.InDelta(t, 30.5, ich.SpanB, 1e-9)
	assert.InDelta(t, 47.75, ich.SpanA, 1e-9)
}

func TestPointOfControl(t *testing.T) {
	t.Parallel()

	closes := []float64{100, 101, 110, 110.2, 120}
	volumes := []float64{10, 10, 500, 400, 10}
	poc, ok := PointOfControl(closes, volumes, 20)
	require.True(t, ok)
	assert.InDelta(t, 110, poc, 1)

	poc, ok = PointOfControl([]float64{50, 50}, []float64{1, 1}, 20)
	require.True(t, ok)
	assert.Equal(t, 50.0, poc)
}

func TestReturnStats(t *testing.T) {
	t.Parallel()

	stats, ok := CalcReturnStats([]float64{100, 110, 99, 108.9})
	require.True(t, ok)
	assert.Equal(t, 3, stats.Samples)
	assert.InDelta(t, 2.0/3.0, stats.WinRate, 1e-9)
	// 平均盈利 0.1 / 平均亏损 0.1
	assert.InDelta(t, 1.0, stats.PayoffRatio, 1e-9)

	_, ok = CalcReturnStats([]float64{100, 101})
	assert.False(t, ok)
}
