package timing

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"consensus-trader/internal/service"

	"github.com/creasty/defaults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timingConfig(t *testing.T) service.TimingConfig {
	t.Helper()
	var cfg service.TimingConfig
	require.NoError(t, defaults.Set(&cfg))
	return cfg
}

func TestSessionPhases(t *testing.T) {
	t.Parallel()

	clock := NewClock("America/New_York")
	ny := clock.Location()

	tests := []struct {
		name string
		at   time.Time
		want Phase
	}{
		{"before pre-market", time.Date(2026, 3, 2, 3, 59, 59, 0, ny), PhaseClosed},
		{"pre-market open", time.Date(2026, 3, 2, 4, 0, 0, 0, ny), PhasePreMarket},
		{"one second before the bell", time.Date(2026, 3, 2, 9, 29, 59, 0, ny), PhasePreMarket},
		{"opening bell", time.Date(2026, 3, 2, 9, 30, 0, 0, ny), PhaseOpeningBell},
		{"regular morning", time.Date(2026, 3, 2, 10, 0, 0, 0, ny), PhaseRegular},
		{"lunch", time.Date(2026, 3, 2, 12, 30, 0, 0, ny), PhaseLunchHour},
		{"regular afternoon", time.Date(2026, 3, 2, 13, 0, 0, 0, ny), PhaseRegular},
		{"power hour", time.Date(2026, 3, 2, 15, 59, 59, 0, ny), PhasePowerHour},
		{"after hours", time.Date(2026, 3, 2, 16, 0, 0, 0, ny), PhaseAfterHours},
		{"night", time.Date(2026, 3, 2, 20, 0, 0, 0, ny), PhaseClosed},
		{"saturday", time.Date(2026, 3, 7, 11, 0, 0, 0, ny), PhaseClosed},
		{"utc input", time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC), PhaseOpeningBell},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, clock.Phase(tt.at))
		})
	}
}

func TestFixedZoneFallback(t *testing.T) {
	t.Parallel()

	clock := NewClock("Mars/Olympus_Mons")
	_, offset := time.Date(2026, 7, 1, 0, 0, 0, 0, clock.Location()).Zone()
	assert.Equal(t, -5*3600, offset)
	assert.Equal(t, PhaseOpeningBell, clock.Phase(time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)))
}

func TestNextPreMarket(t *testing.T) {
	t.Parallel()

	clock := NewClock("America/New_York")
	ny := clock.Location()

	friday := time.Date(2026, 3, 6, 21, 0, 0, 0, ny)
	assert.Equal(t, time.Date(2026, 3, 9, 4, 0, 0, 0, ny), clock.NextPreMarket(friday))

	early := time.Date(2026, 3, 3, 2, 0, 0, 0, ny)
	assert.Equal(t, time.Date(2026, 3, 3, 4, 0, 0, 0, ny), clock.NextPreMarket(early))
}

func TestNextInterval(t *testing.T) {
	t.Parallel()

	cfg := timingConfig(t)
	c := NewController(cfg, false)
	ny := c.Clock().Location()
	regular := time.Date(2026, 3, 2, 10, 30, 0, 0, ny)
	opening := time.Date(2026, 3, 2, 9, 45, 0, 0, ny)

	d, phase := c.NextInterval(regular)
	assert.Equal(t, PhaseRegular, phase)
	assert.Equal(t, 30*time.Second, d)

	d, _ = c.NextInterval(opening)
	assert.Equal(t, 15*time.Second, d)

	// 平均耗时 × 1.2 超过基础间隔
	c.ObserveLatency(30*time.Second, true)
	c.ObserveLatency(50*time.Second, true)
	assert.Equal(t, 40*time.Second, c.ObservedLatency())
	d, _ = c.NextInterval(regular)
	assert.Equal(t, 48*time.Second, d)

	c.ObserveLatency(20*time.Minute, false)
	d, _ = c.NextInterval(regular)
	assert.Equal(t, cfg.MaxInterval, d)

	night := time.Date(2026, 3, 2, 22, 0, 0, 0, ny)
	d, phase = c.NextInterval(night)
	assert.Equal(t, PhaseClosed, phase)
	assert.Equal(t, 6*time.Hour, d)
}

func TestLatencyWindowEvictsOldest(t *testing.T) {
	t.Parallel()

	cfg := timingConfig(t)
	cfg.LatencyWindow = 2
	c := NewController(cfg, false)
	c.ObserveLatency(100*time.Second, true)
	c.ObserveLatency(2*time.Second, true)
	c.ObserveLatency(4*time.Second, true)
	assert.Equal(t, 3*time.Second, c.ObservedLatency())
}

func TestSubSecondOnlyInLive(t *testing.T) {
	t.Parallel()

	cfg := timingConfig(t)
	cfg.BaseInterval = 200 * time.Millisecond
	cfg.MinInterval = 100 * time.Millisecond
	cfg.AllowSubSecond = true
	regular := time.Date(2026, 3, 2, 10, 30, 0, 0, time.FixedZone("EST", -5*3600))

	paper := NewController(cfg, false)
	d, _ := paper.NextInterval(regular)
	assert.Equal(t, time.Second, d)

	live := NewController(cfg, true)
	d, _ = live.NextInterval(regular)
	assert.Equal(t, 250*time.Millisecond, d)

	cfg.SubSecondFloor = 100 * time.Millisecond
	live = NewController(cfg, true)
	d, _ = live.NextInterval(regular)
	assert.Equal(t, 200*time.Millisecond, d)
}

func TestSingleInFlightCycle(t *testing.T) {
	t.Parallel()

	c := NewController(timingConfig(t), false)
	var started atomic.Int32
	var attempted, done sync.WaitGroup
	release := make(chan struct{})
	for i := 0; i < 8; i++ {
		attempted.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			ok := c.TryBegin()
			attempted.Done()
			if ok {
				started.Add(1)
				<-release
				c.End()
			}
		}()
	}
	attempted.Wait()
	close(release)
	done.Wait()

	assert.Equal(t, int32(1), started.Load())
	assert.True(t, c.TryBegin())
	c.End()
}

func TestStatus(t *testing.T) {
	t.Parallel()

	c := NewController(timingConfig(t), false)
	c.ObserveLatency(time.Second, true)
	c.ObserveLatency(3*time.Second, false)
	s := c.Status(time.Date(2026, 3, 2, 15, 30, 0, 0, c.Clock().Location()))
	assert.Equal(t, PhasePowerHour, s.Phase)
	assert.Equal(t, 2*time.Second, s.ObservedLatency)
	assert.Equal(t, uint64(2), s.Cycles)
	assert.Equal(t, 0.5, s.SuccessRate)
	assert.False(t, s.InFlight)
}
