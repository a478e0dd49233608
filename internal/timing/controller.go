package timing

import (
	"sync"
	"sync/atomic"
	"time"

	"consensus-trader/internal/service"

	"go.uber.org/zap"
)

// Controller 计算下一周期的等待时间，并保证同一时刻只有一个周期在执行
type Controller struct {
	cfg         service.TimingConfig
	subSecond   bool
	clock       *Clock
	multipliers map[Phase]float64

	mu        sync.Mutex
	latencies []time.Duration // 环形窗口
	next      int
	filled    int
	cycles    uint64
	failures  uint64
	lastPhase Phase

	busy   atomic.Bool
	logger *zap.Logger
}

// NewController live 为实盘模式；只有实盘且开启 allow_sub_second 时才允许亚秒级节奏
func NewController(cfg service.TimingConfig, live bool) *Controller {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = 30 * time.Second
	}
	if cfg.SafetyMargin < 1 {
		cfg.SafetyMargin = 1.2
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = 10
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 300 * time.Second
	}
	if cfg.SubSecondFloor <= 0 {
		cfg.SubSecondFloor = 250 * time.Millisecond
	}

	mult := make(map[Phase]float64, len(defaultMultipliers))
	for p, m := range defaultMultipliers {
		mult[p] = m
	}
	for name, m := range cfg.Multipliers {
		if m > 0 {
			mult[Phase(name)] = m
		}
	}

	return &Controller{
		cfg:         cfg,
		subSecond:   live && cfg.AllowSubSecond,
		clock:       NewClock(cfg.Timezone),
		multipliers: mult,
		latencies:   make([]time.Duration, cfg.LatencyWindow),
		logger:      service.Named("timing"),
	}
}

func (c *Controller) Clock() *Clock { return c.clock }

// Phase 当前时段，发生变化时打印迁移日志
func (c *Controller) Phase(now time.Time) Phase {
	p := c.clock.Phase(now)
	c.mu.Lock()
	prev := c.lastPhase
	c.lastPhase = p
	c.mu.Unlock()
	if prev != "" && prev != p {
		c.logger.Info("!!! Session Transition !!!", zap.String("from", string(prev)), zap.String("to", string(p)))
	}
	return p
}

// BaseInterval 时段基础间隔
func (c *Controller) BaseInterval(p Phase) time.Duration {
	m, ok := c.multipliers[p]
	if !ok {
		m = 1
	}
	return time.Duration(float64(c.cfg.BaseInterval) * m)
}

// ObserveLatency 记录一次周期耗时
func (c *Controller) ObserveLatency(d time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies[c.next] = d
	c.next = (c.next + 1) % len(c.latencies)
	if c.filled < len(c.latencies) {
		c.filled++
	}
	c.cycles++
	if !ok {
		c.failures++
	}
}

// ObservedLatency 最近 N 次耗时的平均值
func (c *Controller) ObservedLatency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meanLocked()
}

func (c *Controller) meanLocked() time.Duration {
	if c.filled == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < c.filled; i++ {
		sum += c.latencies[i]
	}
	return sum / time.Duration(c.filled)
}

// NextInterval target = max(base(phase), latency × margin)，再限制在 [min, max]。
// 休市时返回距离下一个盘前的时长
func (c *Controller) NextInterval(now time.Time) (time.Duration, Phase) {
	phase := c.Phase(now)
	if phase == PhaseClosed {
		return c.clock.NextPreMarket(now).Sub(now), phase
	}

	target := c.BaseInterval(phase)
	if lat := time.Duration(float64(c.ObservedLatency()) * c.cfg.SafetyMargin); lat > target {
		target = lat
	}
	if c.cfg.MinInterval > 0 && target < c.cfg.MinInterval {
		target = c.cfg.MinInterval
	}
	if target > c.cfg.MaxInterval {
		target = c.cfg.MaxInterval
	}

	floor := time.Second
	if c.subSecond {
		floor = c.cfg.SubSecondFloor
	}
	if target < floor {
		target = floor
	}
	return target, phase
}

// MaxInterval 周期间隔上限
func (c *Controller) MaxInterval() time.Duration { return c.cfg.MaxInterval }

// TryBegin 单周期闸门，已有周期在执行时返回 false
func (c *Controller) TryBegin() bool {
	return c.busy.CompareAndSwap(false, true)
}

func (c *Controller) End() {
	c.busy.Store(false)
}

// Status 运行状态，供 ops 接口展示
type Status struct {
	Phase           Phase         `json:"phase"`
	ObservedLatency time.Duration `json:"observed_latency"`
	Cycles          uint64        `json:"cycles"`
	SuccessRate     float64       `json:"success_rate"`
	InFlight        bool          `json:"in_flight"`
	SubSecond       bool          `json:"sub_second"`
}

func (c *Controller) Status(now time.Time) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Phase:           c.clock.Phase(now),
		ObservedLatency: c.meanLocked(),
		Cycles:          c.cycles,
		SuccessRate:     1,
		InFlight:        c.busy.Load(),
		SubSecond:       c.subSecond,
	}
	if c.cycles > 0 {
		s.SuccessRate = float64(c.cycles-c.failures) / float64(c.cycles)
	}
	return s
}
