package timing

import (
	"time"
	_ "time/tzdata"

	"consensus-trader/internal/service"

	"go.uber.org/zap"
)

// Phase 交易时段
type Phase string

const (
	PhasePreMarket   Phase = "pre_market"
	PhaseOpeningBell Phase = "opening_bell"
	PhaseRegular     Phase = "regular"
	PhaseLunchHour   Phase = "lunch_hour"
	PhasePowerHour   Phase = "power_hour"
	PhaseAfterHours  Phase = "after_hours"
	PhaseClosed      Phase = "closed"
)

// 各时段相对基础间隔的倍数，开盘与尾盘更快
var defaultMultipliers = map[Phase]float64{
	PhasePreMarket:   0.8,
	PhaseOpeningBell: 0.5,
	PhaseRegular:     1.0,
	PhaseLunchHour:   0.7,
	PhasePowerHour:   0.6,
	PhaseAfterHours:  0.9,
}

// 时段边界，单位为当日秒数，左闭右开
type boundary struct {
	start int
	phase Phase
}

var schedule = []boundary{
	{0, PhaseClosed},
	{4 * 3600, PhasePreMarket},
	{9*3600 + 30*60, PhaseOpeningBell},
	{10 * 3600, PhaseRegular},
	{12 * 3600, PhaseLunchHour},
	{13 * 3600, PhaseRegular},
	{15 * 3600, PhasePowerHour},
	{16 * 3600, PhaseAfterHours},
	{20 * 3600, PhaseClosed},
}

const preMarketOpen = 4 // 04:00

// Clock 交易所本地时钟
type Clock struct {
	loc *time.Location
}

// NewClock 时区加载失败时使用固定 -05:00
func NewClock(tz string) *Clock {
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		service.Logger.Warn("Timezone unavailable, using fixed -05:00", zap.String("timezone", tz), zap.Error(err))
		loc = time.FixedZone("EST", -5*3600)
	}
	return &Clock{loc: loc}
}

func (c *Clock) Location() *time.Location { return c.loc }

// Phase 周末全天休市
func (c *Clock) Phase(t time.Time) Phase {
	local := t.In(c.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return PhaseClosed
	}
	secs := local.Hour()*3600 + local.Minute()*60 + local.Second()
	phase := PhaseClosed
	for _, b := range schedule {
		if secs < b.start {
			break
		}
		phase = b.phase
	}
	return phase
}

// NextPreMarket 严格晚于 t 的下一个工作日 04:00
func (c *Clock) NextPreMarket(t time.Time) time.Time {
	local := t.In(c.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), preMarketOpen, 0, 0, 0, c.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, preMarketOpen, 0, 0, 0, c.loc)
	}
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = time.Date(next.Year(), next.Month(), next.Day()+1, preMarketOpen, 0, 0, 0, c.loc)
	}
	return next
}
