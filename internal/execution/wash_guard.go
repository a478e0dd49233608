package execution

import (
	"sort"
	"sync"
	"time"

	"consensus-trader/internal/model"
)

// GuardTable 平仓后的买入冷却表，只由 Coordinator 持有
type GuardTable struct {
	mu       sync.Mutex
	cooldown int
	guards   map[string]*model.WashTradeGuard
}

func NewGuardTable(cooldown int) *GuardTable {
	if cooldown <= 0 {
		cooldown = 5
	}
	return &GuardTable{cooldown: cooldown, guards: make(map[string]*model.WashTradeGuard)}
}

// Blocked 返回剩余冷却周期
func (g *GuardTable) Blocked(symbol string) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if guard, ok := g.guards[symbol]; ok && guard.CooldownCyclesRemaining > 0 {
		return guard.CooldownCyclesRemaining, true
	}
	return 0, false
}

// Arm 全部平仓后创建或刷新冷却
func (g *GuardTable) Arm(symbol string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.guards[symbol] = &model.WashTradeGuard{Symbol: symbol, LiquidatedAt: at, CooldownCyclesRemaining: g.cooldown}
}

// Tick 每个完成的周期调用一次，与是否交易无关。返回本次解除的 symbol
func (g *GuardTable) Tick() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var released []string
	for sym, guard := range g.guards {
		guard.CooldownCyclesRemaining--
		if guard.CooldownCyclesRemaining <= 0 {
			delete(g.guards, sym)
			released = append(released, sym)
		}
	}
	sort.Strings(released)
	return released
}

func (g *GuardTable) Active() []model.WashTradeGuard {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.WashTradeGuard, 0, len(g.guards))
	for _, guard := range g.guards {
		out = append(out, *guard)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
