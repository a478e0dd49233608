package stream

import (
	"sort"
	"sync"
	"sync/atomic"

	"consensus-trader/internal/model"
)

// Store 每个 (category, symbol) 一个原子指针，单写者整体替换，读者无锁
type Store struct {
	slots sync.Map // model.SubscriptionKey -> *atomic.Pointer[model.MarketSnapshot]
}

func NewStore() *Store { return &Store{} }

func (s *Store) slot(key model.SubscriptionKey) *atomic.Pointer[model.MarketSnapshot] {
	if v, ok := s.slots.Load(key); ok {
		return v.(*atomic.Pointer[model.MarketSnapshot])
	}
	v, _ := s.slots.LoadOrStore(key, &atomic.Pointer[model.MarketSnapshot]{})
	return v.(*atomic.Pointer[model.MarketSnapshot])
}

// Put 发布新快照，调用后不得再修改 snap
func (s *Store) Put(snap *model.MarketSnapshot) {
	s.slot(model.SubscriptionKey{Category: snap.Category, Symbol: snap.Symbol}).Store(snap)
}

// Latest 最新快照，不存在时返回 nil
func (s *Store) Latest(category model.Category, symbol string) *model.MarketSnapshot {
	v, ok := s.slots.Load(model.SubscriptionKey{Category: category, Symbol: symbol})
	if !ok {
		return nil
	}
	return v.(*atomic.Pointer[model.MarketSnapshot]).Load()
}

// All 全部快照，按 key 排序
func (s *Store) All() []*model.MarketSnapshot {
	var out []*model.MarketSnapshot
	s.slots.Range(func(_, v interface{}) bool {
		if snap := v.(*atomic.Pointer[model.MarketSnapshot]).Load(); snap != nil {
			out = append(out, snap)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
