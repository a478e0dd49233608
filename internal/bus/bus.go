package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"consensus-trader/internal/model"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// EventType 事件类别，同时作为 Kafka topic 后缀
type EventType string

const (
	EventSnapshot     EventType = "snapshot"
	EventDecision     EventType = "decision"
	EventOrder        EventType = "order"
	EventSubscription EventType = "subscription"
	EventTradeUpdate  EventType = "trade_update"
)

// Event 进程内事件。Payload 为以下之一:
// *model.MarketSnapshot, *model.ConsensusDecision, *model.OrderRecord,
// *model.StreamSubscription, *model.TradeUpdate
type Event struct {
	Type    EventType
	Key     string
	At      time.Time
	Payload interface{}
}

// SnapshotEvent 等构造函数统一填充 Key 与时间
func SnapshotEvent(s *model.MarketSnapshot) Event {
	return Event{Type: EventSnapshot, Key: model.SubscriptionKey{Category: s.Category, Symbol: s.Symbol}.String(), At: s.CapturedAt, Payload: s}
}

func DecisionEvent(d *model.ConsensusDecision) Event {
	return Event{Type: EventDecision, Key: d.Symbol, At: d.DecidedAt, Payload: d}
}

func OrderEvent(o *model.OrderRecord) Event {
	return Event{Type: EventOrder, Key: o.ClientOrderID, At: o.UpdatedAt, Payload: o}
}

func SubscriptionEvent(s *model.StreamSubscription) Event {
	return Event{Type: EventSubscription, Key: s.Key.String(), At: s.LastUpdate, Payload: s}
}

func TradeUpdateEvent(u *model.TradeUpdate, at time.Time) Event {
	return Event{Type: EventTradeUpdate, Key: u.ClientOrderID, At: at, Payload: u}
}

// Queue is a bounded, non-blocking event queue.
type Queue struct {
	ch      chan Event
	closed  uint32
	dropped uint64
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Event, capacity)}
}

// TryPublish enqueues an event without blocking.
func (q *Queue) TryPublish(e Event) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	default:
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
}

// Dropped 因队列满被丢弃的事件数
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }

// Close stops the queue from accepting new events.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}

// Run consumes events until the context is done or the queue is closed.
func (q *Queue) Run(ctx context.Context, handler func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}

// Bus 一对多广播，每个订阅者一个有界队列；慢订阅者只会丢自己的事件
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
}

type subscriber struct {
	queue *Queue
	types map[EventType]bool // 为空表示全部
}

func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe 注册订阅者；types 为空时接收全部事件
func (b *Bus) Subscribe(name string, capacity int, types ...EventType) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subs[name]; ok {
		old.queue.Close()
	}
	sub := &subscriber{queue: NewQueue(capacity)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	if b.closed {
		sub.queue.Close()
	}
	b.subs[name] = sub
	return sub.queue
}

// Unsubscribe 关闭并移除订阅者
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[name]; ok {
		sub.queue.Close()
		delete(b.subs, name)
	}
}

// Publish 不阻塞；返回被丢弃的订阅者数量
func (b *Bus) Publish(e Event) int {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	dropped := 0
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[e.Type] {
			continue
		}
		if err := sub.queue.TryPublish(e); err != nil {
			dropped++
		}
	}
	return dropped
}

// Close 关闭所有订阅队列
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.queue.Close()
	}
}
