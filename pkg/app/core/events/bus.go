// Package events fans order, book and trade changes out to subscribers over channels.
// Publishing never waits on a subscriber.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/uhyunpark/p2pex/pkg/app/core/order"
	"github.com/uhyunpark/p2pex/pkg/app/core/orderbook"
)

type Topic string

const (
	OrderSubmitted   Topic = "order:submitted"
	OrderUpdated     Topic = "order:updated" // fills
	OrderCancelled   Topic = "order:cancelled"
	OrderExpired     Topic = "order:expired"
	OrderbookUpdated Topic = "orderbook:updated"
	TradeExecuted    Topic = "trade:executed"
	TradeUpdated     Topic = "trade:updated" // settlement status changes
)

// AllTopics lists every topic the engine publishes.
var AllTopics = []Topic{OrderSubmitted, OrderUpdated, OrderCancelled, OrderExpired, OrderbookUpdated, TradeExecuted, TradeUpdated}

const DefaultBuffer = 256

// Event is one notification. Exactly one of Order, Trade and Book is set, matching the
// topic. Payloads are copies; subscribers may keep them.
type Event struct {
	Topic  Topic               `json:"topic"`
	Symbol string              `json:"symbol"`
	Order  *order.Order        `json:"order,omitempty"`
	Trade  *order.Trade        `json:"trade,omitempty"`
	Book   *orderbook.Snapshot `json:"book,omitempty"`
	At     time.Time           `json:"at"`
}

// Owners returns the accounts an event concerns.
func (e Event) Owners() []string {
	switch {
	case e.Order != nil:
		return []string{e.Order.Owner}
	case e.Trade != nil:
		if e.Trade.BuyerID == e.Trade.SellerID {
			return []string{e.Trade.BuyerID}
		}
		return []string{e.Trade.BuyerID, e.Trade.SellerID}
	}
	return nil
}

func OrderEvent(topic Topic, o order.Order, at time.Time) Event {
	return Event{Topic: topic, Symbol: o.Symbol, Order: &o, At: at}
}

func TradeEvent(topic Topic, t order.Trade, at time.Time) Event {
	return Event{Topic: topic, Symbol: t.Symbol, Trade: &t, At: at}
}

func BookEvent(snap *orderbook.Snapshot, at time.Time) Event {
	return Event{Topic: OrderbookUpdated, Symbol: snap.Symbol, Book: snap, At: at}
}

// Subscription receives events on C until it is cancelled or the bus closes.
type Subscription struct {
	C <-chan Event

	bus    *Bus
	id     uint64
	ch     chan Event
	topics map[Topic]bool // empty means every topic
}

func (s *Subscription) wants(t Topic) bool {
	return len(s.topics) == 0 || s.topics[t]
}

// Cancel stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Cancel() { s.bus.remove(s.id) }

// Bus is a fire-and-forget publisher. A subscriber whose buffer is full misses the event;
// the miss is counted in Dropped.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber for topics (all topics when none are given) with the
// given channel buffer.
func (b *Bus) Subscribe(buffer int, topics ...Topic) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, bus: b, ch: ch, topics: make(map[Topic]bool, len(topics))}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers e to every interested subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		if !sub.wants(e.Topic) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped is the number of deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Published is the number of events accepted by Publish.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
