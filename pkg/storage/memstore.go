package storage

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/p2pex/pkg/app/core/order"
	"github.com/uhyunpark/p2pex/pkg/escrow"
)

// Archive is what the archiver writes to and the API reads archived history from.
type Archive interface {
	SaveOrder(o *order.Order) error
	SaveTrade(t *order.Trade) error
	LoadOrder(id string) (*order.Order, error)
	LoadUserOrders(owner string, limit int) ([]*order.Order, error)
	LoadUserTrades(owner string, limit int) ([]*order.Trade, error)
	LoadRecentTrades(symbol string, limit int) ([]*order.Trade, error)
}

// InMemoryStore keeps the archive and escrow holds in memory. It is used when no data
// directory is configured.
type InMemoryStore struct {
	mu     sync.Mutex
	orders map[string]order.Order
	trades map[string]order.Trade
	holds  map[common.Hash]escrow.Hold
}

var (
	_ Archive      = (*InMemoryStore)(nil)
	_ escrow.Store = (*InMemoryStore)(nil)
)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		orders: make(map[string]order.Order),
		trades: make(map[string]order.Trade),
		holds:  make(map[common.Hash]escrow.Hold),
	}
}

func (s *InMemoryStore) SaveOrder(o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *InMemoryStore) LoadOrder(id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *InMemoryStore) LoadUserOrders(owner string, limit int) ([]*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*order.Order
	for _, o := range s.orders {
		if o.Owner == owner {
			o := o
			out = append(out, &o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	return truncate(out, limit), nil
}

func (s *InMemoryStore) SaveTrade(t *order.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[t.ID] = t.Clone()
	return nil
}

func (s *InMemoryStore) LoadUserTrades(owner string, limit int) ([]*order.Trade, error) {
	return s.filterTrades(func(t *order.Trade) bool { return t.Involves(owner) }, limit), nil
}

func (s *InMemoryStore) LoadRecentTrades(symbol string, limit int) ([]*order.Trade, error) {
	return s.filterTrades(func(t *order.Trade) bool { return t.Symbol == symbol }, limit), nil
}

// filterTrades returns matching trades newest first, like the Pebble index scan.
func (s *InMemoryStore) filterTrades(keep func(*order.Trade) bool, limit int) []*order.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*order.Trade
	for _, t := range s.trades {
		t := t
		if keep(&t) {
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].ExecutedAt.After(out[j].ExecutedAt)
		}
		return out[i].ID > out[j].ID
	})
	return truncate(out, limit)
}

func (s *InMemoryStore) SaveHold(h *escrow.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holds[h.ID] = *h
	return nil
}

func (s *InMemoryStore) LoadHold(id common.Hash) (*escrow.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[id]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
