package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrMarketNotFound = errors.New("market not found")

// MarketRegistry manages multiple markets in a thread-safe manner
// Supports registration, lookup, and status updates for all trading markets
type MarketRegistry struct {
	mu      sync.RWMutex
	markets map[string]*Market // symbol -> market
}

// NewMarketRegistry creates an empty market registry
func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{
		markets: make(map[string]*Market),
	}
}

// RegisterMarket adds a new market to the registry
// Returns error if market with same symbol already exists
func (mr *MarketRegistry) RegisterMarket(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}
	if err := m.Validate(); err != nil {
		return err
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	if _, exists := mr.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}

	cp := *m
	mr.markets[m.Symbol] = &cp
	return nil
}

// GetMarket returns a copy of the market registered under symbol
func (mr *MarketRegistry) GetMarket(symbol string) (Market, error) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	m, exists := mr.markets[symbol]
	if !exists {
		return Market{}, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}

	return *m, nil
}

// ListMarkets returns copies of all registered markets, ordered by symbol
func (mr *MarketRegistry) ListMarkets() []Market {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	markets := make([]Market, 0, len(mr.markets))
	for _, m := range mr.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Symbol < markets[j].Symbol })

	return markets
}

// ListActiveMarkets returns only markets with Active status
func (mr *MarketRegistry) ListActiveMarkets() []Market {
	all := mr.ListMarkets()
	markets := all[:0]
	for _, m := range all {
		if m.Status == Active {
			markets = append(markets, m)
		}
	}
	return markets
}

// UpdateMarketStatus changes the trading status of a market
// Used for pausing and for halting a symbol whose book is corrupt
func (mr *MarketRegistry) UpdateMarketStatus(symbol string, status MarketStatus) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	m, exists := mr.markets[symbol]
	if !exists {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}

	if err := validateStatusTransition(m.Status, status); err != nil {
		return fmt.Errorf("market %s: %w", symbol, err)
	}

	m.Status = status
	return nil
}

// validateStatusTransition checks if status change is valid
func validateStatusTransition(from, to MarketStatus) error {
	// Active → Paused: allowed (operator pause)
	// Paused → Active: allowed (resume trading)
	// Active/Paused → Halted: allowed (invariant break)
	// Halted → *: not allowed (terminal state)

	if from == Halted && to != Halted {
		return fmt.Errorf("cannot change status from Halted (terminal state)")
	}
	switch to {
	case Active, Paused, Halted:
		return nil
	}
	return fmt.Errorf("unknown status %d", to)
}

// RemoveMarket removes a market from the registry
// Only halted markets can be removed
func (mr *MarketRegistry) RemoveMarket(symbol string) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	m, exists := mr.markets[symbol]
	if !exists {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}

	if m.Status != Halted {
		return fmt.Errorf("cannot remove market %s with status %s (must be Halted)", symbol, m.Status)
	}

	delete(mr.markets, symbol)
	return nil
}

// Count returns the total number of registered markets
func (mr *MarketRegistry) Count() int {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return len(mr.markets)
}

// Exists checks if a market is registered
func (mr *MarketRegistry) Exists(symbol string) bool {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	_, exists := mr.markets[symbol]
	return exists
}
