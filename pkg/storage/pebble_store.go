package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/p2pex/pkg/app/core/order"
	"github.com/uhyunpark/p2pex/pkg/escrow"
)

// PebbleStore is the durable archive of orders, trades and escrow holds.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}
func (s *PebbleStore) Close() error { return s.db.Close() }

var (
	_ Archive      = (*PebbleStore)(nil)
	_ escrow.Store = (*PebbleStore)(nil)
)

// ============================================================================
// Orders
// ============================================================================

// SaveOrder persists the latest state of an order and its owner index entry
func (s *PebbleStore) SaveOrder(o *order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(orderKey(o.ID), data, nil); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	if err := b.Set(ownerOrderKey(o.Owner, o.Sequence, o.ID), []byte(o.ID), nil); err != nil {
		return fmt.Errorf("failed to index order: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// LoadOrder loads an order from Pebble
// Returns nil if the order doesn't exist
func (s *PebbleStore) LoadOrder(id string) (*order.Order, error) {
	var o order.Order
	found, err := s.getJSON(orderKey(id), &o)
	if err != nil || !found {
		return nil, err
	}
	return &o, nil
}

// LoadUserOrders loads up to limit orders of an owner, newest first. limit <= 0 means all.
func (s *PebbleStore) LoadUserOrders(owner string, limit int) ([]*order.Order, error) {
	ids, err := s.scanIndex(ownerOrderPrefix(owner), limit)
	if err != nil {
		return nil, err
	}
	orders := make([]*order.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.LoadOrder(id)
		if err != nil {
			return nil, err
		}
		if o != nil {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

// ============================================================================
// Trades
// ============================================================================

// SaveTrade persists a trade with its owner and symbol index entries. Saving the same
// trade again (a status change) overwrites it in place.
func (s *PebbleStore) SaveTrade(t *order.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}

	id := []byte(t.ID)
	b := s.db.NewBatch()
	defer b.Close()
	keys := [][]byte{
		ownerTradeKey(t.BuyerID, t.ExecutedAt, t.ID),
		ownerTradeKey(t.SellerID, t.ExecutedAt, t.ID),
		symbolTradeKey(t.Symbol, t.ExecutedAt, t.ID),
	}
	if err := b.Set(tradeKey(t.ID), data, nil); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	for _, k := range keys {
		if err := b.Set(k, id, nil); err != nil {
			return fmt.Errorf("failed to index trade: %w", err)
		}
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

func (s *PebbleStore) LoadTrade(id string) (*order.Trade, error) {
	var t order.Trade
	found, err := s.getJSON(tradeKey(id), &t)
	if err != nil || !found {
		return nil, err
	}
	return &t, nil
}

// LoadUserTrades loads the most recent trades an owner took part in, newest first
func (s *PebbleStore) LoadUserTrades(owner string, limit int) ([]*order.Trade, error) {
	return s.loadTrades(ownerTradePrefix(owner), limit)
}

// LoadRecentTrades loads the most recent N trades for a symbol
func (s *PebbleStore) LoadRecentTrades(symbol string, limit int) ([]*order.Trade, error) {
	return s.loadTrades(symbolTradePrefix(symbol), limit)
}

func (s *PebbleStore) loadTrades(prefix []byte, limit int) ([]*order.Trade, error) {
	ids, err := s.scanIndex(prefix, limit)
	if err != nil {
		return nil, err
	}
	trades := make([]*order.Trade, 0, len(ids))
	for _, id := range ids {
		t, err := s.LoadTrade(id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

// ============================================================================
// Escrow holds
// ============================================================================

func (s *PebbleStore) SaveHold(h *escrow.Hold) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal hold: %w", err)
	}
	if err := s.db.Set(holdKey(h.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save hold: %w", err)
	}
	return nil
}

func (s *PebbleStore) LoadHold(id common.Hash) (*escrow.Hold, error) {
	var h escrow.Hold
	found, err := s.getJSON(holdKey(id), &h)
	if err != nil || !found {
		return nil, err
	}
	return &h, nil
}

// ============================================================================
// Helpers
// ============================================================================

func (s *PebbleStore) getJSON(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %q: %w", key, err)
	}
	return true, nil
}

// scanIndex walks an index prefix backwards and returns the referenced ids.
func (s *PebbleStore) scanIndex(prefix []byte, limit int) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var ids []string
	for iter.Last(); iter.Valid() && (limit <= 0 || len(ids) < limit); iter.Prev() {
		ids = append(ids, string(iter.Value()))
	}
	return ids, iter.Error()
}
