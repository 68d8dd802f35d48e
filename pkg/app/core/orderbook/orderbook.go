package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/p2pex/pkg/app/core/order"
)

var (
	ErrOrderNotInBook = errors.New("order not in book")
	ErrNotRestable    = errors.New("order cannot rest on a ladder")
	ErrDuplicateOrder = errors.New("order already in book")
)

// VolumeWindow is the span covered by the rolling volume of a book.
const VolumeWindow = 24 * time.Hour

type volumeSample struct {
	at  time.Time
	qty decimal.Decimal
}

// Book is the live ladder pair of one symbol.
//
// A Book is not safe for concurrent use: the engine confines each book to the goroutine
// that owns its symbol.
type Book struct {
	Symbol string

	bids []*Level // best (highest) price first
	asks []*Level // best (lowest) price first

	// Order index for O(1) lookup and cancellation
	index map[string]*order.Order

	lastPrice decimal.NullDecimal
	volume    []volumeSample
	updatedAt time.Time
}

func NewBook(symbol string) *Book {
	return &Book{
		Symbol: symbol,
		index:  make(map[string]*order.Order),
	}
}

func (b *Book) ladder(side order.Side) *[]*Level {
	if side == order.Buy {
		return &b.bids
	}
	return &b.asks
}

// better reports whether price p sorts ahead of q on the given side.
func better(side order.Side, p, q decimal.Decimal) bool {
	if side == order.Buy {
		return p.GreaterThan(q)
	}
	return p.LessThan(q)
}

// search returns the position of price on the side's ladder and whether a level exists there.
func (b *Book) search(side order.Side, price decimal.Decimal) (int, bool) {
	levels := *b.ladder(side)
	i := sort.Search(len(levels), func(i int) bool {
		return !better(side, levels[i].Price, price)
	})
	return i, i < len(levels) && levels[i].Price.Equal(price)
}

// Insert rests o at its price, creating the level if needed.
func (b *Book) Insert(o *order.Order, at time.Time) error {
	if !o.Resting() {
		return fmt.Errorf("%w: %s %s has no resting price", ErrNotRestable, o.Type, o.ID)
	}
	if _, ok := b.index[o.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	price := o.Price.Decimal
	ladder := b.ladder(o.Side)
	i, found := b.search(o.Side, price)
	if found {
		(*ladder)[i].push(o)
	} else {
		lvl := newLevel(price)
		lvl.push(o)
		*ladder = append(*ladder, nil)
		copy((*ladder)[i+1:], (*ladder)[i:])
		(*ladder)[i] = lvl
	}
	b.index[o.ID] = o
	b.updatedAt = at
	return nil
}

// Remove takes o off its level and drops the level when it empties.
func (b *Book) Remove(o *order.Order, at time.Time) error {
	resting, ok := b.index[o.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotInBook, o.ID)
	}
	ladder := b.ladder(resting.Side)
	i, found := b.search(resting.Side, resting.Price.Decimal)
	if !found || !(*ladder)[i].remove(resting.ID) {
		return fmt.Errorf("%w: %s missing from level %s", ErrOrderNotInBook, o.ID, resting.Price.Decimal)
	}
	if (*ladder)[i].Count == 0 {
		*ladder = append((*ladder)[:i], (*ladder)[i+1:]...)
	}
	delete(b.index, o.ID)
	b.updatedAt = at
	return nil
}

// Contains reports whether an order id rests in the book.
func (b *Book) Contains(id string) bool {
	_, ok := b.index[id]
	return ok
}

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

// Levels returns the live ladder for side, best price first. Callers may mutate the
// orders (fills) but not the ladder itself; call Refresh afterwards.
func (b *Book) Levels(side order.Side) []*Level { return *b.ladder(side) }

// Refresh drops orders that are no longer live, recomputes level aggregates and removes
// empty levels. It returns the orders taken off the book.
func (b *Book) Refresh(at time.Time) []*order.Order {
	var removed []*order.Order
	for _, ladder := range []*[]*Level{&b.bids, &b.asks} {
		kept := (*ladder)[:0]
		for _, lvl := range *ladder {
			live := lvl.Orders[:0]
			for _, o := range lvl.Orders {
				if o.Status.Live() && o.RemainingQuantity.IsPositive() {
					live = append(live, o)
					continue
				}
				delete(b.index, o.ID)
				removed = append(removed, o)
			}
			lvl.Orders = live
			lvl.recompute()
			if lvl.Count > 0 {
				kept = append(kept, lvl)
			}
		}
		for i := len(kept); i < len(*ladder); i++ {
			(*ladder)[i] = nil
		}
		*ladder = kept
	}
	b.updatedAt = at
	return removed
}

// RecordTrade updates the last trade price and the rolling volume.
func (b *Book) RecordTrade(price, qty decimal.Decimal, at time.Time) {
	b.lastPrice = decimal.NewNullDecimal(price)
	b.volume = append(b.volume, volumeSample{at: at, qty: qty})
	b.pruneVolume(at)
}

func (b *Book) pruneVolume(now time.Time) {
	cutoff := now.Add(-VolumeWindow)
	i := 0
	for i < len(b.volume) && b.volume[i].at.Before(cutoff) {
		i++
	}
	b.volume = b.volume[i:]
}

// LastPrice returns the price of the most recent trade, if any.
func (b *Book) LastPrice() (decimal.Decimal, bool) {
	return b.lastPrice.Decimal, b.lastPrice.Valid
}

// BestBid returns the highest bid level.
func (b *Book) BestBid() (*Level, bool) {
	if len(b.bids) == 0 {
		return nil, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask level.
func (b *Book) BestAsk() (*Level, bool) {
	if len(b.asks) == 0 {
		return nil, false
	}
	return b.asks[0], true
}

// Spread is best ask minus best bid, or zero when either side is empty.
func (b *Book) Spread() decimal.Decimal {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero
	}
	return ask.Price.Sub(bid.Price)
}

// Snapshot returns an immutable deep copy of the book.
func (b *Book) Snapshot(now time.Time) *Snapshot {
	b.pruneVolume(now)
	vol := decimal.Zero
	for _, s := range b.volume {
		vol = vol.Add(s.qty)
	}
	snap := &Snapshot{
		Symbol:         b.Symbol,
		Bids:           snapshotLevels(b.bids),
		Asks:           snapshotLevels(b.asks),
		Spread:         b.Spread(),
		LastTradePrice: b.lastPrice,
		Volume:         vol,
		Timestamp:      b.updatedAt,
	}
	snap.Checksum = snap.checksum()
	return snap
}
