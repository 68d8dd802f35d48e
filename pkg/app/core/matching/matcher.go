// Package matching runs the matching pass over one symbol's book.
//
// Levels are paired by price (bids high to low, asks low to high) and, inside a crossing
// level pair, resident orders are served by a score that blends reputation with age.
// Executions happen at the maker's price.
package matching

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/p2pex/pkg/app/core/order"
	"github.com/uhyunpark/p2pex/pkg/app/core/orderbook"
	"github.com/uhyunpark/p2pex/pkg/util"
)

// Score weights. Age is measured in seconds since creation.
const (
	ReputationWeight = 0.3
	AgeWeight        = 0.7
)

// TradeCreator records one execution. trade.Recorder implements it.
type TradeCreator interface {
	CreateTrade(buy, sell *order.Order, price, qty decimal.Decimal) (order.Trade, error)
}

// Result is what one call produced. Filled and partially filled orders are listed once,
// in the order they were first touched, with their state at the end of the call.
type Result struct {
	Trades          []order.Trade
	PartiallyFilled []*order.Order
	FullyFilled     []*order.Order
}

// Empty reports whether nothing executed.
func (r Result) Empty() bool { return len(r.Trades) == 0 }

// InvariantError reports a book that is inconsistent after matching. It always indicates
// a bug and the symbol must not keep trading.
type InvariantError struct {
	Symbol   string
	Reason   string
	OrderIDs []string
}

func (e *InvariantError) Error() string {
	if len(e.OrderIDs) == 0 {
		return fmt.Sprintf("book invariant broken on %s: %s", e.Symbol, e.Reason)
	}
	return fmt.Sprintf("book invariant broken on %s: %s [%s]", e.Symbol, e.Reason, strings.Join(e.OrderIDs, ","))
}

type Matcher struct {
	trades TradeCreator
	clock  util.Clock
	log    *zap.SugaredLogger
}

func NewMatcher(trades TradeCreator, clock util.Clock, log *zap.SugaredLogger) *Matcher {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Matcher{trades: trades, clock: clock, log: log}
}

// Score is the priority of o at now: higher is served first.
func Score(o *order.Order, now time.Time) float64 {
	age := now.Sub(o.CreatedAt).Seconds()
	if age < 0 {
		age = 0
	}
	return o.Reputation*ReputationWeight + age*AgeWeight
}

// prioritized returns a copy of orders sorted by score, ties going to the earlier arrival.
func prioritized(orders []*order.Order, now time.Time) []*order.Order {
	out := append([]*order.Order(nil), orders...)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := Score(out[i], now), Score(out[j], now)
		if si != sj {
			return si > sj
		}
		return out[i].ArrivedBefore(out[j])
	})
	return out
}

// Compatible reports whether buy and sell may trade qty at price: distinct owners, a
// shared payment method, and a trade value inside both orders' bounds.
func Compatible(buy, sell *order.Order, price, qty decimal.Decimal) bool {
	if buy.Owner == sell.Owner {
		return false
	}
	if len(order.IntersectPaymentMethods(buy.PaymentMethods, sell.PaymentMethods)) == 0 {
		return false
	}
	value := price.Mul(qty)
	return buy.TradeValueWithin(value) && sell.TradeValueWithin(value)
}

// makerPrice is the price of whichever order arrived first.
func makerPrice(buy, sell *order.Order) decimal.Decimal {
	if buy.ArrivedBefore(sell) {
		return buy.Price.Decimal
	}
	return sell.Price.Decimal
}

type tracker struct {
	res  *Result
	seen map[string]bool
	list []*order.Order
}

func newTracker(res *Result) *tracker {
	return &tracker{res: res, seen: make(map[string]bool)}
}

func (t *tracker) touch(o *order.Order) {
	if !t.seen[o.ID] {
		t.seen[o.ID] = true
		t.list = append(t.list, o)
	}
}

func (t *tracker) finish() {
	for _, o := range t.list {
		switch o.Status {
		case order.Filled:
			t.res.FullyFilled = append(t.res.FullyFilled, o)
		case order.PartiallyFilled:
			t.res.PartiallyFilled = append(t.res.PartiallyFilled, o)
		}
	}
}

// execute records one trade and applies the fill to both orders.
func (m *Matcher) execute(book *orderbook.Book, buy, sell *order.Order, price, qty decimal.Decimal, now time.Time, tr *tracker) error {
	t, err := m.trades.CreateTrade(buy, sell, price, qty)
	if err != nil {
		return &InvariantError{Symbol: book.Symbol, Reason: "trade rejected for a compatible pair: " + err.Error(), OrderIDs: []string{buy.ID, sell.ID}}
	}
	if err := buy.ApplyFill(qty, now); err != nil {
		return &InvariantError{Symbol: book.Symbol, Reason: err.Error(), OrderIDs: []string{buy.ID}}
	}
	if err := sell.ApplyFill(qty, now); err != nil {
		return &InvariantError{Symbol: book.Symbol, Reason: err.Error(), OrderIDs: []string{sell.ID}}
	}
	book.RecordTrade(price, qty, now)
	tr.res.Trades = append(tr.res.Trades, t)
	tr.touch(buy)
	tr.touch(sell)

	m.log.Debugw("trade_matched",
		"symbol", book.Symbol,
		"trade_id", t.ID,
		"buy_order", buy.ID,
		"sell_order", sell.ID,
		"price", price.String(),
		"qty", qty.String(),
	)
	return nil
}

// MatchSymbol crosses the resting orders of book until no compatible crossing pair is
// left, then takes filled orders off the ladders.
func (m *Matcher) MatchSymbol(book *orderbook.Book) (Result, error) {
	var res Result
	tr := newTracker(&res)
	now := m.clock.Now()

	// A fill changes the trade value of later pairs, which can turn a pair that was out of
	// bounds into a compatible one. Passes repeat until one executes nothing.
	for {
		n, err := m.pass(book, now, tr)
		book.Refresh(now)
		if err != nil {
			tr.finish()
			return res, err
		}
		if n == 0 {
			break
		}
	}
	tr.finish()

	if err := Verify(book); err != nil {
		return res, err
	}
	return res, nil
}

func (m *Matcher) pass(book *orderbook.Book, now time.Time, tr *tracker) (int, error) {
	bids := book.Levels(order.Buy)
	asks := book.Levels(order.Sell)
	if len(bids) == 0 || len(asks) == 0 {
		return 0, nil
	}

	executed := 0
	for _, bid := range bids {
		if bid.Price.LessThan(asks[0].Price) {
			break
		}
		for _, ask := range asks {
			if bid.Price.LessThan(ask.Price) {
				break
			}
			n, err := m.matchLevels(book, bid, ask, now, tr)
			executed += n
			if err != nil {
				return executed, err
			}
		}
	}
	return executed, nil
}

// matchLevels pairs the orders of one bid level with one ask level in priority order.
// Each buy scans the sells until it is filled, skipping exhausted or incompatible ones.
func (m *Matcher) matchLevels(book *orderbook.Book, bid, ask *orderbook.Level, now time.Time, tr *tracker) (int, error) {
	buys := prioritized(bid.Orders, now)
	sells := prioritized(ask.Orders, now)

	executed := 0
	for _, buy := range buys {
		for _, sell := range sells {
			if !buy.RemainingQuantity.IsPositive() {
				break
			}
			qty := decimal.Min(buy.RemainingQuantity, sell.RemainingQuantity)
			if !qty.IsPositive() {
				continue
			}
			price := makerPrice(buy, sell)
			if !Compatible(buy, sell, price, qty) {
				continue
			}
			if err := m.execute(book, buy, sell, price, qty, now, tr); err != nil {
				return executed, err
			}
			executed++
		}
	}
	return executed, nil
}

// MatchIncoming sweeps the opposite ladder for taker, best price first, trading at the
// resting orders' prices. A priced taker stops at its limit. The taker is never placed on
// the book; whatever it has left on return is the caller's to resolve.
func (m *Matcher) MatchIncoming(book *orderbook.Book, taker *order.Order) (Result, error) {
	var res Result
	tr := newTracker(&res)
	now := m.clock.Now()

	err := m.sweep(book, taker, now, func(buy, sell, resting *order.Order, qty decimal.Decimal) error {
		return m.execute(book, buy, sell, resting.Price.Decimal, qty, now, tr)
	})
	book.Refresh(now)
	tr.finish()
	return res, err
}

// Fillable returns how much of taker would execute against book right now, without
// changing anything.
func (m *Matcher) Fillable(book *orderbook.Book, taker *order.Order) decimal.Decimal {
	probe := taker.Clone()
	filled := decimal.Zero
	_ = m.sweep(book, &probe, m.clock.Now(), func(buy, sell, resting *order.Order, qty decimal.Decimal) error {
		filled = filled.Add(qty)
		probe.RemainingQuantity = probe.RemainingQuantity.Sub(qty)
		return nil
	})
	return filled
}

type fillFunc func(buy, sell, resting *order.Order, qty decimal.Decimal) error

func (m *Matcher) sweep(book *orderbook.Book, taker *order.Order, now time.Time, fill fillFunc) error {
	for _, lvl := range book.Levels(taker.Side.Opposite()) {
		if !taker.RemainingQuantity.IsPositive() {
			return nil
		}
		if taker.Priced() && !crosses(taker, lvl.Price) {
			return nil
		}
		for _, resting := range prioritized(lvl.Orders, now) {
			if !taker.RemainingQuantity.IsPositive() {
				return nil
			}
			qty := decimal.Min(taker.RemainingQuantity, resting.RemainingQuantity)
			if !qty.IsPositive() {
				continue
			}
			buy, sell := taker, resting
			if taker.Side == order.Sell {
				buy, sell = resting, taker
			}
			if !Compatible(buy, sell, lvl.Price, qty) {
				continue
			}
			if err := fill(buy, sell, resting, qty); err != nil {
				return err
			}
		}
	}
	return nil
}

// crosses reports whether a priced taker accepts price.
func crosses(taker *order.Order, price decimal.Decimal) bool {
	if taker.Side == order.Buy {
		return taker.Price.Decimal.GreaterThanOrEqual(price)
	}
	return taker.Price.Decimal.LessThanOrEqual(price)
}

// Verify checks a book after matching: every resting order keeps its quantity bookkeeping
// and no crossing pair of compatible orders is left.
func Verify(book *orderbook.Book) error {
	bids := book.Levels(order.Buy)
	asks := book.Levels(order.Sell)
	for _, side := range [][]*orderbook.Level{bids, asks} {
		for _, lvl := range side {
			for _, o := range lvl.Orders {
				if err := o.CheckInvariants(); err != nil {
					return &InvariantError{Symbol: book.Symbol, Reason: err.Error(), OrderIDs: []string{o.ID}}
				}
				if !o.Status.Live() {
					return &InvariantError{Symbol: book.Symbol, Reason: "order with status " + string(o.Status) + " left on the book", OrderIDs: []string{o.ID}}
				}
			}
		}
	}

	for _, bid := range bids {
		for _, ask := range asks {
			if bid.Price.LessThan(ask.Price) {
				break
			}
			for _, buy := range bid.Orders {
				for _, sell := range ask.Orders {
					qty := decimal.Min(buy.RemainingQuantity, sell.RemainingQuantity)
					if qty.IsPositive() && Compatible(buy, sell, makerPrice(buy, sell), qty) {
						return &InvariantError{
							Symbol:   book.Symbol,
							Reason:   fmt.Sprintf("compatible orders cross at %s/%s", bid.Price, ask.Price),
							OrderIDs: []string{buy.ID, sell.ID},
						}
					}
				}
			}
		}
	}
	return nil
}
