package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/uhyunpark/p2pex/pkg/app/core/market"
	"github.com/uhyunpark/p2pex/pkg/app/core/matching"
	"github.com/uhyunpark/p2pex/pkg/app/core/order"
	"github.com/uhyunpark/p2pex/pkg/app/core/orderbook"
)

// symbolActor owns everything mutable about one symbol: its book, its live orders and
// its pending stops. All of it is touched only from run's goroutine.
type symbolActor struct {
	symbol string
	e      *Engine
	book   *orderbook.Book
	live   map[string]*order.Order // resting or pending
	stops  []*order.Order          // untriggered stop orders, arrival order
	halted bool

	cmds chan func()
	done chan struct{}

	// latest snapshot, readable from any goroutine
	snap atomic.Pointer[orderbook.Snapshot]
}

func newSymbolActor(e *Engine, book *orderbook.Book, buffer int) *symbolActor {
	a := &symbolActor{
		symbol: book.Symbol,
		e:      e,
		book:   book,
		live:   make(map[string]*order.Order),
		cmds:   make(chan func(), buffer),
		done:   make(chan struct{}),
	}
	a.snap.Store(book.Snapshot(e.clock.Now()))
	go a.run()
	return a
}

func (a *symbolActor) run() {
	defer close(a.done)
	for cmd := range a.cmds {
		cmd()
	}
}

// do runs fn on the actor goroutine and waits for it. ctx bounds only the wait for a
// queue slot: once fn has started it runs to completion.
func (a *symbolActor) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case a.cmds <- func() {
		defer close(finished)
		fn()
	}:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// stop lets queued commands drain, then ends the goroutine.
func (a *symbolActor) stop() {
	close(a.cmds)
	<-a.done
}

// outcome is what one command changed, as copies safe to hand to other goroutines.
type outcome struct {
	order   order.Order   // the order the command was about; zero for sweeps
	updated []order.Order // every other order whose state changed
	trades  []order.Trade
	snap    *orderbook.Snapshot
}

// turn accumulates the effects of one command.
type turn struct {
	now     time.Time
	trades  []order.Trade
	seen    map[string]bool
	touched []*order.Order
}

func (a *symbolActor) newTurn(now time.Time) *turn {
	return &turn{now: now, seen: make(map[string]bool)}
}

func (t *turn) touch(orders ...*order.Order) {
	for _, o := range orders {
		if !t.seen[o.ID] {
			t.seen[o.ID] = true
			t.touched = append(t.touched, o)
		}
	}
}

func (t *turn) absorb(res matching.Result) {
	t.trades = append(t.trades, res.Trades...)
	t.touch(res.PartiallyFilled...)
	t.touch(res.FullyFilled...)
}

func (a *symbolActor) submit(o *order.Order) (outcome, error) {
	if a.halted {
		return outcome{}, fmt.Errorf("%w: %s", ErrMarketHalted, a.symbol)
	}
	t := a.newTurn(a.e.clock.Now())
	o.CreatedAt, o.UpdatedAt = t.now, t.now
	o.Sequence = a.e.seq.Add(1)

	err := a.admit(o, t)
	if err == nil {
		err = a.fireStops(t)
	}
	out := a.finish(t, o)
	if err != nil {
		a.fail(err)
	}
	return out, err
}

// admit parks an untriggered stop or executes the order.
func (a *symbolActor) admit(o *order.Order, t *turn) error {
	t.touch(o)
	if o.Type.IsStop() && !o.Triggered {
		last, ok := a.book.LastPrice()
		if !ok || !stopTriggered(o, last) {
			a.stops = append(a.stops, o)
			a.live[o.ID] = o
			return nil
		}
		o.Triggered = true
	}
	return a.execute(o, t)
}

// execute matches an order that is ready to trade and applies its time in force.
func (a *symbolActor) execute(o *order.Order, t *turn) error {
	t.touch(o)
	m := a.e.matcher

	if o.TimeInForce == order.FOK && m.Fillable(a.book, o).LessThan(o.RemainingQuantity) {
		o.Close(order.Rejected, t.now)
		return nil
	}

	if !o.Priced() {
		res, err := m.MatchIncoming(a.book, o)
		t.absorb(res)
		if err != nil {
			return err
		}
		switch {
		case o.FillQuantity.IsZero():
			o.Close(order.Rejected, t.now)
		case o.RemainingQuantity.IsPositive():
			o.Close(order.Cancelled, t.now)
		}
		return nil
	}

	if err := a.book.Insert(o, t.now); err != nil {
		return err
	}
	a.live[o.ID] = o
	res, err := m.MatchSymbol(a.book)
	t.absorb(res)
	if err != nil {
		return err
	}

	if (o.TimeInForce == order.IOC || o.TimeInForce == order.FOK) && o.Status.Live() {
		if err := a.book.Remove(o, t.now); err != nil {
			return err
		}
		o.Close(order.Cancelled, t.now)
	}
	return nil
}

// fireStops activates pending stops reached by the last trade price. Executions they
// cause can move the price again, so it loops until nothing fires.
func (a *symbolActor) fireStops(t *turn) error {
	for {
		last, ok := a.book.LastPrice()
		if !ok || len(a.stops) == 0 {
			return nil
		}
		var fired []*order.Order
		kept := a.stops[:0]
		for _, s := range a.stops {
			switch {
			case !s.Status.Live():
			case stopTriggered(s, last):
				fired = append(fired, s)
			default:
				kept = append(kept, s)
			}
		}
		for i := len(kept); i < len(a.stops); i++ {
			a.stops[i] = nil
		}
		a.stops = kept
		if len(fired) == 0 {
			return nil
		}

		for _, s := range fired {
			s.Triggered = true
			s.UpdatedAt = t.now
			delete(a.live, s.ID)
			a.e.log.Infow("stop_triggered",
				"symbol", a.symbol,
				"order_id", s.ID,
				"type", s.Type,
				"stop_price", s.StopPrice.Decimal.String(),
				"last_price", last.String(),
			)
			if err := a.execute(s, t); err != nil {
				return err
			}
		}
	}
}

// cancel closes a live order with the final status (CANCELLED or EXPIRED).
func (a *symbolActor) cancel(id string, final order.Status) (outcome, error) {
	o, ok := a.live[id]
	if !ok {
		v, found := a.e.view(id)
		if !found {
			return outcome{}, &NotFoundError{Kind: "order", ID: id}
		}
		return outcome{}, &ConflictError{OrderID: id, Status: v.Status}
	}
	t := a.newTurn(a.e.clock.Now())
	if err := a.withdraw(o, t.now); err != nil {
		return outcome{}, err
	}
	o.Close(final, t.now)
	t.touch(o)
	return a.finish(t, o), nil
}

// expire closes every live order whose expiry is at or before now.
func (a *symbolActor) expire(now time.Time) (outcome, error) {
	var due []*order.Order
	for _, o := range a.live {
		if o.ExpiresAt != nil && !now.Before(*o.ExpiresAt) {
			due = append(due, o)
		}
	}
	if len(due) == 0 {
		return outcome{}, nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Sequence < due[j].Sequence })

	t := a.newTurn(now)
	for _, o := range due {
		if err := a.withdraw(o, now); err != nil {
			return outcome{}, err
		}
		o.Close(order.Expired, now)
		t.touch(o)
	}
	return a.finish(t, nil), nil
}

// withdraw takes o off the book or out of the pending stops.
func (a *symbolActor) withdraw(o *order.Order, now time.Time) error {
	if o.Type.IsStop() && !o.Triggered {
		for i, s := range a.stops {
			if s.ID == o.ID {
				a.stops = append(a.stops[:i], a.stops[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("stop order %s missing from pending list", o.ID)
	}
	return a.book.Remove(o, now)
}

// finish publishes the turn: terminal orders leave the live set, a fresh snapshot is
// stored and the order views are updated.
func (a *symbolActor) finish(t *turn, primary *order.Order) outcome {
	for _, o := range t.touched {
		if o.Status.Terminal() {
			delete(a.live, o.ID)
		}
	}
	snap := a.book.Snapshot(t.now)
	a.snap.Store(snap)
	a.e.storeViews(t.touched)

	out := outcome{trades: t.trades, snap: snap}
	if primary != nil {
		out.order = primary.Clone()
	}
	for _, o := range t.touched {
		if primary == nil || o.ID != primary.ID {
			out.updated = append(out.updated, o.Clone())
		}
	}
	return out
}

// fail halts the symbol when err is a broken book invariant.
func (a *symbolActor) fail(err error) {
	var inv *matching.InvariantError
	if !errors.As(err, &inv) {
		a.e.log.Errorw("symbol_command_failed", "symbol", a.symbol, "err", err)
		return
	}
	a.halted = true
	if uerr := a.e.markets.UpdateMarketStatus(a.symbol, market.Halted); uerr != nil {
		a.e.log.Errorw("market_halt_failed", "symbol", a.symbol, "err", uerr)
	}
	a.e.log.DPanicw("book_invariant_broken",
		"symbol", a.symbol,
		"reason", inv.Reason,
		"orders", inv.OrderIDs,
	)
}
