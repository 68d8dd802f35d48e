package matching

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/uhyunpark/p2pex/pkg/app/core/order"
)

// Random streams of compatible limit orders from distinct owners: after every pass the
// book is uncrossed, quantities are conserved and every trade prints at the maker price.
func TestProperty_PassLeavesBookConsistent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness()
		orders := make(map[string]*order.Order)
		traded := decimal.Zero

		n := rapid.IntRange(1, 40).Draw(rt, "n")
		for i := 0; i < n; i++ {
			side := rapid.SampledFrom([]order.Side{order.Buy, order.Sell}).Draw(rt, "side")
			price := rapid.IntRange(95, 105).Draw(rt, "price")
			cents := rapid.Int64Range(1, 1000).Draw(rt, "qty")
			rep := rapid.Float64Range(0, 100).Draw(rt, "rep")
			h.clock.Advance(time.Duration(rapid.IntRange(0, 5).Draw(rt, "wait")) * time.Second)

			id := fmt.Sprintf("o%d", i)
			o := h.order(id, "user-"+id, side, fmt.Sprint(price), decimal.New(cents, -2).String(), rep)
			orders[id] = o

			if err := h.book.Insert(o, h.clock.Now()); err != nil {
				rt.Fatalf("insert %s: %v", id, err)
			}
			res, err := h.m.MatchSymbol(h.book)
			if err != nil {
				rt.Fatalf("match after %s: %v", id, err)
			}

			for _, tr := range res.Trades {
				maker := orders[tr.MakerOrderID]
				if maker == nil || !tr.Price.Equal(maker.Price.Decimal) {
					rt.Fatalf("trade %s at %s not at maker %s price", tr.ID, tr.Price, tr.MakerOrderID)
				}
				traded = traded.Add(tr.Quantity)
			}
			if snap := h.book.Snapshot(h.clock.Now()); snap.Crossed() {
				rt.Fatalf("book crossed after %s: bid %s ask %s", id, snap.Bids[0].Price, snap.Asks[0].Price)
			}
		}

		buyFill, sellFill := decimal.Zero, decimal.Zero
		for _, o := range orders {
			if err := o.CheckInvariants(); err != nil {
				rt.Fatalf("%v", err)
			}
			if o.Side == order.Buy {
				buyFill = buyFill.Add(o.FillQuantity)
			} else {
				sellFill = sellFill.Add(o.FillQuantity)
			}
			if o.Status == order.Filled && h.book.Contains(o.ID) {
				rt.Fatalf("filled order %s still resting", o.ID)
			}
		}
		if !buyFill.Equal(traded) || !sellFill.Equal(traded) {
			rt.Fatalf("fills buy=%s sell=%s traded=%s", buyFill, sellFill, traded)
		}
	})
}

// A market sweep executes exactly what Fillable predicted.
func TestProperty_FillableMatchesSweep(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness()
		levels := rapid.IntRange(0, 6).Draw(rt, "levels")
		for i := 0; i < levels; i++ {
			id := fmt.Sprintf("a%d", i)
			price := rapid.IntRange(100, 110).Draw(rt, "price")
			qty := rapid.IntRange(1, 20).Draw(rt, "qty")
			o := h.order(id, "maker-"+id, order.Sell, fmt.Sprint(price), fmt.Sprint(qty), 50)
			if rapid.Bool().Draw(rt, "bounded") {
				o.MinTradeAmount = decimal.NewNullDecimal(decimal.NewFromInt(int64(price * 5)))
			}
			if err := h.book.Insert(o, h.clock.Now()); err != nil {
				rt.Fatalf("insert: %v", err)
			}
		}

		qty := rapid.IntRange(1, 60).Draw(rt, "taker")
		taker := h.order("m", "taker", order.Buy, "", fmt.Sprint(qty), 50)
		want := h.m.Fillable(h.book, taker)
		res, err := h.m.MatchIncoming(h.book, taker)
		if err != nil {
			rt.Fatalf("sweep: %v", err)
		}
		if !taker.FillQuantity.Equal(want) {
			rt.Fatalf("filled %s, Fillable said %s (%d trades)", taker.FillQuantity, want, len(res.Trades))
		}
	})
}
