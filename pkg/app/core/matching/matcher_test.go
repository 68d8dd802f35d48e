package matching

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/p2pex/pkg/app/core/order"
	"github.com/uhyunpark/p2pex/pkg/app/core/orderbook"
	"github.com/uhyunpark/p2pex/pkg/app/core/trade"
	"github.com/uhyunpark/p2pex/pkg/util"
)

var t0 = time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

type harness struct {
	clock *util.ManualClock
	rec   *trade.Recorder
	m     *Matcher
	book  *orderbook.Book
	seq   uint64
}

func newHarness() *harness {
	clock := util.NewManualClock(t0)
	n := 0
	rec := trade.NewRecorder(trade.Config{Clock: clock, NewID: func() string {
		n++
		return fmt.Sprintf("T%d", n)
	}})
	return &harness{
		clock: clock,
		rec:   rec,
		m:     NewMatcher(rec, clock, nil),
		book:  orderbook.NewBook("BTC-USDT"),
	}
}

func (h *harness) order(id, owner string, side order.Side, price, qty string, rep float64, methods ...order.PaymentMethod) *order.Order {
	h.seq++
	q := decimal.RequireFromString(qty)
	if len(methods) == 0 {
		methods = []order.PaymentMethod{order.PaymentCrypto}
	}
	o := &order.Order{
		ID:                id,
		Owner:             owner,
		Symbol:            "BTC-USDT",
		Type:              order.Limit,
		Side:              side,
		Quantity:          q,
		RemainingQuantity: q,
		Status:            order.Open,
		TimeInForce:       order.GTC,
		MakerFee:          decimal.RequireFromString("0.001"),
		TakerFee:          decimal.RequireFromString("0.002"),
		Reputation:        rep,
		PaymentMethods:    order.NormalizePaymentMethods(methods),
		CreatedAt:         h.clock.Now(),
		Sequence:          h.seq,
	}
	if price != "" {
		o.Price = decimal.NewNullDecimal(decimal.RequireFromString(price))
	} else {
		o.Type = order.Market
	}
	return o
}

// rest inserts o and runs a pass, the way the engine does for a limit submission.
func (h *harness) rest(t *testing.T, o *order.Order) Result {
	t.Helper()
	if err := h.book.Insert(o, h.clock.Now()); err != nil {
		t.Fatalf("insert %s: %v", o.ID, err)
	}
	res, err := h.m.MatchSymbol(h.book)
	if err != nil {
		t.Fatalf("match after %s: %v", o.ID, err)
	}
	return res
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMatchSymbol_FullCross(t *testing.T) {
	h := newHarness()
	buy := h.order("b1", "alice", order.Buy, "100", "10", 50)
	sell := h.order("s1", "bob", order.Sell, "100", "10", 50)

	if res := h.rest(t, buy); !res.Empty() {
		t.Fatalf("lonely buy traded: %+v", res.Trades)
	}
	res := h.rest(t, sell)

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if !tr.Quantity.Equal(dec("10")) || !tr.Price.Equal(dec("100")) {
		t.Errorf("trade = %s @ %s, want 10 @ 100", tr.Quantity, tr.Price)
	}
	if buy.Status != order.Filled || sell.Status != order.Filled {
		t.Errorf("statuses = %s/%s, want FILLED/FILLED", buy.Status, sell.Status)
	}
	if len(res.FullyFilled) != 2 || len(res.PartiallyFilled) != 0 {
		t.Errorf("result lists = %d full, %d partial", len(res.FullyFilled), len(res.PartiallyFilled))
	}
	if h.book.Len() != 0 || !h.book.Snapshot(t0).Empty() {
		t.Error("book not empty after full cross")
	}
}

func TestMatchSymbol_PartialFillKeepsResting(t *testing.T) {
	h := newHarness()
	sell := h.order("s1", "bob", order.Sell, "100", "10", 50)
	buy := h.order("b1", "alice", order.Buy, "100", "4", 50)
	h.rest(t, sell)
	res := h.rest(t, buy)

	if len(res.Trades) != 1 || !res.Trades[0].Quantity.Equal(dec("4")) {
		t.Fatalf("trades = %+v", res.Trades)
	}
	if sell.Status != order.PartiallyFilled || !sell.RemainingQuantity.Equal(dec("6")) {
		t.Errorf("sell = %s remaining %s, want PARTIALLY_FILLED 6", sell.Status, sell.RemainingQuantity)
	}
	if buy.Status != order.Filled {
		t.Errorf("buy status = %s, want FILLED", buy.Status)
	}
	if !h.book.Contains("s1") || h.book.Contains("b1") {
		t.Error("book membership wrong after partial fill")
	}
	if len(res.PartiallyFilled) != 1 || res.PartiallyFilled[0].ID != "s1" {
		t.Errorf("partially filled = %v", res.PartiallyFilled)
	}
}

func TestMatchSymbol_ReputationBreaksEqualPrice(t *testing.T) {
	h := newHarness()
	low := h.order("s-low", "carol", order.Sell, "100", "5", 10)
	high := h.order("s-high", "dave", order.Sell, "100", "5", 90)
	h.rest(t, low)
	h.rest(t, high)

	h.clock.Advance(30 * time.Second)
	buy := h.order("b1", "alice", order.Buy, "100", "5", 50)
	res := h.rest(t, buy)

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	if res.Trades[0].SellOrderID != "s-high" {
		t.Errorf("matched %s first, want s-high", res.Trades[0].SellOrderID)
	}
	if low.Status != order.Open {
		t.Errorf("low reputation sell = %s, want OPEN", low.Status)
	}
}

func TestMatchSymbol_DisjointPaymentMethods(t *testing.T) {
	h := newHarness()
	sell := h.order("s1", "bob", order.Sell, "100", "10", 50, "SEPA")
	buy := h.order("b1", "alice", order.Buy, "101", "10", 50, "UPI")
	h.rest(t, sell)
	res := h.rest(t, buy)

	if !res.Empty() {
		t.Fatalf("incompatible orders traded: %+v", res.Trades)
	}
	if sell.Status != order.Open || buy.Status != order.Open {
		t.Errorf("statuses = %s/%s, want OPEN/OPEN", sell.Status, buy.Status)
	}
	if h.book.Len() != 2 {
		t.Errorf("book len = %d, want 2", h.book.Len())
	}
}

func TestMatchSymbol_MakerPrice(t *testing.T) {
	cases := []struct {
		name      string
		firstSide order.Side
		want      string
	}{
		{"resting buy sets the price", order.Buy, "105"},
		{"resting sell sets the price", order.Sell, "100"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			price := map[order.Side]string{order.Buy: "105", order.Sell: "100"}
			owner := map[order.Side]string{order.Buy: "alice", order.Sell: "bob"}

			first := tc.firstSide
			h.rest(t, h.order("first", owner[first], first, price[first], "1", 50))
			h.clock.Advance(time.Second)
			second := first.Opposite()
			res := h.rest(t, h.order("second", owner[second], second, price[second], "1", 50))

			assertPrice(t, res, tc.want)
			if res.Trades[0].MakerOrderID != "first" {
				t.Errorf("maker = %s, want first", res.Trades[0].MakerOrderID)
			}
		})
	}
}

func assertPrice(t *testing.T, res Result, want string) {
	t.Helper()
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	if !res.Trades[0].Price.Equal(dec(want)) {
		t.Errorf("price = %s, want %s", res.Trades[0].Price, want)
	}
}

func TestMatchSymbol_BuyContinuesPastExhaustedSells(t *testing.T) {
	h := newHarness()
	s1 := h.order("s1", "bob", order.Sell, "100", "2", 50)
	s2 := h.order("s2", "carol", order.Sell, "100", "3", 50)
	s3 := h.order("s3", "dave", order.Sell, "100", "4", 50)
	h.rest(t, s1)
	h.rest(t, s2)
	h.rest(t, s3)

	buy := h.order("b1", "alice", order.Buy, "100", "6", 50)
	res := h.rest(t, buy)

	var got []string
	for _, tr := range res.Trades {
		got = append(got, tr.SellOrderID+":"+tr.Quantity.String())
	}
	if fmt.Sprint(got) != "[s1:2 s2:3 s3:1]" {
		t.Fatalf("fills = %v, want s1:2 s2:3 s3:1 in priority order", got)
	}
	if buy.Status != order.Filled || s1.Status != order.Filled || s2.Status != order.Filled {
		t.Errorf("statuses = %s %s %s", buy.Status, s1.Status, s2.Status)
	}
	if !s3.RemainingQuantity.Equal(dec("3")) || !h.book.Contains("s3") {
		t.Errorf("s3 remaining %s, resting %v", s3.RemainingQuantity, h.book.Contains("s3"))
	}
}

func TestMatchSymbol_WalksAskLevels(t *testing.T) {
	h := newHarness()
	h.rest(t, h.order("a1", "s1", order.Sell, "100", "3", 50))
	h.rest(t, h.order("a2", "s2", order.Sell, "101", "3", 50))
	h.rest(t, h.order("a3", "s3", order.Sell, "103", "5", 50))

	h.clock.Advance(time.Second)
	buy := h.order("b1", "alice", order.Buy, "102", "10", 50)
	res := h.rest(t, buy)

	if len(res.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(res.Trades))
	}
	if !res.Trades[0].Price.Equal(dec("100")) || !res.Trades[1].Price.Equal(dec("101")) {
		t.Errorf("prices = %s, %s", res.Trades[0].Price, res.Trades[1].Price)
	}
	if !buy.RemainingQuantity.Equal(dec("4")) || buy.Status != order.PartiallyFilled {
		t.Errorf("buy = %s remaining %s", buy.Status, buy.RemainingQuantity)
	}
	snap := h.book.Snapshot(h.clock.Now())
	if snap.Crossed() {
		t.Error("book crossed after pass")
	}
	if !snap.Spread.Equal(dec("1")) {
		t.Errorf("spread = %s, want 1", snap.Spread)
	}
}

func TestMatchSymbol_SelfTradeSkipped(t *testing.T) {
	h := newHarness()
	sell := h.order("s1", "alice", order.Sell, "100", "1", 50)
	buy := h.order("b1", "alice", order.Buy, "100", "1", 50)
	h.rest(t, sell)
	res := h.rest(t, buy)
	if !res.Empty() {
		t.Fatal("self trade executed")
	}
	if h.book.Len() != 2 {
		t.Errorf("book len = %d, want both orders resting", h.book.Len())
	}
}

func TestMatchSymbol_TradeAmountBounds(t *testing.T) {
	h := newHarness()
	sell := h.order("s1", "bob", order.Sell, "100", "10", 50)
	sell.MinTradeAmount = decimal.NewNullDecimal(dec("500"))
	h.rest(t, sell)

	small := h.order("b1", "alice", order.Buy, "100", "2", 50)
	if res := h.rest(t, small); !res.Empty() {
		t.Fatal("trade below minimum executed")
	}

	big := h.order("b2", "carol", order.Buy, "100", "6", 50)
	res := h.rest(t, big)
	if len(res.Trades) != 1 || res.Trades[0].BuyOrderID != "b2" {
		t.Fatalf("trades = %+v, want one with b2", res.Trades)
	}
}

func TestMatchSymbol_RepeatsPassAfterFillUnlocksPair(t *testing.T) {
	h := newHarness()
	// s-big outranks s-small but is worth too much for the buyer's cap until the buyer
	// has been partly filled by s-small.
	bigSell := h.order("s-big", "bob", order.Sell, "100", "10", 90)
	smallSell := h.order("s-small", "carol", order.Sell, "100", "4", 10)
	h.rest(t, bigSell)
	h.rest(t, smallSell)

	buy := h.order("b1", "alice", order.Buy, "100", "10", 50)
	buy.MaxTradeAmount = decimal.NewNullDecimal(dec("600"))
	res := h.rest(t, buy)

	if len(res.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(res.Trades))
	}
	if res.Trades[0].SellOrderID != "s-small" || res.Trades[1].SellOrderID != "s-big" {
		t.Errorf("order of fills = %s, %s", res.Trades[0].SellOrderID, res.Trades[1].SellOrderID)
	}
	if buy.Status != order.Filled || !bigSell.RemainingQuantity.Equal(dec("4")) {
		t.Errorf("buy %s, big sell remaining %s", buy.Status, bigSell.RemainingQuantity)
	}
}

func TestMatchIncoming_MarketSweep(t *testing.T) {
	h := newHarness()
	h.rest(t, h.order("a1", "s1", order.Sell, "100", "2", 50))
	h.rest(t, h.order("a2", "s2", order.Sell, "105", "2", 50))

	mkt := h.order("m1", "alice", order.Buy, "", "5", 50)
	if got := h.m.Fillable(h.book, mkt); !got.Equal(dec("4")) {
		t.Errorf("fillable = %s, want 4", got)
	}
	if !mkt.RemainingQuantity.Equal(dec("5")) || h.book.Len() != 2 {
		t.Fatal("Fillable mutated state")
	}

	res, err := h.m.MatchIncoming(h.book, mkt)
	if err != nil {
		t.Fatalf("match incoming: %v", err)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(res.Trades))
	}
	if !res.Trades[0].Price.Equal(dec("100")) || !res.Trades[1].Price.Equal(dec("105")) {
		t.Errorf("prices = %s, %s", res.Trades[0].Price, res.Trades[1].Price)
	}
	for _, tr := range res.Trades {
		if tr.MakerOrderID == "m1" {
			t.Errorf("market order charged as maker on %s", tr.ID)
		}
	}
	if !mkt.RemainingQuantity.Equal(dec("1")) || mkt.Status != order.PartiallyFilled {
		t.Errorf("market order = %s remaining %s", mkt.Status, mkt.RemainingQuantity)
	}
	if h.book.Len() != 0 {
		t.Errorf("book len = %d, want 0", h.book.Len())
	}
}

func TestMatchIncoming_PricedTakerStopsAtLimit(t *testing.T) {
	h := newHarness()
	h.rest(t, h.order("b1", "u1", order.Buy, "100", "2", 50))
	h.rest(t, h.order("b2", "u2", order.Buy, "98", "2", 50))

	taker := h.order("s1", "alice", order.Sell, "99", "5", 50)
	if got := h.m.Fillable(h.book, taker); !got.Equal(dec("2")) {
		t.Errorf("fillable = %s, want 2", got)
	}
}

func TestVerify_DetectsCompatibleCross(t *testing.T) {
	h := newHarness()
	_ = h.book.Insert(h.order("b1", "alice", order.Buy, "101", "1", 50), t0)
	_ = h.book.Insert(h.order("s1", "bob", order.Sell, "100", "1", 50), t0)

	err := Verify(h.book)
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("verify err = %v, want *InvariantError", err)
	}
	if len(inv.OrderIDs) != 2 {
		t.Errorf("order ids = %v", inv.OrderIDs)
	}
}

func TestScore(t *testing.T) {
	o := &order.Order{Reputation: 50, CreatedAt: t0}
	if got := Score(o, t0.Add(10*time.Second)); math.Abs(got-22) > 1e-9 {
		t.Errorf("score = %v, want 22", got)
	}
	if got := Score(o, t0.Add(-time.Second)); math.Abs(got-15) > 1e-9 {
		t.Errorf("score with clock behind = %v, want 15", got)
	}
}
