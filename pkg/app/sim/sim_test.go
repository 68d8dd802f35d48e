package sim

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/p2pex/pkg/app/core/engine"
	"github.com/uhyunpark/p2pex/pkg/app/core/market"
	"github.com/uhyunpark/p2pex/pkg/app/core/order"
)

var btc = Market{
	Symbol:    "BTC-USDT",
	MidPrice:  decimal.NewFromInt(50000),
	TickSize:  decimal.RequireFromString("0.5"),
	LotSize:   decimal.RequireFromString("0.01"),
	MaxLots:   100,
	SpreadBps: 500,
}

func TestGenerator_OrdersRespectMarketGrid(t *testing.T) {
	g := NewGenerator(10, []Market{btc}, 42)
	low, high := decimal.NewFromInt(47500), decimal.NewFromInt(52500)

	var markets int
	for i := 0; i < 2000; i++ {
		req := g.Order()
		if req.Symbol != "BTC-USDT" || req.Owner == "" {
			t.Fatalf("bad request %+v", req)
		}
		if !req.Quantity.Mod(btc.LotSize).IsZero() || !req.Quantity.IsPositive() {
			t.Fatalf("quantity %s off lot grid", req.Quantity)
		}
		if req.Quantity.GreaterThan(decimal.NewFromInt(1)) {
			t.Fatalf("quantity %s above 100 lots", req.Quantity)
		}
		if req.Reputation == nil || *req.Reputation < 0 || *req.Reputation > 100 {
			t.Fatalf("reputation %v", req.Reputation)
		}
		if len(req.PaymentMethods) == 0 {
			t.Fatal("no payment methods")
		}
		if req.Type == order.Market {
			markets++
			if req.Price.Valid {
				t.Fatal("market order with price")
			}
			continue
		}
		p := req.Price.Decimal
		if !p.Mod(btc.TickSize).IsZero() {
			t.Fatalf("price %s off tick grid", p)
		}
		if p.LessThan(low) || p.GreaterThan(high) {
			t.Fatalf("price %s outside band", p)
		}
	}
	if markets == 0 {
		t.Error("no market orders generated")
	}
}

func TestGenerator_Deterministic(t *testing.T) {
	a := NewGenerator(5, []Market{btc}, 7)
	b := NewGenerator(5, []Market{btc}, 7)
	for i := 0; i < 100; i++ {
		ra, rb := a.Order(), b.Order()
		if ra.Owner != rb.Owner || !ra.Quantity.Equal(rb.Quantity) || ra.Side != rb.Side {
			t.Fatalf("step %d diverged: %+v vs %+v", i, ra, rb)
		}
	}
}

func TestFeeder_DrivesEngine(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.Markets = []market.Market{{
		Symbol:     "BTC-USDT",
		BaseAsset:  "BTC",
		QuoteAsset: "USDT",
		Status:     market.Active,
		TickSize:   btc.TickSize,
		LotSize:    btc.LotSize,
	}}
	eng, err := engine.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Shutdown(context.Background())

	fc := DefaultFeederConfig()
	fc.NumTraders = 8
	fc.Markets = []Market{btc}
	fc.Seed = 1
	f := NewFeeder(eng, fc, nil)

	var stats Stats
	for i := 0; i < 50; i++ {
		if stats, err = f.Step(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if stats.Submitted == 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}

	// every remembered resting order that is still live must be visible to its owner
	live := 0
	for _, trader := range f.gen.Traders() {
		orders, err := eng.Query(context.Background(), trader, "")
		if err != nil {
			t.Fatal(err)
		}
		for _, o := range orders {
			if !o.Status.Live() || o.Owner != trader {
				t.Errorf("query returned %+v", o)
			}
		}
		live += len(orders)
	}
	snap, err := eng.GetOrderBook("BTC-USDT")
	if err != nil {
		t.Fatal(err)
	}
	resting := 0
	for _, l := range snap.Bids {
		resting += l.OrderCount
	}
	for _, l := range snap.Asks {
		resting += l.OrderCount
	}
	if resting != live {
		t.Errorf("book holds %d orders, owners see %d", resting, live)
	}
}

type stubExchange struct {
	submits, cancels int
}

func (s *stubExchange) Submit(_ context.Context, req engine.SubmitRequest) (order.Order, error) {
	s.submits++
	return order.Order{ID: "o", Owner: req.Owner, Status: order.Open}, nil
}

func (s *stubExchange) Cancel(context.Context, string, string) (bool, error) {
	s.cancels++
	return true, nil
}

func TestFeeder_StopsOnCancelledContext(t *testing.T) {
	ex := &stubExchange{}
	fc := DefaultFeederConfig()
	fc.Markets = []Market{btc}
	fc.Seed = 3
	f := NewFeeder(ex, fc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Step(ctx); err == nil {
		t.Error("Step ignored cancelled context")
	}
	if ex.submits+ex.cancels != 1 {
		t.Errorf("actions = %d, want 1", ex.submits+ex.cancels)
	}
}

func TestFromMarkets_SkipsInactive(t *testing.T) {
	got := FromMarkets([]market.Market{
		{Symbol: "BTC-USDT", Status: market.Active, TickSize: decimal.RequireFromString("0.01")},
		{Symbol: "DOGE-USDT", Status: market.Active},
		{Symbol: "ETH-USDT", Status: market.Halted},
	})
	if len(got) != 2 {
		t.Fatalf("markets = %+v", got)
	}
	if !got[0].MidPrice.Equal(decimal.NewFromInt(50000)) || !got[0].TickSize.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("BTC market = %+v", got[0])
	}
	if !got[1].MidPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("fallback mid = %s", got[1].MidPrice)
	}
}
