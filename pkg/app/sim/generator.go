// Package sim produces synthetic order flow for devnet load.
package sim

import (
	"fmt"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/p2pex/pkg/app/core/engine"
	"github.com/uhyunpark/p2pex/pkg/app/core/market"
	"github.com/uhyunpark/p2pex/pkg/app/core/order"
)

var paymentMethods = []order.PaymentMethod{order.PaymentCrypto, order.PaymentUSDT, order.PaymentBTC, order.PaymentETH}

// Market describes where the generator quotes one symbol.
type Market struct {
	Symbol    string
	MidPrice  decimal.Decimal
	TickSize  decimal.Decimal // zero: whole units
	LotSize   decimal.Decimal // zero: whole units
	MaxLots   int             // quantity range is 1..MaxLots lots
	SpreadBps int             // prices land within ±SpreadBps of MidPrice
}

// MidPrices are devnet reference prices; markets not listed quote around 100.
var MidPrices = map[string]decimal.Decimal{
	"BTC-USDT": decimal.NewFromInt(50000),
	"ETH-USDT": decimal.NewFromInt(3000),
	"USDT-EUR": decimal.RequireFromString("0.92"),
}

// FromMarkets quotes every active market around its MidPrices entry.
func FromMarkets(ms []market.Market) []Market {
	out := make([]Market, 0, len(ms))
	for _, m := range ms {
		if m.Status != market.Active {
			continue
		}
		mid, ok := MidPrices[m.Symbol]
		if !ok {
			mid = decimal.NewFromInt(100)
		}
		out = append(out, Market{Symbol: m.Symbol, MidPrice: mid, TickSize: m.TickSize, LotSize: m.LotSize})
	}
	return out
}

// Generator creates random order requests from a fixed set of simulated traders.
// It is not safe for concurrent use.
type Generator struct {
	traders []string
	markets []Market
	rng     *rand.Rand
}

// NewGenerator creates a generator with numTraders traders named trader_1..trader_n.
func NewGenerator(numTraders int, markets []Market, seed int64) *Generator {
	if numTraders < 2 {
		numTraders = 2
	}
	traders := make([]string, numTraders)
	for i := range traders {
		traders[i] = fmt.Sprintf("trader_%d", i+1)
	}
	for i := range markets {
		if markets[i].MaxLots <= 0 {
			markets[i].MaxLots = 100
		}
		if markets[i].SpreadBps <= 0 {
			markets[i].SpreadBps = 500
		}
	}
	return &Generator{
		traders: traders,
		markets: markets,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Traders lists the simulated trader ids.
func (g *Generator) Traders() []string { return g.traders }

// Order creates a random order request.
// Mix: 70% GTC limit, 15% IOC limit, 5% FOK limit, 10% market.
func (g *Generator) Order() engine.SubmitRequest {
	m := g.markets[g.rng.Intn(len(g.markets))]

	side := order.Buy
	if g.rng.Intn(2) == 1 {
		side = order.Sell
	}

	req := engine.SubmitRequest{
		Owner:          g.traders[g.rng.Intn(len(g.traders))],
		Symbol:         m.Symbol,
		Type:           order.Limit,
		Side:           side,
		Quantity:       g.quantity(m),
		PaymentMethods: g.paymentMethods(),
	}
	rep := float64(g.rng.Intn(101))
	req.Reputation = &rep

	switch r := g.rng.Intn(100); {
	case r < 70:
		req.TimeInForce = order.GTC
	case r < 85:
		req.TimeInForce = order.IOC
	case r < 90:
		req.TimeInForce = order.FOK
	default:
		req.Type = order.Market
		return req
	}
	req.Price = decimal.NewNullDecimal(g.price(m))
	return req
}

// price picks a tick-aligned price within the market's band, never below one tick.
func (g *Generator) price(m Market) decimal.Decimal {
	tick := m.TickSize
	if !tick.IsPositive() {
		tick = decimal.NewFromInt(1)
	}
	band := m.MidPrice.Mul(decimal.NewFromInt(int64(m.SpreadBps))).Div(decimal.NewFromInt(10000))
	ticks := band.Div(tick).IntPart()
	offset := int64(0)
	if ticks > 0 {
		offset = g.rng.Int63n(2*ticks+1) - ticks
	}
	p := m.MidPrice.Div(tick).Floor().Add(decimal.NewFromInt(offset)).Mul(tick)
	if !p.IsPositive() {
		return tick
	}
	return p
}

func (g *Generator) quantity(m Market) decimal.Decimal {
	lot := m.LotSize
	if !lot.IsPositive() {
		lot = decimal.NewFromInt(1)
	}
	return lot.Mul(decimal.NewFromInt(int64(g.rng.Intn(m.MaxLots) + 1)))
}

// paymentMethods picks one or two rails.
func (g *Generator) paymentMethods() []order.PaymentMethod {
	first := paymentMethods[g.rng.Intn(len(paymentMethods))]
	if g.rng.Intn(2) == 0 {
		return []order.PaymentMethod{first}
	}
	return []order.PaymentMethod{first, paymentMethods[g.rng.Intn(len(paymentMethods))]}
}

// ShouldCancel reports whether the next action is a cancel (10% of actions).
func (g *Generator) ShouldCancel() bool { return g.rng.Intn(100) < 10 }

// Pick returns a random index below n.
func (g *Generator) Pick(n int) int { return g.rng.Intn(n) }
