package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/p2pex/pkg/app/core/market"
	"github.com/uhyunpark/p2pex/pkg/app/core/order"
)

const DefaultReputation = 50.0

// SubmitRequest is an order as a client sends it. Unset optional fields take defaults:
// GTC, {CRYPTO}, escrow required, reputation 50, the market's or the engine's fee rates.
type SubmitRequest struct {
	Owner  string     `json:"owner"`
	Symbol string     `json:"symbol"`
	Type   order.Type `json:"type"`
	Side   order.Side `json:"side"`

	Quantity  decimal.Decimal     `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
	StopPrice decimal.NullDecimal `json:"stopPrice"`

	TimeInForce    order.TimeInForce     `json:"timeInForce"`
	PaymentMethods []order.PaymentMethod `json:"paymentMethods"`
	MinTradeAmount decimal.NullDecimal   `json:"minTradeAmount"`
	MaxTradeAmount decimal.NullDecimal   `json:"maxTradeAmount"`

	EscrowRequired *bool      `json:"escrowRequired"`
	AutoRelease    bool       `json:"autoRelease"`
	Reputation     *float64   `json:"reputation"`
	ExpiresAt      *time.Time `json:"expiresAt"`
}

// endOfDay is midnight UTC following t.
func endOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// build validates req and returns the order it describes, without id, sequence or
// timestamps. Nothing is touched on failure.
func (e *Engine) build(req SubmitRequest, now time.Time) (*order.Order, error) {
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		return nil, invalid("owner", "required")
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, invalid("symbol", "required")
	}
	mkt, err := e.markets.GetMarket(symbol)
	if errors.Is(err, market.ErrMarketNotFound) {
		return nil, &NotFoundError{Kind: "market", ID: symbol}
	} else if err != nil {
		return nil, err
	}
	if mkt.Status == market.Halted {
		return nil, fmt.Errorf("%w: %s", ErrMarketHalted, symbol)
	}
	if !mkt.Accepting() {
		return nil, invalid("symbol", "market %s is %s", symbol, mkt.Status)
	}

	typ := order.Type(strings.ToUpper(string(req.Type)))
	if !typ.Valid() {
		return nil, invalid("type", "unknown order type %q", req.Type)
	}
	side := order.Side(strings.ToUpper(string(req.Side)))
	if !side.Valid() {
		return nil, invalid("side", "unknown side %q", req.Side)
	}

	if !req.Quantity.IsPositive() {
		return nil, invalid("quantity", "must be positive, got %s", req.Quantity)
	}
	if err := mkt.CheckQuantity(req.Quantity); err != nil {
		return nil, invalid("quantity", "%v", err)
	}

	switch {
	case typ == order.Limit && !req.Price.Valid:
		return nil, invalid("price", "limit orders require a price")
	case typ == order.Market && req.Price.Valid:
		return nil, invalid("price", "market orders take no price")
	}
	if req.Price.Valid {
		if !req.Price.Decimal.IsPositive() {
			return nil, invalid("price", "must be positive, got %s", req.Price.Decimal)
		}
		if err := mkt.CheckPrice(req.Price.Decimal); err != nil {
			return nil, invalid("price", "%v", err)
		}
	}
	if typ.IsStop() {
		if !req.StopPrice.Valid || !req.StopPrice.Decimal.IsPositive() {
			return nil, invalid("stopPrice", "stop orders require a positive stop price")
		}
	} else if req.StopPrice.Valid {
		return nil, invalid("stopPrice", "only stop-loss and take-profit orders take a stop price")
	}

	tif := order.TimeInForce(strings.ToUpper(string(req.TimeInForce)))
	if tif == "" {
		tif = order.GTC
	}
	if !tif.Valid() {
		return nil, invalid("timeInForce", "unknown time in force %q", req.TimeInForce)
	}

	rep := DefaultReputation
	if req.Reputation != nil {
		rep = *req.Reputation
		if rep < 0 || rep > 100 {
			return nil, invalid("reputation", "must be within [0,100], got %v", rep)
		}
	}

	for _, b := range []struct {
		field string
		v     decimal.NullDecimal
	}{{"minTradeAmount", req.MinTradeAmount}, {"maxTradeAmount", req.MaxTradeAmount}} {
		if b.v.Valid && !b.v.Decimal.IsPositive() {
			return nil, invalid(b.field, "must be positive, got %s", b.v.Decimal)
		}
	}
	if req.MinTradeAmount.Valid && req.MaxTradeAmount.Valid &&
		req.MinTradeAmount.Decimal.GreaterThan(req.MaxTradeAmount.Decimal) {
		return nil, invalid("minTradeAmount", "%s exceeds maxTradeAmount %s", req.MinTradeAmount.Decimal, req.MaxTradeAmount.Decimal)
	}

	methods := order.NormalizePaymentMethods(req.PaymentMethods)
	if len(methods) == 0 {
		methods = []order.PaymentMethod{order.PaymentCrypto}
	}

	escrow := true
	if req.EscrowRequired != nil {
		escrow = *req.EscrowRequired
	}

	var expires *time.Time
	switch {
	case req.ExpiresAt != nil:
		if !req.ExpiresAt.After(now) {
			return nil, invalid("expiresAt", "must be in the future")
		}
		t := req.ExpiresAt.UTC()
		expires = &t
	case tif == order.DAY:
		t := endOfDay(now)
		expires = &t
	}

	makerFee, takerFee := e.cfg.MakerFee, e.cfg.TakerFee
	if mkt.MakerFee.Valid {
		makerFee = mkt.MakerFee.Decimal
	}
	if mkt.TakerFee.Valid {
		takerFee = mkt.TakerFee.Decimal
	}

	return &order.Order{
		Owner:             owner,
		Symbol:            symbol,
		Type:              typ,
		Side:              side,
		Quantity:          req.Quantity,
		Price:             req.Price,
		StopPrice:         req.StopPrice,
		TimeInForce:       tif,
		Status:            order.Open,
		FillQuantity:      decimal.Zero,
		RemainingQuantity: req.Quantity,
		MakerFee:          makerFee,
		TakerFee:          takerFee,
		Reputation:        rep,
		PaymentMethods:    methods,
		MinTradeAmount:    req.MinTradeAmount,
		MaxTradeAmount:    req.MaxTradeAmount,
		EscrowRequired:    escrow,
		AutoRelease:       req.AutoRelease,
		ExpiresAt:         expires,
	}, nil
}
