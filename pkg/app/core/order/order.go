// Package order holds the order and trade records shared by the book, the matcher,
// the trade recorder and the lifecycle manager.
package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the side an order of s trades against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

type Type string

const (
	Market     Type = "MARKET"
	Limit      Type = "LIMIT"
	StopLoss   Type = "STOP_LOSS"
	TakeProfit Type = "TAKE_PROFIT"
)

func (t Type) Valid() bool {
	switch t {
	case Market, Limit, StopLoss, TakeProfit:
		return true
	}
	return false
}

// IsStop reports whether the order waits for a trigger price before matching.
func (t Type) IsStop() bool { return t == StopLoss || t == TakeProfit }

type TimeInForce string

const (
	GTC TimeInForce = "GTC" // good till cancelled
	IOC TimeInForce = "IOC" // immediate or cancel
	FOK TimeInForce = "FOK" // fill or kill
	DAY TimeInForce = "DAY" // expires at the end of the UTC day
)

func (t TimeInForce) Valid() bool {
	switch t {
	case GTC, IOC, FOK, DAY:
		return true
	}
	return false
}

type Status string

const (
	Open            Status = "OPEN"
	PartiallyFilled Status = "PARTIALLY_FILLED"
	Filled          Status = "FILLED"
	Cancelled       Status = "CANCELLED"
	Expired         Status = "EXPIRED"
	Rejected        Status = "REJECTED" // killed by time-in-force before anything executed
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case Filled, Cancelled, Expired, Rejected:
		return true
	}
	return false
}

// Live reports whether the order can still trade.
func (s Status) Live() bool { return s == Open || s == PartiallyFilled }

// Order is a single buy or sell instruction. Prices and quantities are exact decimals.
// Price is absent for market orders and for stop orders that execute at market.
type Order struct {
	ID     string `json:"id"`
	Owner  string `json:"owner"`
	Symbol string `json:"symbol"`
	Type   Type   `json:"type"`
	Side   Side   `json:"side"`

	Quantity  decimal.Decimal     `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
	StopPrice decimal.NullDecimal `json:"stopPrice"`

	TimeInForce TimeInForce `json:"timeInForce"`
	Status      Status      `json:"status"`

	FillQuantity      decimal.Decimal `json:"fillQuantity"`
	RemainingQuantity decimal.Decimal `json:"remainingQuantity"`

	MakerFee decimal.Decimal `json:"makerFee"` // rate, 0.001 = 0.1%
	TakerFee decimal.Decimal `json:"takerFee"`

	Reputation     float64         `json:"reputation"` // snapshot at submission, 0..100
	PaymentMethods []PaymentMethod `json:"paymentMethods"`

	MinTradeAmount decimal.NullDecimal `json:"minTradeAmount"`
	MaxTradeAmount decimal.NullDecimal `json:"maxTradeAmount"`

	EscrowRequired bool `json:"escrowRequired"`
	AutoRelease    bool `json:"autoRelease"`

	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`

	// Sequence is the engine-wide arrival number; it breaks createdAt ties.
	Sequence  uint64 `json:"sequence"`
	Triggered bool   `json:"triggered,omitempty"`
}

// Priced reports whether the order has a resting price.
func (o *Order) Priced() bool { return o.Price.Valid }

// Resting reports whether the order belongs on a ladder: it has a price and is not
// waiting for a stop trigger.
func (o *Order) Resting() bool {
	return o.Priced() && (!o.Type.IsStop() || o.Triggered)
}

// ApplyFill moves qty from remaining to filled and recomputes the status.
func (o *Order) ApplyFill(qty decimal.Decimal, at time.Time) error {
	if !qty.IsPositive() {
		return fmt.Errorf("order %s: fill quantity must be positive, got %s", o.ID, qty)
	}
	if qty.GreaterThan(o.RemainingQuantity) {
		return fmt.Errorf("order %s: fill %s exceeds remaining %s", o.ID, qty, o.RemainingQuantity)
	}
	o.FillQuantity = o.FillQuantity.Add(qty)
	o.RemainingQuantity = o.RemainingQuantity.Sub(qty)
	if o.RemainingQuantity.IsZero() {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
	o.UpdatedAt = at
	return nil
}

// Close moves a live order into a terminal status without touching its fills.
func (o *Order) Close(status Status, at time.Time) {
	o.Status = status
	o.UpdatedAt = at
}

// ArrivedBefore orders two orders by arrival: earlier createdAt, then lower sequence.
func (o *Order) ArrivedBefore(other *Order) bool {
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.Before(other.CreatedAt)
	}
	return o.Sequence < other.Sequence
}

// Clone returns a copy that shares nothing mutable with o.
func (o *Order) Clone() Order {
	cp := *o
	cp.PaymentMethods = append([]PaymentMethod(nil), o.PaymentMethods...)
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		cp.ExpiresAt = &t
	}
	return cp
}

// CheckInvariants validates the quantity bookkeeping of o.
func (o *Order) CheckInvariants() error {
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("order %s: quantity %s must be positive", o.ID, o.Quantity)
	}
	if o.RemainingQuantity.IsNegative() {
		return fmt.Errorf("order %s: negative remaining %s", o.ID, o.RemainingQuantity)
	}
	if !o.RemainingQuantity.Add(o.FillQuantity).Equal(o.Quantity) {
		return fmt.Errorf("order %s: remaining %s + fill %s != quantity %s",
			o.ID, o.RemainingQuantity, o.FillQuantity, o.Quantity)
	}
	if (o.Status == Filled) != o.RemainingQuantity.IsZero() {
		return fmt.Errorf("order %s: status %s with remaining %s", o.ID, o.Status, o.RemainingQuantity)
	}
	if !o.Status.Terminal() {
		partial := o.FillQuantity.IsPositive() && o.FillQuantity.LessThan(o.Quantity)
		if partial != (o.Status == PartiallyFilled) {
			return fmt.Errorf("order %s: status %s with fill %s of %s", o.ID, o.Status, o.FillQuantity, o.Quantity)
		}
	}
	return nil
}

// TradeValueWithin reports whether value lies inside the order's optional bounds.
func (o *Order) TradeValueWithin(value decimal.Decimal) bool {
	if o.MinTradeAmount.Valid && value.LessThan(o.MinTradeAmount.Decimal) {
		return false
	}
	if o.MaxTradeAmount.Valid && value.GreaterThan(o.MaxTradeAmount.Decimal) {
		return false
	}
	return true
}
