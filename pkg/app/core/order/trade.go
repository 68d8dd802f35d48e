package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TradeStatus string

const (
	PendingEscrow    TradeStatus = "PENDING_ESCROW"
	Escrowed         TradeStatus = "ESCROWED"
	PaymentSent      TradeStatus = "PAYMENT_SENT"
	PaymentConfirmed TradeStatus = "PAYMENT_CONFIRMED"
	Completed        TradeStatus = "COMPLETED"
	Disputed         TradeStatus = "DISPUTED"
)

// settlement path; DISPUTED is reachable from any non-final step.
var nextTradeStatus = map[TradeStatus]TradeStatus{
	PendingEscrow:    Escrowed,
	Escrowed:         PaymentSent,
	PaymentSent:      PaymentConfirmed,
	PaymentConfirmed: Completed,
}

func (s TradeStatus) Valid() bool {
	switch s {
	case PendingEscrow, Escrowed, PaymentSent, PaymentConfirmed, Completed, Disputed:
		return true
	}
	return false
}

// CanTransition reports whether a trade may move from s to next.
func (s TradeStatus) CanTransition(next TradeStatus) bool {
	if s == Completed || s == Disputed {
		return false
	}
	if next == Disputed {
		return true
	}
	return nextTradeStatus[s] == next
}

// Trade is an executed match between one buy and one sell order.
// Everything except Status, SettledAt, EscrowID and EscrowError is fixed at creation.
type Trade struct {
	ID           string `json:"id"`
	BuyOrderID   string `json:"buyOrderId"`
	SellOrderID  string `json:"sellOrderId"`
	MakerOrderID string `json:"makerOrderId"`
	BuyerID      string `json:"buyerId"`
	SellerID     string `json:"sellerId"`
	Symbol       string `json:"symbol"`

	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	MakerFee decimal.Decimal `json:"makerFee"` // amount in quote asset
	TakerFee decimal.Decimal `json:"takerFee"`

	PaymentMethod  PaymentMethod `json:"paymentMethod"`
	EscrowRequired bool          `json:"escrowRequired"`
	EscrowID       string        `json:"escrowId,omitempty"`
	EscrowError    string        `json:"escrowError,omitempty"`

	Status     TradeStatus `json:"status"`
	ExecutedAt time.Time   `json:"executedAt"`
	SettledAt  *time.Time  `json:"settledAt,omitempty"`
}

// Notional is price × quantity.
func (t *Trade) Notional() decimal.Decimal { return t.Price.Mul(t.Quantity) }

// Involves reports whether owner is the buyer or the seller.
func (t *Trade) Involves(owner string) bool { return t.BuyerID == owner || t.SellerID == owner }

// Advance applies a settlement transition, stamping SettledAt on completion.
func (t *Trade) Advance(next TradeStatus, at time.Time) error {
	if !next.Valid() {
		return fmt.Errorf("trade %s: unknown status %q", t.ID, next)
	}
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("trade %s: cannot move from %s to %s", t.ID, t.Status, next)
	}
	t.Status = next
	if next == Completed {
		ts := at
		t.SettledAt = &ts
	}
	return nil
}

func (t *Trade) Clone() Trade {
	cp := *t
	if t.SettledAt != nil {
		ts := *t.SettledAt
		cp.SettledAt = &ts
	}
	return cp
}
