package orderbook

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/p2pex/pkg/app/core/order"
)

// Level holds every order resting at one price, in arrival order.
type Level struct {
	Price  decimal.Decimal
	Orders []*order.Order // FIFO

	Quantity       decimal.Decimal // total remaining qty at this price level
	Count          int
	PaymentMethods []order.PaymentMethod // union over resident orders
	AvgReputation  float64
}

func newLevel(price decimal.Decimal) *Level {
	return &Level{Price: price, Quantity: decimal.Zero}
}

func (l *Level) push(o *order.Order) {
	l.Orders = append(l.Orders, o)
	l.recompute()
}

func (l *Level) remove(id string) bool {
	for i, o := range l.Orders {
		if o.ID == id {
			l.Orders = append(l.Orders[:i], l.Orders[i+1:]...)
			l.recompute()
			return true
		}
	}
	return false
}

func (l *Level) recompute() {
	qty := decimal.Zero
	rep := 0.0
	sets := make([][]order.PaymentMethod, 0, len(l.Orders))
	for _, o := range l.Orders {
		qty = qty.Add(o.RemainingQuantity)
		rep += o.Reputation
		sets = append(sets, o.PaymentMethods)
	}
	l.Quantity = qty
	l.Count = len(l.Orders)
	l.PaymentMethods = order.UnionPaymentMethods(sets...)
	if l.Count > 0 {
		l.AvgReputation = rep / float64(l.Count)
	} else {
		l.AvgReputation = 0
	}
}
