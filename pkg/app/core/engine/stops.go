package engine

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/p2pex/pkg/app/core/order"
)

// stopTriggered reports whether last reaches the stop price of o.
//
//	stop-loss   SELL: last <= stop    BUY: last >= stop
//	take-profit SELL: last >= stop    BUY: last <= stop
func stopTriggered(o *order.Order, last decimal.Decimal) bool {
	if !o.StopPrice.Valid {
		return false
	}
	stop := o.StopPrice.Decimal
	falling := (o.Type == order.StopLoss) == (o.Side == order.Sell)
	switch o.Type {
	case order.StopLoss, order.TakeProfit:
		if falling {
			return last.LessThanOrEqual(stop)
		}
		return last.GreaterThanOrEqual(stop)
	}
	return false
}
