package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/p2pex/pkg/app/core/market"
	"github.com/uhyunpark/p2pex/pkg/app/core/order"
)

// API request and response types for REST endpoints and WebSocket messages.
// Orders, trades and book snapshots are served in their core JSON form.

// ==============================
// REST Response Types
// ==============================

// MarketInfo represents a market's configuration
type MarketInfo struct {
	Symbol      string              `json:"symbol"`     // e.g., "BTC-USDT"
	BaseAsset   string              `json:"baseAsset"`  // e.g., "BTC", held in escrow
	QuoteAsset  string              `json:"quoteAsset"` // e.g., "USDT"
	Status      string              `json:"status"`     // "Active", "Paused", "Halted"
	TickSize    decimal.Decimal     `json:"tickSize"`   // Minimum price increment, 0 = any
	LotSize     decimal.Decimal     `json:"lotSize"`    // Minimum size increment, 0 = any
	MinQuantity decimal.Decimal     `json:"minQuantity"`
	MakerFee    decimal.NullDecimal `json:"makerFee"` // Rate override, null = engine default
	TakerFee    decimal.NullDecimal `json:"takerFee"`
}

func marketInfo(m market.Market) MarketInfo {
	return MarketInfo{
		Symbol:      m.Symbol,
		BaseAsset:   m.BaseAsset,
		QuoteAsset:  m.QuoteAsset,
		Status:      m.Status.String(),
		TickSize:    m.TickSize,
		LotSize:     m.LotSize,
		MinQuantity: m.MinQuantity,
		MakerFee:    m.MakerFee,
		TakerFee:    m.TakerFee,
	}
}

// SubmitOrderResponse is the response from order submission
type SubmitOrderResponse struct {
	Status  order.Status `json:"status"` // status after matching
	OrderID string       `json:"orderId"`
	Order   order.Order  `json:"order"`
}

// CancelOrderResponse is the response from a successful cancellation
type CancelOrderResponse struct {
	Cancelled bool   `json:"cancelled"`
	OrderID   string `json:"orderId"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// REST Request Types
// ==============================

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel
type CancelOrderRequest struct {
	Owner   string `json:"owner"`   // Must own the order
	OrderID string `json:"orderId"` // Order ID to cancel
}

// TradeStatusRequest is the payload for POST /api/v1/trades/{id}/status
type TradeStatusRequest struct {
	Status order.TradeStatus `json:"status"`
	Owner  string            `json:"owner,omitempty"` // Signing party, signed mode only
}

// EscrowActionRequest is the optional payload for POST /api/v1/escrow/{id}/release
// and /refund. The owner may also come as ?owner=.
type EscrowActionRequest struct {
	Owner string `json:"owner"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the envelope of every message pushed to a client
type WSMessage struct {
	Type    string `json:"type"`    // "orderbook", "trade", "order"
	Channel string `json:"channel"` // e.g., "orderbook:BTC-USDT"
	Event   string `json:"event"`   // bus topic, e.g., "order:cancelled"
	Data    any    `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orderbook:BTC-USDT", "trades:BTC-USDT", "orders:alice"]
}
