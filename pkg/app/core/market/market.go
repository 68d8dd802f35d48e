package market

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MarketStatus defines the trading status of a market
type MarketStatus int8

const (
	Active MarketStatus = iota // Trading enabled
	Paused                     // Submissions refused, cancels allowed
	Halted                     // Book invariant broken; terminal until restart
)

func (ms MarketStatus) String() string {
	switch ms {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Halted:
		return "Halted"
	default:
		return "Unknown"
	}
}

func (ms MarketStatus) MarshalText() ([]byte, error) {
	return []byte(ms.String()), nil
}

func (ms *MarketStatus) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "active", "":
		*ms = Active
	case "paused":
		*ms = Paused
	case "halted":
		*ms = Halted
	default:
		return fmt.Errorf("unknown market status %q", b)
	}
	return nil
}

// Market defines one tradable pair (e.g., BTC-USDT)
type Market struct {
	// Identity
	Symbol     string       `json:"symbol"`     // "BTC-USDT"
	BaseAsset  string       `json:"baseAsset"`  // "BTC", the asset placed in escrow
	QuoteAsset string       `json:"quoteAsset"` // "USDT"
	Status     MarketStatus `json:"status"`

	// Precision. Zero means unrestricted.
	TickSize    decimal.Decimal `json:"tickSize"`
	LotSize     decimal.Decimal `json:"lotSize"`
	MinQuantity decimal.Decimal `json:"minQuantity"`

	// Fee rate overrides; unset means the engine defaults apply
	MakerFee decimal.NullDecimal `json:"makerFee"`
	TakerFee decimal.NullDecimal `json:"takerFee"`
}

// NewMarket creates an active market with validation
func NewMarket(symbol, baseAsset, quoteAsset string) (*Market, error) {
	m := &Market{
		Symbol:     symbol,
		BaseAsset:  baseAsset,
		QuoteAsset: quoteAsset,
		Status:     Active,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks market parameters for consistency
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.BaseAsset == "" || m.QuoteAsset == "" {
		return fmt.Errorf("market %s: base and quote assets are required", m.Symbol)
	}
	if m.BaseAsset == m.QuoteAsset {
		return fmt.Errorf("market %s: base and quote asset are both %s", m.Symbol, m.BaseAsset)
	}
	if m.TickSize.IsNegative() || m.LotSize.IsNegative() || m.MinQuantity.IsNegative() {
		return fmt.Errorf("market %s: precision parameters must not be negative", m.Symbol)
	}
	for _, fee := range []decimal.NullDecimal{m.MakerFee, m.TakerFee} {
		if fee.Valid && (fee.Decimal.IsNegative() || fee.Decimal.GreaterThanOrEqual(decimal.NewFromInt(1))) {
			return fmt.Errorf("market %s: fee rate %s outside [0,1)", m.Symbol, fee.Decimal)
		}
	}
	return nil
}

// CheckPrice reports a price that is not on the tick grid.
func (m *Market) CheckPrice(price decimal.Decimal) error {
	if m.TickSize.IsPositive() && !price.Mod(m.TickSize).IsZero() {
		return fmt.Errorf("price %s is not a multiple of tick size %s", price, m.TickSize)
	}
	return nil
}

// CheckQuantity reports a quantity below the minimum or off the lot grid.
func (m *Market) CheckQuantity(qty decimal.Decimal) error {
	if m.MinQuantity.IsPositive() && qty.LessThan(m.MinQuantity) {
		return fmt.Errorf("quantity %s below minimum %s", qty, m.MinQuantity)
	}
	if m.LotSize.IsPositive() && !qty.Mod(m.LotSize).IsZero() {
		return fmt.Errorf("quantity %s is not a multiple of lot size %s", qty, m.LotSize)
	}
	return nil
}

// Accepting reports whether new orders may be submitted.
func (m *Market) Accepting() bool { return m.Status == Active }
