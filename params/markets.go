package params

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/p2pex/pkg/app/core/market"
)

// marketFile is the YAML layout of a market list:
//
//	markets:
//	  - symbol: BTC-USDT
//	    base: BTC
//	    quote: USDT
//	    tick_size: "0.01"
//	    lot_size: "0.0001"
//	    maker_fee: "0.0005"
type marketFile struct {
	Markets []marketEntry `yaml:"markets"`
}

// Decimals are strings so that YAML never rounds them through float64.
type marketEntry struct {
	Symbol      string `yaml:"symbol"`
	Base        string `yaml:"base"`
	Quote       string `yaml:"quote"`
	Status      string `yaml:"status"`
	TickSize    string `yaml:"tick_size"`
	LotSize     string `yaml:"lot_size"`
	MinQuantity string `yaml:"min_quantity"`
	MakerFee    string `yaml:"maker_fee"`
	TakerFee    string `yaml:"taker_fee"`
}

// DefaultMarkets is the devnet market list used when no file is configured.
func DefaultMarkets() []market.Market {
	return []market.Market{
		{Symbol: "BTC-USDT", BaseAsset: "BTC", QuoteAsset: "USDT", Status: market.Active,
			TickSize: decimal.RequireFromString("0.01"), LotSize: decimal.RequireFromString("0.0001")},
		{Symbol: "ETH-USDT", BaseAsset: "ETH", QuoteAsset: "USDT", Status: market.Active,
			TickSize: decimal.RequireFromString("0.01"), LotSize: decimal.RequireFromString("0.001")},
		{Symbol: "USDT-EUR", BaseAsset: "USDT", QuoteAsset: "EUR", Status: market.Active,
			TickSize: decimal.RequireFromString("0.0001"), LotSize: decimal.RequireFromString("0.01")},
	}
}

// LoadMarkets reads a YAML market list. An empty path yields DefaultMarkets.
func LoadMarkets(path string) ([]market.Market, error) {
	if path == "" {
		return DefaultMarkets(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read markets file: %w", err)
	}
	return ParseMarkets(data)
}

func ParseMarkets(data []byte) ([]market.Market, error) {
	var f marketFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse markets file: %w", err)
	}
	if len(f.Markets) == 0 {
		return nil, fmt.Errorf("markets file lists no markets")
	}

	seen := make(map[string]bool, len(f.Markets))
	out := make([]market.Market, 0, len(f.Markets))
	for i, e := range f.Markets {
		m, err := e.toMarket()
		if err != nil {
			return nil, fmt.Errorf("markets[%d]: %w", i, err)
		}
		if seen[m.Symbol] {
			return nil, fmt.Errorf("markets[%d]: duplicate symbol %s", i, m.Symbol)
		}
		seen[m.Symbol] = true
		out = append(out, m)
	}
	return out, nil
}

func (e marketEntry) toMarket() (market.Market, error) {
	m := market.Market{
		Symbol:     strings.ToUpper(strings.TrimSpace(e.Symbol)),
		BaseAsset:  strings.ToUpper(strings.TrimSpace(e.Base)),
		QuoteAsset: strings.ToUpper(strings.TrimSpace(e.Quote)),
		Status:     market.Active,
	}
	if e.Status != "" {
		if err := m.Status.UnmarshalText([]byte(strings.ToUpper(e.Status))); err != nil {
			return m, err
		}
	}

	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"tick_size", e.TickSize, &m.TickSize},
		{"lot_size", e.LotSize, &m.LotSize},
		{"min_quantity", e.MinQuantity, &m.MinQuantity},
	} {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return m, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.NullDecimal
	}{
		{"maker_fee", e.MakerFee, &m.MakerFee},
		{"taker_fee", e.TakerFee, &m.TakerFee},
	} {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return m, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = decimal.NewNullDecimal(d)
	}

	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}
