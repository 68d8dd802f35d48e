package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/p2pex/pkg/app/core/market"
)

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9999")
	t.Setenv("ESCROW_TIMEOUT_MS", "1500")
	t.Setenv("MAKER_FEE", "0.0005")
	t.Setenv("TAKER_FEE", "oops")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("ENABLE_TXGEN", "true")
	t.Setenv("EVENT_BUFFER", "-3")
	t.Setenv("REQUIRE_SIGNATURES", "1")
	t.Setenv("OPERATOR_ADDRESSES", "0x00000000000000000000000000000000000000aa")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	def := Default()

	if cfg.Node.APIAddr != ":9999" {
		t.Errorf("APIAddr = %q", cfg.Node.APIAddr)
	}
	if cfg.Engine.EscrowTimeout != 1500*time.Millisecond {
		t.Errorf("EscrowTimeout = %s", cfg.Engine.EscrowTimeout)
	}
	if !cfg.Engine.MakerFee.Equal(decimal.RequireFromString("0.0005")) {
		t.Errorf("MakerFee = %s", cfg.Engine.MakerFee)
	}
	if !cfg.Engine.TakerFee.Equal(def.Engine.TakerFee) {
		t.Errorf("malformed TAKER_FEE applied: %s", cfg.Engine.TakerFee)
	}
	if cfg.Engine.EventBuffer != def.Engine.EventBuffer {
		t.Errorf("negative EVENT_BUFFER applied: %d", cfg.Engine.EventBuffer)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("Brokers = %v", cfg.Kafka.Brokers)
	}
	if !cfg.Node.EnableTxGen {
		t.Error("EnableTxGen not set")
	}
	if !cfg.Node.RequireSignatures {
		t.Error("RequireSignatures not set")
	}
	if len(cfg.Node.Operators) != 1 {
		t.Errorf("Operators = %v", cfg.Node.Operators)
	}
}

func TestLoadFromEnv_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("P2P_LISTEN=/ip4/0.0.0.0/tcp/4001\nLOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// ENV wins over the file
	t.Setenv("LOG_LEVEL", "warn")
	// godotenv sets variables process-wide; register them so the test restores them.
	t.Setenv("P2P_LISTEN", "")
	os.Unsetenv("P2P_LISTEN")

	cfg := LoadFromEnv(path)
	if cfg.P2P.Listen != "/ip4/0.0.0.0/tcp/4001" {
		t.Errorf("P2P.Listen = %q", cfg.P2P.Listen)
	}
	if cfg.Node.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want env value", cfg.Node.LogLevel)
	}
}

func TestParseMarkets(t *testing.T) {
	data := []byte(`
markets:
  - symbol: btc-usdt
    base: btc
    quote: usdt
    tick_size: "0.01"
    lot_size: "0.0001"
    maker_fee: "0.0005"
  - symbol: ETH-EUR
    base: ETH
    quote: EUR
    status: paused
`)
	ms, err := ParseMarkets(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 {
		t.Fatalf("got %d markets", len(ms))
	}
	btc := ms[0]
	if btc.Symbol != "BTC-USDT" || btc.BaseAsset != "BTC" || !btc.TickSize.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("btc = %+v", btc)
	}
	if !btc.MakerFee.Valid || btc.TakerFee.Valid {
		t.Errorf("fee overrides = %v / %v", btc.MakerFee, btc.TakerFee)
	}
	if ms[1].Status != market.Paused {
		t.Errorf("status = %s, want Paused", ms[1].Status)
	}
}

func TestParseMarkets_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "markets: []"},
		{"not yaml", "markets: [oops"},
		{"bad decimal", "markets:\n  - {symbol: A-B, base: A, quote: B, tick_size: abc}"},
		{"same asset", "markets:\n  - {symbol: A-A, base: A, quote: A}"},
		{"duplicate", "markets:\n  - {symbol: A-B, base: A, quote: B}\n  - {symbol: a-b, base: A, quote: B}"},
		{"bad status", "markets:\n  - {symbol: A-B, base: A, quote: B, status: closed}"},
		{"fee too high", "markets:\n  - {symbol: A-B, base: A, quote: B, taker_fee: \"1.5\"}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMarkets([]byte(tt.yaml)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoadMarkets_DefaultsWithoutPath(t *testing.T) {
	ms, err := LoadMarkets("")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range ms {
		if err := m.Validate(); err != nil {
			t.Errorf("default market %s invalid: %v", m.Symbol, err)
		}
	}
	if _, err := LoadMarkets(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
