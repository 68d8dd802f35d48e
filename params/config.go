package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Engine struct {
	MakerFee       decimal.Decimal
	TakerFee       decimal.Decimal
	EscrowTimeout  time.Duration
	ExpiryInterval time.Duration
	EventBuffer    int
	MarketsFile    string // YAML market list; empty means DefaultMarkets
}

type Node struct {
	APIAddr     string
	CORSOrigins []string
	// RequireSignatures makes owners Ethereum addresses that sign their requests.
	RequireSignatures bool
	// Operators are addresses allowed to refund any escrow hold in signed mode.
	Operators   []string
	DataDir     string // Pebble archive and escrow ledger; empty disables both
	LogFile     string
	LogLevel    string
	// EnableTxGen starts the synthetic order feeder.
	// Devnet only: it submits real orders against the live books.
	EnableTxGen bool
	TxGenMode   string // "default" or "high"
}

type Kafka struct {
	Brokers []string // empty disables the publisher
	Topic   string
}

type P2P struct {
	Listen    string // multiaddr; empty disables gossip
	Bootstrap []string
}

type Config struct {
	Engine Engine
	Node   Node
	Kafka  Kafka
	P2P    P2P
}

func Default() Config {
	return Config{
		Engine: Engine{
			MakerFee:       decimal.RequireFromString("0.001"),
			TakerFee:       decimal.RequireFromString("0.002"),
			EscrowTimeout:  5 * time.Second,
			ExpiryInterval: time.Second,
			EventBuffer:    256,
		},
		Node: Node{
			APIAddr:     ":8080",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			DataDir:     "data",
			LogLevel:    "info",
		},
		Kafka: Kafka{
			Topic: "p2pex.events",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	if origins := splitList(os.Getenv("CORS_ORIGINS")); len(origins) > 0 {
		cfg.Node.CORSOrigins = origins
	}
	if txgen := os.Getenv("ENABLE_TXGEN"); txgen != "" {
		cfg.Node.EnableTxGen = txgen == "true" || txgen == "1"
	}
	cfg.Node.TxGenMode = getEnv("TXGEN_MODE", cfg.Node.TxGenMode)
	if sigs := os.Getenv("REQUIRE_SIGNATURES"); sigs != "" {
		cfg.Node.RequireSignatures = sigs == "true" || sigs == "1"
	}
	cfg.Node.Operators = splitList(os.Getenv("OPERATOR_ADDRESSES"))

	if ms, ok := getMillis("ESCROW_TIMEOUT_MS"); ok {
		cfg.Engine.EscrowTimeout = ms
	}
	if ms, ok := getMillis("EXPIRY_INTERVAL_MS"); ok {
		cfg.Engine.ExpiryInterval = ms
	}
	if fee, err := decimal.NewFromString(os.Getenv("MAKER_FEE")); err == nil && !fee.IsNegative() {
		cfg.Engine.MakerFee = fee
	}
	if fee, err := decimal.NewFromString(os.Getenv("TAKER_FEE")); err == nil && !fee.IsNegative() {
		cfg.Engine.TakerFee = fee
	}
	if buf := os.Getenv("EVENT_BUFFER"); buf != "" {
		if n, err := strconv.Atoi(buf); err == nil && n > 0 {
			cfg.Engine.EventBuffer = n
		}
	}
	cfg.Engine.MarketsFile = getEnv("MARKETS_FILE", cfg.Engine.MarketsFile)

	// Comma-separated lists, e.g. "localhost:9092,localhost:9093"
	cfg.Kafka.Brokers = splitList(os.Getenv("KAFKA_BROKERS"))
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.P2P.Listen = getEnv("P2P_LISTEN", cfg.P2P.Listen)
	cfg.P2P.Bootstrap = splitList(os.Getenv("P2P_BOOTSTRAP"))

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getMillis(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
