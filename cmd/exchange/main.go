package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/uhyunpark/p2pex/params"
	"github.com/uhyunpark/p2pex/pkg/api"
	"github.com/uhyunpark/p2pex/pkg/app/core/engine"
	"github.com/uhyunpark/p2pex/pkg/app/core/events"
	"github.com/uhyunpark/p2pex/pkg/app/sim"
	"github.com/uhyunpark/p2pex/pkg/broker/kafka"
	"github.com/uhyunpark/p2pex/pkg/escrow"
	"github.com/uhyunpark/p2pex/pkg/p2p"
	"github.com/uhyunpark/p2pex/pkg/storage"
	"github.com/uhyunpark/p2pex/pkg/util"
)

// store is what the node persists to: the order/trade archive plus escrow holds.
type store interface {
	storage.Archive
	escrow.Store
}

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file when LOG_FILE is set)
	level := util.ParseLevel(cfg.Node.LogLevel)
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Node.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, level)
	} else {
		logger, err = util.NewLogger(level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if err := run(cfg, sugar); err != nil {
		sugar.Fatalw("exchange_failed", "err", err)
	}
}

func run(cfg params.Config, sugar *zap.SugaredLogger) error {
	markets, err := params.LoadMarkets(cfg.Engine.MarketsFile)
	if err != nil {
		return err
	}

	// ---- Storage: Pebble when DATA_DIR is set, memory otherwise ----
	var st store
	if cfg.Node.DataDir != "" {
		ps, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "pebble"))
		if err != nil {
			return err
		}
		defer ps.Close()
		st = ps
		sugar.Infow("storage_ready", "backend", "pebble", "dir", cfg.Node.DataDir)
	} else {
		st = storage.NewInMemoryStore()
		sugar.Infow("storage_ready", "backend", "memory")
	}

	clock := util.RealClock{}
	ledger := escrow.NewLedger(st, clock, sugar.Named("escrow"))
	bus := events.NewBus()

	// ---- Engine ----
	ecfg := engine.DefaultConfig()
	ecfg.MakerFee = cfg.Engine.MakerFee
	ecfg.TakerFee = cfg.Engine.TakerFee
	ecfg.EscrowTimeout = cfg.Engine.EscrowTimeout
	ecfg.Markets = markets
	ecfg.Escrow = ledger
	ecfg.Bus = bus
	ecfg.Clock = clock
	ecfg.Logger = sugar.Named("engine")
	eng, err := engine.New(ecfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bus consumers outlive the signal: they drain what the engine publishes while it
	// shuts down and stop when the bus closes.
	consumeCtx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()

	var wg sync.WaitGroup
	goRun := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	archiver := storage.NewArchiver(st, bus, cfg.Engine.EventBuffer, sugar.Named("archive"))
	goRun(func() { archiver.Run(consumeCtx) })

	expirer := &engine.Expirer{Engine: eng, Clock: clock, Interval: cfg.Engine.ExpiryInterval, Logger: sugar.Named("expiry")}
	goRun(func() {
		if err := expirer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			sugar.Errorw("expirer_stopped", "err", err)
		}
	})

	// ---- Kafka (optional) ----
	if len(cfg.Kafka.Brokers) > 0 {
		pub := kafka.NewPublisher(kafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), sugar.Named("kafka"))
		defer pub.Close()
		goRun(func() { pub.Run(consumeCtx, bus, cfg.Engine.EventBuffer) })
		sugar.Infow("kafka_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// ---- P2P gossip (optional) ----
	if cfg.P2P.Listen != "" {
		g, err := p2p.NewGossip(ctx, p2p.Config{
			ListenAddr: cfg.P2P.Listen,
			Bootstrap:  cfg.P2P.Bootstrap,
			Logger:     sugar.Named("p2p"),
		})
		if err != nil {
			return err
		}
		defer g.Close()
		g.SetHandler(func(from peer.ID, e events.Event) {
			sugar.Debugw("peer_market_data", "from", from.String(), "topic", e.Topic, "symbol", e.Symbol)
		})
		goRun(func() { g.Run(consumeCtx, bus, cfg.Engine.EventBuffer) })
	}

	// ---- Order Feeder (optional) ----
	// Enable with: ENABLE_TXGEN=true TXGEN_MODE=default|high
	if cfg.Node.EnableTxGen {
		fcfg := sim.DefaultFeederConfig()
		if cfg.Node.TxGenMode == "high" {
			fcfg = sim.HighLoadConfig()
		}
		fcfg.Markets = sim.FromMarkets(eng.Markets())
		feeder := sim.NewFeeder(eng, fcfg, sugar.Named("sim"))
		goRun(func() { feeder.Run(ctx) })
		sugar.Infow("txgen_enabled", "mode", cfg.Node.TxGenMode, "markets", len(fcfg.Markets))
	}

	// ---- API Server ----
	apiServer := api.NewServer(api.Config{
		Engine:            eng,
		Archive:           st,
		Escrow:            ledger,
		CORSOrigins:       cfg.Node.CORSOrigins,
		EventBuffer:       cfg.Engine.EventBuffer,
		RequireSignatures: cfg.Node.RequireSignatures,
		Operators:         cfg.Node.Operators,
		Logger:            sugar.Named("api"),
	})
	apiErr := make(chan error, 1)
	go func() { apiErr <- apiServer.Start(cfg.Node.APIAddr) }()

	sugar.Infow("exchange_started", "api", cfg.Node.APIAddr, "markets", len(markets))

	select {
	case <-ctx.Done():
	case err = <-apiErr:
		stop()
	}

	sugar.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := apiServer.Shutdown(shutdownCtx); serr != nil {
		sugar.Warnw("api_shutdown_failed", "err", serr)
	}
	if serr := eng.Shutdown(shutdownCtx); serr != nil {
		sugar.Warnw("engine_shutdown_failed", "err", serr)
	}
	bus.Close()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		sugar.Warnw("consumers_drain_timeout", "err", shutdownCtx.Err())
		stopConsumers()
		<-drained
	}
	return err
}
