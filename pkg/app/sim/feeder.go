package sim

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/p2pex/pkg/app/core/engine"
	"github.com/uhyunpark/p2pex/pkg/app/core/order"
)

// Exchange is the part of the engine the feeder drives.
type Exchange interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (order.Order, error)
	Cancel(ctx context.Context, orderID, requesterID string) (bool, error)
}

// FeederConfig controls order generation rate
type FeederConfig struct {
	BatchSize  int           // Number of actions per batch
	Interval   time.Duration // How often to generate batches
	NumTraders int           // Number of simulated traders
	Markets    []Market      // Markets to trade
	Seed       int64         // 0 seeds from the clock
	MaxResting int           // resting ids remembered for cancels
}

// DefaultFeederConfig returns reasonable defaults for testing
func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		BatchSize:  10,                     // 10 actions per batch
		Interval:   100 * time.Millisecond, // Every 100ms
		NumTraders: 50,                     // 50 simulated traders
		MaxResting: 1000,
	}
}

// HighLoadConfig returns config for stress testing
func HighLoadConfig() FeederConfig {
	cfg := DefaultFeederConfig()
	cfg.BatchSize = 100
	cfg.NumTraders = 200
	return cfg
}

// Stats counts what a feeder has done so far.
type Stats struct {
	Submitted int
	Rejected  int
	Cancelled int
	Failed    int
}

type resting struct {
	id, owner string
}

// Feeder submits generated orders and cancels to an Exchange on a ticker.
type Feeder struct {
	ex      Exchange
	gen     *Generator
	cfg     FeederConfig
	log     *zap.SugaredLogger
	resting []resting
	stats   Stats
}

func NewFeeder(ex Exchange, cfg FeederConfig, log *zap.SugaredLogger) *Feeder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.MaxResting <= 0 {
		cfg.MaxResting = 1000
	}
	return &Feeder{
		ex:  ex,
		gen: NewGenerator(cfg.NumTraders, cfg.Markets, cfg.Seed),
		cfg: cfg,
		log: log,
	}
}

// Step performs one batch of actions and returns the running totals.
func (f *Feeder) Step(ctx context.Context) (Stats, error) {
	for i := 0; i < f.cfg.BatchSize; i++ {
		if len(f.resting) > 0 && f.gen.ShouldCancel() {
			f.cancelOne(ctx)
		} else {
			f.submitOne(ctx)
		}
		if err := ctx.Err(); err != nil {
			return f.stats, err
		}
	}
	return f.stats, nil
}

func (f *Feeder) submitOne(ctx context.Context) {
	o, err := f.ex.Submit(ctx, f.gen.Order())
	switch {
	case errors.Is(err, engine.ErrValidation):
		f.stats.Rejected++
		return
	case err != nil && o.ID == "":
		f.stats.Failed++
		f.log.Debugw("sim_submit_failed", "err", err)
		return
	}
	f.stats.Submitted++
	if o.Status.Live() {
		f.resting = append(f.resting, resting{id: o.ID, owner: o.Owner})
		if len(f.resting) > f.cfg.MaxResting {
			f.resting = f.resting[len(f.resting)-f.cfg.MaxResting:]
		}
	}
}

// cancelOne cancels a remembered order; ones that have since filled just drop out.
func (f *Feeder) cancelOne(ctx context.Context) {
	i := f.gen.Pick(len(f.resting))
	r := f.resting[i]
	f.resting = append(f.resting[:i], f.resting[i+1:]...)

	ok, err := f.ex.Cancel(ctx, r.id, r.owner)
	switch {
	case ok:
		f.stats.Cancelled++
	case errors.Is(err, engine.ErrConflict):
	case err != nil:
		f.stats.Failed++
		f.log.Debugw("sim_cancel_failed", "order_id", r.id, "err", err)
	}
}

// Run steps the feeder every Interval until ctx is done.
func (f *Feeder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	start := time.Now()
	lastReport := start
	f.log.Infow("sim_feeder_started", "batch", f.cfg.BatchSize, "interval", f.cfg.Interval, "traders", f.cfg.NumTraders)

	for {
		select {
		case <-ctx.Done():
			elapsed := time.Since(start)
			f.log.Infow("sim_feeder_stopped",
				"submitted", f.stats.Submitted,
				"cancelled", f.stats.Cancelled,
				"elapsed", elapsed.Round(time.Second),
				"rate", float64(f.stats.Submitted)/elapsed.Seconds(),
			)
			return

		case <-ticker.C:
			stats, err := f.Step(ctx)
			if err != nil {
				continue
			}
			// Log stats every 10 seconds
			if time.Since(lastReport) >= 10*time.Second {
				lastReport = time.Now()
				f.log.Infow("sim_feeder_stats",
					"submitted", stats.Submitted,
					"rejected", stats.Rejected,
					"cancelled", stats.Cancelled,
					"failed", stats.Failed,
					"resting", len(f.resting),
				)
			}
		}
	}
}
