package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/p2pex/pkg/util"
)

const DefaultExpiryInterval = time.Second

// Expirer periodically asks the engine to expire due orders.
type Expirer struct {
	Engine   *Engine
	Clock    util.Clock
	Interval time.Duration
	Logger   *zap.SugaredLogger
}

// Run ticks until ctx is done or the engine shuts down.
func (x *Expirer) Run(ctx context.Context) error {
	clock := x.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	interval := x.Interval
	if interval <= 0 {
		interval = DefaultExpiryInterval
	}
	log := x.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(interval):
		}

		n, err := x.Engine.ExpireDue(ctx, clock.Now())
		switch {
		case errors.Is(err, ErrShuttingDown):
			return nil
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Errorw("expiry_sweep_failed", "err", err)
		case n > 0:
			log.Debugw("expiry_sweep", "expired", n)
		}
	}
}
