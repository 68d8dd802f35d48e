package storage

import (
	"context"

	"go.uber.org/zap"

	"github.com/uhyunpark/p2pex/pkg/app/core/events"
)

// ArchiveTopics are the bus topics the archiver persists.
var ArchiveTopics = []events.Topic{
	events.OrderSubmitted,
	events.OrderUpdated,
	events.OrderCancelled,
	events.OrderExpired,
	events.TradeExecuted,
	events.TradeUpdated,
}

// Archiver copies order and trade events from the bus into an Archive. Events the bus
// drops for a full buffer are not archived; the latest state of an order overwrites
// older ones, so a later event repairs the gap.
type Archiver struct {
	store Archive
	sub   *events.Subscription
	log   *zap.SugaredLogger
}

func NewArchiver(store Archive, bus *events.Bus, buffer int, log *zap.SugaredLogger) *Archiver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Archiver{
		store: store,
		sub:   bus.Subscribe(buffer, ArchiveTopics...),
		log:   log,
	}
}

// Run archives events until the subscription closes or ctx is done.
func (a *Archiver) Run(ctx context.Context) {
	defer a.sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.sub.C:
			if !ok {
				return
			}
			a.archive(ev)
		}
	}
}

func (a *Archiver) archive(ev events.Event) {
	var err error
	switch {
	case ev.Order != nil:
		err = a.store.SaveOrder(ev.Order)
	case ev.Trade != nil:
		err = a.store.SaveTrade(ev.Trade)
	default:
		return
	}
	if err != nil {
		a.log.Errorw("archive_failed", "topic", ev.Topic, "symbol", ev.Symbol, "err", err)
	}
}
