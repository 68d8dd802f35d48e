// Package engine is the order lifecycle manager. It validates submissions, owns order
// status transitions and serializes every mutation of a symbol through that symbol's
// actor goroutine. Escrow and event publication happen after the actor is released.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/p2pex/pkg/app/core/events"
	"github.com/uhyunpark/p2pex/pkg/app/core/market"
	"github.com/uhyunpark/p2pex/pkg/app/core/matching"
	"github.com/uhyunpark/p2pex/pkg/app/core/order"
	"github.com/uhyunpark/p2pex/pkg/app/core/orderbook"
	"github.com/uhyunpark/p2pex/pkg/app/core/trade"
	"github.com/uhyunpark/p2pex/pkg/util"
)

type Config struct {
	MakerFee      decimal.Decimal // rate, 0.001 = 0.1%
	TakerFee      decimal.Decimal
	EscrowTimeout time.Duration
	CommandBuffer int // per-symbol queue depth

	Markets []market.Market
	Escrow  trade.Escrow // nil: trades stay PENDING_ESCROW
	Bus     *events.Bus  // nil: the engine creates and closes its own
	Clock   util.Clock
	NewID   func() string
	Logger  *zap.SugaredLogger
}

func DefaultConfig() Config {
	return Config{
		MakerFee:      decimal.RequireFromString("0.001"),
		TakerFee:      decimal.RequireFromString("0.002"),
		EscrowTimeout: trade.DefaultEscrowTimeout,
		CommandBuffer: 64,
	}
}

type Engine struct {
	cfg     Config
	markets *market.MarketRegistry
	books   *orderbook.Store
	matcher *matching.Matcher
	trades  *trade.Recorder
	bus     *events.Bus
	ownBus  bool
	clock   util.Clock
	newID   func() string
	log     *zap.SugaredLogger

	seq atomic.Uint64

	mu      sync.RWMutex
	actors  map[string]*symbolActor
	views   map[string]order.Order // latest copy of every order ever accepted
	byOwner map[string][]string    // owner -> order ids, arrival order

	lifeMu   sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

func New(cfg Config) (*Engine, error) {
	def := DefaultConfig()
	if cfg.MakerFee.IsZero() && cfg.TakerFee.IsZero() {
		cfg.MakerFee, cfg.TakerFee = def.MakerFee, def.TakerFee
	}
	if cfg.EscrowTimeout <= 0 {
		cfg.EscrowTimeout = def.EscrowTimeout
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = def.CommandBuffer
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	e := &Engine{
		cfg:     cfg,
		markets: market.NewMarketRegistry(),
		books:   orderbook.NewStore(cfg.Clock),
		bus:     cfg.Bus,
		clock:   cfg.Clock,
		newID:   cfg.NewID,
		log:     cfg.Logger,
		actors:  make(map[string]*symbolActor),
		views:   make(map[string]order.Order),
		byOwner: make(map[string][]string),
	}
	if e.bus == nil {
		e.bus = events.NewBus()
		e.ownBus = true
	}
	e.trades = trade.NewRecorder(trade.Config{
		Escrow:        cfg.Escrow,
		EscrowTimeout: cfg.EscrowTimeout,
		Assets:        e.baseAsset,
		Clock:         cfg.Clock,
		NewID:         cfg.NewID,
		Logger:        cfg.Logger,
	})
	e.matcher = matching.NewMatcher(e.trades, cfg.Clock, cfg.Logger)

	for _, m := range cfg.Markets {
		if err := e.AddMarket(m); err != nil {
			e.stopActors()
			return nil, err
		}
	}
	return e, nil
}

// AddMarket registers a market and starts its actor.
func (e *Engine) AddMarket(m market.Market) error {
	if err := e.markets.RegisterMarket(&m); err != nil {
		return err
	}
	book := e.books.Initialize(m.Symbol)

	e.mu.Lock()
	e.actors[m.Symbol] = newSymbolActor(e, book, e.cfg.CommandBuffer)
	e.mu.Unlock()

	e.log.Infow("market_added", "symbol", m.Symbol, "base", m.BaseAsset, "quote", m.QuoteAsset)
	return nil
}

func (e *Engine) baseAsset(symbol string) string {
	if m, err := e.markets.GetMarket(symbol); err == nil {
		return m.BaseAsset
	}
	return trade.BaseAsset(symbol)
}

// Bus returns the event bus the engine publishes to.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Markets lists the registered markets ordered by symbol.
func (e *Engine) Markets() []market.Market { return e.markets.ListMarkets() }

func (e *Engine) actor(symbol string) (*symbolActor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.actors[symbol]
	if !ok {
		return nil, &NotFoundError{Kind: "market", ID: symbol}
	}
	return a, nil
}

// enter registers an in-flight call; Shutdown waits for all of them.
func (e *Engine) enter() error {
	e.lifeMu.RLock()
	defer e.lifeMu.RUnlock()
	if e.closed {
		return ErrShuttingDown
	}
	e.inflight.Add(1)
	return nil
}

func (e *Engine) storeViews(orders []*order.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range orders {
		if _, seen := e.views[o.ID]; !seen {
			e.byOwner[o.Owner] = append(e.byOwner[o.Owner], o.ID)
		}
		e.views[o.ID] = o.Clone()
	}
}

func (e *Engine) view(id string) (order.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.views[id]
	if !ok {
		return order.Order{}, false
	}
	return o.Clone(), true
}

// Submit validates req, places the order and runs the matching it triggers. It returns
// the order as it stands after matching and time-in-force handling.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (order.Order, error) {
	if err := e.enter(); err != nil {
		return order.Order{}, err
	}
	defer e.inflight.Done()

	o, err := e.build(req, e.clock.Now())
	if err != nil {
		e.log.Debugw("order_rejected", "owner", req.Owner, "symbol", req.Symbol, "err", err)
		return order.Order{}, err
	}
	o.ID = e.newID()

	a, err := e.actor(o.Symbol)
	if err != nil {
		return order.Order{}, err
	}

	var (
		out    outcome
		runErr error
	)
	if err := a.do(ctx, func() { out, runErr = a.submit(o) }); err != nil {
		return order.Order{}, err
	}
	if out.order.ID == "" {
		return order.Order{}, runErr
	}

	e.settle(ctx, out, events.OrderSubmitted, events.OrderUpdated)
	e.log.Infow("order_submitted",
		"order_id", out.order.ID,
		"owner", out.order.Owner,
		"symbol", out.order.Symbol,
		"side", out.order.Side,
		"type", out.order.Type,
		"status", out.order.Status,
		"filled", out.order.FillQuantity.String(),
		"trades", len(out.trades),
	)
	return out.order, runErr
}

// Cancel withdraws a live order on behalf of its owner.
func (e *Engine) Cancel(ctx context.Context, orderID, requesterID string) (bool, error) {
	if err := e.enter(); err != nil {
		return false, err
	}
	defer e.inflight.Done()

	v, ok := e.view(orderID)
	if !ok {
		return false, &NotFoundError{Kind: "order", ID: orderID}
	}
	if v.Owner != requesterID {
		return false, &UnauthorizedError{OrderID: orderID, RequesterID: requesterID}
	}
	if v.Status.Terminal() {
		return false, &ConflictError{OrderID: orderID, Status: v.Status}
	}

	a, err := e.actor(v.Symbol)
	if err != nil {
		return false, err
	}
	var (
		out    outcome
		runErr error
	)
	if err := a.do(ctx, func() { out, runErr = a.cancel(orderID, order.Cancelled) }); err != nil {
		return false, err
	}
	if runErr != nil {
		return false, runErr
	}

	e.settle(ctx, out, events.OrderCancelled, events.OrderUpdated)
	e.log.Infow("order_cancelled", "order_id", orderID, "owner", requesterID, "symbol", v.Symbol)
	return true, nil
}

// ExpireDue closes every live order whose expiry is at or before now, on all symbols,
// with final status EXPIRED. It returns how many orders expired.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	if err := e.enter(); err != nil {
		return 0, err
	}
	defer e.inflight.Done()

	e.mu.RLock()
	actors := make([]*symbolActor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.mu.RUnlock()
	sort.Slice(actors, func(i, j int) bool { return actors[i].symbol < actors[j].symbol })

	total := 0
	var errs []error
	for _, a := range actors {
		var (
			out    outcome
			runErr error
		)
		if err := a.do(ctx, func() { out, runErr = a.expire(now) }); err != nil {
			return total, err
		}
		if runErr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.symbol, runErr))
			continue
		}
		if len(out.updated) == 0 {
			continue
		}
		total += len(out.updated)
		e.settle(ctx, out, "", events.OrderExpired)
		e.log.Infow("orders_expired", "symbol", a.symbol, "count", len(out.updated))
	}
	return total, errors.Join(errs...)
}

// settle hands new trades to escrow, then publishes what the command changed. Escrow
// gets its own deadline even when the caller has gone away.
func (e *Engine) settle(ctx context.Context, out outcome, primary, updated events.Topic) {
	trades := out.trades
	if len(trades) > 0 {
		trades = e.trades.Escrow(context.WithoutCancel(ctx), trades)
	}

	now := e.clock.Now()
	if primary != "" && out.order.ID != "" {
		e.bus.Publish(events.OrderEvent(primary, out.order, now))
	}
	for _, o := range out.updated {
		e.bus.Publish(events.OrderEvent(updated, o, now))
	}
	for _, t := range trades {
		e.bus.Publish(events.TradeEvent(events.TradeExecuted, t, now))
	}
	if out.snap != nil {
		e.bus.Publish(events.BookEvent(out.snap, now))
	}
}

// GetOrder returns the latest state of one order.
func (e *Engine) GetOrder(ctx context.Context, id string) (order.Order, error) {
	o, ok := e.view(id)
	if !ok {
		return order.Order{}, &NotFoundError{Kind: "order", ID: id}
	}
	return o, nil
}

// Query returns the owner's OPEN and PARTIALLY_FILLED orders, oldest first, optionally
// restricted to one symbol.
func (e *Engine) Query(ctx context.Context, ownerID, symbol string) ([]order.Order, error) {
	if ownerID == "" {
		return nil, invalid("owner", "required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]order.Order, 0)
	for _, id := range e.byOwner[ownerID] {
		o := e.views[id]
		if !o.Status.Live() || (symbol != "" && o.Symbol != symbol) {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ArrivedBefore(&out[j]) })
	return out, nil
}

// GetOrderBook returns the latest snapshot of symbol's book.
func (e *Engine) GetOrderBook(symbol string) (*orderbook.Snapshot, error) {
	a, err := e.actor(symbol)
	if err != nil {
		return nil, err
	}
	return a.snap.Load(), nil
}

// GetUserTrades returns up to limit trades of owner, newest first.
func (e *Engine) GetUserTrades(ownerID string, limit int) []order.Trade {
	return e.trades.UserTrades(ownerID, limit)
}

// GetTrade returns one trade from the in-memory history.
func (e *Engine) GetTrade(tradeID string) (order.Trade, error) {
	t, err := e.trades.Get(tradeID)
	if errors.Is(err, trade.ErrTradeNotFound) {
		return order.Trade{}, &NotFoundError{Kind: "trade", ID: tradeID}
	}
	return t, err
}

// UpdateTradeStatus moves a trade along its settlement path.
func (e *Engine) UpdateTradeStatus(tradeID string, status order.TradeStatus) (order.Trade, error) {
	if !status.Valid() {
		return order.Trade{}, invalid("status", "unknown trade status %q", status)
	}
	t, err := e.trades.Advance(tradeID, status)
	switch {
	case errors.Is(err, trade.ErrTradeNotFound):
		return order.Trade{}, &NotFoundError{Kind: "trade", ID: tradeID}
	case err != nil:
		return order.Trade{}, invalid("status", "%v", err)
	}
	e.bus.Publish(events.TradeEvent(events.TradeUpdated, t, e.clock.Now()))
	e.log.Infow("trade_status_updated", "trade_id", tradeID, "status", status)
	return t, nil
}

// Shutdown refuses new calls, waits for in-flight ones, then stops the symbol actors.
// A matching pass already running is never interrupted. If ctx ends first the actors
// are left running and ctx's error is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.lifeMu.Lock()
	if e.closed {
		e.lifeMu.Unlock()
		return nil
	}
	e.closed = true
	e.lifeMu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.stopActors()
	if e.ownBus {
		e.bus.Close()
	}
	e.mu.RLock()
	orders := len(e.views)
	e.mu.RUnlock()
	e.log.Infow("engine_stopped", "orders", orders, "trades", e.trades.Len())
	return nil
}

func (e *Engine) stopActors() {
	e.mu.Lock()
	actors := e.actors
	e.actors = make(map[string]*symbolActor)
	e.mu.Unlock()
	for _, a := range actors {
		a.stop()
	}
}
