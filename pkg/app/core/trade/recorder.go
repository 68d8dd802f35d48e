// Package trade turns matched quantities into Trade records, prices their fees, picks the
// settlement rail and hands escrow-backed trades to the escrow collaborator.
package trade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/p2pex/pkg/app/core/order"
	"github.com/uhyunpark/p2pex/pkg/util"
)

var (
	ErrTradeNotFound   = errors.New("trade not found")
	ErrNoCommonPayment = errors.New("orders share no payment method")
	ErrInvalidQuantity = errors.New("trade quantity must be positive")
	ErrEscrowNotLinked = errors.New("trade has no escrow hold yet")
)

const DefaultEscrowTimeout = 5 * time.Second

// EscrowRequest carries the terms the escrow collaborator locks.
type EscrowRequest struct {
	TradeID  string
	SellerID string
	BuyerID  string
	Asset    string
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// Escrow is the external custody service. CreateEscrow returns the escrow id.
type Escrow interface {
	CreateEscrow(ctx context.Context, req EscrowRequest) (string, error)
}

// EscrowFunc adapts a function to Escrow.
type EscrowFunc func(ctx context.Context, req EscrowRequest) (string, error)

func (f EscrowFunc) CreateEscrow(ctx context.Context, req EscrowRequest) (string, error) {
	return f(ctx, req)
}

// EscrowError records a failed hand-off. It is informational: the trade stands.
type EscrowError struct {
	TradeID string
	Err     error
}

func (e *EscrowError) Error() string {
	return fmt.Sprintf("escrow for trade %s: %v", e.TradeID, e.Err)
}

func (e *EscrowError) Unwrap() error { return e.Err }

// AssetResolver maps a symbol to the asset placed in escrow.
type AssetResolver func(symbol string) string

// BaseAsset is the default resolver: the part of "BTC-USDT" before the dash.
func BaseAsset(symbol string) string {
	if i := strings.IndexByte(symbol, '-'); i > 0 {
		return symbol[:i]
	}
	return symbol
}

type Config struct {
	Escrow        Escrow // nil disables the hand-off; escrow-backed trades stay PENDING_ESCROW
	EscrowTimeout time.Duration
	Assets        AssetResolver
	Clock         util.Clock
	NewID         func() string
	Logger        *zap.SugaredLogger
}

// Recorder creates trades and keeps the trade history of every symbol.
type Recorder struct {
	mu      sync.RWMutex
	trades  map[string]*order.Trade
	byOwner map[string][]string // owner -> trade ids, execution order

	escrow  Escrow
	timeout time.Duration
	assets  AssetResolver
	clock   util.Clock
	newID   func() string
	log     *zap.SugaredLogger
}

func NewRecorder(cfg Config) *Recorder {
	r := &Recorder{
		trades:  make(map[string]*order.Trade),
		byOwner: make(map[string][]string),
		escrow:  cfg.Escrow,
		timeout: cfg.EscrowTimeout,
		assets:  cfg.Assets,
		clock:   cfg.Clock,
		newID:   cfg.NewID,
		log:     cfg.Logger,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultEscrowTimeout
	}
	if r.assets == nil {
		r.assets = BaseAsset
	}
	if r.clock == nil {
		r.clock = util.RealClock{}
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	if r.log == nil {
		r.log = zap.NewNop().Sugar()
	}
	return r
}

// CreateTrade records the execution of qty at price between buy and sell.
// The earlier arrival is the maker and is charged its maker rate; the other side pays
// its taker rate. An unpriced (market) order is always the taker.
func (r *Recorder) CreateTrade(buy, sell *order.Order, price, qty decimal.Decimal) (order.Trade, error) {
	if !qty.IsPositive() {
		return order.Trade{}, ErrInvalidQuantity
	}
	method, ok := order.PreferredPaymentMethod(order.IntersectPaymentMethods(buy.PaymentMethods, sell.PaymentMethods))
	if !ok {
		return order.Trade{}, fmt.Errorf("%w: %s / %s", ErrNoCommonPayment, buy.ID, sell.ID)
	}

	maker, taker := sell, buy
	switch {
	case !sell.Priced():
		maker, taker = buy, sell
	case !buy.Priced():
	case buy.ArrivedBefore(sell):
		maker, taker = buy, sell
	}
	notional := price.Mul(qty)

	t := &order.Trade{
		ID:             r.newID(),
		BuyOrderID:     buy.ID,
		SellOrderID:    sell.ID,
		MakerOrderID:   maker.ID,
		BuyerID:        buy.Owner,
		SellerID:       sell.Owner,
		Symbol:         buy.Symbol,
		Price:          price,
		Quantity:       qty,
		MakerFee:       notional.Mul(maker.MakerFee),
		TakerFee:       notional.Mul(taker.TakerFee),
		PaymentMethod:  method,
		EscrowRequired: buy.EscrowRequired || sell.EscrowRequired,
		Status:         order.PendingEscrow,
		ExecutedAt:     r.clock.Now(),
	}

	r.mu.Lock()
	r.trades[t.ID] = t
	r.byOwner[t.BuyerID] = append(r.byOwner[t.BuyerID], t.ID)
	if t.SellerID != t.BuyerID {
		r.byOwner[t.SellerID] = append(r.byOwner[t.SellerID], t.ID)
	}
	r.mu.Unlock()

	return t.Clone(), nil
}

// Escrow hands every escrow-backed trade to the collaborator. The calls run
// concurrently, each bounded by the configured timeout, so a sweep producing many
// trades waits about one timeout at worst. Failures are recorded on the trade and
// logged; they never undo the execution. It returns the trades in their post-escrow
// state, in input order.
func (r *Recorder) Escrow(ctx context.Context, trades []order.Trade) []order.Trade {
	out := make([]order.Trade, len(trades))
	var wg sync.WaitGroup
	for i, t := range trades {
		out[i] = t
		if !t.EscrowRequired || r.escrow == nil {
			continue
		}
		wg.Add(1)
		go func(i int, t order.Trade) {
			defer wg.Done()
			out[i] = r.escrowOne(ctx, t)
		}(i, t)
	}
	wg.Wait()
	return out
}

func (r *Recorder) escrowOne(ctx context.Context, t order.Trade) order.Trade {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	id, err := r.escrow.CreateEscrow(callCtx, EscrowRequest{
		TradeID:  t.ID,
		SellerID: t.SellerID,
		BuyerID:  t.BuyerID,
		Asset:    r.assets(t.Symbol),
		Quantity: t.Quantity,
		Price:    t.Price,
	})
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.trades[t.ID]
	if !ok {
		return t
	}
	if err != nil {
		escErr := &EscrowError{TradeID: t.ID, Err: err}
		stored.EscrowError = escErr.Error()
		r.log.Warnw("escrow_failed", "trade_id", t.ID, "symbol", t.Symbol, "err", err)
	} else if advErr := stored.Advance(order.Escrowed, r.clock.Now()); advErr != nil {
		r.log.Errorw("escrow_transition_failed", "trade_id", t.ID, "escrow_id", id, "err", advErr)
	} else {
		stored.EscrowID = id
		stored.EscrowError = ""
		r.log.Debugw("escrow_created", "trade_id", t.ID, "escrow_id", id)
	}
	return stored.Clone()
}

// Advance moves a trade along its settlement path. An escrow-backed trade only becomes
// ESCROWED through Escrow, once the collaborator has returned a hold id.
func (r *Recorder) Advance(tradeID string, next order.TradeStatus) (order.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[tradeID]
	if !ok {
		return order.Trade{}, fmt.Errorf("%w: %s", ErrTradeNotFound, tradeID)
	}
	if next == order.Escrowed && t.EscrowRequired && t.EscrowID == "" {
		return order.Trade{}, fmt.Errorf("%w: %s", ErrEscrowNotLinked, tradeID)
	}
	if err := t.Advance(next, r.clock.Now()); err != nil {
		return order.Trade{}, err
	}
	return t.Clone(), nil
}

// Get returns a copy of one trade.
func (r *Recorder) Get(tradeID string) (order.Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trades[tradeID]
	if !ok {
		return order.Trade{}, fmt.Errorf("%w: %s", ErrTradeNotFound, tradeID)
	}
	return t.Clone(), nil
}

// UserTrades returns up to limit trades of owner, newest first. limit <= 0 means all.
func (r *Recorder) UserTrades(owner string, limit int) []order.Trade {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byOwner[owner]
	n := len(ids)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]order.Trade, 0, n)
	for i := len(ids) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.trades[ids[i]].Clone())
	}
	return out
}

// Len returns the number of recorded trades.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trades)
}
