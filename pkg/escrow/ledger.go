// Package escrow is a local custodian for trade escrow. It records one hold per trade,
// keyed by a Keccak-256 id, and lets a hold be released to the buyer or refunded to the
// seller exactly once.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/p2pex/pkg/app/core/trade"
	"github.com/uhyunpark/p2pex/pkg/util"
)

var (
	ErrHoldNotFound = errors.New("escrow hold not found")
	ErrHoldClosed   = errors.New("escrow hold already closed")
)

type HoldStatus string

const (
	Held     HoldStatus = "HELD"
	Released HoldStatus = "RELEASED" // asset delivered to the buyer
	Refunded HoldStatus = "REFUNDED" // asset returned to the seller
)

// Hold is the base asset a seller has locked for one trade.
type Hold struct {
	ID        common.Hash     `json:"id"`
	TradeID   string          `json:"tradeId"`
	SellerID  string          `json:"sellerId"`
	BuyerID   string          `json:"buyerId"`
	Asset     string          `json:"asset"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Status    HoldStatus      `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store persists holds. LoadHold returns nil when the hold does not exist.
type Store interface {
	SaveHold(h *Hold) error
	LoadHold(id common.Hash) (*Hold, error)
}

// HoldID derives the id of the hold for a request. The same trade always maps to the
// same id, which makes CreateEscrow idempotent.
func HoldID(req trade.EscrowRequest) common.Hash {
	return crypto.Keccak256Hash(
		[]byte(req.TradeID),
		[]byte(req.SellerID),
		[]byte(req.BuyerID),
		[]byte(req.Asset),
		[]byte(req.Quantity.String()),
		[]byte(req.Price.String()),
	)
}

type Ledger struct {
	mu    sync.Mutex
	store Store
	clock util.Clock
	log   *zap.SugaredLogger
}

func NewLedger(store Store, clock util.Clock, log *zap.SugaredLogger) *Ledger {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ledger{store: store, clock: clock, log: log}
}

var _ trade.Escrow = (*Ledger)(nil)

// CreateEscrow places a hold for the trade and returns its id as 0x-prefixed hex.
func (l *Ledger) CreateEscrow(ctx context.Context, req trade.EscrowRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.TradeID == "" || req.SellerID == "" || req.BuyerID == "" {
		return "", fmt.Errorf("escrow request for trade %q is missing a party", req.TradeID)
	}
	if !req.Quantity.IsPositive() {
		return "", fmt.Errorf("escrow quantity must be positive, got %s", req.Quantity)
	}

	id := HoldID(req)
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.store.LoadHold(id)
	if err != nil {
		return "", fmt.Errorf("failed to load hold: %w", err)
	}
	if existing != nil {
		return id.Hex(), nil
	}

	now := l.clock.Now()
	h := &Hold{
		ID:        id,
		TradeID:   req.TradeID,
		SellerID:  req.SellerID,
		BuyerID:   req.BuyerID,
		Asset:     req.Asset,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Status:    Held,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.SaveHold(h); err != nil {
		return "", fmt.Errorf("failed to save hold: %w", err)
	}
	l.log.Infow("escrow_held",
		"escrow_id", id.Hex(),
		"trade_id", req.TradeID,
		"seller", req.SellerID,
		"asset", req.Asset,
		"quantity", req.Quantity.String(),
	)
	return id.Hex(), nil
}

// Get returns the hold with the given hex id.
func (l *Ledger) Get(id string) (*Hold, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(id)
}

func (l *Ledger) load(id string) (*Hold, error) {
	h, err := l.store.LoadHold(common.HexToHash(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load hold: %w", err)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrHoldNotFound, id)
	}
	return h, nil
}

// Release delivers the held asset to the buyer.
func (l *Ledger) Release(id string) (*Hold, error) { return l.close(id, Released) }

// Refund returns the held asset to the seller.
func (l *Ledger) Refund(id string) (*Hold, error) { return l.close(id, Refunded) }

func (l *Ledger) close(id string, status HoldStatus) (*Hold, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, err := l.load(id)
	if err != nil {
		return nil, err
	}
	if h.Status != Held {
		return nil, fmt.Errorf("%w: %s is %s", ErrHoldClosed, id, h.Status)
	}
	h.Status = status
	h.UpdatedAt = l.clock.Now()
	if err := l.store.SaveHold(h); err != nil {
		return nil, fmt.Errorf("failed to save hold: %w", err)
	}
	l.log.Infow("escrow_closed", "escrow_id", id, "trade_id", h.TradeID, "status", status)
	return h, nil
}
