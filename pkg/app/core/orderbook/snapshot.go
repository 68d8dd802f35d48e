package orderbook

import (
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/p2pex/pkg/app/core/order"
)

// LevelSnapshot is the read view of one price level.
type LevelSnapshot struct {
	Price          decimal.Decimal       `json:"price"`
	Quantity       decimal.Decimal       `json:"quantity"`
	OrderCount     int                   `json:"orderCount"`
	PaymentMethods []order.PaymentMethod `json:"paymentMethods"`
	AvgReputation  float64               `json:"avgReputation"`
	OrderIDs       []string              `json:"orderIds"` // arrival order
}

// Snapshot is an immutable view of a book at one instant.
type Snapshot struct {
	Symbol         string              `json:"symbol"`
	Bids           []LevelSnapshot     `json:"bids"` // Sorted high to low
	Asks           []LevelSnapshot     `json:"asks"` // Sorted low to high
	Spread         decimal.Decimal     `json:"spread"`
	LastTradePrice decimal.NullDecimal `json:"lastTradePrice"`
	Volume         decimal.Decimal     `json:"volume"` // traded quantity over VolumeWindow
	Timestamp      time.Time           `json:"timestamp"`
	Checksum       string              `json:"checksum"`
}

func snapshotLevels(levels []*Level) []LevelSnapshot {
	out := make([]LevelSnapshot, len(levels))
	for i, l := range levels {
		ids := make([]string, len(l.Orders))
		for j, o := range l.Orders {
			ids[j] = o.ID
		}
		out[i] = LevelSnapshot{
			Price:          l.Price,
			Quantity:       l.Quantity,
			OrderCount:     l.Count,
			PaymentMethods: append([]order.PaymentMethod(nil), l.PaymentMethods...),
			AvgReputation:  l.AvgReputation,
			OrderIDs:       ids,
		}
	}
	return out
}

// BestBid returns the top bid level of the snapshot.
func (s *Snapshot) BestBid() (LevelSnapshot, bool) {
	if len(s.Bids) == 0 {
		return LevelSnapshot{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask level of the snapshot.
func (s *Snapshot) BestAsk() (LevelSnapshot, bool) {
	if len(s.Asks) == 0 {
		return LevelSnapshot{}, false
	}
	return s.Asks[0], true
}

// Crossed reports whether both sides are present and best bid >= best ask.
func (s *Snapshot) Crossed() bool {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	return okB && okA && bid.Price.GreaterThanOrEqual(ask.Price)
}

// Empty reports whether neither side has a level.
func (s *Snapshot) Empty() bool { return len(s.Bids) == 0 && len(s.Asks) == 0 }

// checksum hashes the ladder contents with Keccak-256. Timestamps are excluded so two
// replays of the same commands hash equal.
func (s *Snapshot) checksum() string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(s.Symbol))
	writeSide := func(tag string, levels []LevelSnapshot) {
		h.Write([]byte(tag))
		for _, l := range levels {
			h.Write([]byte(l.Price.String()))
			h.Write([]byte{0})
			h.Write([]byte(l.Quantity.String()))
			h.Write([]byte{0})
			for _, id := range l.OrderIDs {
				h.Write([]byte(id))
				h.Write([]byte{0})
			}
		}
	}
	writeSide("B", s.Bids)
	writeSide("A", s.Asks)
	if s.LastTradePrice.Valid {
		h.Write([]byte(s.LastTradePrice.Decimal.String()))
	}
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
