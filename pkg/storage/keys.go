package storage

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema for the Pebble archive:
//
//	ord:<orderID>                         → Order
//	uord:<owner>:<sequence>:<orderID>     → orderID (owner index)
//	trade:<tradeID>                       → Trade
//	utrade:<owner>:<executedAt>:<tradeID> → tradeID (owner index, buyer and seller)
//	strade:<symbol>:<executedAt>:<tradeID> → tradeID (symbol index)
//	esc:<32-byte-hash>                    → escrow Hold
//
// Numbers are zero-padded (20 digits) so lexicographic order is numeric order.

// Key prefixes
const (
	prefixOrder      = "ord:"
	prefixOwnerOrder = "uord:"
	prefixTrade      = "trade:"
	prefixOwnerTrade = "utrade:"
	prefixSymTrade   = "strade:"
	prefixHold       = "esc:"
)

// orderKey returns the key for an order
// Format: "ord:{orderID}"
func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

// ownerOrderKey returns the owner index entry of an order
// Format: "uord:{owner}:{sequence}:{orderID}"
func ownerOrderKey(owner string, seq uint64, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixOwnerOrder, owner, seq, orderID))
}

// ownerOrderPrefix returns the prefix for all orders of an owner
// Format: "uord:{owner}:"
func ownerOrderPrefix(owner string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOwnerOrder, owner))
}

func tradeKey(tradeID string) []byte {
	return []byte(prefixTrade + tradeID)
}

// ownerTradeKey returns the owner index entry of a trade
// Format: "utrade:{owner}:{unixNano}:{tradeID}"
func ownerTradeKey(owner string, at time.Time, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixOwnerTrade, owner, at.UnixNano(), tradeID))
}

func ownerTradePrefix(owner string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOwnerTrade, owner))
}

// symbolTradeKey returns the symbol index entry of a trade
// Format: "strade:{symbol}:{unixNano}:{tradeID}"
func symbolTradeKey(symbol string, at time.Time, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixSymTrade, symbol, at.UnixNano(), tradeID))
}

func symbolTradePrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixSymTrade, symbol))
}

func holdKey(id common.Hash) []byte { return append([]byte(prefixHold), id[:]...) }

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
