package orderbook

import (
	"sync"

	"github.com/uhyunpark/p2pex/pkg/util"
)

// Store owns one Book per symbol.
//
// The map is guarded by a mutex. Each Book is handed to the goroutine that owns its
// symbol and is mutated only there, so book operations on different symbols never
// contend.
type Store struct {
	mu    sync.Mutex
	books map[string]*Book
	clock util.Clock
}

func NewStore(clock util.Clock) *Store {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Store{
		books: make(map[string]*Book),
		clock: clock,
	}
}

// Initialize creates an empty book for symbol. Calling it again returns the same book.
func (s *Store) Initialize(symbol string) *Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[symbol]; ok {
		return b
	}
	b := NewBook(symbol)
	b.updatedAt = s.clock.Now()
	s.books[symbol] = b
	return b
}
