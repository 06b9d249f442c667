package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atmx/rebase-engine/internal/fixed"
	"github.com/atmx/rebase-engine/internal/ledger"
	"github.com/atmx/rebase-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	markets map[string]*model.Market
	books   map[string]*ledger.Book
	entries []model.LedgerEntry
	payouts []model.Payout
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets: make(map[string]*model.Market),
		books:   make(map[string]*ledger.Book),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, m.ID)
	}

	// Store a copy to avoid external mutation.
	copy := *m
	s.markets[m.ID] = &copy
	s.books[m.ID] = ledger.NewBook()
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, marketID, account string, side model.Side) (fixed.U128, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.books[marketID]
	if !ok {
		return fixed.Zero, nil
	}
	return book.Balance(account, side), nil
}

func (s *MemoryStore) Commit(_ context.Context, c *model.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[c.Market.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, c.Market.ID)
	}
	copy := *c.Market
	s.markets[c.Market.ID] = &copy
	s.books[c.Market.ID].Apply(c.Balances)
	if c.Entry != nil {
		s.entries = append(s.entries, *c.Entry)
	}
	s.payouts = append(s.payouts, c.Payouts...)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, marketID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.entries {
		if e.MarketID == marketID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByAccount(_ context.Context, marketID, account string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.entries {
		if e.MarketID == marketID && e.Account == account {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) PendingPayouts(_ context.Context, marketID string) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Payout
	for _, p := range s.payouts {
		if p.MarketID == marketID && p.SentAt == nil {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *MemoryStore) MarkPayoutSent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.payouts {
		if s.payouts[i].ID == id {
			if s.payouts[i].SentAt == nil {
				sent := at
				s.payouts[i].SentAt = &sent
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPayoutNotFound, id)
}

// SumBalances adds every raw balance on one side of a market.
func (s *MemoryStore) SumBalances(marketID string, side model.Side) (fixed.U128, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.books[marketID]
	if !ok {
		return fixed.Zero, nil
	}
	return book.Sum(side)
}
