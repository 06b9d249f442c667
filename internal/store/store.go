// Package store defines the persistence interface for the rebase engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/rebase-engine/internal/fixed"
	"github.com/atmx/rebase-engine/internal/model"
)

var (
	// ErrNotFound is returned when a market does not exist.
	ErrNotFound = errors.New("store: market not found")

	// ErrExists is returned when creating a market that already exists.
	ErrExists = errors.New("store: market already exists")

	// ErrPayoutNotFound is returned when marking an unknown payout.
	ErrPayoutNotFound = errors.New("store: payout not found")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market state ---

	// CreateMarket persists the initial market state.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves the market state by ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// --- Balances ---

	// GetBalance returns the raw balance of (account, side); zero if absent.
	GetBalance(ctx context.Context, marketID, account string, side model.Side) (fixed.U128, error)

	// --- Commit ---

	// Commit writes the market state, every balance and the ledger entry
	// of one operation atomically.
	Commit(ctx context.Context, c *model.Commit) error

	// --- Immutable ledger ---

	// GetLedgerEntriesByMarket returns all entries for a market, oldest first.
	GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByAccount returns one account's entries, oldest first.
	GetLedgerEntriesByAccount(ctx context.Context, marketID, account string) ([]model.LedgerEntry, error)

	// --- Payout outbox ---

	// PendingPayouts returns committed payouts not yet sent, oldest first.
	PendingPayouts(ctx context.Context, marketID string) ([]model.Payout, error)

	// MarkPayoutSent records that the payment rail accepted a payout.
	MarkPayoutSent(ctx context.Context, id string, at time.Time) error
}

// Primary returns the source-of-truth store behind st, bypassing any
// cache. Mutations read through it while holding the market lock.
func Primary(st Store) Store {
	if c, ok := st.(*CachedStore); ok {
		return c.primary
	}
	return st
}
