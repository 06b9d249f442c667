// Package ledger stores raw balances per (account, side).
//
// An absent entry is a balance of zero. Entries are never deleted; a balance
// can be driven to zero and stays recorded.
package ledger

import (
	"context"
	"sync"

	"github.com/atmx/rebase-engine/internal/fixed"
	"github.com/atmx/rebase-engine/internal/model"
)

// Source reads committed balances. Stores implement it.
type Source interface {
	GetBalance(ctx context.Context, marketID, account string, side model.Side) (fixed.U128, error)
}

type key struct {
	account string
	side    model.Side
}

// Book is an in-memory ledger with one map per side.
type Book struct {
	mu    sync.RWMutex
	long  map[string]fixed.U128
	short map[string]fixed.U128
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{
		long:  make(map[string]fixed.U128),
		short: make(map[string]fixed.U128),
	}
}

func (b *Book) side(side model.Side) map[string]fixed.U128 {
	if side == model.SideLong {
		return b.long
	}
	return b.short
}

// Balance returns the raw balance, or zero when the account has no entry.
func (b *Book) Balance(account string, side model.Side) fixed.U128 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.side(side)[account]
}

// SetBalance inserts or overwrites the raw balance.
func (b *Book) SetBalance(account string, side model.Side, raw fixed.U128) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.side(side)[account] = raw
}

// GetBalance implements Source for a single-market book.
func (b *Book) GetBalance(_ context.Context, _ string, account string, side model.Side) (fixed.U128, error) {
	return b.Balance(account, side), nil
}

// Apply writes committed entries.
func (b *Book) Apply(entries []model.BalanceEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		b.side(e.Side)[e.Account] = e.Raw
	}
}

// Sum adds every raw balance on side.
func (b *Book) Sum(side model.Side) (fixed.U128, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := fixed.Zero
	for _, v := range b.side(side) {
		var err error
		if total, err = total.Add(v); err != nil {
			return fixed.Zero, err
		}
	}
	return total, nil
}

// Tx buffers balance writes on top of a Source. Reads see the buffered
// writes first. Nothing reaches the Source until the caller commits Writes.
type Tx struct {
	ctx      context.Context
	src      Source
	marketID string
	writes   map[key]fixed.U128
	order    []key
}

// Begin opens a transaction against src for one market.
func Begin(ctx context.Context, src Source, marketID string) *Tx {
	return &Tx{
		ctx:      ctx,
		src:      src,
		marketID: marketID,
		writes:   make(map[key]fixed.U128),
	}
}

// Balance returns the buffered balance if one was written, otherwise the
// committed one.
func (t *Tx) Balance(account string, side model.Side) (fixed.U128, error) {
	if v, ok := t.writes[key{account, side}]; ok {
		return v, nil
	}
	return t.src.GetBalance(t.ctx, t.marketID, account, side)
}

// SetBalance buffers a write.
func (t *Tx) SetBalance(account string, side model.Side, raw fixed.U128) {
	k := key{account, side}
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = raw
}

// Writes returns the buffered writes in first-write order.
func (t *Tx) Writes() []model.BalanceEntry {
	out := make([]model.BalanceEntry, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, model.BalanceEntry{Account: k.account, Side: k.side, Raw: t.writes[k]})
	}
	return out
}
