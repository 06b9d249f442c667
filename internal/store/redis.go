package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/rebase-engine/internal/fixed"
	"github.com/atmx/rebase-engine/internal/model"
)

// errStaleFill aborts a cache fill that raced with a commit.
var errStaleFill = errors.New("store: cache fill raced with a commit")

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Commits go to the primary store and then write the committed
// values through to Redis; reads check Redis first then fall back to the
// primary.
//
// Every commit bumps a per-market generation counter. A fill remembers the
// generation it started at and only writes if it is unchanged, so a reader
// that loaded a row before a commit cannot put the old row back afterwards.
// Mutations still read through Primary under the market lock.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.fill(ctx, m.ID, 0, func(p redis.Pipeliner) error {
		return setMarket(ctx, p, m, s.ttl)
	})
	return nil
}

func (s *CachedStore) Commit(ctx context.Context, c *model.Commit) error {
	if err := s.primary.Commit(ctx, c); err != nil {
		return err
	}

	id := c.Market.ID
	if err := s.rdb.Incr(ctx, generationKey(id)).Err(); err != nil {
		slog.Error("cache generation bump failed", "market", id, "err", err)
	}

	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if err := setMarket(ctx, p, c.Market, s.ttl); err != nil {
			return err
		}
		for _, b := range c.Balances {
			p.Set(ctx, balanceKey(id, b.Account, b.Side), b.Raw.String(), s.ttl)
		}
		return nil
	})
	if err != nil {
		slog.Error("cache write-through failed, invalidating", "market", id, "err", err)
		keys := []string{marketKey(id)}
		for _, b := range c.Balances {
			keys = append(keys, balanceKey(id, b.Account, b.Side))
		}
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Error("cache invalidation failed", "market", id, "keys", len(keys), "err", err)
		}
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	gen := s.generation(ctx, id)
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.fill(ctx, id, gen, func(p redis.Pipeliner) error {
		return setMarket(ctx, p, m, s.ttl)
	})
	return m, nil
}

func (s *CachedStore) GetBalance(ctx context.Context, marketID, account string, side model.Side) (fixed.U128, error) {
	key := balanceKey(marketID, account, side)
	if raw, err := s.rdb.Get(ctx, key).Result(); err == nil {
		if v, err := fixed.Parse(raw); err == nil {
			return v, nil
		}
	}

	gen := s.generation(ctx, marketID)
	v, err := s.primary.GetBalance(ctx, marketID, account, side)
	if err != nil {
		return fixed.Zero, err
	}

	s.fill(ctx, marketID, gen, func(p redis.Pipeliner) error {
		p.Set(ctx, key, v.String(), s.ttl)
		return nil
	})
	return v, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByMarket(ctx, marketID)
}

func (s *CachedStore) GetLedgerEntriesByAccount(ctx context.Context, marketID, account string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByAccount(ctx, marketID, account)
}

func (s *CachedStore) PendingPayouts(ctx context.Context, marketID string) ([]model.Payout, error) {
	return s.primary.PendingPayouts(ctx, marketID)
}

func (s *CachedStore) MarkPayoutSent(ctx context.Context, id string, at time.Time) error {
	return s.primary.MarkPayoutSent(ctx, id, at)
}

// --- Cache helpers ---

// generation returns the market's commit counter; zero if never bumped or
// unreadable.
func (s *CachedStore) generation(ctx context.Context, marketID string) int64 {
	gen, err := s.rdb.Get(ctx, generationKey(marketID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("cache generation read failed", "market", marketID, "err", err)
	}
	return gen
}

// fill runs write inside a WATCH on the generation key and only if the
// generation still equals gen.
func (s *CachedStore) fill(ctx context.Context, marketID string, gen int64, write func(redis.Pipeliner) error) {
	genKey := generationKey(marketID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, write)
		return err
	}, genKey)

	switch {
	case err == nil:
	case errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
		slog.Debug("cache fill skipped, market changed", "market", marketID)
	default:
		slog.Warn("cache fill failed", "market", marketID, "err", err)
	}
}

func setMarket(ctx context.Context, p redis.Pipeliner, m *model.Market, ttl time.Duration) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	p.Set(ctx, marketKey(m.ID), data, ttl)
	return nil
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func generationKey(id string) string { return fmt.Sprintf("market:%s:gen", id) }

func balanceKey(marketID, account string, side model.Side) string {
	return fmt.Sprintf("balance:%s:%s:%s", marketID, side, account)
}
