package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/rebase-engine/internal/fixed"
	"github.com/atmx/rebase-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Amounts are stored as NUMERIC(39,0), written as base-10 strings and read
// back with ::TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, price_feed, last_price, long_divisor, short_divisor,
		                      long_total_raw, short_total_raw, fee_reserve, app_fee_reserve,
		                      fee_bps, max_app_fee_bps, app_fee_bps, multiplier_bps, max_profit_bps,
		                      funding_divisor, initial_rebase_divisor, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC,
		         $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC,
		         $15::NUMERIC, $16::NUMERIC, $17)`,
		m.ID, m.PriceFeed, m.LastPrice.String(), m.LongDivisor.String(), m.ShortDivisor.String(),
		m.LongTotalRaw.String(), m.ShortTotalRaw.String(), m.FeeReserve.String(), m.AppFeeReserve.String(),
		m.FeeBps.String(), m.MaxAppFeeBps.String(), m.AppFeeBps.String(), m.MultiplierBps.String(), m.MaxProfitBps.String(),
		m.FundingDivisor.String(), m.InitialRebaseDivisor.String(), m.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrExists, m.ID)
	}
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	err := s.pool.QueryRow(ctx,
		`SELECT id, price_feed, last_price::TEXT, long_divisor::TEXT, short_divisor::TEXT,
		        long_total_raw::TEXT, short_total_raw::TEXT, fee_reserve::TEXT, app_fee_reserve::TEXT,
		        fee_bps::TEXT, max_app_fee_bps::TEXT, app_fee_bps::TEXT, multiplier_bps::TEXT,
		        max_profit_bps::TEXT, funding_divisor::TEXT, initial_rebase_divisor::TEXT, updated_at
		 FROM markets WHERE id = $1`, id).
		Scan(&m.ID, &m.PriceFeed, &m.LastPrice, &m.LongDivisor, &m.ShortDivisor,
			&m.LongTotalRaw, &m.ShortTotalRaw, &m.FeeReserve, &m.AppFeeReserve,
			&m.FeeBps, &m.MaxAppFeeBps, &m.AppFeeBps, &m.MultiplierBps,
			&m.MaxProfitBps, &m.FundingDivisor, &m.InitialRebaseDivisor, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return &m, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, marketID, account string, side model.Side) (fixed.U128, error) {
	var raw fixed.U128
	err := s.pool.QueryRow(ctx,
		`SELECT raw::TEXT FROM balances WHERE market_id = $1 AND account = $2 AND side = $3`,
		marketID, account, string(side)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fixed.Zero, nil
	}
	if err != nil {
		return fixed.Zero, fmt.Errorf("get balance %s/%s: %w", account, side, err)
	}
	return raw, nil
}

// Commit runs the market update, balance upserts and ledger insert in one
// transaction.
func (s *PostgresStore) Commit(ctx context.Context, c *model.Commit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	m := c.Market
	tag, err := tx.Exec(ctx,
		`UPDATE markets
		 SET last_price = $2::NUMERIC, long_divisor = $3::NUMERIC, short_divisor = $4::NUMERIC,
		     long_total_raw = $5::NUMERIC, short_total_raw = $6::NUMERIC,
		     fee_reserve = $7::NUMERIC, app_fee_reserve = $8::NUMERIC, updated_at = $9
		 WHERE id = $1`,
		m.ID, m.LastPrice.String(), m.LongDivisor.String(), m.ShortDivisor.String(),
		m.LongTotalRaw.String(), m.ShortTotalRaw.String(),
		m.FeeReserve.String(), m.AppFeeReserve.String(), m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, m.ID)
	}

	for _, b := range c.Balances {
		if _, err := tx.Exec(ctx,
			`INSERT INTO balances (market_id, account, side, raw)
			 VALUES ($1, $2, $3, $4::NUMERIC)
			 ON CONFLICT (market_id, account, side) DO UPDATE SET raw = EXCLUDED.raw`,
			m.ID, b.Account, string(b.Side), b.Raw.String(),
		); err != nil {
			return fmt.Errorf("upsert balance %s/%s: %w", b.Account, b.Side, err)
		}
	}

	if e := c.Entry; e != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, market_id, account, kind, side, amount, fee, balance,
			                             price, long_divisor, short_divisor, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
			         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)`,
			e.ID, e.MarketID, e.Account, e.Kind, string(e.Side),
			e.Amount.String(), e.Fee.String(), e.Balance.String(),
			e.Price.String(), e.LongDivisor.String(), e.ShortDivisor.String(), e.Timestamp,
		); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}

	for _, p := range c.Payouts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO payouts (id, market_id, account, amount, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
			p.ID, p.MarketID, p.Account, p.Amount.String(), p.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert payout %s: %w", p.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, market_id, account, kind, side, amount::TEXT, fee::TEXT, balance::TEXT,
		        price::TEXT, long_divisor::TEXT, short_divisor::TEXT, timestamp
		 FROM ledger_entries WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, marketID, account string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, market_id, account, kind, side, amount::TEXT, fee::TEXT, balance::TEXT,
		        price::TEXT, long_divisor::TEXT, short_divisor::TEXT, timestamp
		 FROM ledger_entries WHERE market_id = $1 AND account = $2 ORDER BY timestamp`, marketID, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) PendingPayouts(ctx context.Context, marketID string) ([]model.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, market_id, account, amount::TEXT, created_at, sent_at
		 FROM payouts WHERE market_id = $1 AND sent_at IS NULL ORDER BY created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []model.Payout
	for rows.Next() {
		var p model.Payout
		if err := rows.Scan(&p.ID, &p.MarketID, &p.Account, &p.Amount, &p.CreatedAt, &p.SentAt); err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

func (s *PostgresStore) MarkPayoutSent(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payouts SET sent_at = COALESCE(sent_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark payout %s sent: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPayoutNotFound, id)
	}
	return nil
}

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var side string
		if err := rows.Scan(&e.ID, &e.MarketID, &e.Account, &e.Kind, &side,
			&e.Amount, &e.Fee, &e.Balance,
			&e.Price, &e.LongDivisor, &e.ShortDivisor, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Side = model.Side(side)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
