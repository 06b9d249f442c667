// Package model defines the core domain types shared across the rebase engine.
// All amounts are fixed.U128: unsigned 128-bit integers, never float64.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atmx/rebase-engine/internal/fixed"
)

// Side selects one of the two pools.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ParseSide accepts LONG or SHORT in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(s)) {
	case SideLong:
		return SideLong, nil
	case SideShort:
		return SideShort, nil
	}
	return "", fmt.Errorf("side must be LONG or SHORT, got %q", s)
}

// Entry kinds recorded in the immutable ledger.
const (
	KindBuy    = "BUY"
	KindSell   = "SELL"
	KindRebase = "REBASE"
)

// Fixed parameters set at initialisation.
var (
	BasisPointsDivisor   = fixed.From(10_000)
	DefaultFeeBps        = fixed.From(20)
	MaxAppFeeBps         = fixed.From(20)
	InitialRebaseDivisor = fixed.From(10_000_000_000)
	MinFundingDivisor    = fixed.From(500)
	MaxFundingDivisor    = fixed.From(1_000_000)
)

// ErrInvalidParams is returned by NewMarket when a parameter violates an
// initialisation precondition.
var ErrInvalidParams = errors.New("model: invalid market parameters")

// Market is the single state record of the engine. It holds only values, so
// a plain copy is a full snapshot; operations mutate a copy and the copy is
// committed only when the whole operation succeeded.
type Market struct {
	ID        string `json:"id"`
	PriceFeed string `json:"price_feed"`

	LastPrice    fixed.U128 `json:"last_price"`
	LongDivisor  fixed.U128 `json:"long_divisor"`
	ShortDivisor fixed.U128 `json:"short_divisor"`

	// Raw totals start at a sentinel of 1 so an effective supply never
	// reaches zero in normal operation.
	LongTotalRaw  fixed.U128 `json:"long_total_raw"`
	ShortTotalRaw fixed.U128 `json:"short_total_raw"`

	FeeReserve    fixed.U128 `json:"fee_reserve"`
	AppFeeReserve fixed.U128 `json:"app_fee_reserve"`

	FeeBps               fixed.U128 `json:"fee_basis_points"`
	MaxAppFeeBps         fixed.U128 `json:"max_app_fee_basis_points"`
	AppFeeBps            fixed.U128 `json:"app_fee_basis_points"`
	MultiplierBps        fixed.U128 `json:"multiplier_basis_points"`
	MaxProfitBps         fixed.U128 `json:"max_profit_basis_points"`
	FundingDivisor       fixed.U128 `json:"funding_divisor"`
	InitialRebaseDivisor fixed.U128 `json:"initial_rebase_divisor"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Divisor returns the divisor of side.
func (m *Market) Divisor(side Side) fixed.U128 {
	if side == SideLong {
		return m.LongDivisor
	}
	return m.ShortDivisor
}

// TotalRaw returns the raw aggregate of side.
func (m *Market) TotalRaw(side Side) fixed.U128 {
	if side == SideLong {
		return m.LongTotalRaw
	}
	return m.ShortTotalRaw
}

// SetTotalRaw replaces the raw aggregate of side.
func (m *Market) SetTotalRaw(side Side, v fixed.U128) {
	if side == SideLong {
		m.LongTotalRaw = v
	} else {
		m.ShortTotalRaw = v
	}
}

// MarketParams are the caller-chosen initialisation parameters.
type MarketParams struct {
	ID             string
	PriceFeed      string
	MultiplierBps  fixed.U128
	MaxProfitBps   fixed.U128
	FundingDivisor fixed.U128
	AppFeeBps      fixed.U128
	LastPrice      fixed.U128
}

// NewMarket builds the initial market state.
func NewMarket(p MarketParams, now time.Time) (*Market, error) {
	switch {
	case p.ID == "":
		return nil, fmt.Errorf("%w: id is required", ErrInvalidParams)
	case p.LastPrice.IsZero():
		return nil, fmt.Errorf("%w: last price must be positive", ErrInvalidParams)
	case p.MaxProfitBps.Gt(BasisPointsDivisor):
		return nil, fmt.Errorf("%w: max profit %s bps exceeds %s", ErrInvalidParams, p.MaxProfitBps, BasisPointsDivisor)
	case p.AppFeeBps.Gt(MaxAppFeeBps):
		return nil, fmt.Errorf("%w: app fee %s bps exceeds %s", ErrInvalidParams, p.AppFeeBps, MaxAppFeeBps)
	case p.FundingDivisor.Lt(MinFundingDivisor) || p.FundingDivisor.Gt(MaxFundingDivisor):
		return nil, fmt.Errorf("%w: funding divisor %s outside [%s, %s]",
			ErrInvalidParams, p.FundingDivisor, MinFundingDivisor, MaxFundingDivisor)
	}

	one := fixed.From(1)
	return &Market{
		ID:                   p.ID,
		PriceFeed:            p.PriceFeed,
		LastPrice:            p.LastPrice,
		LongDivisor:          one,
		ShortDivisor:         one,
		LongTotalRaw:         one,
		ShortTotalRaw:        one,
		FeeBps:               DefaultFeeBps,
		MaxAppFeeBps:         MaxAppFeeBps,
		AppFeeBps:            p.AppFeeBps,
		MultiplierBps:        p.MultiplierBps,
		MaxProfitBps:         p.MaxProfitBps,
		FundingDivisor:       p.FundingDivisor,
		InitialRebaseDivisor: InitialRebaseDivisor,
		UpdatedAt:            now.UTC(),
	}, nil
}

// BalanceEntry is the raw balance of one (account, side) pair.
type BalanceEntry struct {
	Account string     `json:"account"`
	Side    Side       `json:"side"`
	Raw     fixed.U128 `json:"raw"`
}

// LedgerEntry is an immutable record of a committed operation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID           string     `json:"id"`
	MarketID     string     `json:"market_id"`
	Account      string     `json:"account"`
	Kind         string     `json:"kind"`           // BUY, SELL or REBASE
	Side         Side       `json:"side,omitempty"` // empty for REBASE
	Amount       fixed.U128 `json:"amount"`
	Fee          fixed.U128 `json:"fee"`
	Balance      fixed.U128 `json:"balance"` // raw balance after the operation
	Price        fixed.U128 `json:"price"`   // settled price after the rebase
	LongDivisor  fixed.U128 `json:"long_divisor"`
	ShortDivisor fixed.U128 `json:"short_divisor"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Payout is a collateral transfer owed to an account after a sell. It is
// committed with the sell and delivered afterwards; SentAt stays nil until
// the payment rail accepted it. ID doubles as the delivery dedup key.
type Payout struct {
	ID        string     `json:"id"`
	MarketID  string     `json:"market_id"`
	Account   string     `json:"account"`
	Amount    fixed.U128 `json:"amount"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// Commit is everything one operation changes. Stores apply it atomically.
type Commit struct {
	Market   *Market
	Balances []BalanceEntry
	Entry    *LedgerEntry
	Payouts  []Payout
}
