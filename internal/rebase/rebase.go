// Package rebase recomputes the per-side divisors when the price moves.
//
// A rebase moves value from the losing pool to the winning pool without
// touching any account balance: each side's effective supply is adjusted by
// the profit, and a new divisor is derived so that raw total / divisor
// matches the adjusted supply. The transfer is capped at a fraction of the
// smaller pool, so the losing side can never be driven below zero.
package rebase

import (
	"fmt"

	"github.com/atmx/rebase-engine/internal/fixed"
	"github.com/atmx/rebase-engine/internal/model"
)

var (
	ten  = fixed.From(10)
	nine = fixed.From(9)
)

// Result describes one divisor computation.
type Result struct {
	LastPrice       fixed.U128 `json:"last_price"`
	NextPrice       fixed.U128 `json:"next_price"`
	ReferenceSupply fixed.U128 `json:"reference_supply"`
	Delta           fixed.U128 `json:"delta"`
	RawProfit       fixed.U128 `json:"raw_profit"`
	MaxProfit       fixed.U128 `json:"max_profit"`
	Profit          fixed.U128 `json:"profit"`
	TotalLong       fixed.U128 `json:"total_long"`
	TotalShort      fixed.U128 `json:"total_short"`
	LongDivisor     fixed.U128 `json:"long_divisor"`
	ShortDivisor    fixed.U128 `json:"short_divisor"`
}

// Divisors computes the divisors that settle a move from last to next
// against the current totals of m. m is not modified.
func Divisors(m *model.Market, last, next fixed.U128) (Result, error) {
	r := Result{LastPrice: last, NextPrice: next}

	totalLong, err := m.LongTotalRaw.Div(m.LongDivisor)
	if err != nil {
		return Result{}, fmt.Errorf("long effective supply: %w", err)
	}
	totalShort, err := m.ShortTotalRaw.Div(m.ShortDivisor)
	if err != nil {
		return Result{}, fmt.Errorf("short effective supply: %w", err)
	}

	r.ReferenceSupply = fixed.Min(totalLong, totalShort)

	up := next.Gt(last)
	if up {
		r.Delta, _ = next.Sub(last)
	} else {
		r.Delta, _ = last.Sub(next)
	}

	// Two truncating steps, price first then multiplier; the order is part
	// of the rounding behaviour.
	perPrice, err := r.ReferenceSupply.MulDiv(r.Delta, last)
	if err != nil {
		return Result{}, fmt.Errorf("profit per price: %w", err)
	}
	if r.RawProfit, err = perPrice.MulDiv(m.MultiplierBps, model.BasisPointsDivisor); err != nil {
		return Result{}, fmt.Errorf("leveraged profit: %w", err)
	}
	if r.MaxProfit, err = r.ReferenceSupply.MulDiv(m.MaxProfitBps, model.BasisPointsDivisor); err != nil {
		return Result{}, fmt.Errorf("max profit: %w", err)
	}
	r.Profit = r.RawProfit
	if r.Profit.Gt(r.MaxProfit) {
		r.Profit = r.MaxProfit
	}

	winner, loser := &totalLong, &totalShort
	if !up {
		winner, loser = &totalShort, &totalLong
	}
	if *winner, err = winner.Add(r.Profit); err != nil {
		return Result{}, fmt.Errorf("credit winning side: %w", err)
	}
	if *loser, err = loser.Sub(r.Profit); err != nil {
		return Result{}, fmt.Errorf("debit losing side: %w", err)
	}
	r.TotalLong, r.TotalShort = totalLong, totalShort

	if r.LongDivisor, err = NextDivisor(m.LongTotalRaw, totalLong, m.LongDivisor); err != nil {
		return Result{}, fmt.Errorf("long divisor: %w", err)
	}
	if r.ShortDivisor, err = NextDivisor(m.ShortTotalRaw, totalShort, m.ShortDivisor); err != nil {
		return Result{}, fmt.Errorf("short divisor: %w", err)
	}
	return r, nil
}

// NextDivisor returns ((raw*10)/next + 9) / 10, a ceiling of raw/next taken
// at one extra decimal digit. A result of zero yields fallback. A next
// supply of zero is a division-by-zero fault.
func NextDivisor(raw, next, fallback fixed.U128) (fixed.U128, error) {
	scaled, err := raw.Mul(ten)
	if err != nil {
		return fixed.Zero, err
	}
	q, err := scaled.Div(next)
	if err != nil {
		return fixed.Zero, err
	}
	if q, err = q.Add(nine); err != nil {
		return fixed.Zero, err
	}
	d, _ := q.Div(ten)
	if d.IsZero() {
		return fallback, nil
	}
	return d, nil
}

// Apply settles m at next: it computes the divisors against m.LastPrice,
// then replaces both divisors and the last price. On error m is unchanged.
func Apply(m *model.Market, next fixed.U128) (Result, error) {
	r, err := Divisors(m, m.LastPrice, next)
	if err != nil {
		return Result{}, err
	}
	m.LastPrice = next
	m.LongDivisor = r.LongDivisor
	m.ShortDivisor = r.ShortDivisor
	return r, nil
}
