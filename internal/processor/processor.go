// Package processor executes buys, sells and rebases against a market.
//
// Every operation works on a copy of the market and buffers its balance
// write in a ledger.Tx. The caller's market is replaced and the write is
// buffered only when every step succeeded, so a fault leaves both exactly
// as they were. The processor also keeps each side's raw total in step
// with every balance it writes.
//
// A sell never moves collateral itself: it returns the payout it owes, and
// the caller commits that payout together with the balance change.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/rebase-engine/internal/fee"
	"github.com/atmx/rebase-engine/internal/feed"
	"github.com/atmx/rebase-engine/internal/fixed"
	"github.com/atmx/rebase-engine/internal/ledger"
	"github.com/atmx/rebase-engine/internal/model"
	"github.com/atmx/rebase-engine/internal/rebase"
)

// Processor is stateless apart from its collaborators; callers serialise
// access to the market they pass in.
type Processor struct {
	prices feed.Source
	now    func() time.Time
}

// New creates a processor reading prices from prices.
func New(prices feed.Source) *Processor {
	return &Processor{
		prices: prices,
		now:    time.Now,
	}
}

// Result is the outcome of a buy or sell.
type Result struct {
	Account  string        `json:"account"`
	Side     model.Side    `json:"side"`
	Amount   fixed.U128    `json:"amount"`
	Fee      fixed.U128    `json:"fee"`
	Previous fixed.U128    `json:"previous_balance"`
	Balance  fixed.U128    `json:"balance"`
	Rebase   rebase.Result `json:"rebase"`

	// Payout is set on a sell: the transfer to commit with the balance.
	Payout *model.Payout `json:"payout,omitempty"`
}

// Rebase settles m at the next price supplied by the feed.
func (p *Processor) Rebase(ctx context.Context, m *model.Market) (rebase.Result, error) {
	work := *m
	r, err := p.rebase(ctx, &work)
	if err != nil {
		return rebase.Result{}, err
	}
	work.UpdatedAt = p.now().UTC()
	*m = work
	return r, nil
}

func (p *Processor) rebase(ctx context.Context, m *model.Market) (rebase.Result, error) {
	next, err := p.prices.NextPrice(ctx, m.LastPrice)
	if err != nil {
		return rebase.Result{}, fmt.Errorf("next price: %w", err)
	}
	r, err := rebase.Apply(m, next)
	if err != nil {
		return rebase.Result{}, fmt.Errorf("rebase: %w", err)
	}
	return r, nil
}

// Buy rebases, collects the fee, then credits amount to the caller. A
// non-zero prior balance is first converted to its effective value through
// the side's fresh divisor. The fee is not deducted from amount.
func (p *Processor) Buy(ctx context.Context, m *model.Market, tx *ledger.Tx, caller string, side model.Side, amount fixed.U128) (Result, error) {
	work := *m
	res := Result{Account: caller, Side: side, Amount: amount}

	var err error
	if res.Rebase, err = p.rebase(ctx, &work); err != nil {
		return Result{}, err
	}
	if res.Fee, err = fee.Collect(&work.FeeReserve, amount, work.FeeBps, model.BasisPointsDivisor); err != nil {
		return Result{}, fmt.Errorf("collect fee: %w", err)
	}
	if res.Previous, err = tx.Balance(caller, side); err != nil {
		return Result{}, fmt.Errorf("read balance: %w", err)
	}

	res.Balance = amount
	if !res.Previous.IsZero() {
		effective, err := res.Previous.Div(work.Divisor(side))
		if err != nil {
			return Result{}, fmt.Errorf("effective balance: %w", err)
		}
		if res.Balance, err = effective.Add(amount); err != nil {
			return Result{}, fmt.Errorf("credit balance: %w", err)
		}
	}

	if err := replaceInTotal(&work, side, res.Previous, res.Balance); err != nil {
		return Result{}, err
	}

	work.UpdatedAt = p.now().UTC()
	tx.SetBalance(caller, side, res.Balance)
	*m = work
	return res, nil
}

// Sell rebases, collects the fee, debits amount from the caller's raw
// balance, and returns a payout of amount in Result.Payout. Unlike Buy,
// the raw balance is debited directly with no divisor conversion. Selling
// more than the raw balance is an underflow fault.
func (p *Processor) Sell(ctx context.Context, m *model.Market, tx *ledger.Tx, caller string, side model.Side, amount fixed.U128) (Result, error) {
	work := *m
	res := Result{Account: caller, Side: side, Amount: amount}

	var err error
	if res.Rebase, err = p.rebase(ctx, &work); err != nil {
		return Result{}, err
	}
	if res.Fee, err = fee.Collect(&work.FeeReserve, amount, work.FeeBps, model.BasisPointsDivisor); err != nil {
		return Result{}, fmt.Errorf("collect fee: %w", err)
	}
	if res.Previous, err = tx.Balance(caller, side); err != nil {
		return Result{}, fmt.Errorf("read balance: %w", err)
	}
	if res.Balance, err = res.Previous.Sub(amount); err != nil {
		return Result{}, fmt.Errorf("debit balance %s by %s: %w", res.Previous, amount, err)
	}
	if err := replaceInTotal(&work, side, res.Previous, res.Balance); err != nil {
		return Result{}, err
	}

	work.UpdatedAt = p.now().UTC()
	res.Payout = &model.Payout{
		ID:        uuid.New().String(),
		MarketID:  work.ID,
		Account:   caller,
		Amount:    amount,
		CreatedAt: work.UpdatedAt,
	}
	tx.SetBalance(caller, side, res.Balance)
	*m = work
	return res, nil
}

// Balance returns the caller's raw balance on side, zero if absent.
func (p *Processor) Balance(ctx context.Context, src ledger.Source, m *model.Market, caller string, side model.Side) (fixed.U128, error) {
	return src.GetBalance(ctx, m.ID, caller, side)
}

// replaceInTotal swaps prev for next inside the side's raw total.
func replaceInTotal(m *model.Market, side model.Side, prev, next fixed.U128) error {
	total, err := m.TotalRaw(side).Sub(prev)
	if err != nil {
		return fmt.Errorf("%s raw total below account balance: %w", side, err)
	}
	if total, err = total.Add(next); err != nil {
		return fmt.Errorf("%s raw total: %w", side, err)
	}
	m.SetTotalRaw(side, total)
	return nil
}
