// Package fee computes the protocol fee on a trade notional.
//
// The fee is bookkeeping only: it accrues to a reserve and is never taken
// out of the amount credited on a buy or paid out on a sell.
package fee

import "github.com/atmx/rebase-engine/internal/fixed"

// Compute returns floor(amount * bps / divisor).
func Compute(amount, bps, divisor fixed.U128) (fixed.U128, error) {
	return amount.MulDiv(bps, divisor)
}

// Collect computes the fee on amount and adds it to reserve. On error the
// reserve is left untouched.
func Collect(reserve *fixed.U128, amount, bps, divisor fixed.U128) (fixed.U128, error) {
	f, err := Compute(amount, bps, divisor)
	if err != nil {
		return fixed.Zero, err
	}
	next, err := reserve.Add(f)
	if err != nil {
		return fixed.Zero, err
	}
	*reserve = next
	return f, nil
}
