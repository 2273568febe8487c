package state

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InterestConfig drives the time-bucketed borrow-index accrual. The index
// grows by InterestRate (Precision-scaled, per interval) times the token's
// utilization (aggregate reserved/pool across tranches) for every whole
// interval elapsed. Accrual timestamps stay aligned to interval boundaries
// so replaying the same wall clock always lands in the same bucket.
type InterestConfig struct {
	AccrualInterval int64 // seconds, > 0
	InterestRate    uint64
}

// Accrual is the staged outcome of one accrual step. Apply commits it.
type Accrual struct {
	BorrowIndex   uint256.Int
	LastTimestamp int64
	Intervals     int64
}

// Changed reports whether the index moved. The first touch only snaps the
// timestamp; calls within an already-accrued bucket change nothing.
func (a *Accrual) Changed() bool {
	return a.Intervals > 0
}

// Preview computes the accrual step for a token without mutating the
// record. reserved and pool are the aggregates across tranches. A token
// with reservations but an empty pool is a caller precondition violation
// and panics: accruing against zero capital has no defined utilization.
func (c InterestConfig) Preview(rec *TokenRecord, reserved, pool *uint256.Int, now int64) Accrual {
	if c.AccrualInterval <= 0 {
		panic("FATAL: non-positive accrual interval")
	}

	var out Accrual
	out.BorrowIndex.Set(&rec.BorrowIndex)

	if rec.LastAccrualTimestamp == 0 {
		out.LastTimestamp = now - now%c.AccrualInterval
		return out
	}
	out.LastTimestamp = rec.LastAccrualTimestamp

	elapsed := (now - rec.LastAccrualTimestamp) / c.AccrualInterval
	if elapsed <= 0 {
		return out
	}

	if pool.IsZero() {
		if !reserved.IsZero() {
			panic(fmt.Sprintf("FATAL: accrual with reserved %s against zero pool", reserved.Dec()))
		}
		// Nothing borrowed against nothing pooled: advance the bucket only.
		out.LastTimestamp += elapsed * c.AccrualInterval
		return out
	}

	// delta = elapsed * rate * reserved / pool
	rate := new(uint256.Int).Mul(uint256.NewInt(uint64(elapsed)), uint256.NewInt(c.InterestRate))
	num := new(uint256.Int).Mul(rate, reserved)
	delta := new(uint256.Int).Div(num, pool)

	out.BorrowIndex.Add(&out.BorrowIndex, delta)
	out.Intervals = elapsed
	// Advance by whole buckets, never to "now", so alignment stays exact.
	out.LastTimestamp += elapsed * c.AccrualInterval
	return out
}

// Apply commits a staged accrual to the token record.
func (a *Accrual) Apply(rec *TokenRecord) {
	rec.BorrowIndex.Set(&a.BorrowIndex)
	rec.LastAccrualTimestamp = a.LastTimestamp
}
