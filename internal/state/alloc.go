package state

import (
	"errors"
	"fmt"

	fpmath "PoolLedger/internal/math"

	"github.com/holiman/uint256"
)

// ErrInsufficientCapacity means the waterfall exhausted every tranche and a
// positive remainder was left. The caller must fail the whole operation.
var ErrInsufficientCapacity = errors.New("insufficient aggregate tranche capacity")

// ShareRequest is one tranche's claim in a waterfall allocation.
type ShareRequest struct {
	Tranche    string
	RiskFactor uint64

	// Cap is the tranche's remaining capacity; nil means unbounded
	// (pool-amount increases). For reserve additions the cap is
	// poolAmount - reservedAmount; for releases it is the tranche's
	// recorded share; for loss distribution it is the current balance.
	Cap *uint256.Int
}

// Share is one tranche's allocated amount. Saturated marks tranches whose
// cap was reached; the ledger retires their risk factor for the token when
// the allocation was a reservation.
type Share struct {
	Tranche   string
	Amount    *uint256.Int
	Saturated bool
}

// CalcTrancheShares distributes amount across tranches proportional to
// risk factor, honoring per-tranche caps via a multi-round waterfall: each
// round recomputes the live total risk factor excluding saturated
// tranches, assigns remaining*factor/liveTotal to each live tranche, caps
// at capacity, and carries any shortfall into the next round. The live set
// shrinks monotonically, so the loop terminates in at most one round per
// tranche. Shares always sum exactly to amount, or the call fails with
// ErrInsufficientCapacity.
func CalcTrancheShares(amount *uint256.Int, reqs []ShareRequest) ([]Share, error) {
	shares := make([]Share, len(reqs))
	caps := make([]*uint256.Int, len(reqs))
	live := make([]bool, len(reqs))
	for i, r := range reqs {
		shares[i] = Share{Tranche: r.Tranche, Amount: new(uint256.Int)}
		if r.Cap != nil {
			caps[i] = new(uint256.Int).Set(r.Cap)
		}
		live[i] = r.RiskFactor > 0
		if live[i] && caps[i] != nil && caps[i].IsZero() {
			live[i] = false
			shares[i].Saturated = true
		}
	}

	remaining := new(uint256.Int).Set(amount)

	for round := 0; !remaining.IsZero(); round++ {
		if round > len(reqs) {
			panic(fmt.Sprintf("FATAL: waterfall allocation did not terminate in %d rounds", len(reqs)))
		}

		var liveTotal uint64
		last := -1
		for i, r := range reqs {
			if live[i] {
				liveTotal += r.RiskFactor
				last = i
			}
		}
		if liveTotal == 0 {
			return nil, fmt.Errorf("%w: %s left unplaced", ErrInsufficientCapacity, remaining.Dec())
		}

		// Snapshot of the round's amount; the final live tranche takes the
		// integer-division remainder so proposals sum exactly.
		roundAmt := new(uint256.Int).Set(remaining)
		proposedSum := new(uint256.Int)

		for i, r := range reqs {
			if !live[i] {
				continue
			}
			var proposed *uint256.Int
			if i == last {
				proposed = new(uint256.Int).Sub(roundAmt, proposedSum)
			} else {
				proposed = new(uint256.Int).Div(
					new(uint256.Int).Mul(roundAmt, uint256.NewInt(r.RiskFactor)),
					uint256.NewInt(liveTotal),
				)
				proposedSum.Add(proposedSum, proposed)
			}

			take := proposed
			if caps[i] != nil && caps[i].Cmp(proposed) <= 0 {
				take = new(uint256.Int).Set(caps[i])
				live[i] = false
				shares[i].Saturated = true
			}
			shares[i].Amount.Add(shares[i].Amount, take)
			if caps[i] != nil {
				caps[i].Sub(caps[i], take)
			}
			remaining.Sub(remaining, take)
		}
	}

	return shares, nil
}

// CalcProportionalShares distributes amount across tranches proportional
// to arbitrary 256-bit weights, with the same capped waterfall as
// CalcTrancheShares. Used for pro-rata releases keyed by each tranche's
// recorded reserve share of a position, where the weights are token
// amounts rather than small risk factors. A nil cap is unbounded.
func CalcProportionalShares(amount *uint256.Int, weights, caps []*uint256.Int) ([]*uint256.Int, error) {
	if len(weights) != len(caps) {
		panic("FATAL: proportional share weights and caps length mismatch")
	}
	out := make([]*uint256.Int, len(weights))
	rem := make([]*uint256.Int, len(weights))
	live := make([]bool, len(weights))
	for i := range weights {
		out[i] = new(uint256.Int)
		if caps[i] != nil {
			rem[i] = new(uint256.Int).Set(caps[i])
		}
		live[i] = !weights[i].IsZero()
		if live[i] && rem[i] != nil && rem[i].IsZero() {
			live[i] = false
		}
	}

	remaining := new(uint256.Int).Set(amount)

	for round := 0; !remaining.IsZero(); round++ {
		if round > len(weights) {
			panic(fmt.Sprintf("FATAL: proportional allocation did not terminate in %d rounds", len(weights)))
		}

		liveTotal := new(uint256.Int)
		last := -1
		for i := range weights {
			if live[i] {
				liveTotal.Add(liveTotal, weights[i])
				last = i
			}
		}
		if liveTotal.IsZero() {
			return nil, fmt.Errorf("%w: %s left unplaced", ErrInsufficientCapacity, remaining.Dec())
		}

		roundAmt := new(uint256.Int).Set(remaining)
		proposedSum := new(uint256.Int)

		for i := range weights {
			if !live[i] {
				continue
			}
			var proposed *uint256.Int
			if i == last {
				proposed = new(uint256.Int).Sub(roundAmt, proposedSum)
			} else {
				proposed = fpmath.MulDiv(roundAmt, weights[i], liveTotal)
				proposedSum.Add(proposedSum, proposed)
			}

			take := proposed
			if rem[i] != nil && rem[i].Cmp(proposed) <= 0 {
				take = new(uint256.Int).Set(rem[i])
				live[i] = false
			}
			out[i].Add(out[i], take)
			if rem[i] != nil {
				rem[i].Sub(rem[i], take)
			}
			remaining.Sub(remaining, take)
		}
	}

	return out, nil
}

// CalcSignedTrancheShares distributes one side of a signed amount: tranche
// gains spread unbounded by weight, tranche losses are capped at the given
// balances (the live total shrinks as balances are exhausted). Returns the
// per-tranche magnitudes; the caller applies the sign.
func CalcSignedTrancheShares(amount *uint256.Int, loss bool, weights, caps []*uint256.Int) ([]*uint256.Int, error) {
	if !loss {
		return CalcProportionalShares(amount, weights, make([]*uint256.Int, len(weights)))
	}
	return CalcProportionalShares(amount, weights, caps)
}
