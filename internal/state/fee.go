package state

import (
	"fmt"

	fpmath "PoolLedger/internal/math"

	"github.com/holiman/uint256"
)

// FeeConfig is the fee table. Rates are Precision-scaled (1e10 = 100%).
// LiquidationFee is an absolute value (1e30 scale) subtracted pre-payout
// and paid to the liquidator.
type FeeConfig struct {
	PositionFee         uint64
	LiquidationFee      uint256.Int
	BaseSwapFee         uint64
	TaxBasisPoint       uint64
	StableBaseSwapFee   uint64
	StableTaxBasisPoint uint64

	// DAOFee is the protocol's share of position and swap fees; the
	// remainder stays in the pool as tranche income.
	DAOFee uint64
}

// Validate rejects rates above 100%.
func (c *FeeConfig) Validate() error {
	for name, rate := range map[string]uint64{
		"position fee":          c.PositionFee,
		"base swap fee":         c.BaseSwapFee,
		"tax basis point":       c.TaxBasisPoint,
		"stable base swap fee":  c.StableBaseSwapFee,
		"stable tax basis":      c.StableTaxBasisPoint,
		"dao fee":               c.DAOFee,
	} {
		if rate > fpmath.Precision {
			return fmt.Errorf("%s rate %d exceeds precision", name, rate)
		}
	}
	return nil
}

// SwapFeeRates returns the (base, tax) pair for a token.
func (c *FeeConfig) SwapFeeRates(stable bool) (base, tax uint64) {
	if stable {
		return c.StableBaseSwapFee, c.StableTaxBasisPoint
	}
	return c.BaseSwapFee, c.TaxBasisPoint
}

// AdjustedFeeRate computes the weight-steering fee rate for moving a
// token's value exposure by change, given the pool-wide value and the
// token's target weight. Moving toward target earns a rebate down to zero;
// moving away is penalized by the averaged deviation, with the penalty
// clamped to taxRate when the target value is zero or the deviation
// exceeds it. A zero pool or zero current value charges nothing — the
// pool's first deposit is free.
func AdjustedFeeRate(
	poolValue, currentValue *uint256.Int,
	targetWeight, totalWeight uint64,
	change fpmath.Signed,
	baseRate, taxRate uint64,
) uint64 {
	if poolValue.IsZero() || currentValue.IsZero() {
		return 0
	}

	targetValue := new(uint256.Int)
	if totalWeight > 0 {
		targetValue = fpmath.MulDiv(poolValue, uint256.NewInt(targetWeight), uint256.NewInt(totalWeight))
	}

	nextValue := fpmath.NewSigned(currentValue).Add(change).UnsignedOrZero()

	initDiff := fpmath.Diff(currentValue, targetValue)
	nextDiff := fpmath.Diff(nextValue, targetValue)

	if nextDiff.Cmp(initDiff) < 0 {
		// Toward target: rebate proportional to how far off the token was,
		// unclamped. The zero floor below is the only bound.
		rebate := taxRate
		if !targetValue.IsZero() {
			r := fpmath.MulDiv(initDiff, uint256.NewInt(taxRate), targetValue)
			if !r.IsUint64() {
				return 0
			}
			rebate = r.Uint64()
		}
		if rebate >= baseRate {
			return 0
		}
		return baseRate - rebate
	}

	// Away from target (or no improvement): penalize by the averaged
	// deviation over the move.
	avgDiff := new(uint256.Int).Add(initDiff, nextDiff)
	avgDiff.Rsh(avgDiff, 1)

	penalty := taxRate
	if !targetValue.IsZero() && avgDiff.Cmp(targetValue) <= 0 {
		penalty = fpmath.MulDiv(avgDiff, uint256.NewInt(taxRate), targetValue).Uint64()
	}
	return baseRate + penalty
}
