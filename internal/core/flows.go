package core

import (
	"fmt"

	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/state"

	"github.com/holiman/uint256"
)

// staging holds cloned tranche asset records during an operation. All
// mutation lands on clones; commit replaces the originals only after every
// validation passed, so a rejected operation leaves no trace.
type staging struct {
	e      *Engine
	keys   [][2]string // commit order
	assets map[[2]string]*state.TrancheAsset
}

func newStaging(e *Engine) *staging {
	return &staging{e: e, assets: make(map[[2]string]*state.TrancheAsset)}
}

// asset returns the staged clone for (tranche, token), cloning on first
// touch.
func (st *staging) asset(tranche, token string) *state.TrancheAsset {
	k := [2]string{tranche, token}
	a, ok := st.assets[k]
	if !ok {
		a = st.e.assets.TrancheAsset(tranche, token).Clone()
		st.assets[k] = a
		st.keys = append(st.keys, k)
	}
	return a
}

func (st *staging) commit() {
	for _, k := range st.keys {
		st.e.assets.SetTrancheAsset(k[0], k[1], st.assets[k])
	}
}

// --- Distribution weights ---

// shareWeights returns the position's recorded per-tranche reserve shares
// aligned with tranche registration order.
func (e *Engine) shareWeights(posKey string) []*uint256.Int {
	ids := e.tranches.IDs()
	shares := e.posShares[posKey]
	w := make([]*uint256.Int, len(ids))
	for i, id := range ids {
		if s, ok := shares[id]; ok {
			w[i] = new(uint256.Int).Set(s)
		} else {
			w[i] = new(uint256.Int)
		}
	}
	return w
}

// riskWeights returns the per-tranche risk factors for a token as weights,
// falling back to the given weights when every factor has been retired.
func (e *Engine) riskWeights(token string, fallback []*uint256.Int) []*uint256.Int {
	ids := e.tranches.IDs()
	if e.tranches.TotalRiskFactor(token) == 0 {
		return fallback
	}
	w := make([]*uint256.Int, len(ids))
	for i, id := range ids {
		w[i] = uint256.NewInt(e.tranches.RiskFactor(id, token))
	}
	return w
}

// poolWeights returns the staged per-tranche pool amounts of a token as
// weights. Used as the rebalancing fallback when every risk factor for
// the token has been retired.
func (e *Engine) poolWeights(st *staging, token string) []*uint256.Int {
	ids := e.tranches.IDs()
	w := make([]*uint256.Int, len(ids))
	for i, id := range ids {
		w[i] = new(uint256.Int).Set(&st.asset(id, token).PoolAmount)
	}
	return w
}

func weightsOfShares(shares []state.Share) []*uint256.Int {
	w := make([]*uint256.Int, len(shares))
	for i, s := range shares {
		w[i] = new(uint256.Int).Set(s.Amount)
	}
	return w
}

// --- Reserve allocation ---

// allocateReserve spreads a reserve addition across tranches by the index
// token's risk factors, capped at each tranche's spare collateral-token
// capacity. The returned shares align with tranche registration order.
func (e *Engine) allocateReserve(st *staging, indexToken, collateralToken string, reserveDelta *uint256.Int) ([]state.Share, error) {
	ids := e.tranches.IDs()
	reqs := make([]state.ShareRequest, len(ids))
	for i, id := range ids {
		a := st.asset(id, collateralToken)
		reqs[i] = state.ShareRequest{
			Tranche:    id,
			RiskFactor: e.tranches.RiskFactor(id, indexToken),
			Cap:        fpmath.SubUintCap(&a.PoolAmount, &a.ReservedAmount),
		}
	}
	shares, err := state.CalcTrancheShares(reserveDelta, reqs)
	if err != nil {
		return nil, fmt.Errorf("reserving %s %s: %w", reserveDelta.Dec(), collateralToken, err)
	}
	for i, id := range ids {
		a := st.asset(id, collateralToken)
		a.ReservedAmount.Set(fpmath.AddUint(&a.ReservedAmount, shares[i].Amount))
	}
	return shares, nil
}

// --- Pool amount flows ---

// addToPools spreads a pool-amount increase proportional to weights.
func addToPools(st *staging, ids []string, token string, amount *uint256.Int, weights []*uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	caps := make([]*uint256.Int, len(ids))
	shares, err := state.CalcProportionalShares(amount, weights, caps)
	if err != nil {
		return err
	}
	for i, id := range ids {
		a := st.asset(id, token)
		a.PoolAmount.Set(fpmath.AddUint(&a.PoolAmount, shares[i]))
	}
	return nil
}

// subFromPools spreads a pool-amount decrease proportional to weights,
// capped at each tranche's spare capacity with waterfall re-routing.
// Leftover means the pool cannot cover the outflow.
func subFromPools(st *staging, ids []string, token string, amount *uint256.Int, weights []*uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	caps := make([]*uint256.Int, len(ids))
	for i, id := range ids {
		a := st.asset(id, token)
		caps[i] = fpmath.SubUintCap(&a.PoolAmount, &a.ReservedAmount)
	}
	shares, err := state.CalcProportionalShares(amount, weights, caps)
	if err != nil {
		return fmt.Errorf("withdrawing %s %s: %w", amount.Dec(), token, err)
	}
	for i, id := range ids {
		a := st.asset(id, token)
		a.PoolAmount.Set(fpmath.SubUint(&a.PoolAmount, shares[i]))
	}
	return nil
}

// applyPoolDelta applies a signed pool-amount change: increases spread
// unbounded, decreases are capped at each tranche's spare capacity.
func applyPoolDelta(st *staging, ids []string, token string, delta fpmath.Signed, weights []*uint256.Int) error {
	if delta.IsZero() {
		return nil
	}
	caps := make([]*uint256.Int, len(ids))
	if delta.IsNeg() {
		for i, id := range ids {
			a := st.asset(id, token)
			caps[i] = fpmath.SubUintCap(&a.PoolAmount, &a.ReservedAmount)
		}
	}
	shares, err := state.CalcSignedTrancheShares(delta.Abs(), delta.IsNeg(), weights, caps)
	if err != nil {
		return fmt.Errorf("distributing %s %s: %w", delta.Abs().Dec(), token, err)
	}
	for i, id := range ids {
		a := st.asset(id, token)
		if delta.IsNeg() {
			a.PoolAmount.Set(fpmath.SubUint(&a.PoolAmount, shares[i]))
		} else {
			a.PoolAmount.Set(fpmath.AddUint(&a.PoolAmount, shares[i]))
		}
	}
	return nil
}

// --- Guaranteed value flows (long exposure) ---

// applyGuaranteedDelta spreads a signed guaranteed-value change. Decreases
// are capped at each tranche's recorded guaranteed value: rounding drift
// between increases and releases is clamped rather than underflowed.
func applyGuaranteedDelta(st *staging, ids []string, token string, delta fpmath.Signed, weights []*uint256.Int) {
	if delta.IsZero() {
		return
	}
	if !delta.IsNeg() {
		shares, err := state.CalcProportionalShares(delta.Abs(), weights, make([]*uint256.Int, len(ids)))
		if err != nil {
			panic(fmt.Sprintf("FATAL: unbounded guaranteed distribution failed: %v", err))
		}
		for i, id := range ids {
			a := st.asset(id, token)
			a.GuaranteedValue.Set(fpmath.AddUint(&a.GuaranteedValue, shares[i]))
		}
		return
	}
	caps := make([]*uint256.Int, len(ids))
	for i, id := range ids {
		caps[i] = new(uint256.Int).Set(&st.asset(id, token).GuaranteedValue)
	}
	shares, err := state.CalcProportionalShares(delta.Abs(), weights, caps)
	if err != nil {
		// More to release than is recorded: zero everything out.
		for _, id := range ids {
			st.asset(id, token).GuaranteedValue.Clear()
		}
		return
	}
	for i, id := range ids {
		a := st.asset(id, token)
		a.GuaranteedValue.Set(fpmath.SubUint(&a.GuaranteedValue, shares[i]))
	}
}

// --- Short exposure flows ---

// addShortSize spreads new short notional across the index token's
// tranche records.
func addShortSize(st *staging, ids []string, indexToken string, amount *uint256.Int, weights []*uint256.Int) {
	if amount.IsZero() {
		return
	}
	shares, err := state.CalcProportionalShares(amount, weights, make([]*uint256.Int, len(ids)))
	if err != nil {
		panic(fmt.Sprintf("FATAL: unbounded short-size distribution failed: %v", err))
	}
	for i, id := range ids {
		a := st.asset(id, indexToken)
		a.TotalShortSize.Set(fpmath.AddUint(&a.TotalShortSize, shares[i]))
	}
}

// subShortSize releases short notional, capped at each tranche's recorded
// exposure; drift is clamped, never underflowed.
func subShortSize(st *staging, ids []string, indexToken string, amount *uint256.Int, weights []*uint256.Int) {
	if amount.IsZero() {
		return
	}
	caps := make([]*uint256.Int, len(ids))
	for i, id := range ids {
		caps[i] = new(uint256.Int).Set(&st.asset(id, indexToken).TotalShortSize)
	}
	shares, err := state.CalcProportionalShares(amount, weights, caps)
	if err != nil {
		for _, id := range ids {
			st.asset(id, indexToken).TotalShortSize.Clear()
		}
		return
	}
	for i, id := range ids {
		a := st.asset(id, indexToken)
		a.TotalShortSize.Set(fpmath.SubUint(&a.TotalShortSize, shares[i]))
	}
}
