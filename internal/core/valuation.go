package core

import (
	"fmt"

	fpmath "PoolLedger/internal/math"

	"github.com/holiman/uint256"
)

// trancheValueSigned sums a tranche's value across all listed tokens.
// Stable tokens contribute price * balance. Non-stable tokens contribute
// price * (pool - reserved) + guaranteed - shortPnL, where shortPnL is the
// unrealized profit of the short book attributed to this tranche:
// (avgShortPrice - price) * totalShortSize / avgShortPrice.
//
// max selects the conservative price bound: high when the caller benefits
// from a large valuation (pricing a deposit's mint), low when it benefits
// from a small one (pricing a withdrawal).
func (e *Engine) trancheValueSigned(tranche string, max bool) (fpmath.Signed, error) {
	total := fpmath.ZeroSigned()
	for _, sym := range e.assets.Tokens() {
		tok, _ := e.assets.Token(sym)
		price, err := e.oracle.GetPrice(sym, max)
		if err != nil {
			return fpmath.ZeroSigned(), err
		}
		a := e.assets.TrancheAsset(tranche, sym)

		if tok.Stable {
			total = total.Add(fpmath.NewSigned(valueOf(&a.PoolAmount, price)))
			continue
		}

		avail := fpmath.SubUintCap(&a.PoolAmount, &a.ReservedAmount)
		v := fpmath.NewSigned(valueOf(avail, price)).Add(fpmath.NewSigned(&a.GuaranteedValue))
		if !a.TotalShortSize.IsZero() {
			rec, _ := e.assets.Record(sym)
			if !rec.AverageShortPrice.IsZero() {
				d := fpmath.NewSigned(&rec.AverageShortPrice).Sub(fpmath.NewSigned(price))
				v = v.Sub(d.Frac(&a.TotalShortSize, &rec.AverageShortPrice))
			}
		}
		total = total.Add(v)
	}
	return total, nil
}

// TrancheValue returns a tranche's value, clamped at zero.
func (e *Engine) TrancheValue(tranche string, max bool) (*uint256.Int, error) {
	if !e.tranches.Has(tranche) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTranche, tranche)
	}
	v, err := e.trancheValueSigned(tranche, max)
	if err != nil {
		return nil, err
	}
	return v.UnsignedOrZero(), nil
}

// PoolValue sums all tranche values, each clamped at zero.
func (e *Engine) PoolValue(max bool) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, id := range e.tranches.IDs() {
		v, err := e.trancheValueSigned(id, max)
		if err != nil {
			return nil, err
		}
		total = fpmath.AddUint(total, v.UnsignedOrZero())
	}
	return total, nil
}

// LPPrice returns the liquidity-receipt price for a tranche: tranche value
// over receipt supply, or the fixed initial price while supply is zero.
func (e *Engine) LPPrice(tranche string, max bool) (*uint256.Int, error) {
	receipt, ok := e.receipts[tranche]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTranche, tranche)
	}
	supply := receipt.TotalSupply()
	if supply.IsZero() {
		return new(uint256.Int).Set(&e.cfg.InitialLPPrice), nil
	}
	v, err := e.TrancheValue(tranche, max)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Div(v, supply), nil
}
