package core

import (
	"fmt"
	"time"

	"PoolLedger/internal/event"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/state"

	"github.com/holiman/uint256"
)

// currentTokenValue prices a token's aggregate pool amount for the fee
// curve.
func (e *Engine) currentTokenValue(token string, price *uint256.Int) *uint256.Int {
	agg := e.assets.AggregateAsset(token, e.tranches.IDs())
	return valueOf(&agg.PoolAmount, price)
}

// AddLiquidity deposits the tokens received through custody into one
// tranche, charging the weight-steering fee and minting liquidity
// receipts to the recipient.
func (e *Engine) AddLiquidity(tranche, token string, minLPAmount *uint256.Int, to string, now int64) error {
	const op = "add_liquidity"
	start := time.Now()
	if err := e.addLiquidity(tranche, token, minLPAmount, to, now); err != nil {
		return e.rejectOp(op, err)
	}
	e.observeOp(op, start)
	return nil
}

func (e *Engine) addLiquidity(tranche, token string, minLPAmount *uint256.Int, to string, now int64) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if !e.tranches.Has(tranche) {
		return fmt.Errorf("%w: %s", ErrUnknownTranche, tranche)
	}
	tok, ok := e.assets.Token(token)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	if tok.Delisted {
		return fmt.Errorf("%w: %s", ErrTokenDelisted, token)
	}
	receipt := e.receipts[tranche]

	e.accrue(token, now)

	amountIn := e.detectAmountIn(token)
	if amountIn.IsZero() {
		return fmt.Errorf("%w: no tokens received", ErrZeroAmount)
	}

	price, err := e.oracle.GetPrice(token, false)
	if err != nil {
		return err
	}
	poolValue, err := e.PoolValue(false)
	if err != nil {
		return err
	}

	base, tax := e.cfg.Fees.SwapFeeRates(tok.Stable)
	feeRate := state.AdjustedFeeRate(
		poolValue,
		e.currentTokenValue(token, price),
		tok.EffectiveWeight(), e.assets.TotalTargetWeight(),
		fpmath.NewSigned(valueOf(amountIn, price)),
		base, tax,
	)

	feeTokens := fpmath.ApplyRate(amountIn, feeRate)
	userAmount := fpmath.SubUint(amountIn, feeTokens)
	daoFeeTokens := fpmath.ApplyRate(feeTokens, e.cfg.Fees.DAOFee)

	// Deposit valued low, receipts valued high: the minter never gets the
	// benefit of the rounding.
	trancheValue, err := e.TrancheValue(tranche, true)
	if err != nil {
		return err
	}
	supply := receipt.TotalSupply()

	depositValue := valueOf(userAmount, price)
	var lpAmount *uint256.Int
	if supply.IsZero() || trancheValue.IsZero() {
		lpAmount = new(uint256.Int).Div(depositValue, &e.cfg.InitialLPPrice)
	} else {
		lpAmount = fpmath.MulDiv(depositValue, supply, trancheValue)
	}
	if lpAmount.IsZero() {
		return fmt.Errorf("%w: deposit too small to mint", ErrZeroAmount)
	}
	if minLPAmount != nil && lpAmount.Cmp(minLPAmount) < 0 {
		return fmt.Errorf("%w: %s receipts below minimum %s", ErrSlippage, lpAmount.Dec(), minLPAmount.Dec())
	}

	if err := receipt.Mint(to, lpAmount); err != nil {
		return fmt.Errorf("minting receipts: %w", err)
	}

	// Everything validated; commit.
	a := e.assets.TrancheAsset(tranche, token)
	a.PoolAmount.Set(fpmath.AddUint(&a.PoolAmount, fpmath.SubUint(amountIn, daoFeeTokens)))
	rec, _ := e.assets.Record(token)
	rec.FeeReserve.Set(fpmath.AddUint(&rec.FeeReserve, daoFeeTokens))
	e.syncPoolBalance(token)

	e.postCheck("add_liquidity")
	e.emit(event.TypeLiquidityAdded, now, event.LiquidityAdded{
		Tranche:   tranche,
		Token:     token,
		AmountIn:  amountIn.Dec(),
		LPAmount:  lpAmount.Dec(),
		FeeValue:  valueOf(feeTokens, price).Dec(),
		Recipient: to,
	})
	e.log.Debug().Str("tranche", tranche).Str("token", token).
		Str("amount_in", amountIn.Dec()).Str("lp", lpAmount.Dec()).Msg("liquidity added")
	return nil
}

// RemoveLiquidity burns liquidity receipts from the holder and pays the
// backing tokens, minus the weight-steering fee, to the recipient.
func (e *Engine) RemoveLiquidity(tranche, token string, lpAmount, minOut *uint256.Int, holder, to string, now int64) error {
	const op = "remove_liquidity"
	start := time.Now()
	if err := e.removeLiquidity(tranche, token, lpAmount, minOut, holder, to, now); err != nil {
		return e.rejectOp(op, err)
	}
	e.observeOp(op, start)
	return nil
}

func (e *Engine) removeLiquidity(tranche, token string, lpAmount, minOut *uint256.Int, holder, to string, now int64) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if !e.tranches.Has(tranche) {
		return fmt.Errorf("%w: %s", ErrUnknownTranche, tranche)
	}
	tok, ok := e.assets.Token(token)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	if lpAmount == nil || lpAmount.IsZero() {
		return fmt.Errorf("%w: zero receipt amount", ErrZeroAmount)
	}
	receipt := e.receipts[tranche]

	e.accrue(token, now)

	supply := receipt.TotalSupply()
	if supply.IsZero() {
		return fmt.Errorf("%w: no receipts outstanding", ErrZeroAmount)
	}

	// Receipts valued low, outgoing tokens valued high.
	price, err := e.oracle.GetPrice(token, true)
	if err != nil {
		return err
	}
	trancheValue, err := e.TrancheValue(tranche, false)
	if err != nil {
		return err
	}
	poolValue, err := e.PoolValue(false)
	if err != nil {
		return err
	}

	outValue := fpmath.MulDiv(lpAmount, trancheValue, supply)
	outTokens := amountOf(outValue, price)

	base, tax := e.cfg.Fees.SwapFeeRates(tok.Stable)
	feeRate := state.AdjustedFeeRate(
		poolValue,
		e.currentTokenValue(token, price),
		tok.EffectiveWeight(), e.assets.TotalTargetWeight(),
		fpmath.NewSignedNeg(outValue),
		base, tax,
	)
	feeTokens := fpmath.ApplyRate(outTokens, feeRate)
	userOut := fpmath.SubUint(outTokens, feeTokens)
	daoFeeTokens := fpmath.ApplyRate(feeTokens, e.cfg.Fees.DAOFee)
	poolDecrease := fpmath.AddUint(userOut, daoFeeTokens)

	if userOut.IsZero() {
		return fmt.Errorf("%w: withdrawal too small", ErrZeroAmount)
	}
	if minOut != nil && userOut.Cmp(minOut) < 0 {
		return fmt.Errorf("%w: %s below minimum %s", ErrSlippage, userOut.Dec(), minOut.Dec())
	}

	a := e.assets.TrancheAsset(tranche, token)
	available := fpmath.SubUintCap(&a.PoolAmount, &a.ReservedAmount)
	if poolDecrease.Cmp(available) > 0 {
		return fmt.Errorf("%w: tranche %s has %s %s unreserved, need %s",
			state.ErrInsufficientCapacity, tranche, available.Dec(), token, poolDecrease.Dec())
	}

	if err := receipt.BurnFrom(holder, lpAmount); err != nil {
		return fmt.Errorf("burning receipts: %w", err)
	}

	// Everything validated; commit.
	a.PoolAmount.Set(fpmath.SubUint(&a.PoolAmount, poolDecrease))
	rec, _ := e.assets.Record(token)
	rec.FeeReserve.Set(fpmath.AddUint(&rec.FeeReserve, daoFeeTokens))
	e.transferOut(token, to, userOut)
	e.syncPoolBalance(token)

	e.postCheck("remove_liquidity")
	e.emit(event.TypeLiquidityRemoved, now, event.LiquidityRemoved{
		Tranche:   tranche,
		Token:     token,
		LPAmount:  lpAmount.Dec(),
		AmountOut: userOut.Dec(),
		FeeValue:  valueOf(feeTokens, price).Dec(),
		Recipient: to,
	})
	e.log.Debug().Str("tranche", tranche).Str("token", token).
		Str("lp", lpAmount.Dec()).Str("out", userOut.Dec()).Msg("liquidity removed")
	return nil
}

// Swap exchanges the tokens received through custody for another listed
// token, charging the larger of the two weight-steering fees and
// rebalancing tranche pool amounts on both legs.
func (e *Engine) Swap(tokenIn, tokenOut string, minOut *uint256.Int, to string, now int64) error {
	const op = "swap"
	start := time.Now()
	if err := e.swap(tokenIn, tokenOut, minOut, to, now); err != nil {
		return e.rejectOp(op, err)
	}
	e.observeOp(op, start)
	return nil
}

func (e *Engine) swap(tokenIn, tokenOut string, minOut *uint256.Int, to string, now int64) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if tokenIn == tokenOut {
		return fmt.Errorf("%w: %s", ErrSameToken, tokenIn)
	}
	tin, ok := e.assets.Token(tokenIn)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, tokenIn)
	}
	// Swapping out of a delisted token is fine; accumulating more is not.
	if tin.Delisted {
		return fmt.Errorf("%w: %s", ErrTokenDelisted, tokenIn)
	}
	tout, ok := e.assets.Token(tokenOut)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, tokenOut)
	}

	e.accrue(tokenIn, now)
	e.accrue(tokenOut, now)

	amountIn := e.detectAmountIn(tokenIn)
	if amountIn.IsZero() {
		return fmt.Errorf("%w: no tokens received", ErrZeroAmount)
	}

	priceIn, err := e.oracle.GetPrice(tokenIn, false)
	if err != nil {
		return err
	}
	priceOut, err := e.oracle.GetPrice(tokenOut, true)
	if err != nil {
		return err
	}
	poolValue, err := e.PoolValue(false)
	if err != nil {
		return err
	}

	swapValue := valueOf(amountIn, priceIn)
	totalWeight := e.assets.TotalTargetWeight()

	baseIn, taxIn := e.cfg.Fees.SwapFeeRates(tin.Stable)
	feeInRate := state.AdjustedFeeRate(
		poolValue, e.currentTokenValue(tokenIn, priceIn),
		tin.EffectiveWeight(), totalWeight,
		fpmath.NewSigned(swapValue), baseIn, taxIn,
	)
	baseOut, taxOut := e.cfg.Fees.SwapFeeRates(tout.Stable)
	feeOutRate := state.AdjustedFeeRate(
		poolValue, e.currentTokenValue(tokenOut, priceOut),
		tout.EffectiveWeight(), totalWeight,
		fpmath.NewSignedNeg(swapValue), baseOut, taxOut,
	)
	feeRate := feeInRate
	if feeOutRate > feeRate {
		feeRate = feeOutRate
	}

	outBefore := amountOf(swapValue, priceOut)
	feeTokens := fpmath.ApplyRate(outBefore, feeRate)
	userOut := fpmath.SubUint(outBefore, feeTokens)
	daoFeeTokens := fpmath.ApplyRate(feeTokens, e.cfg.Fees.DAOFee)
	poolDecrease := fpmath.AddUint(userOut, daoFeeTokens)

	if userOut.IsZero() {
		return fmt.Errorf("%w: swap too small", ErrZeroAmount)
	}
	if minOut != nil && userOut.Cmp(minOut) < 0 {
		return fmt.Errorf("%w: %s below minimum %s", ErrSlippage, userOut.Dec(), minOut.Dec())
	}

	ids := e.tranches.IDs()
	st := newStaging(e)

	inWeights := e.riskWeights(tokenIn, e.poolWeights(st, tokenIn))
	if err := addToPools(st, ids, tokenIn, amountIn, inWeights); err != nil {
		return fmt.Errorf("rebalancing %s: %w", tokenIn, err)
	}
	outWeights := e.riskWeights(tokenOut, e.poolWeights(st, tokenOut))
	if err := subFromPools(st, ids, tokenOut, poolDecrease, outWeights); err != nil {
		return err
	}

	// Everything validated; commit.
	st.commit()
	rec, _ := e.assets.Record(tokenOut)
	rec.FeeReserve.Set(fpmath.AddUint(&rec.FeeReserve, daoFeeTokens))
	e.transferOut(tokenOut, to, userOut)
	e.syncPoolBalance(tokenIn)
	e.syncPoolBalance(tokenOut)

	e.postCheck("swap")
	e.emit(event.TypeSwapped, now, event.Swapped{
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  amountIn.Dec(),
		AmountOut: userOut.Dec(),
		FeeValue:  valueOf(feeTokens, priceOut).Dec(),
		Recipient: to,
	})
	e.log.Debug().Str("in", tokenIn).Str("out", tokenOut).
		Str("amount_in", amountIn.Dec()).Str("amount_out", userOut.Dec()).Msg("swapped")
	return nil
}
