package core

import (
	"fmt"
	"time"

	"PoolLedger/internal/event"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/state"

	"github.com/holiman/uint256"
)

// --- Position math ---

// positionPnL returns the unrealized PnL on a size slice at the given
// index price: size * (price - entry) / entry, sign flipped for shorts.
func positionPnL(pos *state.Position, price, size *uint256.Int) fpmath.Signed {
	if pos.EntryPrice.IsZero() || size.IsZero() {
		return fpmath.ZeroSigned()
	}
	d := fpmath.NewSigned(price).Sub(fpmath.NewSigned(&pos.EntryPrice))
	if pos.Key.Side == state.SideShort {
		d = d.Neg()
	}
	return d.Frac(size, &pos.EntryPrice)
}

// borrowFeeValue charges the borrow index delta since the position's last
// touch against its full size.
func borrowFeeValue(pos *state.Position, rec *state.TokenRecord) *uint256.Int {
	delta := fpmath.SubUintCap(&rec.BorrowIndex, &pos.BorrowIndex)
	return fpmath.MulDiv(&pos.Size, delta, uint256.NewInt(fpmath.Precision))
}

// averageEntryPrice recomputes the PnL-adjusted weighted entry price after
// a size increase: nextSize * price / (nextSize +/- unrealizedPnL). A
// non-positive denominator means the unrealized loss already exceeds the
// whole next size.
func averageEntryPrice(side state.Side, nextSize, price *uint256.Int, pnl fpmath.Signed) (*uint256.Int, error) {
	denom := fpmath.NewSigned(nextSize)
	if side == state.SideLong {
		denom = denom.Add(pnl)
	} else {
		denom = denom.Sub(pnl)
	}
	if denom.IsNeg() || denom.IsZero() {
		return nil, fmt.Errorf("unrealized loss exceeds next position size")
	}
	return fpmath.MulDiv(nextSize, price, denom.Abs()), nil
}

// liquidatable runs the maintenance check: remaining collateral after PnL
// and every fee (borrow, position, liquidation) must stay positive and
// support the size at max leverage.
func (e *Engine) liquidatable(pos *state.Position, indexPrice *uint256.Int, rec *state.TokenRecord) bool {
	fee := fpmath.AddUint(borrowFeeValue(pos, rec), fpmath.ApplyRate(&pos.Size, e.cfg.Fees.PositionFee))
	fee = fpmath.AddUint(fee, &e.cfg.Fees.LiquidationFee)
	remaining := fpmath.NewSigned(&pos.CollateralValue).
		Add(positionPnL(pos, indexPrice, &pos.Size)).
		Sub(fpmath.NewSigned(fee))
	if remaining.IsNeg() || remaining.IsZero() {
		return true
	}
	supported := remaining.MulScalar(uint256.NewInt(e.cfg.MaxLeverage))
	return supported.Abs().Cmp(&pos.Size) < 0
}

// validatePair enforces the permitted index/collateral/side combinations:
// longs post the index token itself, shorts post a stable token against a
// non-stable index.
func (e *Engine) validatePair(indexToken, collateralToken string, side state.Side) error {
	idx, ok := e.assets.Token(indexToken)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, indexToken)
	}
	col, ok := e.assets.Token(collateralToken)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, collateralToken)
	}
	if idx.Delisted {
		return fmt.Errorf("%w: %s", ErrTokenDelisted, indexToken)
	}
	if col.Delisted {
		return fmt.Errorf("%w: %s", ErrTokenDelisted, collateralToken)
	}
	if idx.Stable {
		return fmt.Errorf("%w: index token %s is stable", ErrInvalidPair, indexToken)
	}
	if side == state.SideLong && indexToken != collateralToken {
		return fmt.Errorf("%w: long requires collateral in the index token", ErrInvalidPair)
	}
	if side == state.SideShort && !col.Stable {
		return fmt.Errorf("%w: short requires stable collateral", ErrInvalidPair)
	}
	return nil
}

func (e *Engine) routerAuth(caller string) error {
	if e.cfg.OrderRouter != "" && caller != e.cfg.OrderRouter {
		return fmt.Errorf("%w: %s is not the order router", ErrUnauthorized, caller)
	}
	return nil
}

// --- Per-position reserve share bookkeeping ---

func (e *Engine) addPosShares(posKey string, ids []string, shares []state.Share) {
	m, ok := e.posShares[posKey]
	if !ok {
		m = make(map[string]*uint256.Int)
		e.posShares[posKey] = m
	}
	for i, id := range ids {
		if shares[i].Amount.IsZero() {
			continue
		}
		cur, ok := m[id]
		if !ok {
			cur = new(uint256.Int)
			m[id] = cur
		}
		cur.Set(fpmath.AddUint(cur, shares[i].Amount))
	}
}

func (e *Engine) subPosShares(posKey string, ids []string, amounts []*uint256.Int) {
	m := e.posShares[posKey]
	for i, id := range ids {
		cur, ok := m[id]
		if !ok {
			continue
		}
		cur.Set(fpmath.SubUintCap(cur, amounts[i]))
		if cur.IsZero() {
			delete(m, id)
		}
	}
	if len(m) == 0 {
		delete(e.posShares, posKey)
	}
}

// nextAverageShortPrice folds a short increase into the token's global
// weighted short price basis, treating the whole short book as one
// synthetic position.
func (e *Engine) nextAverageShortPrice(indexToken string, sizeChange, price *uint256.Int) *uint256.Int {
	rec, _ := e.assets.Record(indexToken)
	agg := e.assets.AggregateAsset(indexToken, e.tranches.IDs())
	total := &agg.TotalShortSize
	if total.IsZero() || rec.AverageShortPrice.IsZero() {
		return new(uint256.Int).Set(price)
	}
	d := fpmath.NewSigned(&rec.AverageShortPrice).Sub(fpmath.NewSigned(price))
	pnl := d.Frac(total, &rec.AverageShortPrice)
	next := fpmath.AddUint(total, sizeChange)
	denom := fpmath.NewSigned(next).Sub(pnl)
	if denom.IsNeg() || denom.IsZero() {
		return new(uint256.Int).Set(price)
	}
	return fpmath.MulDiv(next, price, denom.Abs())
}

// --- Increase ---

// IncreasePosition opens or grows a position. Collateral arrives through
// custody: the tokens received since the last balance sync are the
// collateral deposit.
func (e *Engine) IncreasePosition(caller, owner, indexToken, collateralToken string, sizeChange *uint256.Int, side state.Side, now int64) error {
	const op = "increase_position"
	start := time.Now()
	key := state.PositionKey{Owner: owner, IndexToken: indexToken, CollateralToken: collateralToken, Side: side}

	if err := e.increasePosition(caller, key, sizeChange, now); err != nil {
		return e.rejectOp(op, err)
	}
	e.observeOp(op, start)

	if e.hook != nil {
		if err := e.hook.PostIncrease(key, nil); err != nil {
			e.log.Warn().Err(err).Str("position", key.String()).Msg("post-increase hook failed")
		}
	}
	return nil
}

func (e *Engine) increasePosition(caller string, key state.PositionKey, sizeChange *uint256.Int, now int64) error {
	if err := e.routerAuth(caller); err != nil {
		return err
	}
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if err := e.validatePair(key.IndexToken, key.CollateralToken, key.Side); err != nil {
		return err
	}
	if e.hook != nil {
		if err := e.hook.PreIncrease(key, nil); err != nil {
			return fmt.Errorf("pre-increase hook: %w", err)
		}
	}

	e.accrue(key.CollateralToken, now)

	rec, _ := e.assets.Record(key.CollateralToken)
	amountIn := e.detectAmountIn(key.CollateralToken)

	existing, has := e.positions[key.String()]
	if sizeChange.IsZero() && (amountIn.IsZero() || !has) {
		return fmt.Errorf("%w: no size change and no collateral received", ErrZeroAmount)
	}

	indexPrice, err := e.oracle.GetPrice(key.IndexToken, key.Side == state.SideLong)
	if err != nil {
		return err
	}
	collateralPrice, err := e.oracle.GetPrice(key.CollateralToken, false)
	if err != nil {
		return err
	}

	var pos *state.Position
	if has {
		pos = existing.Clone()
	} else {
		pos = &state.Position{Key: key}
	}

	collateralValueIn := valueOf(amountIn, collateralPrice)
	borrowFee := borrowFeeValue(pos, rec)
	positionFee := fpmath.ApplyRate(sizeChange, e.cfg.Fees.PositionFee)
	feeValue := fpmath.AddUint(borrowFee, positionFee)

	if pos.Size.IsZero() {
		pos.EntryPrice.Set(indexPrice)
	} else if !sizeChange.IsZero() {
		pnl := positionPnL(pos, indexPrice, &pos.Size)
		nextSize := fpmath.AddUint(&pos.Size, sizeChange)
		entry, err := averageEntryPrice(key.Side, nextSize, indexPrice, pnl)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUpdateCausesLiquidation, err)
		}
		pos.EntryPrice.Set(entry)
	}

	newCollateral := fpmath.NewSigned(&pos.CollateralValue).
		Add(fpmath.NewSigned(collateralValueIn)).
		Sub(fpmath.NewSigned(feeValue))
	cv, err := newCollateral.Unsigned()
	if err != nil {
		return fmt.Errorf("%w: fee %s exceeds collateral", ErrLowCollateral, feeValue.Dec())
	}
	pos.CollateralValue.Set(cv)
	pos.Size.Set(fpmath.AddUint(&pos.Size, sizeChange))
	pos.BorrowIndex.Set(&rec.BorrowIndex)

	// Leverage bounds: collateral <= size <= collateral * maxLeverage.
	if pos.CollateralValue.Cmp(&pos.Size) > 0 {
		return fmt.Errorf("%w: collateral above size", ErrLeverage)
	}
	maxSize := new(uint256.Int)
	if _, overflow := maxSize.MulOverflow(&pos.CollateralValue, uint256.NewInt(e.cfg.MaxLeverage)); overflow {
		maxSize.SetAllOne()
	}
	if pos.Size.Cmp(maxSize) > 0 {
		return fmt.Errorf("%w: size %s exceeds %dx collateral", ErrLeverage, pos.Size.Dec(), e.cfg.MaxLeverage)
	}
	if e.liquidatable(pos, indexPrice, rec) {
		return fmt.Errorf("%w", ErrUpdateCausesLiquidation)
	}

	// Reserve sizing: enough collateral-token units to cover the size at
	// today's price, rounded against the pool.
	reserveDelta := new(uint256.Int)
	if !sizeChange.IsZero() {
		reserveDelta = amountOfUp(sizeChange, collateralPrice)
	}

	ids := e.tranches.IDs()
	st := newStaging(e)

	var weights []*uint256.Int
	var reserveShares []state.Share
	if !reserveDelta.IsZero() {
		reserveShares, err = e.allocateReserve(st, key.IndexToken, key.CollateralToken, reserveDelta)
		if err != nil {
			return err
		}
		weights = weightsOfShares(reserveShares)
	} else {
		weights = e.shareWeights(key.String())
	}

	feeTokens := amountOf(feeValue, collateralPrice)
	daoFeeTokens := fpmath.ApplyRate(feeTokens, e.cfg.Fees.DAOFee)
	lpFeeTokens := fpmath.SubUint(feeTokens, daoFeeTokens)

	if key.Side == state.SideLong {
		// The deposit joins the pool; the protocol share of the fee leaves
		// for the fee reserve.
		poolDelta := fpmath.NewSigned(amountIn).Sub(fpmath.NewSigned(daoFeeTokens))
		if err := applyPoolDelta(st, ids, key.CollateralToken, poolDelta, weights); err != nil {
			return err
		}
		guaranteedDelta := fpmath.NewSigned(sizeChange).
			Add(fpmath.NewSigned(feeValue)).
			Sub(fpmath.NewSigned(collateralValueIn))
		applyGuaranteedDelta(st, ids, key.CollateralToken, guaranteedDelta, weights)
	} else {
		// Short collateral stays outside the pool; only the LP share of
		// the fee joins it.
		if err := addToPools(st, ids, key.CollateralToken, lpFeeTokens, weights); err != nil {
			return err
		}
		addShortSize(st, ids, key.IndexToken, sizeChange, weights)
	}

	var nextAvgShort *uint256.Int
	if key.Side == state.SideShort && !sizeChange.IsZero() {
		nextAvgShort = e.nextAverageShortPrice(key.IndexToken, sizeChange, indexPrice)
	}

	// Everything validated; commit.
	st.commit()
	if !reserveDelta.IsZero() {
		pos.ReserveAmount.Set(fpmath.AddUint(&pos.ReserveAmount, reserveDelta))
		e.addPosShares(key.String(), ids, reserveShares)
	}
	rec.FeeReserve.Set(fpmath.AddUint(&rec.FeeReserve, daoFeeTokens))
	if nextAvgShort != nil {
		idxRec, _ := e.assets.Record(key.IndexToken)
		idxRec.AverageShortPrice.Set(nextAvgShort)
	}
	e.positions[key.String()] = pos
	e.syncPoolBalance(key.CollateralToken)

	// A tranche saturating during a reservation stops attracting new
	// reservations for this index token from now on.
	for i, id := range ids {
		if reserveShares != nil && reserveShares[i].Saturated && e.tranches.RiskFactor(id, key.IndexToken) > 0 {
			e.tranches.RetireRiskFactor(id, key.IndexToken)
			if e.metrics != nil {
				e.metrics.TrancheSaturated.WithLabelValues(id, key.IndexToken).Inc()
			}
			e.emit(event.TypeTrancheSaturated, now, event.TrancheSaturated{
				Tranche: id,
				Token:   key.IndexToken,
			})
			e.log.Warn().Str("tranche", id).Str("token", key.IndexToken).
				Msg("tranche saturated, risk factor retired")
		}
	}

	e.postCheck("increase")
	if e.metrics != nil {
		e.metrics.OpenPositions.Set(float64(len(e.positions)))
	}

	e.emit(event.TypePositionIncreased, now, event.PositionIncreased{
		Owner:           key.Owner,
		IndexToken:      key.IndexToken,
		CollateralToken: key.CollateralToken,
		Side:            key.Side.String(),
		SizeChange:      sizeChange.Dec(),
		CollateralValue: pos.CollateralValue.Dec(),
		EntryPrice:      pos.EntryPrice.Dec(),
		ReserveAmount:   pos.ReserveAmount.Dec(),
		FeeValue:        feeValue.Dec(),
	})
	e.log.Debug().Str("position", key.String()).Str("size", pos.Size.Dec()).
		Str("collateral", pos.CollateralValue.Dec()).Msg("position increased")
	return nil
}

// --- Decrease ---

// DecreasePosition shrinks a position, paying the released collateral plus
// realized PnL minus fees to the receiver. Full decreases delete the
// record.
func (e *Engine) DecreasePosition(caller, owner, indexToken, collateralToken string, collateralChange, sizeChange *uint256.Int, side state.Side, receiver string, now int64) error {
	const op = "decrease_position"
	start := time.Now()
	key := state.PositionKey{Owner: owner, IndexToken: indexToken, CollateralToken: collateralToken, Side: side}

	closedSize, err := e.decreasePosition(caller, key, collateralChange, sizeChange, receiver, now)
	if err != nil {
		return e.rejectOp(op, err)
	}
	e.observeOp(op, start)

	if e.observer != nil {
		e.observer.PositionClosed(owner, closedSize)
	}
	if e.hook != nil {
		if herr := e.hook.PostDecrease(key, nil); herr != nil {
			e.log.Warn().Err(herr).Str("position", key.String()).Msg("post-decrease hook failed")
		}
	}
	return nil
}

func (e *Engine) decreasePosition(caller string, key state.PositionKey, collateralChange, sizeChange *uint256.Int, receiver string, now int64) (*uint256.Int, error) {
	if e.cfg.OrderRouter != "" {
		if caller != e.cfg.OrderRouter {
			return nil, fmt.Errorf("%w: %s is not the order router", ErrUnauthorized, caller)
		}
	} else if caller != key.Owner {
		return nil, fmt.Errorf("%w: %s does not own the position", ErrUnauthorized, caller)
	}
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	pos, has := e.positions[key.String()]
	if !has {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, key.String())
	}
	if e.hook != nil {
		if err := e.hook.PreDecrease(key, nil); err != nil {
			return nil, fmt.Errorf("pre-decrease hook: %w", err)
		}
	}

	e.accrue(key.CollateralToken, now)
	rec, _ := e.assets.Record(key.CollateralToken)

	// Sanitize against the live position: never release more than exists.
	sc := fpmath.MinUint(sizeChange, &pos.Size)
	if sc.IsZero() {
		return nil, fmt.Errorf("%w: zero size change", ErrZeroAmount)
	}
	cc := fpmath.MinUint(collateralChange, &pos.CollateralValue)
	fullClose := sc.Cmp(&pos.Size) == 0
	if fullClose {
		cc = new(uint256.Int).Set(&pos.CollateralValue)
	}

	indexPrice, err := e.oracle.GetPrice(key.IndexToken, key.Side == state.SideShort)
	if err != nil {
		return nil, err
	}
	payoutPrice, err := e.oracle.GetPrice(key.CollateralToken, true)
	if err != nil {
		return nil, err
	}

	borrowFee := borrowFeeValue(pos, rec)
	positionFee := fpmath.ApplyRate(sc, e.cfg.Fees.PositionFee)
	feeValue := fpmath.AddUint(borrowFee, positionFee)

	pnl := positionPnL(pos, indexPrice, sc)
	payoutS := pnl.Add(fpmath.NewSigned(cc)).Sub(fpmath.NewSigned(feeValue))
	payoutValue := payoutS.UnsignedOrZero()
	deficit := payoutS.Neg().UnsignedOrZero()

	// Losses beyond the released collateral come out of what remains.
	remainingS := fpmath.NewSigned(&pos.CollateralValue).
		Sub(fpmath.NewSigned(cc)).
		Sub(fpmath.NewSigned(deficit))
	remaining := remainingS.UnsignedOrZero()
	if remainingS.IsNeg() && !fullClose {
		return nil, fmt.Errorf("%w: loss exceeds remaining collateral", ErrUpdateCausesLiquidation)
	}

	newSize := fpmath.SubUint(&pos.Size, sc)
	if !newSize.IsZero() {
		if remaining.IsZero() {
			return nil, fmt.Errorf("%w: no collateral left behind open size", ErrLowCollateral)
		}
		if remaining.Cmp(newSize) > 0 {
			return nil, fmt.Errorf("%w: collateral above size", ErrLeverage)
		}
		maxSize := new(uint256.Int)
		if _, overflow := maxSize.MulOverflow(remaining, uint256.NewInt(e.cfg.MaxLeverage)); overflow {
			maxSize.SetAllOne()
		}
		if newSize.Cmp(maxSize) > 0 {
			return nil, fmt.Errorf("%w: size exceeds %dx collateral", ErrLeverage, e.cfg.MaxLeverage)
		}
	}

	// Realized transfer between pool and trader. With an uncapped payout
	// this is exactly the PnL; a capped payout caps the pool's loss at the
	// trader's released collateral.
	realized := fpmath.NewSigned(payoutValue).
		Add(fpmath.NewSigned(feeValue)).
		Sub(fpmath.NewSigned(cc))

	ids := e.tranches.IDs()
	st := newStaging(e)
	weights := e.shareWeights(key.String())

	// Reserve release, pro rata by each tranche's recorded share of this
	// position.
	var reserveRelease *uint256.Int
	if fullClose {
		reserveRelease = new(uint256.Int).Set(&pos.ReserveAmount)
	} else {
		reserveRelease = fpmath.MulDiv(&pos.ReserveAmount, sc, &pos.Size)
	}
	releaseShares, err := state.CalcProportionalShares(reserveRelease, weights, weights)
	if err != nil {
		return nil, fmt.Errorf("releasing reserve: %w", err)
	}
	for i, id := range ids {
		a := st.asset(id, key.CollateralToken)
		a.ReservedAmount.Set(fpmath.SubUint(&a.ReservedAmount, releaseShares[i]))
	}

	feeTokens := amountOf(feeValue, payoutPrice)
	daoFeeTokens := fpmath.ApplyRate(feeTokens, e.cfg.Fees.DAOFee)
	lpFeeTokens := fpmath.SubUint(feeTokens, daoFeeTokens)
	payoutTokens := amountOf(payoutValue, payoutPrice)
	riskW := e.riskWeights(key.IndexToken, weights)
	feeW := e.riskWeights(key.CollateralToken, weights)

	if key.Side == state.SideLong {
		ccTokens := amountOf(cc, payoutPrice)
		actualReduction := fpmath.SubUint(&pos.CollateralValue, remaining)

		if err := subFromPools(st, ids, key.CollateralToken, ccTokens, weights); err != nil {
			return nil, err
		}
		realizedTokens := fpmath.NewSigned(amountOf(realized.Abs(), payoutPrice))
		if realized.IsNeg() {
			realizedTokens = realizedTokens.Neg()
		}
		// Trader profit drains pools; trader loss feeds them.
		if err := applyPoolDelta(st, ids, key.CollateralToken, realizedTokens.Neg(), riskW); err != nil {
			return nil, err
		}
		if err := addToPools(st, ids, key.CollateralToken, lpFeeTokens, feeW); err != nil {
			return nil, err
		}
		guaranteedDelta := fpmath.NewSigned(actualReduction).Sub(fpmath.NewSigned(sc))
		applyGuaranteedDelta(st, ids, key.CollateralToken, guaranteedDelta, weights)
	} else {
		realizedTokens := fpmath.NewSigned(amountOf(realized.Abs(), payoutPrice))
		if realized.IsNeg() {
			realizedTokens = realizedTokens.Neg()
		}
		if err := applyPoolDelta(st, ids, key.CollateralToken, realizedTokens.Neg(), riskW); err != nil {
			return nil, err
		}
		if err := addToPools(st, ids, key.CollateralToken, lpFeeTokens, feeW); err != nil {
			return nil, err
		}
		subShortSize(st, ids, key.IndexToken, sc, weights)
	}

	// Everything validated; commit.
	st.commit()
	e.subPosShares(key.String(), ids, releaseShares)
	rec.FeeReserve.Set(fpmath.AddUint(&rec.FeeReserve, daoFeeTokens))

	closed := newSize.IsZero()
	if closed {
		delete(e.positions, key.String())
		delete(e.posShares, key.String())
	} else {
		pos.Size.Set(newSize)
		pos.CollateralValue.Set(remaining)
		pos.ReserveAmount.Set(fpmath.SubUint(&pos.ReserveAmount, reserveRelease))
		pos.BorrowIndex.Set(&rec.BorrowIndex)
	}

	e.transferOut(key.CollateralToken, receiver, payoutTokens)
	e.syncPoolBalance(key.CollateralToken)

	e.postCheck("decrease")
	if e.metrics != nil {
		e.metrics.OpenPositions.Set(float64(len(e.positions)))
	}

	e.emit(event.TypePositionDecreased, now, event.PositionDecreased{
		Owner:            key.Owner,
		IndexToken:       key.IndexToken,
		CollateralToken:  key.CollateralToken,
		Side:             key.Side.String(),
		SizeChange:       sc.Dec(),
		CollateralChange: cc.Dec(),
		PnL:              pnl.String(),
		FeeValue:         feeValue.Dec(),
		PayoutAmount:     payoutTokens.Dec(),
		Closed:           closed,
	})
	e.log.Debug().Str("position", key.String()).Str("size_change", sc.Dec()).
		Bool("closed", closed).Msg("position decreased")
	return sc, nil
}

// --- Liquidate ---

// LiquidatePosition force-closes an underwater position. Open to any
// caller: eligibility is checked against live prices, the fixed
// liquidation fee goes to the caller, and the record is deleted
// unconditionally once eligible.
func (e *Engine) LiquidatePosition(caller, owner, indexToken, collateralToken string, side state.Side, now int64) error {
	const op = "liquidate_position"
	start := time.Now()
	key := state.PositionKey{Owner: owner, IndexToken: indexToken, CollateralToken: collateralToken, Side: side}

	closedSize, err := e.liquidatePosition(caller, key, now)
	if err != nil {
		return e.rejectOp(op, err)
	}
	e.observeOp(op, start)

	if e.observer != nil {
		e.observer.PositionClosed(owner, closedSize)
	}
	if e.hook != nil {
		if herr := e.hook.PostLiquidate(key, nil); herr != nil {
			e.log.Warn().Err(herr).Str("position", key.String()).Msg("post-liquidate hook failed")
		}
	}
	return nil
}

func (e *Engine) liquidatePosition(caller string, key state.PositionKey, now int64) (*uint256.Int, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	pos, has := e.positions[key.String()]
	if !has {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, key.String())
	}
	if e.hook != nil {
		if err := e.hook.PreLiquidate(key, nil); err != nil {
			return nil, fmt.Errorf("pre-liquidate hook: %w", err)
		}
	}

	e.accrue(key.CollateralToken, now)
	rec, _ := e.assets.Record(key.CollateralToken)

	indexPrice, err := e.oracle.GetPrice(key.IndexToken, key.Side == state.SideShort)
	if err != nil {
		return nil, err
	}
	payoutPrice, err := e.oracle.GetPrice(key.CollateralToken, true)
	if err != nil {
		return nil, err
	}

	if !e.liquidatable(pos, indexPrice, rec) {
		return nil, fmt.Errorf("%w: %s", ErrNotLiquidatable, key.String())
	}

	size := new(uint256.Int).Set(&pos.Size)
	collateral := new(uint256.Int).Set(&pos.CollateralValue)
	liqFee := new(uint256.Int).Set(&e.cfg.Fees.LiquidationFee)

	borrowFee := borrowFeeValue(pos, rec)
	positionFee := fpmath.ApplyRate(size, e.cfg.Fees.PositionFee)
	feeValue := fpmath.AddUint(borrowFee, positionFee)

	pnl := positionPnL(pos, indexPrice, size)
	payoutS := pnl.Add(fpmath.NewSigned(collateral)).
		Sub(fpmath.NewSigned(feeValue)).
		Sub(fpmath.NewSigned(liqFee))
	payoutValue := payoutS.UnsignedOrZero()

	// Realized transfer between pool and trader, liquidation fee included.
	realized := fpmath.NewSigned(payoutValue).
		Add(fpmath.NewSigned(feeValue)).
		Add(fpmath.NewSigned(liqFee)).
		Sub(fpmath.NewSigned(collateral))

	ids := e.tranches.IDs()
	st := newStaging(e)
	weights := e.shareWeights(key.String())

	releaseShares, err := state.CalcProportionalShares(&pos.ReserveAmount, weights, weights)
	if err != nil {
		return nil, fmt.Errorf("releasing reserve: %w", err)
	}
	for i, id := range ids {
		a := st.asset(id, key.CollateralToken)
		a.ReservedAmount.Set(fpmath.SubUint(&a.ReservedAmount, releaseShares[i]))
	}

	feeTokens := amountOf(feeValue, payoutPrice)
	daoFeeTokens := fpmath.ApplyRate(feeTokens, e.cfg.Fees.DAOFee)
	lpFeeTokens := fpmath.SubUint(feeTokens, daoFeeTokens)
	payoutTokens := amountOf(payoutValue, payoutPrice)
	liqFeeTokens := amountOf(liqFee, payoutPrice)
	riskW := e.riskWeights(key.IndexToken, weights)
	feeW := e.riskWeights(key.CollateralToken, weights)

	realizedTokens := fpmath.NewSigned(amountOf(realized.Abs(), payoutPrice))
	if realized.IsNeg() {
		realizedTokens = realizedTokens.Neg()
	}

	if key.Side == state.SideLong {
		ccTokens := amountOf(collateral, payoutPrice)
		if err := subFromPools(st, ids, key.CollateralToken, ccTokens, weights); err != nil {
			return nil, err
		}
		if err := applyPoolDelta(st, ids, key.CollateralToken, realizedTokens.Neg(), riskW); err != nil {
			return nil, err
		}
		if err := addToPools(st, ids, key.CollateralToken, lpFeeTokens, feeW); err != nil {
			return nil, err
		}
		guaranteedDelta := fpmath.NewSigned(collateral).Sub(fpmath.NewSigned(size))
		applyGuaranteedDelta(st, ids, key.CollateralToken, guaranteedDelta, weights)
	} else {
		if err := applyPoolDelta(st, ids, key.CollateralToken, realizedTokens.Neg(), riskW); err != nil {
			return nil, err
		}
		if err := addToPools(st, ids, key.CollateralToken, lpFeeTokens, feeW); err != nil {
			return nil, err
		}
		subShortSize(st, ids, key.IndexToken, size, weights)
	}

	// Everything validated; commit.
	st.commit()
	e.subPosShares(key.String(), ids, releaseShares)
	rec.FeeReserve.Set(fpmath.AddUint(&rec.FeeReserve, daoFeeTokens))
	delete(e.positions, key.String())
	delete(e.posShares, key.String())

	e.transferOut(key.CollateralToken, caller, liqFeeTokens)
	e.transferOut(key.CollateralToken, key.Owner, payoutTokens)
	e.syncPoolBalance(key.CollateralToken)

	e.postCheck("liquidate")
	if e.metrics != nil {
		e.metrics.OpenPositions.Set(float64(len(e.positions)))
		e.metrics.Liquidations.WithLabelValues(key.IndexToken, key.Side.String()).Inc()
	}

	e.emit(event.TypePositionLiquidated, now, event.PositionLiquidated{
		Owner:           key.Owner,
		IndexToken:      key.IndexToken,
		CollateralToken: key.CollateralToken,
		Side:            key.Side.String(),
		Liquidator:      caller,
		Size:            size.Dec(),
		CollateralValue: collateral.Dec(),
		PnL:             pnl.String(),
		LiquidationFee:  liqFee.Dec(),
	})
	e.log.Info().Str("position", key.String()).Str("liquidator", caller).
		Msg("position liquidated")
	return size, nil
}
