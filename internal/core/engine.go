package core

import (
	"errors"
	"fmt"
	"time"

	"PoolLedger/internal/event"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Output carries one committed transition to the persistence and
// projection consumers.
type Output struct {
	Envelope *event.Envelope
}

// Config is the policy surface of the ledger. Everything here is
// admin-settable at runtime as well.
type Config struct {
	// MaxLeverage bounds size/collateral for every open position, >= 1.
	MaxLeverage uint64

	Fees     state.FeeConfig
	Interest state.InterestConfig

	// InitialLPPrice is the liquidity-receipt price (1e30 scale) used for a
	// tranche's first mint, when receipt supply is zero.
	InitialLPPrice uint256.Int

	// OrderRouter, when non-empty, is the only caller allowed to enter
	// increase/decrease. Liquidation stays open to anyone.
	OrderRouter string

	// FeeDistributor is the only caller allowed to withdraw the protocol
	// fee reserve.
	FeeDistributor string
}

func (c *Config) validate() error {
	if c.MaxLeverage < 1 {
		return fmt.Errorf("max leverage %d below 1", c.MaxLeverage)
	}
	if err := c.Fees.Validate(); err != nil {
		return fmt.Errorf("fee config: %w", err)
	}
	if c.Interest.AccrualInterval <= 0 {
		return fmt.Errorf("non-positive accrual interval %d", c.Interest.AccrualInterval)
	}
	if c.InitialLPPrice.IsZero() {
		return fmt.Errorf("zero initial LP price")
	}
	return nil
}

// Engine is the pool ledger: the single-threaded owner of all position,
// tranche, and token state. Every public entry point is one atomic
// transition — it validates against staged copies, commits only when every
// check passed, and emits events describing fully-committed state.
type Engine struct {
	cfg Config

	assets   *state.AssetStore
	tranches *state.TrancheSet

	positions map[string]*state.Position
	// posShares records, per position, each tranche's reserved-token
	// contribution, so releases stay proportional to the original
	// allocation rather than the current global ratio.
	posShares map[string]map[string]*uint256.Int
	receipts  map[string]ReceiptAsset

	oracle   PriceSource
	vault    TokenVault
	hook     PositionHook
	observer ClosureObserver

	sequence int64
	entered  bool

	log     zerolog.Logger
	metrics *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output
}

// NewEngine builds an empty ledger. Channels may be nil when no consumer
// is wired (tests, offline tools).
func NewEngine(
	cfg Config,
	oracle PriceSource,
	vault TokenVault,
	log zerolog.Logger,
	metrics *observability.Metrics,
	persistChan, projectionChan chan<- Output,
) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if oracle == nil {
		return nil, fmt.Errorf("nil price source")
	}
	if vault == nil {
		return nil, fmt.Errorf("nil token vault")
	}
	return &Engine{
		cfg:            cfg,
		assets:         state.NewAssetStore(),
		tranches:       state.NewTrancheSet(),
		positions:      make(map[string]*state.Position),
		posShares:      make(map[string]map[string]*uint256.Int),
		receipts:       make(map[string]ReceiptAsset),
		oracle:         oracle,
		vault:          vault,
		log:            log,
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}, nil
}

// --- Reentrancy barrier ---

func (e *Engine) begin() error {
	if e.entered {
		return ErrReentrancy
	}
	e.entered = true
	return nil
}

func (e *Engine) end() {
	e.entered = false
}

// --- Event emission ---

// emit sends a committed transition. Persistence uses a blocking send so
// no event is lost; projections use a non-blocking send and rebuild from
// the event log if they fall behind.
func (e *Engine) emit(t event.Type, now int64, payload interface{}) {
	env := event.New(e.sequence, t, time.Unix(now, 0).UTC(), payload)
	e.sequence++

	out := Output{Envelope: &env}
	if e.persistChan != nil {
		e.persistChan <- out
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}
	if e.metrics != nil {
		e.metrics.Sequence.Set(float64(e.sequence))
	}
}

// --- Interest accrual ---

// accrue advances the token's borrow index for every whole interval
// elapsed. The index advance is a correct transition in its own right, so
// it commits even when the surrounding operation later rejects.
func (e *Engine) accrue(token string, now int64) {
	rec, ok := e.assets.Record(token)
	if !ok {
		return
	}
	agg := e.assets.AggregateAsset(token, e.tranches.IDs())
	acc := e.cfg.Interest.Preview(rec, &agg.ReservedAmount, &agg.PoolAmount, now)
	changed := acc.Changed()
	acc.Apply(rec)
	if !changed {
		return
	}
	if e.metrics != nil {
		e.metrics.InterestAccruals.WithLabelValues(token).Inc()
	}
	e.emit(event.TypeInterestAccrued, now, event.InterestAccrued{
		Token:       token,
		BorrowIndex: rec.BorrowIndex.Dec(),
		Intervals:   acc.Intervals,
	})
}

// --- Custody helpers ---

// detectAmountIn returns tokens received since the pool balance was last
// synced. Inbound transfers are detected, never pushed.
func (e *Engine) detectAmountIn(token string) *uint256.Int {
	rec, ok := e.assets.Record(token)
	if !ok {
		return new(uint256.Int)
	}
	return fpmath.SubUintCap(e.vault.Balance(token), &rec.PoolBalance)
}

// syncPoolBalance records the current custody balance. Run at commit, so
// donations between operations are absorbed in the solvent direction.
func (e *Engine) syncPoolBalance(token string) {
	if rec, ok := e.assets.Record(token); ok {
		rec.PoolBalance.Set(e.vault.Balance(token))
	}
}

// transferOut pays from custody. The amount was validated against the
// ledger's own records, so a vault refusal here is custody corruption.
func (e *Engine) transferOut(token, to string, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	if err := e.vault.TransferOut(token, to, amount); err != nil {
		panic(fmt.Sprintf("FATAL: vault transfer of %s %s failed: %v", amount.Dec(), token, err))
	}
}

// --- Price helpers ---

// valueOf converts token units to 1e30-scale value at the given price.
func valueOf(amount, price *uint256.Int) *uint256.Int {
	out := new(uint256.Int)
	if _, overflow := out.MulOverflow(amount, price); overflow {
		panic("FATAL: value overflow")
	}
	return out
}

// amountOf converts value back to token units, truncating.
func amountOf(value, price *uint256.Int) *uint256.Int {
	if price.IsZero() {
		panic("FATAL: zero price")
	}
	return new(uint256.Int).Div(value, price)
}

// amountOfUp converts value to token units, rounding up. Reserves round
// against the pool so a full payout is always covered.
func amountOfUp(value, price *uint256.Int) *uint256.Int {
	if price.IsZero() {
		panic("FATAL: zero price")
	}
	num := fpmath.AddUint(value, new(uint256.Int).SubUint64(price, 1))
	return num.Div(num, price)
}

// --- Invariant post-check ---

// postCheck runs after every commit. A violation here means the commit
// itself was wrong, which is unrecoverable.
func (e *Engine) postCheck(op string) {
	if err := e.assets.CheckReserveInvariant(); err != nil {
		panic(fmt.Sprintf("FATAL: reserve invariant after %s: %v", op, err))
	}
}

func (e *Engine) observeOp(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) rejectOp(op string, err error) error {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, rejectReason(err)).Inc()
	}
	return err
}

func rejectReason(err error) string {
	if err == nil {
		return "none"
	}
	// Sentinel text is stable enough for a metric label.
	for _, s := range []error{
		ErrZeroAmount, ErrInvalidPair, ErrUnknownToken, ErrUnknownTranche,
		ErrPositionNotFound, ErrSameToken, ErrTokenDelisted, ErrSlippage, ErrLeverage,
		ErrLowCollateral, ErrUpdateCausesLiquidation, ErrNotLiquidatable,
		ErrUnauthorized, ErrReentrancy, ErrStalePrice,
		state.ErrInsufficientCapacity,
	} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "other"
}

// --- Administration ---

// AddToken lists a token for trading and liquidity.
func (e *Engine) AddToken(tok state.Token) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if err := e.assets.AddToken(tok); err != nil {
		return err
	}
	e.log.Info().Str("token", tok.Symbol).Bool("stable", tok.Stable).
		Uint64("target_weight", tok.TargetWeight).Msg("token listed")
	return nil
}

// DelistToken makes a token withdraw-only. Open positions can still close
// and liquidity can still be removed, but the token accepts no new
// deposits or exposure and stops counting toward fee-curve targets.
func (e *Engine) DelistToken(symbol string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if err := e.assets.DelistToken(symbol); err != nil {
		return err
	}
	e.log.Info().Str("token", symbol).Msg("token delisted")
	return nil
}

// AddTranche registers a capital tranche with its liquidity receipt.
func (e *Engine) AddTranche(id string, receipt ReceiptAsset) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if receipt == nil {
		return fmt.Errorf("nil receipt asset for tranche %s", id)
	}
	if err := e.tranches.Add(id); err != nil {
		return err
	}
	e.receipts[id] = receipt
	e.log.Info().Str("tranche", id).Msg("tranche registered")
	return nil
}

// RemoveTranche deregisters an empty tranche. A tranche with outstanding
// receipt supply or any non-zero asset record is refused; capital must be
// withdrawn first.
func (e *Engine) RemoveTranche(id string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if !e.tranches.Has(id) {
		return fmt.Errorf("%w: %s", ErrUnknownTranche, id)
	}
	if supply := e.receipts[id].TotalSupply(); !supply.IsZero() {
		return fmt.Errorf("tranche %s has outstanding receipt supply %s", id, supply.Dec())
	}
	for _, sym := range e.assets.Tokens() {
		a := e.assets.TrancheAsset(id, sym)
		if !a.PoolAmount.IsZero() || !a.ReservedAmount.IsZero() ||
			!a.GuaranteedValue.IsZero() || !a.TotalShortSize.IsZero() {
			return fmt.Errorf("tranche %s still holds %s", id, sym)
		}
	}
	if err := e.tranches.Remove(id); err != nil {
		return err
	}
	delete(e.receipts, id)
	e.log.Info().Str("tranche", id).Msg("tranche deregistered")
	return nil
}

// SetRiskFactor sets one tranche's risk factor for a token.
func (e *Engine) SetRiskFactor(tranche, token string, factor uint64) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if _, ok := e.assets.Token(token); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	if !e.tranches.Has(tranche) {
		return fmt.Errorf("%w: %s", ErrUnknownTranche, tranche)
	}
	return e.tranches.SetRiskFactor(tranche, token, factor)
}

// SetFees replaces the fee table.
func (e *Engine) SetFees(fees state.FeeConfig) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if err := fees.Validate(); err != nil {
		return err
	}
	e.cfg.Fees = fees
	return nil
}

// SetMaxLeverage replaces the leverage cap. Existing positions are not
// force-adjusted; the new bound applies to subsequent updates and
// liquidation eligibility.
func (e *Engine) SetMaxLeverage(maxLeverage uint64) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if maxLeverage < 1 {
		return fmt.Errorf("max leverage %d below 1", maxLeverage)
	}
	e.cfg.MaxLeverage = maxLeverage
	return nil
}

// SetInterest replaces the accrual rate and interval.
func (e *Engine) SetInterest(ic state.InterestConfig) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	if ic.AccrualInterval <= 0 {
		return fmt.Errorf("non-positive accrual interval %d", ic.AccrualInterval)
	}
	e.cfg.Interest = ic
	return nil
}

// SetOrderRouter sets the only caller allowed on increase/decrease. Empty
// opens the entry points to everyone.
func (e *Engine) SetOrderRouter(addr string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	e.cfg.OrderRouter = addr
	return nil
}

// SetFeeDistributor sets the only caller allowed to withdraw fees.
func (e *Engine) SetFeeDistributor(addr string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()
	e.cfg.FeeDistributor = addr
	return nil
}

// SetPositionHook installs the optional pre/post mutation hook.
func (e *Engine) SetPositionHook(h PositionHook) {
	e.hook = h
}

// SetClosureObserver installs the optional closure side channel.
func (e *Engine) SetClosureObserver(o ClosureObserver) {
	e.observer = o
}

// WithdrawFee pays the accumulated protocol fee reserve for a token.
func (e *Engine) WithdrawFee(caller, token, to string, now int64) error {
	const op = "withdraw_fee"
	start := time.Now()
	if err := e.begin(); err != nil {
		return e.rejectOp(op, err)
	}
	defer e.end()

	if e.cfg.FeeDistributor == "" || caller != e.cfg.FeeDistributor {
		return e.rejectOp(op, fmt.Errorf("%w: %s is not the fee distributor", ErrUnauthorized, caller))
	}
	rec, ok := e.assets.Record(token)
	if !ok {
		return e.rejectOp(op, fmt.Errorf("%w: %s", ErrUnknownToken, token))
	}
	if rec.FeeReserve.IsZero() {
		return e.rejectOp(op, fmt.Errorf("%w: no fee reserve for %s", ErrZeroAmount, token))
	}

	amount := new(uint256.Int).Set(&rec.FeeReserve)
	e.transferOut(token, to, amount)
	rec.FeeReserve.Clear()
	e.syncPoolBalance(token)

	e.emit(event.TypeFeeWithdrawn, now, event.FeeWithdrawn{
		Token:     token,
		Amount:    amount.Dec(),
		Recipient: to,
	})
	e.observeOp(op, start)
	e.log.Info().Str("token", token).Str("amount", amount.Dec()).Str("to", to).
		Msg("fee reserve withdrawn")
	return nil
}

// --- Queries ---

// Position returns a copy of the position, or false.
func (e *Engine) Position(key state.PositionKey) (*state.Position, bool) {
	p, ok := e.positions[key.String()]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Positions returns copies of all open positions, in map order.
func (e *Engine) Positions() []*state.Position {
	out := make([]*state.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p.Clone())
	}
	return out
}

// TrancheAssetView returns a copy of the (tranche, token) record.
func (e *Engine) TrancheAssetView(tranche, token string) (*state.TrancheAsset, error) {
	if !e.tranches.Has(tranche) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTranche, tranche)
	}
	if _, ok := e.assets.Token(token); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	return e.assets.TrancheAsset(tranche, token).Clone(), nil
}

// TokenRecordView returns a copy of the per-token global record.
func (e *Engine) TokenRecordView(token string) (*state.TokenRecord, error) {
	rec, ok := e.assets.Record(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	cp := *rec
	return &cp, nil
}

// AggregateAssetView sums the per-tranche records for a token.
func (e *Engine) AggregateAssetView(token string) (*state.TrancheAsset, error) {
	if _, ok := e.assets.Token(token); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	return e.assets.AggregateAsset(token, e.tranches.IDs()), nil
}

// Tokens returns listed token symbols.
// TokenInfo returns the listing metadata for a token.
func (e *Engine) TokenInfo(symbol string) (state.Token, error) {
	t, ok := e.assets.Token(symbol)
	if !ok {
		return state.Token{}, fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
	}
	return *t, nil
}

func (e *Engine) Tokens() []string {
	return e.assets.Tokens()
}

// Tranches returns registered tranche identifiers.
func (e *Engine) Tranches() []string {
	return e.tranches.IDs()
}

// Sequence returns the next transition sequence number.
func (e *Engine) Sequence() int64 {
	return e.sequence
}
