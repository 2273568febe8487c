package core_test

import (
	"testing"
	"time"

	"PoolLedger/internal/core"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func val(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fpmath.OneValue)
}

func u(n uint64) *uint256.Int { return uint256.NewInt(n) }

type fixture struct {
	engine   *core.Engine
	oracle   *core.PostedOracle
	vault    *core.MemoryVault
	receipts map[string]core.ReceiptAsset
	persist  chan core.Output
}

// newFixture builds an engine with BTC (volatile) and USDC (stable)
// listed, a senior and a junior tranche, and fixed posted prices:
// BTC 100 value units per base unit, USDC 1.
func newFixture(t *testing.T, cfg core.Config) *fixture {
	t.Helper()

	oracle := core.NewPostedOracle(0, nil)
	require.NoError(t, oracle.PostSingle("BTC", val(100), time.Now()))
	require.NoError(t, oracle.PostSingle("USDC", val(1), time.Now()))

	vault := core.NewMemoryVault()
	persist := make(chan core.Output, 1024)

	e, err := core.NewEngine(cfg, oracle, vault, zerolog.Nop(), nil, persist, nil)
	require.NoError(t, err)

	require.NoError(t, e.AddToken(state.Token{Symbol: "BTC", TargetWeight: 50}))
	require.NoError(t, e.AddToken(state.Token{Symbol: "USDC", Stable: true, TargetWeight: 50}))

	receipts := map[string]core.ReceiptAsset{
		"senior": core.NewMemoryReceipt(),
		"junior": core.NewMemoryReceipt(),
	}
	require.NoError(t, e.AddTranche("senior", receipts["senior"]))
	require.NoError(t, e.AddTranche("junior", receipts["junior"]))
	require.NoError(t, e.SetRiskFactor("senior", "USDC", 1))
	require.NoError(t, e.SetRiskFactor("junior", "USDC", 3))

	return &fixture{engine: e, oracle: oracle, vault: vault, receipts: receipts, persist: persist}
}

func zeroFeeConfig() core.Config {
	var cfg core.Config
	cfg.MaxLeverage = 10
	cfg.Interest = state.InterestConfig{AccrualInterval: 3600}
	cfg.InitialLPPrice.Set(fpmath.OneValue)
	cfg.FeeDistributor = "distributor"
	return cfg
}

// seed deposits tokens and adds them as liquidity to one tranche.
func (f *fixture) seed(t *testing.T, tranche, token string, amount uint64, now int64) {
	t.Helper()
	f.vault.Deposit(token, u(amount))
	require.NoError(t, f.engine.AddLiquidity(tranche, token, nil, "lp", now))
}

// --- Liquidity ---

func TestAddLiquidity_FirstMintUsesInitialPrice(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())

	f.vault.Deposit("USDC", u(1000))
	require.NoError(t, f.engine.AddLiquidity("senior", "USDC", nil, "alice", 100))

	// 1000 USDC at price 1 is 1000 value units; at the initial receipt
	// price of 1.0 that mints 1000 receipts.
	supply := f.receipts["senior"].TotalSupply()
	assert.Equal(t, u(1000), supply)

	a, err := f.engine.TrancheAssetView("senior", "USDC")
	require.NoError(t, err)
	assert.Equal(t, u(1000), &a.PoolAmount)

	v, err := f.engine.TrancheValue("senior", false)
	require.NoError(t, err)
	assert.Equal(t, val(1000), v)
}

func TestAddLiquidity_SecondMintTracksTrancheValue(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())
	f.seed(t, "senior", "USDC", 1000, 100)

	// Same deposit against an unchanged tranche value doubles the supply.
	f.vault.Deposit("USDC", u(1000))
	require.NoError(t, f.engine.AddLiquidity("senior", "USDC", nil, "bob", 200))
	assert.Equal(t, u(2000), f.receipts["senior"].TotalSupply())
}

func TestAddLiquidity_NoDepositRejected(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())
	err := f.engine.AddLiquidity("senior", "USDC", nil, "alice", 100)
	assert.ErrorIs(t, err, core.ErrZeroAmount)
}

func TestAddLiquidity_SlippageBound(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())
	f.vault.Deposit("USDC", u(1000))
	err := f.engine.AddLiquidity("senior", "USDC", u(1001), "alice", 100)
	assert.ErrorIs(t, err, core.ErrSlippage)
}

func TestRemoveLiquidity_RoundTrip(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())

	f.vault.Deposit("USDC", u(1000))
	require.NoError(t, f.engine.AddLiquidity("senior", "USDC", nil, "alice", 100))

	require.NoError(t, f.engine.RemoveLiquidity("senior", "USDC", u(1000), nil, "alice", "alice", 200))

	assert.True(t, f.receipts["senior"].TotalSupply().IsZero())
	a, err := f.engine.TrancheAssetView("senior", "USDC")
	require.NoError(t, err)
	assert.True(t, a.PoolAmount.IsZero())
	// With zero fees the full deposit leaves custody again.
	assert.True(t, f.vault.Balance("USDC").IsZero())
}

func TestRemoveLiquidity_CannotTouchReservedTokens(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())
	require.NoError(t, f.engine.SetRiskFactor("senior", "BTC", 1))
	f.seed(t, "senior", "BTC", 100, 100)

	// A long reserves 50 of the 110 pooled BTC.
	f.vault.Deposit("BTC", u(10))
	require.NoError(t, f.engine.IncreasePosition("alice", "alice", "BTC", "BTC", val(5000), state.SideLong, 150))

	// The receipts are worth the whole pool, but only the unreserved part
	// can leave.
	err := f.engine.RemoveLiquidity("senior", "BTC", u(10_000), nil, "lp", "lp", 200)
	assert.ErrorIs(t, err, state.ErrInsufficientCapacity)
}

func TestSwap_ExchangesAtOraclePrices(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())
	require.NoError(t, f.engine.SetRiskFactor("junior", "BTC", 1))
	f.seed(t, "senior", "USDC", 1000, 100)
	f.seed(t, "junior", "BTC", 10, 100)

	before := f.vault.Balance("BTC")

	// 100 USDC in at price 1, BTC out at price 100: exactly 1 BTC.
	f.vault.Deposit("USDC", u(100))
	require.NoError(t, f.engine.Swap("USDC", "BTC", u(1), "alice", 200))

	paid := new(uint256.Int).Sub(before, f.vault.Balance("BTC"))
	assert.Equal(t, u(1), paid)

	// The inflow lands by USDC risk factors 1:3, the outflow by BTC risk
	// factors (junior only).
	senior, err := f.engine.TrancheAssetView("senior", "USDC")
	require.NoError(t, err)
	assert.Equal(t, u(1025), &senior.PoolAmount)
	junior, err := f.engine.TrancheAssetView("junior", "USDC")
	require.NoError(t, err)
	assert.Equal(t, u(75), &junior.PoolAmount)
	jbtc, err := f.engine.TrancheAssetView("junior", "BTC")
	require.NoError(t, err)
	assert.Equal(t, u(9), &jbtc.PoolAmount)
}

func TestSwap_SameTokenRejected(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())
	err := f.engine.Swap("BTC", "BTC", nil, "alice", 100)
	assert.ErrorIs(t, err, core.ErrSameToken)
}

// --- Positions: long side ---

func TestIncreasePosition_LongRoundTripWithProfit(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())
	require.NoError(t, f.engine.SetRiskFactor("junior", "BTC", 1))
	f.seed(t, "junior", "BTC", 100, 100)

	// 10 BTC collateral (1000 value) backing a 5000-value long: 5x.
	f.vault.Deposit("BTC", u(10))
	require.NoError(t, f.engine.IncreasePosition("alice", "alice", "BTC", "BTC", val(5000), state.SideLong, 150))

	key := state.PositionKey{Owner: "alice", IndexToken: "BTC", CollateralToken: "BTC", Side: state.SideLong}
	pos, ok := f.engine.Position(key)
	require.True(t, ok)
	assert.Equal(t, val(5000), &pos.Size)
	assert.Equal(t, val(1000), &pos.CollateralValue)
	assert.Equal(t, val(100), &pos.EntryPrice)
	assert.Equal(t, u(50), &pos.ReserveAmount)

	jbtc, err := f.engine.TrancheAssetView("junior", "BTC")
	require.NoError(t, err)
	assert.Equal(t, u(110), &jbtc.PoolAmount)
	assert.Equal(t, u(50), &jbtc.ReservedAmount)
	assert.Equal(t, val(4000), &jbtc.GuaranteedValue)

	// Opening a position at an unchanged price must not move the tranche
	// value: pooled collateral trades off against guaranteed exposure.
	v, err := f.engine.TrancheValue("junior", false)
	require.NoError(t, err)
	assert.Equal(t, val(10_000), v)

	// Price +25%; closing realizes 1250 profit on top of 1000 collateral:
	// 2250 value at price 125 pays exactly 18 BTC.
	require.NoError(t, f.oracle.PostSingle("BTC", val(125), time.Now()))
	before := f.vault.Balance("BTC")
	require.NoError(t, f.engine.DecreasePosition("alice", "alice", "BTC", "BTC", val(1000), val(5000), state.SideLong, "alice", 300))

	paid := new(uint256.Int).Sub(before, f.vault.Balance("BTC"))
	assert.Equal(t, u(18), paid)

	_, ok = f.engine.Position(key)
	assert.False(t, ok)

	jbtc, err = f.engine.TrancheAssetView("junior", "BTC")
	require.NoError(t, err)
	assert.True(t, jbtc.ReservedAmount.IsZero())
	assert.True(t, jbtc.GuaranteedValue.IsZero())
	// 110 pooled, minus 8 released collateral tokens, minus 10 realized
	// trader profit.
	assert.Equal(t, u(92), &jbtc.PoolAmount)
	assert.Equal(t, u(92), f.vault.Balance("BTC"))
}

func TestPositionRoundTrip_UnchangedPricePaysFeesOnly(t *testing.T) {
	cfg := zeroFeeConfig()
	cfg.Fees.PositionFee = fpmath.Precision / 100 // 1% of size change
	f := newFixture(t, cfg)
	require.NoError(t, f.engine.SetRiskFactor("junior", "BTC", 1))
	f.seed(t, "junior", "BTC", 100, 100)

	// 10 BTC deposit at price 100: 1000 value, minus the 50-value open fee
	// leaves 950 collateral behind a 5000-value long.
	f.vault.Deposit("BTC", u(10))
	require.NoError(t, f.engine.IncreasePosition("alice", "alice", "BTC", "BTC", val(5000), state.SideLong, 150))

	before := f.vault.Balance("BTC")
	require.NoError(t, f.engine.DecreasePosition("alice", "alice", "BTC", "BTC", val(950), val(5000), state.SideLong, "alice", 200))
	paid := new(uint256.Int).Sub(before, f.vault.Balance("BTC"))

	// Closing at the same posted price realizes no PnL, so the payout is
	// the deposit minus the two 1% fees: 100 value, exactly 1 BTC.
	assert.Equal(t, u(9), paid)

	key := state.PositionKey{Owner: "alice", IndexToken: "BTC", CollateralToken: "BTC", Side: state.SideLong}
	_, ok := f.engine.Position(key)
	assert.False(t, ok)
}

func TestIncreasePosition_LeverageCapEnforced(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())
	require.NoError(t, f.engine.SetRiskFactor("junior", "BTC", 1))
	f.seed(t, "junior", "BTC", 100, 100)

	// 1 BTC of collateral supports at most 1000 value of size at 10x.
	f.vault.Deposit("BTC", u(1))
	err := f.engine.IncreasePosition("alice", "alice", "BTC", "BTC", val(1001), state.SideLong, 150)
	assert.ErrorIs(t, err, core.ErrLeverage)
}

func TestIncreasePosition_PairRules(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())

	f.vault.Deposit("USDC", u(100))
	err := f.engine.IncreasePosition("alice", "alice", "BTC", "USDC", val(500), state.SideLong, 100)
	assert.ErrorIs(t, err, core.ErrInvalidPair)

	err = f.engine.IncreasePosition("alice", "alice", "BTC", "BTC", val(500), state.SideShort, 100)
	assert.ErrorIs(t, err, core.ErrInvalidPair)

	err = f.engine.IncreasePosition("alice", "alice", "USDC", "USDC", val(500), state.SideLong, 100)
	assert.ErrorIs(t, err, core.ErrInvalidPair)
}

func TestIncreasePosition_RouterOnlyWhenConfigured(t *testing.T) {
	cfg := zeroFeeConfig()
	cfg.OrderRouter = "router"
	f := newFixture(t, cfg)
	require.NoError(t, f.engine.SetRiskFactor("junior", "BTC", 1))
	f.seed(t, "junior", "BTC", 100, 100)

	f.vault.Deposit("BTC", u(10))
	err := f.engine.IncreasePosition("alice", "alice", "BTC", "BTC", val(500), state.SideLong, 150)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	require.NoError(t, f.engine.IncreasePosition("router", "alice", "BTC", "BTC", val(500), state.SideLong, 150))

	// Clearing the router reopens the entry points to everyone.
	require.NoError(t, f.engine.SetOrderRouter(""))
	f.vault.Deposit("BTC", u(10))
	require.NoError(t, f.engine.IncreasePosition("alice", "alice", "BTC", "BTC", val(500), state.SideLong, 160))
}

func TestDecreasePosition_OwnerOnlyWithoutRouter(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())
	require.NoError(t, f.engine.SetRiskFactor("junior", "BTC", 1))
	f.seed(t, "junior", "BTC", 100, 100)

	f.vault.Deposit("BTC", u(10))
	require.NoError(t, f.engine.IncreasePosition("alice", "alice", "BTC", "BTC", val(500), state.SideLong, 150))

	err := f.engine.DecreasePosition("mallory", "alice", "BTC", "BTC", val(0), val(500), state.SideLong, "mallory", 200)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestDecreasePosition_PartialKeepsLeverageBounds(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())
	require.NoError(t, f.engine.SetRiskFactor("junior", "BTC", 1))
	f.seed(t, "junior", "BTC", 100, 100)

	f.vault.Deposit("BTC", u(10))
	require.NoError(t, f.engine.IncreasePosition("alice", "alice", "BTC", "BTC", val(5000), state.SideLong, 150))

	// Withdrawing almost all collateral behind 4000 of remaining size
	// would push leverage past 10x.
	err := f.engine.DecreasePosition("alice", "alice", "BTC", "BTC", val(900), val(1000), state.SideLong, "alice", 200)
	assert.ErrorIs(t, err, core.ErrLeverage)

	// A proportional decrease stays within bounds.
	require.NoError(t, f.engine.DecreasePosition("alice", "alice", "BTC", "BTC", val(200), val(1000), state.SideLong, "alice", 250))
	key := state.PositionKey{Owner: "alice", IndexToken: "BTC", CollateralToken: "BTC", Side: state.SideLong}
	pos, ok := f.engine.Position(key)
	require.True(t, ok)
	assert.Equal(t, val(4000), &pos.Size)
	assert.Equal(t, val(800), &pos.CollateralValue)
	assert.Equal(t, u(40), &pos.ReserveAmount)
}

// --- Positions: short side and liquidation ---

func TestShortLiquidation_FeeToLiquidatorPoolKeepsCollateral(t *testing.T) {
	cfg := zeroFeeConfig()
	cfg.Fees.LiquidationFee.Set(val(5))
	f := newFixture(t, cfg)
	require.NoError(t, f.engine.SetRiskFactor("senior", "BTC", 1))
	require.NoError(t, f.engine.SetRiskFactor("junior", "BTC", 3))
	f.seed(t, "senior", "USDC", 400, 100)
	f.seed(t, "junior", "USDC", 600, 100)

	// 100 USDC collateral behind a 500-value short: 5x at entry 100.
	f.vault.Deposit("USDC", u(100))
	require.NoError(t, f.engine.IncreasePosition("alice", "alice", "BTC", "USDC", val(500), state.SideShort, 150))

	senior, err := f.engine.TrancheAssetView("senior", "USDC")
	require.NoError(t, err)
	junior, err := f.engine.TrancheAssetView("junior", "USDC")
	require.NoError(t, err)
	// Short collateral stays outside the pool; only the reservation moved.
	assert.Equal(t, u(400), &senior.PoolAmount)
	assert.Equal(t, u(125), &senior.ReservedAmount)
	assert.Equal(t, u(600), &junior.PoolAmount)
	assert.Equal(t, u(375), &junior.ReservedAmount)

	rec, err := f.engine.TokenRecordView("BTC")
	require.NoError(t, err)
	assert.Equal(t, val(100), &rec.AverageShortPrice)

	// Healthy at entry price.
	err = f.engine.LiquidatePosition("bob", "alice", "BTC", "USDC", state.SideShort, 200)
	assert.ErrorIs(t, err, core.ErrNotLiquidatable)

	// +25% on the index sinks the short: 125 loss against 100 collateral.
	require.NoError(t, f.oracle.PostSingle("BTC", val(125), time.Now()))
	before := f.vault.Balance("USDC")
	require.NoError(t, f.engine.LiquidatePosition("bob", "alice", "BTC", "USDC", state.SideShort, 250))

	// The liquidator takes the fixed fee, the owner gets nothing.
	paid := new(uint256.Int).Sub(before, f.vault.Balance("USDC"))
	assert.Equal(t, u(5), paid)

	key := state.PositionKey{Owner: "alice", IndexToken: "BTC", CollateralToken: "USDC", Side: state.SideShort}
	_, ok := f.engine.Position(key)
	assert.False(t, ok)

	// The trader's loss, collateral minus the liquidation fee, feeds the
	// pools by the index token's risk factors 1:3.
	senior, err = f.engine.TrancheAssetView("senior", "USDC")
	require.NoError(t, err)
	junior, err = f.engine.TrancheAssetView("junior", "USDC")
	require.NoError(t, err)
	assert.Equal(t, u(423), &senior.PoolAmount)
	assert.Equal(t, u(672), &junior.PoolAmount)
	assert.True(t, senior.ReservedAmount.IsZero())
	assert.True(t, junior.ReservedAmount.IsZero())

	// Custody matches the ledger exactly.
	total := new(uint256.Int).Add(&senior.PoolAmount, &junior.PoolAmount)
	assert.Equal(t, total, f.vault.Balance("USDC"))

	agg, err := f.engine.AggregateAssetView("BTC")
	require.NoError(t, err)
	assert.True(t, agg.TotalShortSize.IsZero())
}

func TestLiquidatePosition_OpenToAnyCallerEvenWithRouter(t *testing.T) {
	cfg := zeroFeeConfig()
	cfg.OrderRouter = "router"
	cfg.Fees.LiquidationFee.Set(val(5))
	f := newFixture(t, cfg)
	require.NoError(t, f.engine.SetRiskFactor("senior", "BTC", 1))
	f.seed(t, "senior", "USDC", 1000, 100)

	f.vault.Deposit("USDC", u(100))
	require.NoError(t, f.engine.IncreasePosition("router", "alice", "BTC", "USDC", val(500), state.SideShort, 150))

	require.NoError(t, f.oracle.PostSingle("BTC", val(125), time.Now()))
	require.NoError(t, f.engine.LiquidatePosition("anyone", "alice", "BTC", "USDC", state.SideShort, 200))
}

// --- Interest accrual through operations ---

func TestAccrual_AdvancesThroughOperations(t *testing.T) {
	cfg := zeroFeeConfig()
	cfg.Interest = state.InterestConfig{AccrualInterval: 3600, InterestRate: 1000}
	f := newFixture(t, cfg)
	require.NoError(t, f.engine.SetRiskFactor("senior", "BTC", 1))
	f.seed(t, "senior", "USDC", 1000, 1000)

	// Reserve half the pool so utilization is 0.5.
	f.vault.Deposit("USDC", u(100))
	require.NoError(t, f.engine.IncreasePosition("alice", "alice", "BTC", "USDC", val(500), state.SideShort, 1000))

	// One whole interval later any operation on the token accrues:
	// 1000 * 500/1000 = 500.
	f.vault.Deposit("USDC", u(10))
	require.NoError(t, f.engine.IncreasePosition("alice", "alice", "BTC", "USDC", u(0), state.SideShort, 3600+100))

	rec, err := f.engine.TokenRecordView("USDC")
	require.NoError(t, err)
	assert.Equal(t, u(500), &rec.BorrowIndex)
	assert.Equal(t, int64(3600), rec.LastAccrualTimestamp)
}

// --- Fee withdrawal ---

func TestWithdrawFee_DistributorOnly(t *testing.T) {
	cfg := zeroFeeConfig()
	cfg.Fees.PositionFee = fpmath.Precision / 100 // 1%
	cfg.Fees.DAOFee = fpmath.Precision           // whole fee to protocol
	f := newFixture(t, cfg)
	require.NoError(t, f.engine.SetRiskFactor("junior", "BTC", 1))
	f.seed(t, "junior", "BTC", 100, 100)

	// 1% of 10000 value is 100 value, exactly 1 BTC of protocol fee.
	f.vault.Deposit("BTC", u(20))
	require.NoError(t, f.engine.IncreasePosition("alice", "alice", "BTC", "BTC", val(10_000), state.SideLong, 150))

	rec, err := f.engine.TokenRecordView("BTC")
	require.NoError(t, err)
	require.False(t, rec.FeeReserve.IsZero())

	err = f.engine.WithdrawFee("mallory", "BTC", "mallory", 200)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	require.NoError(t, f.engine.WithdrawFee("distributor", "BTC", "treasury", 250))
	rec, err = f.engine.TokenRecordView("BTC")
	require.NoError(t, err)
	assert.True(t, rec.FeeReserve.IsZero())

	// Rotating the distributor revokes the old one.
	require.NoError(t, f.engine.SetFeeDistributor("dao"))
	err = f.engine.WithdrawFee("distributor", "BTC", "treasury", 300)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

// --- Administration ---

func TestDelistToken_BlocksNewExposureAllowsExit(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())
	require.NoError(t, f.engine.SetRiskFactor("junior", "BTC", 1))
	f.seed(t, "junior", "BTC", 100, 100)
	f.seed(t, "senior", "USDC", 10_000, 100)

	f.vault.Deposit("BTC", u(10))
	require.NoError(t, f.engine.IncreasePosition("alice", "alice", "BTC", "BTC", val(5000), state.SideLong, 150))

	require.NoError(t, f.engine.DelistToken("BTC"))
	err := f.engine.DelistToken("BTC")
	assert.Error(t, err)

	// Deposits, new exposure, and swaps into the token all refuse.
	err = f.engine.AddLiquidity("junior", "BTC", nil, "bob", 200)
	assert.ErrorIs(t, err, core.ErrTokenDelisted)
	err = f.engine.IncreasePosition("alice", "alice", "BTC", "BTC", val(100), state.SideLong, 200)
	assert.ErrorIs(t, err, core.ErrTokenDelisted)
	err = f.engine.Swap("BTC", "USDC", nil, "bob", 200)
	assert.ErrorIs(t, err, core.ErrTokenDelisted)

	// Exits still work: the open long closes and pays out.
	require.NoError(t, f.engine.DecreasePosition("alice", "alice", "BTC", "BTC", val(1000), val(5000), state.SideLong, "alice", 300))
	key := state.PositionKey{Owner: "alice", IndexToken: "BTC", CollateralToken: "BTC", Side: state.SideLong}
	_, ok := f.engine.Position(key)
	assert.False(t, ok)

	info, err := f.engine.TokenInfo("BTC")
	require.NoError(t, err)
	assert.True(t, info.Delisted)
}

func TestRemoveTranche_OnlyWhenEmpty(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())
	f.seed(t, "junior", "USDC", 1000, 100)

	err := f.engine.RemoveTranche("junior")
	assert.Error(t, err)

	require.NoError(t, f.engine.RemoveLiquidity("junior", "USDC", u(1000), nil, "lp", "lp", 200))
	require.NoError(t, f.engine.RemoveTranche("junior"))
	assert.Equal(t, []string{"senior"}, f.engine.Tranches())

	err = f.engine.RemoveTranche("junior")
	assert.ErrorIs(t, err, core.ErrUnknownTranche)
}

// --- Batch execution ---

func TestExecuteBatch_IsolatesFailures(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())

	f.vault.Deposit("USDC", u(1000))
	results := f.engine.ExecuteBatch([]core.BatchOp{
		{Kind: core.BatchAddLiquidity, Tranche: "senior", Token: "USDC", Receiver: "alice"},
		{Kind: core.BatchSwap, TokenIn: "USDC", TokenOut: "USDC", Receiver: "alice"},
		{Kind: core.BatchRemoveLiquidity, Tranche: "senior", Token: "USDC", LPAmount: u(400), Owner: "alice", Receiver: "alice"},
	}, 100)

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, core.ErrSameToken)
	assert.NoError(t, results[2].Err)

	assert.Equal(t, u(600), f.receipts["senior"].TotalSupply())
}

// --- Snapshot round trip ---

func TestSnapshot_RestoresPositionsAndAssets(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())
	require.NoError(t, f.engine.SetRiskFactor("junior", "BTC", 1))
	f.seed(t, "junior", "BTC", 100, 100)

	f.vault.Deposit("BTC", u(10))
	require.NoError(t, f.engine.IncreasePosition("alice", "alice", "BTC", "BTC", val(5000), state.SideLong, 150))

	snap := f.engine.CreateSnapshotState()

	restored, err := core.NewEngine(zeroFeeConfig(), f.oracle, f.vault, zerolog.Nop(), nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, restored.RestoreFromSnapshot(snap, f.receipts))

	assert.Equal(t, f.engine.Sequence(), restored.Sequence())

	key := state.PositionKey{Owner: "alice", IndexToken: "BTC", CollateralToken: "BTC", Side: state.SideLong}
	pos, ok := restored.Position(key)
	require.True(t, ok)
	assert.Equal(t, val(5000), &pos.Size)

	a, err := restored.TrancheAssetView("junior", "BTC")
	require.NoError(t, err)
	assert.Equal(t, u(110), &a.PoolAmount)
	assert.Equal(t, u(50), &a.ReservedAmount)

	// The restored engine can keep operating on the position.
	require.NoError(t, restored.DecreasePosition("alice", "alice", "BTC", "BTC", val(1000), val(5000), state.SideLong, "alice", 300))
	_, ok = restored.Position(key)
	assert.False(t, ok)
}

// --- Events ---

func TestEvents_SequencedAndPersisted(t *testing.T) {
	f := newFixture(t, zeroFeeConfig())

	f.vault.Deposit("USDC", u(1000))
	require.NoError(t, f.engine.AddLiquidity("senior", "USDC", nil, "alice", 100))
	require.NoError(t, f.engine.RemoveLiquidity("senior", "USDC", u(1000), nil, "alice", "alice", 200))

	require.Len(t, f.persist, 2)
	first := <-f.persist
	second := <-f.persist
	assert.Equal(t, int64(0), first.Envelope.Sequence)
	assert.Equal(t, int64(1), second.Envelope.Sequence)
	assert.Equal(t, int64(2), f.engine.Sequence())
}
