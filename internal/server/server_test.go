package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"PoolLedger/internal/core"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func val(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fpmath.OneValue)
}

type serverFixture struct {
	srv     *Server
	handler http.Handler
	vault   *core.MemoryVault
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	oracle := core.NewPostedOracle(0, nil)
	require.NoError(t, oracle.PostSingle("BTC", val(100), time.Now()))
	require.NoError(t, oracle.PostSingle("USDC", val(1), time.Now()))

	vault := core.NewMemoryVault()

	var cfg core.Config
	cfg.MaxLeverage = 10
	cfg.Interest = state.InterestConfig{AccrualInterval: 3600}
	cfg.InitialLPPrice.Set(fpmath.OneValue)
	cfg.FeeDistributor = "distributor"

	engine, err := core.NewEngine(cfg, oracle, vault, zerolog.Nop(), nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, engine.AddToken(state.Token{Symbol: "BTC", TargetWeight: 50}))
	require.NoError(t, engine.AddToken(state.Token{Symbol: "USDC", Stable: true, TargetWeight: 50}))
	require.NoError(t, engine.AddTranche("senior", core.NewMemoryReceipt()))
	require.NoError(t, engine.SetRiskFactor("senior", "USDC", 1))
	require.NoError(t, engine.SetRiskFactor("senior", "BTC", 1))

	health := observability.NewHealthChecker()
	health.SetReady(true)

	srv := New(
		"127.0.0.1:0",
		engine,
		oracle,
		vault,
		func(string) core.ReceiptAsset { return core.NewMemoryReceipt() },
		nil,
		health,
		zerolog.Nop(),
		nil,
	)
	return &serverFixture{srv: srv, handler: srv.routes(), vault: vault}
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestAddLiquidityEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/liquidity", addLiquidityRequest{
		Tranche:   "senior",
		Token:     "USDC",
		Amount:    "1000",
		Recipient: "alice",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp["sequence"])
}

func TestAddLiquidityUnknownTrancheIs404(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/liquidity", addLiquidityRequest{
		Tranche:   "mezzanine",
		Token:     "USDC",
		Amount:    "10",
		Recipient: "alice",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddLiquiditySlippageIs409(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/liquidity", addLiquidityRequest{
		Tranche:     "senior",
		Token:       "USDC",
		Amount:      "1000",
		MinLPAmount: "2000",
		Recipient:   "alice",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBadAmountIs400(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/liquidity", addLiquidityRequest{
		Tranche:   "senior",
		Token:     "USDC",
		Amount:    "not-a-number",
		Recipient: "alice",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSwapEndpoint(t *testing.T) {
	f := newServerFixture(t)

	for _, seed := range []addLiquidityRequest{
		{Tranche: "senior", Token: "USDC", Amount: "10000", Recipient: "lp"},
		{Tranche: "senior", Token: "BTC", Amount: "100", Recipient: "lp"},
	} {
		rec := f.do(t, http.MethodPost, "/v1/liquidity", seed)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := f.do(t, http.MethodPost, "/v1/swap", swapRequest{
		TokenIn:   "USDC",
		TokenOut:  "BTC",
		AmountIn:  "100",
		MinOut:    "1",
		Recipient: "alice",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	// 100 USDC at price 1 buys exactly 1 BTC at price 100 with zero fees,
	// leaving 99 of the seeded 100 BTC in custody.
	assert.Equal(t, uint256.NewInt(99), f.vault.Balance("BTC"))
}

func TestSwapSameTokenIs400(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/swap", swapRequest{
		TokenIn:   "USDC",
		TokenOut:  "USDC",
		AmountIn:  "100",
		Recipient: "alice",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPositionLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/liquidity", addLiquidityRequest{
		Tranche: "senior", Token: "BTC", Amount: "100", Recipient: "lp",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/positions/increase", increasePositionRequest{
		Caller:           "alice",
		Owner:            "alice",
		IndexToken:       "BTC",
		CollateralToken:  "BTC",
		Side:             "long",
		SizeChange:       val(2000).Dec(),
		CollateralAmount: "10",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/positions?owner=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Positions []positionResponse `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Positions, 1)
	assert.Equal(t, "long", listing.Positions[0].Side)
	assert.Equal(t, val(2000).Dec(), listing.Positions[0].Size)

	rec = f.do(t, http.MethodPost, "/v1/positions/decrease", decreasePositionRequest{
		Caller:          "alice",
		Owner:           "alice",
		IndexToken:      "BTC",
		CollateralToken: "BTC",
		Side:            "long",
		SizeChange:      val(2000).Dec(),
		Receiver:        "alice",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/positions?owner=alice", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Empty(t, listing.Positions)
}

func TestLiquidateNotEligibleIs409(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/liquidity", addLiquidityRequest{
		Tranche: "senior", Token: "BTC", Amount: "100", Recipient: "lp",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/positions/increase", increasePositionRequest{
		Caller:           "alice",
		Owner:            "alice",
		IndexToken:       "BTC",
		CollateralToken:  "BTC",
		Side:             "long",
		SizeChange:       val(2000).Dec(),
		CollateralAmount: "10",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/positions/liquidate", liquidatePositionRequest{
		Caller:          "bob",
		Owner:           "alice",
		IndexToken:      "BTC",
		CollateralToken: "BTC",
		Side:            "long",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetPool(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/liquidity", addLiquidityRequest{
		Tranche: "senior", Token: "USDC", Amount: "500", Recipient: "lp",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/pool", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ValueMin string            `json:"value_min"`
		ValueMax string            `json:"value_max"`
		Tranches []trancheResponse `json:"tranches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, val(500).Dec(), resp.ValueMin)
	assert.Equal(t, val(500).Dec(), resp.ValueMax)
	require.Len(t, resp.Tranches, 1)
	assert.Equal(t, "senior", resp.Tranches[0].ID)
	assert.Equal(t, fpmath.OneValue.Dec(), resp.Tranches[0].LPPriceMin)
}

func TestGetToken(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/liquidity", addLiquidityRequest{
		Tranche: "senior", Token: "USDC", Amount: "250", Recipient: "lp",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/tokens/USDC", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "250", resp["pool_amount"])

	rec = f.do(t, http.MethodGet, "/v1/tokens/DOGE", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/admin/tokens", addTokenRequest{
		Symbol: "ETH", TargetWeight: 20,
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/admin/tranches", addTrancheRequest{ID: "junior"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/admin/risk-factors", setRiskFactorRequest{
		Tranche: "junior", Token: "USDC", Factor: 3,
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/admin/leverage", setLeverageRequest{MaxLeverage: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/admin/leverage", setLeverageRequest{MaxLeverage: 20})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/admin/fees", setFeesRequest{
		PositionFee:    fpmath.Precision / 100,
		LiquidationFee: val(5).Dec(),
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminDeregistration(t *testing.T) {
	f := newServerFixture(t)

	// The empty junior tranche can be removed; an unknown one is a 404.
	rec := f.do(t, http.MethodPut, "/v1/admin/tranches", addTrancheRequest{ID: "junior"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/v1/admin/tranches/junior", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/v1/admin/tranches/junior", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A funded tranche refuses removal.
	f.vault.Deposit("USDC", val(100))
	rec = f.do(t, http.MethodPost, "/v1/liquidity", addLiquidityRequest{
		Tranche: "senior", Token: "USDC", Recipient: "alice",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodDelete, "/v1/admin/tranches/senior", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Delisting blocks deposits and shows up in the token view.
	rec = f.do(t, http.MethodDelete, "/v1/admin/tokens/BTC", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	f.vault.Deposit("BTC", val(1))
	rec = f.do(t, http.MethodPost, "/v1/liquidity", addLiquidityRequest{
		Tranche: "senior", Token: "BTC", Recipient: "alice",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/tokens/BTC", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tokenView map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokenView))
	assert.Equal(t, true, tokenView["delisted"])
}

func TestWithdrawFeeRequiresDistributor(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/admin/fees/withdraw", withdrawFeeRequest{
		Caller: "mallory", Token: "USDC", Recipient: "mallory",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPostPriceAndStaleness(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/prices", postPriceRequest{
		Token: "BTC", Price: val(120).Dec(),
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/prices", postPriceRequest{
		Token: "BTC", Low: val(120).Dec(), High: val(110).Dec(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBatchEndpointIsolation(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/batch", batchRequest{Ops: []batchOpRequest{
		{
			Kind: "add_liquidity", Tranche: "senior", Token: "USDC",
			Receiver: "alice", DepositToken: "USDC", DepositAmount: "100",
		},
		{Kind: "swap", TokenIn: "USDC", TokenOut: "USDC", Receiver: "alice"},
		{
			Kind: "add_liquidity", Tranche: "senior", Token: "USDC",
			Receiver: "bob", DepositToken: "USDC", DepositAmount: "50",
		},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Results  []batchResultResponse `json:"results"`
		Sequence int64                 `json:"sequence"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 3)
	assert.Empty(t, resp.Results[0].Error)
	assert.NotEmpty(t, resp.Results[1].Error)
	assert.Empty(t, resp.Results[2].Error)
	assert.Equal(t, int64(2), resp.Sequence)
}
