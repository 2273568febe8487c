package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePool = `
max_leverage: 30
initial_lp_price: "1000000000000000000000000000000"
fee_distributor: "dao-treasury"
fees:
  position_fee: 10000000
  liquidation_fee: "5000000000000000000000000000000"
  base_swap_fee: 25000000
  tax_basis_point: 40000000
  stable_base_swap_fee: 1000000
  stable_tax_basis_point: 5000000
  dao_fee: 5500000000
interest:
  accrual_interval: 3600
  interest_rate: 1000
oracle:
  max_age: 30s
tokens:
  - symbol: BTC
    target_weight: 25
  - symbol: ETH
    target_weight: 25
  - symbol: USDC
    stable: true
    target_weight: 50
tranches:
  - id: senior
    risk_factors:
      BTC: 1
      ETH: 1
  - id: junior
    risk_factors:
      BTC: 5
      ETH: 5
`

func writePool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadPool(t *testing.T) {
	p, err := LoadPool(writePool(t, samplePool))
	require.NoError(t, err)

	assert.Equal(t, uint64(30), p.MaxLeverage)
	assert.Len(t, p.Tokens, 3)
	assert.Len(t, p.Tranches, 2)
	assert.Equal(t, uint64(5), p.Tranches[1].RiskFactors["BTC"])

	cfg, err := p.CoreConfig()
	require.NoError(t, err)
	assert.Equal(t, uint64(30), cfg.MaxLeverage)
	assert.Equal(t, "dao-treasury", cfg.FeeDistributor)
	assert.Equal(t, uint64(10000000), cfg.Fees.PositionFee)
	assert.Equal(t, int64(3600), cfg.Interest.AccrualInterval)
	assert.Equal(t, "5000000000000000000000000000000", cfg.Fees.LiquidationFee.Dec())
	assert.Equal(t, 30*time.Second, p.OracleMaxAge())
}

func TestLoadPoolRejectsUnlistedRiskFactorToken(t *testing.T) {
	_, err := LoadPool(writePool(t, `
max_leverage: 10
initial_lp_price: "1"
tokens:
  - symbol: BTC
    target_weight: 100
tranches:
  - id: senior
    risk_factors:
      DOGE: 1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unlisted token DOGE")
}

func TestLoadPoolRejectsDuplicates(t *testing.T) {
	_, err := LoadPool(writePool(t, `
max_leverage: 10
initial_lp_price: "1"
tokens:
  - symbol: BTC
    target_weight: 50
  - symbol: BTC
    target_weight: 50
tranches:
  - id: senior
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate token BTC")
}

func TestLoadPoolRejectsBadDecimal(t *testing.T) {
	p, err := LoadPool(writePool(t, `
max_leverage: 10
initial_lp_price: "one"
tokens:
  - symbol: BTC
    target_weight: 100
tranches:
  - id: senior
`))
	require.NoError(t, err)
	_, err = p.CoreConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial_lp_price")
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 1024, cfg.PersistChanSize)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestFromEnvOverride(t *testing.T) {
	t.Setenv("POOL_HTTP_ADDR", ":9999")
	t.Setenv("POOL_PERSIST_BATCH_SIZE", "200")
	cfg := FromEnv()
	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, 200, cfg.PersistBatchSize)
}
