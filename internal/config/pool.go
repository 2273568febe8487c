package config

import (
	"fmt"
	"os"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/state"

	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

// Pool is the YAML pool definition: listed tokens, tranches with their
// risk factors, and the economic policy the ledger boots with. All of it
// stays admin-settable at runtime; the file only seeds the initial state.
type Pool struct {
	MaxLeverage    uint64 `yaml:"max_leverage"`
	InitialLPPrice string `yaml:"initial_lp_price"`
	OrderRouter    string `yaml:"order_router"`
	FeeDistributor string `yaml:"fee_distributor"`

	Fees struct {
		PositionFee         uint64 `yaml:"position_fee"`
		LiquidationFee      string `yaml:"liquidation_fee"`
		BaseSwapFee         uint64 `yaml:"base_swap_fee"`
		TaxBasisPoint       uint64 `yaml:"tax_basis_point"`
		StableBaseSwapFee   uint64 `yaml:"stable_base_swap_fee"`
		StableTaxBasisPoint uint64 `yaml:"stable_tax_basis_point"`
		DAOFee              uint64 `yaml:"dao_fee"`
	} `yaml:"fees"`

	Interest struct {
		AccrualInterval int64  `yaml:"accrual_interval"`
		InterestRate    uint64 `yaml:"interest_rate"`
	} `yaml:"interest"`

	Oracle struct {
		MaxAge string `yaml:"max_age"`
	} `yaml:"oracle"`

	Tokens []struct {
		Symbol       string `yaml:"symbol"`
		Stable       bool   `yaml:"stable"`
		TargetWeight uint64 `yaml:"target_weight"`
	} `yaml:"tokens"`

	Tranches []struct {
		ID          string            `yaml:"id"`
		RiskFactors map[string]uint64 `yaml:"risk_factors"`
	} `yaml:"tranches"`
}

// LoadPool reads and validates a pool definition file.
func LoadPool(path string) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pool file: %w", err)
	}
	var p Pool
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pool file: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("pool file %s: %w", path, err)
	}
	return &p, nil
}

func (p *Pool) validate() error {
	if len(p.Tokens) == 0 {
		return fmt.Errorf("no tokens listed")
	}
	if len(p.Tranches) == 0 {
		return fmt.Errorf("no tranches defined")
	}
	symbols := make(map[string]bool, len(p.Tokens))
	for _, t := range p.Tokens {
		if t.Symbol == "" {
			return fmt.Errorf("token with empty symbol")
		}
		if symbols[t.Symbol] {
			return fmt.Errorf("duplicate token %s", t.Symbol)
		}
		symbols[t.Symbol] = true
	}
	if p.Oracle.MaxAge != "" {
		if _, err := time.ParseDuration(p.Oracle.MaxAge); err != nil {
			return fmt.Errorf("invalid oracle max_age %q: %w", p.Oracle.MaxAge, err)
		}
	}
	ids := make(map[string]bool, len(p.Tranches))
	for _, tr := range p.Tranches {
		if tr.ID == "" {
			return fmt.Errorf("tranche with empty id")
		}
		if ids[tr.ID] {
			return fmt.Errorf("duplicate tranche %s", tr.ID)
		}
		ids[tr.ID] = true
		for token := range tr.RiskFactors {
			if !symbols[token] {
				return fmt.Errorf("tranche %s has risk factor for unlisted token %s", tr.ID, token)
			}
		}
	}
	return nil
}

// CoreConfig converts the policy sections into the ledger config.
func (p *Pool) CoreConfig() (core.Config, error) {
	var cfg core.Config
	cfg.MaxLeverage = p.MaxLeverage
	cfg.OrderRouter = p.OrderRouter
	cfg.FeeDistributor = p.FeeDistributor

	initialPrice, err := parseDecimal("initial_lp_price", p.InitialLPPrice)
	if err != nil {
		return cfg, err
	}
	cfg.InitialLPPrice.Set(initialPrice)

	liqFee, err := parseDecimal("liquidation_fee", p.Fees.LiquidationFee)
	if err != nil {
		return cfg, err
	}
	cfg.Fees = state.FeeConfig{
		PositionFee:         p.Fees.PositionFee,
		BaseSwapFee:         p.Fees.BaseSwapFee,
		TaxBasisPoint:       p.Fees.TaxBasisPoint,
		StableBaseSwapFee:   p.Fees.StableBaseSwapFee,
		StableTaxBasisPoint: p.Fees.StableTaxBasisPoint,
		DAOFee:              p.Fees.DAOFee,
	}
	cfg.Fees.LiquidationFee.Set(liqFee)

	cfg.Interest = state.InterestConfig{
		AccrualInterval: p.Interest.AccrualInterval,
		InterestRate:    p.Interest.InterestRate,
	}
	return cfg, nil
}

// Apply seeds the engine with the listed tokens, tranches, and risk
// factors. newReceipt builds the liquidity receipt backing each tranche.
func (p *Pool) Apply(engine *core.Engine, newReceipt func(tranche string) core.ReceiptAsset) error {
	for _, t := range p.Tokens {
		err := engine.AddToken(state.Token{
			Symbol:       t.Symbol,
			Stable:       t.Stable,
			TargetWeight: t.TargetWeight,
		})
		if err != nil {
			return fmt.Errorf("add token %s: %w", t.Symbol, err)
		}
	}
	for _, tr := range p.Tranches {
		if err := engine.AddTranche(tr.ID, newReceipt(tr.ID)); err != nil {
			return fmt.Errorf("add tranche %s: %w", tr.ID, err)
		}
		for token, factor := range tr.RiskFactors {
			if err := engine.SetRiskFactor(tr.ID, token, factor); err != nil {
				return fmt.Errorf("risk factor %s/%s: %w", tr.ID, token, err)
			}
		}
	}
	return nil
}

// OracleMaxAge returns the staleness window, or zero (never stale) when
// the file omits it. Validity is checked at load time.
func (p *Pool) OracleMaxAge() time.Duration {
	if p.Oracle.MaxAge == "" {
		return 0
	}
	d, _ := time.ParseDuration(p.Oracle.MaxAge)
	return d
}

func parseDecimal(field, s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return v, nil
}
