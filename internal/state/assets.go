package state

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"
)

// Token is a listed pool token. TargetWeight is the relative weight the fee
// curve steers the token's pool value toward; stable tokens use the stable
// base-fee/tax pair.
type Token struct {
	Symbol       string
	Stable       bool
	TargetWeight uint64

	// Delisted tokens are withdraw-only: they accept no new deposits or
	// exposure and no longer count toward fee-curve targeting. Existing
	// positions and balances remain claimable.
	Delisted bool
}

// EffectiveWeight is the fee-curve target weight: zero once delisted, so
// the curve steers remaining holdings toward zero.
func (t *Token) EffectiveWeight() uint64 {
	if t.Delisted {
		return 0
	}
	return t.TargetWeight
}

// TokenRecord is the per-token global record.
type TokenRecord struct {
	// FeeReserve is accumulated protocol fee, in token units, pending
	// withdrawal by the fee distributor.
	FeeReserve uint256.Int

	// AverageShortPrice is the weighted short price basis across all short
	// exposure in this token (1e30 value scale).
	AverageShortPrice uint256.Int

	// BorrowIndex is the monotonically increasing interest accumulator,
	// Precision-scaled.
	BorrowIndex uint256.Int

	// LastAccrualTimestamp is unix seconds, always aligned to an accrual
	// interval boundary. Zero means never touched.
	LastAccrualTimestamp int64

	// PoolBalance is the last-observed external custody balance, used to
	// detect inbound transfers on swap and position increase.
	PoolBalance uint256.Int
}

// TrancheAsset is the per-tranche per-token asset record. Amount fields are
// token units; value fields carry the 1e30 scale.
//
// Invariant: ReservedAmount <= PoolAmount. Records are zeroed, never
// removed.
type TrancheAsset struct {
	PoolAmount      uint256.Int
	ReservedAmount  uint256.Int
	GuaranteedValue uint256.Int
	TotalShortSize  uint256.Int
}

// Clone returns a deep copy for staged mutation.
func (a *TrancheAsset) Clone() *TrancheAsset {
	c := &TrancheAsset{}
	c.PoolAmount.Set(&a.PoolAmount)
	c.ReservedAmount.Set(&a.ReservedAmount)
	c.GuaranteedValue.Set(&a.GuaranteedValue)
	c.TotalShortSize.Set(&a.TotalShortSize)
	return c
}

type trancheTokenKey struct {
	Tranche string
	Token   string
}

// AssetStore is the explicit owned arena of per-token and per-tranche
// records. All mutation goes through the ledger and allocation APIs; no
// caller writes fields from outside.
type AssetStore struct {
	tokens  map[string]*Token
	order   []string // listing order, for deterministic iteration
	records map[string]*TokenRecord
	assets  map[trancheTokenKey]*TrancheAsset
}

func NewAssetStore() *AssetStore {
	return &AssetStore{
		tokens:  make(map[string]*Token),
		records: make(map[string]*TokenRecord),
		assets:  make(map[trancheTokenKey]*TrancheAsset),
	}
}

// AddToken lists a token. Re-listing an existing symbol is rejected.
func (s *AssetStore) AddToken(tok Token) error {
	if tok.Symbol == "" {
		return fmt.Errorf("empty token symbol")
	}
	if _, exists := s.tokens[tok.Symbol]; exists {
		return fmt.Errorf("token %s already listed", tok.Symbol)
	}
	t := tok
	s.tokens[tok.Symbol] = &t
	s.records[tok.Symbol] = &TokenRecord{}
	s.order = append(s.order, tok.Symbol)
	return nil
}

// DelistToken marks a token withdraw-only. Its record and tranche balances
// stay in place so open positions can close and holders can exit.
func (s *AssetStore) DelistToken(symbol string) error {
	t, ok := s.tokens[symbol]
	if !ok {
		return fmt.Errorf("token %s not listed", symbol)
	}
	if t.Delisted {
		return fmt.Errorf("token %s already delisted", symbol)
	}
	t.Delisted = true
	return nil
}

// Token returns the listed token, or false.
func (s *AssetStore) Token(symbol string) (*Token, bool) {
	t, ok := s.tokens[symbol]
	return t, ok
}

// Tokens returns symbols in listing order.
func (s *AssetStore) Tokens() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// TotalTargetWeight sums target weights across listed, non-delisted tokens.
func (s *AssetStore) TotalTargetWeight() uint64 {
	var total uint64
	for _, t := range s.tokens {
		if !t.Delisted {
			total += t.TargetWeight
		}
	}
	return total
}

// Record returns the per-token global record, or false for unlisted tokens.
func (s *AssetStore) Record(symbol string) (*TokenRecord, bool) {
	r, ok := s.records[symbol]
	return r, ok
}

// TrancheAsset returns the (tranche, token) record, creating a zero record
// on first touch.
func (s *AssetStore) TrancheAsset(tranche, token string) *TrancheAsset {
	key := trancheTokenKey{Tranche: tranche, Token: token}
	a, ok := s.assets[key]
	if !ok {
		a = &TrancheAsset{}
		s.assets[key] = a
	}
	return a
}

// SetTrancheAsset replaces the (tranche, token) record. Used to commit
// staged clones and to restore snapshots.
func (s *AssetStore) SetTrancheAsset(tranche, token string, a *TrancheAsset) {
	s.assets[trancheTokenKey{Tranche: tranche, Token: token}] = a
}

// AggregateAsset sums the per-tranche records for a token field-by-field.
func (s *AssetStore) AggregateAsset(token string, tranches []string) *TrancheAsset {
	agg := &TrancheAsset{}
	for _, tr := range tranches {
		a := s.TrancheAsset(tr, token)
		agg.PoolAmount.Add(&agg.PoolAmount, &a.PoolAmount)
		agg.ReservedAmount.Add(&agg.ReservedAmount, &a.ReservedAmount)
		agg.GuaranteedValue.Add(&agg.GuaranteedValue, &a.GuaranteedValue)
		agg.TotalShortSize.Add(&agg.TotalShortSize, &a.TotalShortSize)
	}
	return agg
}

// CheckReserveInvariant verifies ReservedAmount <= PoolAmount for every
// (tranche, token) record. Violations are accounting defects.
func (s *AssetStore) CheckReserveInvariant() error {
	keys := make([]trancheTokenKey, 0, len(s.assets))
	for k := range s.assets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Tranche != keys[j].Tranche {
			return keys[i].Tranche < keys[j].Tranche
		}
		return keys[i].Token < keys[j].Token
	})
	for _, k := range keys {
		a := s.assets[k]
		if a.ReservedAmount.Cmp(&a.PoolAmount) > 0 {
			return fmt.Errorf("tranche %s token %s: reserved %s exceeds pool %s",
				k.Tranche, k.Token, a.ReservedAmount.Dec(), a.PoolAmount.Dec())
		}
	}
	return nil
}
