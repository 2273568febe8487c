package core

import (
	"fmt"

	"PoolLedger/internal/state"

	"github.com/holiman/uint256"
)

// SnapshotState holds the serializable in-memory state for restore. This
// mirrors persistence.SnapshotData but uses typed fields.
type SnapshotState struct {
	Sequence    int64                             `json:"sequence"`
	Tokens      []state.Token                     `json:"tokens"`
	Records     map[string]*state.TokenRecord     `json:"records"`
	Tranches    []string                          `json:"tranches"`
	RiskFactors map[string]map[string]uint64      `json:"risk_factors"`
	Assets      []SnapshotAsset                   `json:"assets"`
	Positions   []*state.Position                 `json:"positions"`
	Reserves    map[string]map[string]*uint256.Int `json:"reserves"`
}

// SnapshotAsset is one (tranche, token) asset record.
type SnapshotAsset struct {
	Tranche string              `json:"tranche"`
	Token   string              `json:"token"`
	Asset   *state.TrancheAsset `json:"asset"`
}

// CreateSnapshotState captures the current in-memory state for
// persistence. Must not run concurrently with operations.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:    e.sequence,
		Records:     make(map[string]*state.TokenRecord),
		Tranches:    e.tranches.IDs(),
		RiskFactors: make(map[string]map[string]uint64),
		Reserves:    make(map[string]map[string]*uint256.Int),
	}
	for _, sym := range e.assets.Tokens() {
		tok, _ := e.assets.Token(sym)
		snap.Tokens = append(snap.Tokens, *tok)
		rec, _ := e.assets.Record(sym)
		r := *rec
		snap.Records[sym] = &r
		for _, tr := range snap.Tranches {
			a := e.assets.TrancheAsset(tr, sym)
			snap.Assets = append(snap.Assets, SnapshotAsset{Tranche: tr, Token: sym, Asset: a.Clone()})
		}
	}
	for _, tr := range snap.Tranches {
		factors := make(map[string]uint64)
		for _, sym := range e.assets.Tokens() {
			if f := e.tranches.RiskFactor(tr, sym); f != 0 {
				factors[sym] = f
			}
		}
		snap.RiskFactors[tr] = factors
	}
	for _, pos := range e.positions {
		snap.Positions = append(snap.Positions, pos.Clone())
	}
	for key, shares := range e.posShares {
		m := make(map[string]*uint256.Int, len(shares))
		for tr, amt := range shares {
			m[tr] = new(uint256.Int).Set(amt)
		}
		snap.Reserves[key] = m
	}
	return snap
}

// RestoreFromSnapshot loads a snapshot into a freshly constructed engine.
// Receipt assets are external collaborators and are supplied by the
// caller, keyed by tranche.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState, receipts map[string]ReceiptAsset) error {
	if e.sequence != 0 || len(e.positions) != 0 {
		return fmt.Errorf("restore requires a fresh engine")
	}
	for _, tok := range snap.Tokens {
		if err := e.assets.AddToken(tok); err != nil {
			return fmt.Errorf("restoring token %s: %w", tok.Symbol, err)
		}
		if saved, ok := snap.Records[tok.Symbol]; ok {
			rec, _ := e.assets.Record(tok.Symbol)
			*rec = *saved
		}
	}
	for _, tr := range snap.Tranches {
		receipt, ok := receipts[tr]
		if !ok {
			return fmt.Errorf("no receipt asset for tranche %s", tr)
		}
		if err := e.AddTranche(tr, receipt); err != nil {
			return fmt.Errorf("restoring tranche %s: %w", tr, err)
		}
		for sym, f := range snap.RiskFactors[tr] {
			if err := e.tranches.SetRiskFactor(tr, sym, f); err != nil {
				return fmt.Errorf("restoring risk factor %s/%s: %w", tr, sym, err)
			}
		}
	}
	for _, sa := range snap.Assets {
		e.assets.SetTrancheAsset(sa.Tranche, sa.Token, sa.Asset.Clone())
	}
	for _, pos := range snap.Positions {
		e.positions[pos.Key.String()] = pos.Clone()
	}
	for key, shares := range snap.Reserves {
		m := make(map[string]*uint256.Int, len(shares))
		for tr, amt := range shares {
			m[tr] = new(uint256.Int).Set(amt)
		}
		e.posShares[key] = m
	}
	e.sequence = snap.Sequence
	if err := e.assets.CheckReserveInvariant(); err != nil {
		return fmt.Errorf("snapshot state invalid: %w", err)
	}
	e.log.Info().Int64("sequence", snap.Sequence).
		Int("positions", len(snap.Positions)).Msg("state restored from snapshot")
	return nil
}
