package state

import (
	"fmt"
)

// TrancheSet is the registry of capital tranches and their per-token risk
// factors. The per-token total risk factor is maintained incrementally so
// allocation never re-scans the registry.
type TrancheSet struct {
	order       []string
	exists      map[string]bool
	riskFactors map[string]map[string]uint64 // tranche -> token -> factor
	totals      map[string]uint64            // token -> sum of factors
}

func NewTrancheSet() *TrancheSet {
	return &TrancheSet{
		exists:      make(map[string]bool),
		riskFactors: make(map[string]map[string]uint64),
		totals:      make(map[string]uint64),
	}
}

// Add registers a tranche.
func (ts *TrancheSet) Add(id string) error {
	if id == "" {
		return fmt.Errorf("empty tranche id")
	}
	if ts.exists[id] {
		return fmt.Errorf("tranche %s already registered", id)
	}
	ts.exists[id] = true
	ts.order = append(ts.order, id)
	ts.riskFactors[id] = make(map[string]uint64)
	return nil
}

// Remove deregisters a tranche, clearing its risk factors from the
// per-token totals. Callers must first verify the tranche holds no
// capital; the registry itself has no view of asset records.
func (ts *TrancheSet) Remove(id string) error {
	if !ts.exists[id] {
		return fmt.Errorf("unknown tranche %s", id)
	}
	for token, factor := range ts.riskFactors[id] {
		ts.totals[token] -= factor
	}
	delete(ts.riskFactors, id)
	delete(ts.exists, id)
	for i, existing := range ts.order {
		if existing == id {
			ts.order = append(ts.order[:i], ts.order[i+1:]...)
			break
		}
	}
	return nil
}

// Has reports whether the tranche is registered.
func (ts *TrancheSet) Has(id string) bool {
	return ts.exists[id]
}

// IDs returns tranche identifiers in registration order. Every allocation
// iterates in this order so results are deterministic.
func (ts *TrancheSet) IDs() []string {
	out := make([]string, len(ts.order))
	copy(out, ts.order)
	return out
}

// SetRiskFactor sets a tranche's risk factor for a token, adjusting the
// per-token total.
func (ts *TrancheSet) SetRiskFactor(tranche, token string, factor uint64) error {
	if !ts.exists[tranche] {
		return fmt.Errorf("unknown tranche %s", tranche)
	}
	old := ts.riskFactors[tranche][token]
	ts.riskFactors[tranche][token] = factor
	ts.totals[token] = ts.totals[token] - old + factor
	return nil
}

// RiskFactor returns the tranche's risk factor for a token.
func (ts *TrancheSet) RiskFactor(tranche, token string) uint64 {
	return ts.riskFactors[tranche][token]
}

// TotalRiskFactor returns the sum of risk factors for a token.
func (ts *TrancheSet) TotalRiskFactor(token string) uint64 {
	return ts.totals[token]
}

// RetireRiskFactor zeroes a tranche's risk factor for a token. Called when
// a tranche saturates during reserve allocation: a tranche with no spare
// capacity stops attracting new reservations for that token going forward.
func (ts *TrancheSet) RetireRiskFactor(tranche, token string) {
	old := ts.riskFactors[tranche][token]
	if old == 0 {
		return
	}
	ts.riskFactors[tranche][token] = 0
	ts.totals[token] -= old
}
