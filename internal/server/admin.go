package server

import (
	"errors"
	"net/http"
	"time"

	"PoolLedger/internal/state"

	"github.com/gorilla/mux"
)

type addTokenRequest struct {
	Symbol       string `json:"symbol"`
	Stable       bool   `json:"stable"`
	TargetWeight uint64 `json:"target_weight"`
}

func (s *Server) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var req addTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.engine.AddToken(state.Token{
		Symbol:       req.Symbol,
		Stable:       req.Stable,
		TargetWeight: req.TargetWeight,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelistToken(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.DelistToken(symbol); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addTrancheRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleAddTranche(w http.ResponseWriter, r *http.Request) {
	var req addTrancheRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if s.receiptFactory == nil {
		s.writeError(w, errors.New("tranche creation not available: no receipt backend"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.AddTranche(req.ID, s.receiptFactory(req.ID)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveTranche(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.RemoveTranche(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setRiskFactorRequest struct {
	Tranche string `json:"tranche"`
	Token   string `json:"token"`
	Factor  uint64 `json:"factor"`
}

func (s *Server) handleSetRiskFactor(w http.ResponseWriter, r *http.Request) {
	var req setRiskFactorRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.SetRiskFactor(req.Tranche, req.Token, req.Factor); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setFeesRequest struct {
	PositionFee         uint64 `json:"position_fee"`
	LiquidationFee      string `json:"liquidation_fee"`
	BaseSwapFee         uint64 `json:"base_swap_fee"`
	TaxBasisPoint       uint64 `json:"tax_basis_point"`
	StableBaseSwapFee   uint64 `json:"stable_base_swap_fee"`
	StableTaxBasisPoint uint64 `json:"stable_tax_basis_point"`
	DAOFee              uint64 `json:"dao_fee"`
}

func (s *Server) handleSetFees(w http.ResponseWriter, r *http.Request) {
	var req setFeesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	liqFee, err := parseAmount("liquidation_fee", req.LiquidationFee)
	if err != nil {
		s.writeError(w, err)
		return
	}
	fees := state.FeeConfig{
		PositionFee:         req.PositionFee,
		BaseSwapFee:         req.BaseSwapFee,
		TaxBasisPoint:       req.TaxBasisPoint,
		StableBaseSwapFee:   req.StableBaseSwapFee,
		StableTaxBasisPoint: req.StableTaxBasisPoint,
		DAOFee:              req.DAOFee,
	}
	fees.LiquidationFee.Set(liqFee)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.SetFees(fees); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setInterestRequest struct {
	AccrualInterval int64  `json:"accrual_interval"`
	InterestRate    uint64 `json:"interest_rate"`
}

func (s *Server) handleSetInterest(w http.ResponseWriter, r *http.Request) {
	var req setInterestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.engine.SetInterest(state.InterestConfig{
		AccrualInterval: req.AccrualInterval,
		InterestRate:    req.InterestRate,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setLeverageRequest struct {
	MaxLeverage uint64 `json:"max_leverage"`
}

func (s *Server) handleSetLeverage(w http.ResponseWriter, r *http.Request) {
	var req setLeverageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.SetMaxLeverage(req.MaxLeverage); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setAddressRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleSetRouter(w http.ResponseWriter, r *http.Request) {
	var req setAddressRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.SetOrderRouter(req.Address); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetFeeDistributor(w http.ResponseWriter, r *http.Request) {
	var req setAddressRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.SetFeeDistributor(req.Address); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type withdrawFeeRequest struct {
	Caller    string `json:"caller"`
	Token     string `json:"token"`
	Recipient string `json:"recipient"`
}

func (s *Server) handleWithdrawFee(w http.ResponseWriter, r *http.Request) {
	var req withdrawFeeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.WithdrawFee(req.Caller, req.Token, req.Recipient, time.Now().Unix()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sequence": s.engine.Sequence()})
}
