package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/state"

	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
)

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return v, nil
}

// deposit credits tokens to custody when the vault supports it. Against a
// real custody backend the transfer arrives out of band and this is a
// no-op; the ledger detects it by balance differencing either way.
func (s *Server) deposit(token string, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	if d, ok := s.vault.(Depositor); ok {
		d.Deposit(token, amount)
	}
}

// --- Liquidity ---

type addLiquidityRequest struct {
	Tranche     string `json:"tranche"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	MinLPAmount string `json:"min_lp_amount"`
	Recipient   string `json:"recipient"`
}

func (s *Server) handleAddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req addLiquidityRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	minLP, err := parseAmount("min_lp_amount", req.MinLPAmount)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deposit(req.Token, amount)
	if err := s.engine.AddLiquidity(req.Tranche, req.Token, minLP, req.Recipient, time.Now().Unix()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sequence": s.engine.Sequence()})
}

type removeLiquidityRequest struct {
	Tranche   string `json:"tranche"`
	Token     string `json:"token"`
	LPAmount  string `json:"lp_amount"`
	MinOut    string `json:"min_out"`
	Holder    string `json:"holder"`
	Recipient string `json:"recipient"`
}

func (s *Server) handleRemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req removeLiquidityRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	lpAmount, err := parseAmount("lp_amount", req.LPAmount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	minOut, err := parseAmount("min_out", req.MinOut)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.RemoveLiquidity(req.Tranche, req.Token, lpAmount, minOut, req.Holder, req.Recipient, time.Now().Unix()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sequence": s.engine.Sequence()})
}

type swapRequest struct {
	TokenIn   string `json:"token_in"`
	TokenOut  string `json:"token_out"`
	AmountIn  string `json:"amount_in"`
	MinOut    string `json:"min_out"`
	Recipient string `json:"recipient"`
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	amountIn, err := parseAmount("amount_in", req.AmountIn)
	if err != nil {
		s.writeError(w, err)
		return
	}
	minOut, err := parseAmount("min_out", req.MinOut)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deposit(req.TokenIn, amountIn)
	if err := s.engine.Swap(req.TokenIn, req.TokenOut, minOut, req.Recipient, time.Now().Unix()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sequence": s.engine.Sequence()})
}

// --- Positions ---

type increasePositionRequest struct {
	Caller           string `json:"caller"`
	Owner            string `json:"owner"`
	IndexToken       string `json:"index_token"`
	CollateralToken  string `json:"collateral_token"`
	Side             string `json:"side"`
	SizeChange       string `json:"size_change"`
	CollateralAmount string `json:"collateral_amount"`
}

func (s *Server) handleIncreasePosition(w http.ResponseWriter, r *http.Request) {
	var req increasePositionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	side, err := state.ParseSide(req.Side)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sizeChange, err := parseAmount("size_change", req.SizeChange)
	if err != nil {
		s.writeError(w, err)
		return
	}
	collateral, err := parseAmount("collateral_amount", req.CollateralAmount)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deposit(req.CollateralToken, collateral)
	if err := s.engine.IncreasePosition(req.Caller, req.Owner, req.IndexToken, req.CollateralToken, sizeChange, side, time.Now().Unix()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sequence": s.engine.Sequence()})
}

type decreasePositionRequest struct {
	Caller           string `json:"caller"`
	Owner            string `json:"owner"`
	IndexToken       string `json:"index_token"`
	CollateralToken  string `json:"collateral_token"`
	Side             string `json:"side"`
	SizeChange       string `json:"size_change"`
	CollateralChange string `json:"collateral_change"`
	Receiver         string `json:"receiver"`
}

func (s *Server) handleDecreasePosition(w http.ResponseWriter, r *http.Request) {
	var req decreasePositionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	side, err := state.ParseSide(req.Side)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sizeChange, err := parseAmount("size_change", req.SizeChange)
	if err != nil {
		s.writeError(w, err)
		return
	}
	collateralChange, err := parseAmount("collateral_change", req.CollateralChange)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.DecreasePosition(req.Caller, req.Owner, req.IndexToken, req.CollateralToken, collateralChange, sizeChange, side, req.Receiver, time.Now().Unix()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sequence": s.engine.Sequence()})
}

type liquidatePositionRequest struct {
	Caller          string `json:"caller"`
	Owner           string `json:"owner"`
	IndexToken      string `json:"index_token"`
	CollateralToken string `json:"collateral_token"`
	Side            string `json:"side"`
}

func (s *Server) handleLiquidatePosition(w http.ResponseWriter, r *http.Request) {
	var req liquidatePositionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	side, err := state.ParseSide(req.Side)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.LiquidatePosition(req.Caller, req.Owner, req.IndexToken, req.CollateralToken, side, time.Now().Unix()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sequence": s.engine.Sequence()})
}

// --- Batch ---

type batchOpRequest struct {
	Kind             string `json:"kind"`
	Caller           string `json:"caller"`
	Owner            string `json:"owner"`
	Receiver         string `json:"receiver"`
	Tranche          string `json:"tranche"`
	Token            string `json:"token"`
	TokenIn          string `json:"token_in"`
	TokenOut         string `json:"token_out"`
	IndexToken       string `json:"index_token"`
	CollateralToken  string `json:"collateral_token"`
	Side             string `json:"side"`
	SizeChange       string `json:"size_change"`
	CollateralChange string `json:"collateral_change"`
	LPAmount         string `json:"lp_amount"`
	MinOut           string `json:"min_out"`
	DepositToken     string `json:"deposit_token"`
	DepositAmount    string `json:"deposit_amount"`
}

type batchRequest struct {
	Ops []batchOpRequest `json:"ops"`
}

type batchResultResponse struct {
	Index int    `json:"index"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	ops := make([]core.BatchOp, 0, len(req.Ops))
	deposits := make([]struct {
		token  string
		amount *uint256.Int
	}, 0, len(req.Ops))
	for _, o := range req.Ops {
		op := core.BatchOp{
			Kind:            core.BatchOpKind(o.Kind),
			Caller:          o.Caller,
			Owner:           o.Owner,
			Receiver:        o.Receiver,
			Tranche:         o.Tranche,
			Token:           o.Token,
			TokenIn:         o.TokenIn,
			TokenOut:        o.TokenOut,
			IndexToken:      o.IndexToken,
			CollateralToken: o.CollateralToken,
		}
		if o.Side != "" {
			side, err := state.ParseSide(o.Side)
			if err != nil {
				s.writeError(w, err)
				return
			}
			op.Side = side
		}
		var err error
		if op.SizeChange, err = parseAmount("size_change", o.SizeChange); err != nil {
			s.writeError(w, err)
			return
		}
		if op.CollateralChange, err = parseAmount("collateral_change", o.CollateralChange); err != nil {
			s.writeError(w, err)
			return
		}
		if op.LPAmount, err = parseAmount("lp_amount", o.LPAmount); err != nil {
			s.writeError(w, err)
			return
		}
		if op.MinOut, err = parseAmount("min_out", o.MinOut); err != nil {
			s.writeError(w, err)
			return
		}
		dep, err := parseAmount("deposit_amount", o.DepositAmount)
		if err != nil {
			s.writeError(w, err)
			return
		}
		ops = append(ops, op)
		deposits = append(deposits, struct {
			token  string
			amount *uint256.Int
		}{o.DepositToken, dep})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().Unix()
	results := make([]batchResultResponse, len(ops))
	for i, op := range ops {
		if deposits[i].token != "" {
			s.deposit(deposits[i].token, deposits[i].amount)
		}
		res := s.engine.ExecuteBatch([]core.BatchOp{op}, now)
		results[i].Index = i
		if res[0].Err != nil {
			results[i].Error = res[0].Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results":  results,
		"sequence": s.engine.Sequence(),
	})
}

// --- Queries ---

type positionResponse struct {
	Owner           string `json:"owner"`
	IndexToken      string `json:"index_token"`
	CollateralToken string `json:"collateral_token"`
	Side            string `json:"side"`
	Size            string `json:"size"`
	CollateralValue string `json:"collateral_value"`
	EntryPrice      string `json:"entry_price"`
	ReserveAmount   string `json:"reserve_amount"`
	BorrowIndex     string `json:"borrow_index"`
}

func toPositionResponse(p *state.Position) positionResponse {
	return positionResponse{
		Owner:           p.Key.Owner,
		IndexToken:      p.Key.IndexToken,
		CollateralToken: p.Key.CollateralToken,
		Side:            p.Key.Side.String(),
		Size:            p.Size.Dec(),
		CollateralValue: p.CollateralValue.Dec(),
		EntryPrice:      p.EntryPrice.Dec(),
		ReserveAmount:   p.ReserveAmount.Dec(),
		BorrowIndex:     p.BorrowIndex.Dec(),
	}
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]positionResponse, 0)
	for _, p := range s.engine.Positions() {
		if owner != "" && p.Key.Owner != owner {
			continue
		}
		out = append(out, toPositionResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": out})
}

type trancheResponse struct {
	ID         string `json:"id"`
	ValueMin   string `json:"value_min"`
	ValueMax   string `json:"value_max"`
	LPPriceMin string `json:"lp_price_min"`
	LPPriceMax string `json:"lp_price_max"`
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	poolMin, err := s.engine.PoolValue(false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	poolMax, err := s.engine.PoolValue(true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tranches := make([]trancheResponse, 0)
	for _, id := range s.engine.Tranches() {
		tr, err := s.trancheView(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		tranches = append(tranches, tr)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"value_min": poolMin.Dec(),
		"value_max": poolMax.Dec(),
		"tranches":  tranches,
		"tokens":    s.engine.Tokens(),
		"sequence":  s.engine.Sequence(),
	})
}

func (s *Server) trancheView(id string) (trancheResponse, error) {
	vMin, err := s.engine.TrancheValue(id, false)
	if err != nil {
		return trancheResponse{}, err
	}
	vMax, err := s.engine.TrancheValue(id, true)
	if err != nil {
		return trancheResponse{}, err
	}
	pMin, err := s.engine.LPPrice(id, false)
	if err != nil {
		return trancheResponse{}, err
	}
	pMax, err := s.engine.LPPrice(id, true)
	if err != nil {
		return trancheResponse{}, err
	}
	return trancheResponse{
		ID:         id,
		ValueMin:   vMin.Dec(),
		ValueMax:   vMax.Dec(),
		LPPriceMin: pMin.Dec(),
		LPPriceMax: pMax.Dec(),
	}, nil
}

func (s *Server) handleGetTranche(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	defer s.mu.Unlock()
	tr, err := s.trancheView(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	assets := make(map[string]map[string]string)
	for _, token := range s.engine.Tokens() {
		a, err := s.engine.TrancheAssetView(id, token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		assets[token] = map[string]string{
			"pool_amount":      a.PoolAmount.Dec(),
			"reserved_amount":  a.ReservedAmount.Dec(),
			"guaranteed_value": a.GuaranteedValue.Dec(),
			"total_short_size": a.TotalShortSize.Dec(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tranche": tr,
		"assets":  assets,
	})
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.engine.TokenRecordView(symbol)
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.engine.TokenInfo(symbol)
	if err != nil {
		s.writeError(w, err)
		return
	}
	agg, err := s.engine.AggregateAssetView(symbol)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":                 symbol,
		"stable":                 info.Stable,
		"target_weight":          info.TargetWeight,
		"delisted":               info.Delisted,
		"fee_reserve":            rec.FeeReserve.Dec(),
		"average_short_price":    rec.AverageShortPrice.Dec(),
		"borrow_index":           rec.BorrowIndex.Dec(),
		"last_accrual_timestamp": rec.LastAccrualTimestamp,
		"pool_balance":           rec.PoolBalance.Dec(),
		"pool_amount":            agg.PoolAmount.Dec(),
		"reserved_amount":        agg.ReservedAmount.Dec(),
		"guaranteed_value":       agg.GuaranteedValue.Dec(),
		"total_short_size":       agg.TotalShortSize.Dec(),
	})
}

// --- History ---

func parseLimit(r *http.Request) int {
	l, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return l
}

func (s *Server) handlePositionHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.history.PositionHistory(r.Context(), r.URL.Query().Get("owner"), parseLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	watermark, err := s.history.Watermark(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":   entries,
		"watermark": watermark,
	})
}

func (s *Server) handleLiquidityHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.history.LiquidityHistory(r.Context(), r.URL.Query().Get("tranche"), parseLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	watermark, err := s.history.Watermark(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":   entries,
		"watermark": watermark,
	})
}

// --- Prices ---

type postPriceRequest struct {
	Token string `json:"token"`
	Low   string `json:"low"`
	High  string `json:"high"`
	Price string `json:"price"`
}

func (s *Server) handlePostPrice(w http.ResponseWriter, r *http.Request) {
	var req postPriceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	low, high := req.Low, req.High
	if req.Price != "" {
		low, high = req.Price, req.Price
	}
	lo, err := parseAmount("low", low)
	if err != nil {
		s.writeError(w, err)
		return
	}
	hi, err := parseAmount("high", high)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.ApplyPriceUpdate(req.Token, lo, hi, time.Now()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
