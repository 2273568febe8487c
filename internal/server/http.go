package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/query"
	"PoolLedger/internal/state"

	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Depositor is the optional custody surface for crediting inbound tokens.
// The in-memory vault implements it; a real custody integration detects
// transfers out of band and does not.
type Depositor interface {
	Deposit(token string, amount *uint256.Int)
}

// Server is the HTTP API over the ledger. The engine is single-threaded
// by design, so every handler that touches it holds the mutex; the HTTP
// layer is the concurrency boundary.
type Server struct {
	mu     sync.Mutex
	engine *core.Engine
	oracle *core.PostedOracle
	vault  core.TokenVault

	// receiptFactory builds the liquidity receipt backing a tranche added
	// through the admin API.
	receiptFactory func(tranche string) core.ReceiptAsset

	// history serves read-model queries; nil disables the history routes.
	history *query.Service

	health  *observability.HealthChecker
	log     zerolog.Logger
	metrics *observability.Metrics

	httpServer *http.Server
}

func New(
	addr string,
	engine *core.Engine,
	oracle *core.PostedOracle,
	vault core.TokenVault,
	receiptFactory func(tranche string) core.ReceiptAsset,
	history *query.Service,
	health *observability.HealthChecker,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Server {
	s := &Server{
		engine:         engine,
		oracle:         oracle,
		vault:          vault,
		receiptFactory: receiptFactory,
		history:        history,
		health:         health,
		log:            log,
		metrics:        metrics,
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/v1/liquidity", s.instrument("add_liquidity", s.handleAddLiquidity)).Methods(http.MethodPost)
	r.HandleFunc("/v1/liquidity", s.instrument("remove_liquidity", s.handleRemoveLiquidity)).Methods(http.MethodDelete)
	r.HandleFunc("/v1/swap", s.instrument("swap", s.handleSwap)).Methods(http.MethodPost)

	r.HandleFunc("/v1/positions/increase", s.instrument("increase_position", s.handleIncreasePosition)).Methods(http.MethodPost)
	r.HandleFunc("/v1/positions/decrease", s.instrument("decrease_position", s.handleDecreasePosition)).Methods(http.MethodPost)
	r.HandleFunc("/v1/positions/liquidate", s.instrument("liquidate_position", s.handleLiquidatePosition)).Methods(http.MethodPost)
	r.HandleFunc("/v1/batch", s.instrument("batch", s.handleBatch)).Methods(http.MethodPost)

	r.HandleFunc("/v1/positions", s.instrument("get_positions", s.handleGetPositions)).Methods(http.MethodGet)
	r.HandleFunc("/v1/pool", s.instrument("get_pool", s.handleGetPool)).Methods(http.MethodGet)
	r.HandleFunc("/v1/tranches/{id}", s.instrument("get_tranche", s.handleGetTranche)).Methods(http.MethodGet)
	r.HandleFunc("/v1/tokens/{symbol}", s.instrument("get_token", s.handleGetToken)).Methods(http.MethodGet)

	r.HandleFunc("/v1/admin/tokens", s.instrument("admin_add_token", s.handleAddToken)).Methods(http.MethodPut)
	r.HandleFunc("/v1/admin/tokens/{symbol}", s.instrument("admin_delist_token", s.handleDelistToken)).Methods(http.MethodDelete)
	r.HandleFunc("/v1/admin/tranches", s.instrument("admin_add_tranche", s.handleAddTranche)).Methods(http.MethodPut)
	r.HandleFunc("/v1/admin/tranches/{id}", s.instrument("admin_remove_tranche", s.handleRemoveTranche)).Methods(http.MethodDelete)
	r.HandleFunc("/v1/admin/risk-factors", s.instrument("admin_risk_factor", s.handleSetRiskFactor)).Methods(http.MethodPut)
	r.HandleFunc("/v1/admin/fees", s.instrument("admin_fees", s.handleSetFees)).Methods(http.MethodPut)
	r.HandleFunc("/v1/admin/interest", s.instrument("admin_interest", s.handleSetInterest)).Methods(http.MethodPut)
	r.HandleFunc("/v1/admin/leverage", s.instrument("admin_leverage", s.handleSetLeverage)).Methods(http.MethodPut)
	r.HandleFunc("/v1/admin/router", s.instrument("admin_router", s.handleSetRouter)).Methods(http.MethodPut)
	r.HandleFunc("/v1/admin/fee-distributor", s.instrument("admin_distributor", s.handleSetFeeDistributor)).Methods(http.MethodPut)
	r.HandleFunc("/v1/admin/fees/withdraw", s.instrument("withdraw_fee", s.handleWithdrawFee)).Methods(http.MethodPost)

	r.HandleFunc("/v1/prices", s.instrument("post_price", s.handlePostPrice)).Methods(http.MethodPost)

	if s.history != nil {
		r.HandleFunc("/v1/history/positions", s.instrument("position_history", s.handlePositionHistory)).Methods(http.MethodGet)
		r.HandleFunc("/v1/history/liquidity", s.instrument("liquidity_history", s.handleLiquidityHistory)).Methods(http.MethodGet)
	}

	if s.health != nil {
		r.HandleFunc("/healthz", s.health.LivenessHandler).Methods(http.MethodGet)
		r.HandleFunc("/readyz", s.health.ReadinessHandler).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("http shutdown")
		}
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ApplyPriceUpdate posts one feed observation to the oracle under the
// engine mutex.
func (s *Server) ApplyPriceUpdate(token string, low, high *uint256.Int, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oracle.Post(token, low, high, ts)
}

// Snapshot captures the ledger state as JSON under the engine mutex,
// returning the last sequence the snapshot covers.
func (s *Server) Snapshot() (int64, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.engine.CreateSnapshotState()
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, nil, err
	}
	return snap.Sequence, data, nil
}

// Sequence returns the ledger sequence under the engine mutex.
func (s *Server) Sequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Sequence()
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(op string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		if s.metrics != nil {
			s.metrics.APIRequests.WithLabelValues(op, strconv.Itoa(rec.status)).Inc()
			s.metrics.APIDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
	}
}

// --- Response plumbing ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

// statusFor maps ledger sentinels onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUnknownToken),
		errors.Is(err, core.ErrUnknownTranche),
		errors.Is(err, core.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrSlippage),
		errors.Is(err, core.ErrLeverage),
		errors.Is(err, core.ErrLowCollateral),
		errors.Is(err, core.ErrUpdateCausesLiquidation),
		errors.Is(err, core.ErrNotLiquidatable),
		errors.Is(err, core.ErrTokenDelisted),
		errors.Is(err, state.ErrInsufficientCapacity):
		return http.StatusConflict
	case errors.Is(err, core.ErrReentrancy):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrStalePrice):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
