// Package server exposes the ledger over HTTP/JSON. Every mutating
// request is forwarded to the engine goroutine through the Gateway, so
// the single-threaded processing model is preserved.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"marginledger/internal/auth"
	"marginledger/internal/core"
	"marginledger/internal/event"
	"marginledger/internal/observability"
	"marginledger/internal/query"
)

// Gateway hands requests to the engine goroutine and waits for the
// outcome. The orchestrator implements it over the engine's request
// channel.
type Gateway interface {
	SubmitEvent(ctx context.Context, evt event.Event) error
	SubmitOperation(ctx context.Context, op core.Operation, sourceSeq int64, ts time.Time) error
	SubmitBatch(ctx context.Context, batchOpID uuid.UUID, mode core.BatchMode, ops []core.Operation, sourceSeq int64, ts time.Time) (*core.BatchResult, error)
}

// Server is the HTTP/JSON front end: fund movements and position
// operations for operators, market and parameter administration for
// admins, and open read endpoints backed by the projection tables.
type Server struct {
	router  *httprouter.Router
	httpSrv *http.Server

	gateway Gateway
	queries *query.Service
	keys    *auth.Store
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(addr string, gateway Gateway, queries *query.Service, keys *auth.Store, health *observability.HealthChecker, metrics *observability.Metrics) *Server {
	s := &Server{
		router:  httprouter.New(),
		gateway: gateway,
		queries: queries,
		keys:    keys,
		health:  health,
		metrics: metrics,
		log:     observability.NewLogger("server"),
	}

	s.router.POST("/api/v1/funds/deposit", keys.Require(auth.RoleOperator, s.handleDeposit))
	s.router.POST("/api/v1/funds/withdraw", keys.Require(auth.RoleOperator, s.handleWithdraw))
	s.router.POST("/api/v1/funds/claim", keys.Require(auth.RoleOperator, s.handleClaim))
	s.router.POST("/api/v1/ops", keys.Require(auth.RoleOperator, s.handleOperation))
	s.router.POST("/api/v1/batches", keys.Require(auth.RoleOperator, s.handleBatch))

	s.router.POST("/api/v1/admin/markets", keys.Require(auth.RoleAdmin, s.handleAddMarket))
	s.router.POST("/api/v1/admin/params", keys.Require(auth.RoleAdmin, s.handleUpdateParams))
	s.router.GET("/api/v1/admin/integrity", keys.Require(auth.RoleAdmin, s.instrumented("integrity", s.handleIntegrity)))

	s.router.GET("/api/v1/balances/:user", s.instrumented("balances", s.handleGetBalance))
	s.router.GET("/api/v1/system", s.instrumented("system", s.handleGetSystem))
	s.router.GET("/api/v1/ledger/:user", s.instrumented("ledger", s.handleGetLedger))
	s.router.GET("/api/v1/events", s.instrumented("events", s.handleGetEvents))

	s.router.HandlerFunc(http.MethodGet, "/healthz", health.LivenessHandler)
	s.router.HandlerFunc(http.MethodGet, "/readyz", health.ReadinessHandler)
	s.router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Shutdown or listener failure.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpSrv.Addr).Msg("http server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// --- fund movements ---

type fundsRequest struct {
	OpID        string `json:"op_id"`
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req fundsRequest
	if !s.decode(w, r, &req) {
		return
	}
	opID, userID, ok := s.parseIDs(w, req.OpID, req.UserID)
	if !ok {
		return
	}
	s.submit(w, r, &event.Deposited{
		OpID:      opID,
		UserID:    userID,
		Amount:    req.Amount,
		Sequence:  req.Sequence,
		Timestamp: time.UnixMicro(req.TimestampUs),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req fundsRequest
	if !s.decode(w, r, &req) {
		return
	}
	opID, userID, ok := s.parseIDs(w, req.OpID, req.UserID)
	if !ok {
		return
	}
	s.submit(w, r, &event.WithdrawalRequested{
		OpID:      opID,
		UserID:    userID,
		Amount:    req.Amount,
		Sequence:  req.Sequence,
		Timestamp: time.UnixMicro(req.TimestampUs),
	})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req fundsRequest
	if !s.decode(w, r, &req) {
		return
	}
	opID, userID, ok := s.parseIDs(w, req.OpID, req.UserID)
	if !ok {
		return
	}
	s.submit(w, r, &event.WithdrawalClaimed{
		OpID:      opID,
		UserID:    userID,
		Sequence:  req.Sequence,
		Timestamp: time.UnixMicro(req.TimestampUs),
	})
}

// --- position operations ---

type opRequest struct {
	Op          string `json:"op"`
	OpID        string `json:"op_id"`
	UserID      string `json:"user_id"`
	Market      string `json:"market"`
	Size        int64  `json:"size"`
	Fee         int64  `json:"fee"`
	Amount      int64  `json:"amount"`
	IsCredit    bool   `json:"is_credit"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (o *opRequest) toOperation() (core.Operation, error) {
	opID, err := uuid.Parse(o.OpID)
	if err != nil {
		return core.Operation{}, errors.New("invalid op_id")
	}
	userID, err := uuid.Parse(o.UserID)
	if err != nil {
		return core.Operation{}, errors.New("invalid user_id")
	}
	return core.Operation{
		Tag:      core.OpTag(o.Op),
		OpID:     opID,
		User:     userID,
		Market:   o.Market,
		Size:     o.Size,
		Fee:      o.Fee,
		Amount:   o.Amount,
		IsCredit: o.IsCredit,
	}, nil
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req opRequest
	if !s.decode(w, r, &req) {
		return
	}
	op, err := req.toOperation()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	if err := s.gateway.SubmitOperation(r.Context(), op, req.Sequence, time.UnixMicro(req.TimestampUs)); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

type batchRequest struct {
	OpID        string      `json:"op_id"`
	Mode        string      `json:"mode"`
	Ops         []opRequest `json:"ops"`
	Sequence    int64       `json:"sequence"`
	TimestampUs int64       `json:"timestamp_us"`
}

type batchEntryResponse struct {
	Index int    `json:"index"`
	Op    string `json:"op"`
	OpID  string `json:"op_id"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

type batchResponse struct {
	Mode      string               `json:"mode"`
	Total     int                  `json:"total"`
	Succeeded int                  `json:"succeeded"`
	Skipped   int                  `json:"skipped"`
	Results   []batchEntryResponse `json:"results"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}

	batchID, err := uuid.Parse(req.OpID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", errors.New("invalid op_id"))
		return
	}

	mode := core.BatchMode(req.Mode)
	if mode != core.FeeMode && mode != core.NonFeeMode {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", errors.New("mode must be fee or non_fee"))
		return
	}

	ops := make([]core.Operation, 0, len(req.Ops))
	for _, entry := range req.Ops {
		op, err := entry.toOperation()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
			return
		}
		ops = append(ops, op)
	}

	result, err := s.gateway.SubmitBatch(r.Context(), batchID, mode, ops, req.Sequence, time.UnixMicro(req.TimestampUs))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if result == nil {
		// Replay of an already processed batch.
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	resp := batchResponse{
		Mode:      string(result.Mode),
		Total:     result.Total,
		Succeeded: result.Succeeded,
		Skipped:   result.Skipped,
	}
	for _, opResult := range result.Results {
		entry := batchEntryResponse{
			Index: opResult.Index,
			Op:    string(opResult.Tag),
			OpID:  opResult.OpID.String(),
			Code:  opResult.Code,
		}
		if opResult.Err != nil {
			entry.Error = opResult.Err.Error()
		}
		resp.Results = append(resp.Results, entry)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// --- administration ---

type addMarketRequest struct {
	OpID        string `json:"op_id"`
	Name        string `json:"name"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (s *Server) handleAddMarket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req addMarketRequest
	if !s.decode(w, r, &req) {
		return
	}
	opID, err := uuid.Parse(req.OpID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", errors.New("invalid op_id"))
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", errors.New("missing market name"))
		return
	}
	s.submit(w, r, &event.MarketAdded{
		OpID:      opID,
		Name:      req.Name,
		Sequence:  req.Sequence,
		Timestamp: time.UnixMicro(req.TimestampUs),
	})
}

type updateParamsRequest struct {
	OpID        string `json:"op_id"`
	Param       string `json:"param"`
	Value       string `json:"value"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req updateParamsRequest
	if !s.decode(w, r, &req) {
		return
	}
	opID, err := uuid.Parse(req.OpID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", errors.New("invalid op_id"))
		return
	}
	s.submit(w, r, &event.ParamsUpdated{
		OpID:      opID,
		Param:     req.Param,
		Value:     req.Value,
		Sequence:  req.Sequence,
		Timestamp: time.UnixMicro(req.TimestampUs),
	})
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// --- read endpoints ---

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	userID, err := uuid.Parse(ps.ByName("user"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", errors.New("invalid user id"))
		return
	}
	resp, err := s.queries.GetBalance(r.Context(), userID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSystem(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp, err := s.queries.GetSystemAccounts(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	userID, err := uuid.Parse(ps.ByName("user"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", errors.New("invalid user id"))
		return
	}
	limit := queryInt(r, "limit", 100)
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	before := queryCursor(r, "before")

	entries, err := s.queries.GetLedgerHistory(r.Context(), userID, limit, before)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit := queryInt(r, "limit", 100)
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	before := queryCursor(r, "before")

	var marketID *string
	if m := r.URL.Query().Get("market"); m != "" {
		marketID = &m
	}

	events, err := s.queries.GetEvents(r.Context(), marketID, limit, before)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// --- plumbing ---

func (s *Server) submit(w http.ResponseWriter, r *http.Request, evt event.Event) {
	if err := s.gateway.SubmitEvent(r.Context(), evt); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err)
		return false
	}
	return true
}

func (s *Server) parseIDs(w http.ResponseWriter, opID, userID string) (uuid.UUID, uuid.UUID, bool) {
	op, err := uuid.Parse(opID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", errors.New("invalid op_id"))
		return uuid.Nil, uuid.Nil, false
	}
	user, err := uuid.Parse(userID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", errors.New("invalid user_id"))
		return uuid.Nil, uuid.Nil, false
	}
	return op, user, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	code := core.ErrorCode(err)
	s.writeError(w, statusFor(code), code, err)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string, err error) {
	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  code,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

func statusFor(code string) int {
	switch code {
	case "INVALID_AMOUNT", "UNKNOWN_OPERATION":
		return http.StatusBadRequest
	case "UNAUTHORIZED":
		return http.StatusForbidden
	case "MARKET_NOT_FOUND":
		return http.StatusNotFound
	case "MARKET_EXISTS", "WITHDRAWAL_LOCKED", "OUT_OF_ORDER", "SEQUENCE_GAP":
		return http.StatusConflict
	case "INSUFFICIENT_FUNDING", "INSUFFICIENT_TRADING", "INSUFFICIENT_RESERVE", "MARKET_INSOLVENCY":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// instrumented wraps a read handler with request metrics.
func (s *Server) instrumented(name string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, ps)
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
			s.metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			if rec.status >= http.StatusInternalServerError {
				s.metrics.QueryErrors.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func queryCursor(r *http.Request, key string) *int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
