package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"settlerails/internal/authz"
	"settlerails/internal/chain"
	"settlerails/internal/config"
	"settlerails/internal/hmacauth"
	"settlerails/internal/metrics"
	"settlerails/internal/screening"
	"settlerails/internal/settlement"
	"settlerails/internal/store"
)

// Settler is the part of the orchestrator the front door drives.
type Settler interface {
	Validate(intent settlement.PaymentIntent) (string, error)
	Settle(ctx context.Context, intent settlement.PaymentIntent) settlement.Outcome
	Status(ctx context.Context, id string) (*settlement.Record, error)
	ManualRefund(ctx context.Context, id string) settlement.Outcome
}

type Preparer interface {
	PrepareTransfer(chainID *big.Int, req authz.PrepareRequest) (*authz.PreparedTransfer, error)
}

type Deps struct {
	Settler   Settler
	Preparer  Preparer
	Screener  screening.Screener
	Responses store.ResponseCache
	Metrics   *metrics.Registry
	// QueueDepth reports the reconciliation backlog for /health.
	QueueDepth func() int
	RPCHealth  func(context.Context) error
	DBHealth   func(context.Context) error
	Logger     *slog.Logger
}

type Server struct {
	cfg        *config.AppConfig
	deps       Deps
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	logger     *slog.Logger

	// background settlements; Shutdown waits for them
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Screener == nil {
		deps.Screener = &screening.DenyList{}
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:  cfg,
		deps: deps,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		logger:  logger.With(slog.String("component", "http")),
		baseCtx: baseCtx,
		cancel:  cancel,
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware, s.logRequests)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/transfers/prepare", s.handlePrepare)
		r.With(s.hmac.Middleware).Post("/payments", s.handlePayment)
		r.Get("/settlements/{id}", s.handleStatus)
		r.With(s.hmac.Middleware).Post("/settlements/{id}/refund", s.handleRefund)
		r.Get("/health", s.handleHealth)
		r.Handle("/metrics", s.deps.Metrics.Handler())
	})
	return r
}

func (s *Server) Start() error {
	s.logger.Info("API listening", slog.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then waits for in-flight settlements.
// When ctx ends first the remaining settlements are cancelled; anything
// already on-chain finishes regardless.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
	}
	return err
}

// Wait blocks until every background settlement has returned.
func (s *Server) Wait() { s.wg.Wait() }

type prepareRequest struct {
	From            common.Address  `json:"from"`
	Amount          decimal.Decimal `json:"amount"`
	ValidForSeconds int64           `json:"validForSeconds,omitempty"`
	Nonce           *common.Hash    `json:"nonce,omitempty"`
}

type prepareResponse struct {
	Authorization authz.Envelope `json:"authorization"`
	TypedData     any            `json:"typedData"`
	Digest        common.Hash    `json:"digest"`
}

// PaymentRequest is the body of POST /api/v1/payments.
type PaymentRequest struct {
	Payer         common.Address         `json:"payer"`
	Treasury      *common.Address        `json:"treasury,omitempty"`
	Amount        decimal.Decimal        `json:"amount"`
	ChainID       int64                  `json:"chainId,omitempty"`
	NetworkFee    *decimal.Decimal       `json:"networkFee,omitempty"`
	Beneficiary   settlement.Beneficiary `json:"beneficiary"`
	Authorization authz.Envelope         `json:"authorization"`
}

// PaymentResponse is returned when a payment is accepted or replayed.
type PaymentResponse struct {
	SettlementID string             `json:"settlementId"`
	Status       string             `json:"status"`
	Record       *settlement.Record `json:"record,omitempty"`
}

// RefundResponse carries the record after a manual refund attempt.
type RefundResponse struct {
	Record *settlement.Record `json:"record"`
	Error  string             `json:"error,omitempty"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Evidence string `json:"evidence,omitempty"`
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var payload prepareRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if payload.From == (common.Address{}) {
		writeError(w, http.StatusBadRequest, "from is required")
		return
	}
	if !payload.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	req := authz.PrepareRequest{
		From:     payload.From,
		Value:    chain.ToBaseUnits(payload.Amount, s.cfg.Chain.TokenDecimals),
		ValidFor: time.Duration(payload.ValidForSeconds) * time.Second,
	}
	if payload.Nonce != nil {
		n := [32]byte(*payload.Nonce)
		req.Nonce = &n
	}
	prepared, err := s.deps.Preparer.PrepareTransfer(big.NewInt(s.cfg.Chain.ChainID), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, prepareResponse{
		Authorization: authz.Wrap(&prepared.Authorization),
		TypedData:     prepared.TypedData,
		Digest:        prepared.Digest,
	})
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing X-Idempotency-Key header")
		return
	}

	ctx := r.Context()
	log := s.logger.With(slog.String("idempotency_key", key), slog.String("request_id", r.Header.Get("X-Request-Id")))

	if existing, _ := s.deps.Responses.GetResponse(ctx, key); existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Body)
		return
	}

	var payload PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	intent, err := s.intentFrom(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	screened, err := s.deps.Screener.CheckAddress(ctx, intent.Payer)
	if err != nil {
		log.Error("screening unavailable", slog.Any("err", err))
		writeError(w, http.StatusServiceUnavailable, "screening unavailable")
		return
	}
	if screened.Sanctioned {
		log.Warn("payer rejected by screening", slog.String("payer", intent.Payer.Hex()), slog.String("evidence", screened.Evidence))
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "payer address is sanctioned", Evidence: screened.Evidence})
		return
	}

	id, err := s.deps.Settler.Validate(intent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusAccepted
	resp := PaymentResponse{SettlementID: id, Status: "accepted"}
	if rec, err := s.deps.Settler.Status(ctx, id); err == nil {
		status = http.StatusOK
		resp.Status = string(rec.State)
		resp.Record = rec
	} else if !errors.Is(err, settlement.ErrNotFound) {
		log.Error("load settlement", slog.String("settlement_id", id), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "settlement store unavailable")
		return
	} else {
		s.settleAsync(intent, id)
	}

	body, _ := json.Marshal(resp)
	now := time.Now()
	if err := s.deps.Responses.SaveResponse(ctx, key, store.Response{
		StatusCode: status,
		Body:       body,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
	}); err != nil {
		log.Warn("cache payment response", slog.Any("err", err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) settleAsync(intent settlement.PaymentIntent, id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.baseCtx
		if d := s.cfg.Service.SettlementTimeout; d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		out := s.deps.Settler.Settle(ctx, intent)
		attrs := []any{slog.String("settlement_id", id)}
		if out.Record != nil {
			attrs = append(attrs, slog.String("state", string(out.Record.State)))
		}
		if out.Err != nil {
			attrs = append(attrs, slog.Any("err", out.Err))
		}
		s.logger.Info("settlement finished", attrs...)
	}()
}

func (s *Server) intentFrom(p PaymentRequest) (settlement.PaymentIntent, error) {
	proof, err := p.Authorization.Proof()
	if err != nil {
		return settlement.PaymentIntent{}, err
	}
	chainID := s.cfg.Chain.ChainID
	if p.ChainID != 0 {
		chainID = p.ChainID
	}
	intent := settlement.PaymentIntent{
		Payer:         p.Payer,
		Amount:        p.Amount,
		ChainID:       big.NewInt(chainID),
		Beneficiary:   p.Beneficiary,
		NetworkFee:    p.NetworkFee,
		Authorization: proof,
	}
	if p.Treasury != nil {
		intent.Treasury = *p.Treasury
	}
	return intent, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.deps.Settler.Status(r.Context(), id)
	if errors.Is(err, settlement.ErrNotFound) {
		writeError(w, http.StatusNotFound, "settlement not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out := s.deps.Settler.ManualRefund(r.Context(), id)

	switch {
	case errors.Is(out.Err, settlement.ErrNotFound):
		writeError(w, http.StatusNotFound, "settlement not found")
		return
	case errors.Is(out.Err, settlement.ErrNotRefundable):
		writeError(w, http.StatusConflict, out.Err.Error())
		return
	case out.Record == nil:
		writeError(w, http.StatusInternalServerError, fmt.Sprint(out.Err))
		return
	}

	resp := RefundResponse{Record: out.Record}
	status := http.StatusOK
	if out.Record.State != settlement.StateRefunded {
		status = http.StatusBadGateway
		if out.Err != nil {
			resp.Error = out.Err.Error()
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.deps.RPCHealth != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.deps.RPCHealth(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.deps.DBHealth != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.deps.DBHealth(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	queueDepth := 0
	if s.deps.QueueDepth != nil {
		queueDepth = s.deps.QueueDepth()
	}
	s.deps.Metrics.SetReconcileDepth(queueDepth)

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string `json:"status"`
		RPC        any    `json:"rpc"`
		Database   any    `json:"database"`
		QueueDepth int    `json:"queue_depth"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		QueueDepth: queueDepth,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", r.Header.Get("X-Request-Id")))
	})
}
