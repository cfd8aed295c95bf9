// Package httpapi exposes the lottery over a JSON REST API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/nolosslottery/internal/chain"
	"github.com/R3E-Network/nolosslottery/internal/events"
	"github.com/R3E-Network/nolosslottery/internal/ledger"
	"github.com/R3E-Network/nolosslottery/internal/metrics"
	"github.com/R3E-Network/nolosslottery/internal/middleware"
	"github.com/R3E-Network/nolosslottery/internal/randomness"
	"github.com/R3E-Network/nolosslottery/pkg/logger"
	"github.com/R3E-Network/nolosslottery/services/lottery"
)

const (
	maxBodyBytes = 1 << 16
	maxHistory   = 500
)

// HistorySource returns the recorded events of one account, newest first.
type HistorySource interface {
	History(ctx context.Context, account common.Address, limit int) ([]events.Event, error)
}

// Config holds the API settings. History is optional; without it the history
// endpoint answers 501.
type Config struct {
	JWTSecret []byte
	RateLimit float64
	RateBurst int
	History   HistorySource
}

// handler bundles HTTP endpoints for the lottery controller.
type handler struct {
	ctrl    *lottery.Controller
	history HistorySource
	log     *logger.Logger
	limiter *middleware.RateLimiter
}

// Server is the HTTP front of a lottery controller.
type Server struct {
	router  http.Handler
	limiter *middleware.RateLimiter
}

// NewServer builds the router exposing the REST API.
func NewServer(ctrl *lottery.Controller, cfg Config, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	h := &handler{
		ctrl:    ctrl,
		history: cfg.History,
		log:     log,
		limiter: middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, log),
	}
	auth := middleware.NewAuthMiddleware(cfg.JWTSecret, log, nil)

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(log))
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(auth.Handler, h.limiter.Handler)
	api.HandleFunc("/lottery", h.status).Methods(http.MethodGet)
	api.HandleFunc("/deposits/{address}", h.principal).Methods(http.MethodGet)
	api.HandleFunc("/deposits/{address}/history", h.accountHistory).Methods(http.MethodGet)
	api.HandleFunc("/deposits", h.deposit).Methods(http.MethodPost)
	api.HandleFunc("/withdrawals", h.withdraw).Methods(http.MethodPost)
	api.HandleFunc("/draws", h.draws).Methods(http.MethodGet)
	api.HandleFunc("/draws", h.pickWinner).Methods(http.MethodPost)
	api.HandleFunc("/rounds", h.openRound).Methods(http.MethodPost)
	api.HandleFunc("/admin/pause", h.pause).Methods(http.MethodPost)
	api.HandleFunc("/admin/unpause", h.unpause).Methods(http.MethodPost)
	api.HandleFunc("/randomness/fulfill", h.fulfill).Methods(http.MethodPost)

	return &Server{router: metrics.InstrumentHandler(r), limiter: h.limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RunLimiterCleanup evicts idle per-caller limiters until ctx is done.
func (s *Server) RunLimiterCleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Cleanup(every)
		}
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// Queries
// =============================================================================

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.ctrl.Status(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(st))
}

func (h *handler) principal(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newDepositResponse(addr, h.ctrl.Principal(addr)))
}

func (h *handler) accountHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, errors.New("event history is not configured"))
		return
	}
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r, 50)
	if !ok {
		return
	}
	if limit == 0 || limit > maxHistory {
		limit = maxHistory
	}
	evts, err := h.history.History(r.Context(), addr, limit)
	if err != nil {
		h.log.WithError(err).WithField("account", addr.Hex()).Error("history query failed")
		writeError(w, http.StatusServiceUnavailable, errors.New("event history unavailable"))
		return
	}
	out := make([]eventResponse, 0, len(evts))
	for _, e := range evts {
		out = append(out, newEventResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) draws(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r, 20)
	if !ok {
		return
	}
	results := h.ctrl.Draws(limit)
	out := make([]drawResponse, 0, len(results))
	for _, d := range results {
		out = append(out, newDrawResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// Depositor operations
// =============================================================================

type amountRequest struct {
	Amount string `json:"amount"` // ETH, e.g. "0.001"
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	caller, amount, ok := h.callerAndAmount(w, r)
	if !ok {
		return
	}
	err := h.ctrl.Deposit(r.Context(), caller, amount)
	if errors.Is(err, lottery.ErrTransferPending) {
		writeJSON(w, http.StatusAccepted, newPendingResponse(caller, h.ctrl.Principal(caller), err))
		return
	}
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDepositResponse(caller, h.ctrl.Principal(caller)))
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	caller, amount, ok := h.callerAndAmount(w, r)
	if !ok {
		return
	}
	err := h.ctrl.Withdraw(r.Context(), caller, amount)
	if errors.Is(err, lottery.ErrTransferPending) {
		writeJSON(w, http.StatusAccepted, newPendingResponse(caller, h.ctrl.Principal(caller), err))
		return
	}
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDepositResponse(caller, h.ctrl.Principal(caller)))
}

func (h *handler) callerAndAmount(w http.ResponseWriter, r *http.Request) (common.Address, *uint256.Int, bool) {
	caller, _ := middleware.GetCaller(r.Context())

	var payload amountRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return common.Address{}, nil, false
	}
	amount, err := chain.ParseEther(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return common.Address{}, nil, false
	}
	return caller, amount, true
}

// =============================================================================
// Owner operations
// =============================================================================

func (h *handler) pickWinner(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.GetCaller(r.Context())
	id, err := h.ctrl.PickWinner(r.Context(), caller)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": string(id)})
}

func (h *handler) openRound(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.GetCaller(r.Context())
	n, err := h.ctrl.OpenRound(caller)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"round": n})
}

func (h *handler) pause(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.GetCaller(r.Context())
	if err := h.ctrl.Pause(caller); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) unpause(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.GetCaller(r.Context())
	if err := h.ctrl.Unpause(caller); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Randomness callback
// =============================================================================

type fulfillRequest struct {
	RequestID   string `json:"request_id"`
	RandomValue string `json:"random_value"` // decimal or 0x-prefixed hex
}

func (h *handler) fulfill(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.GetCaller(r.Context())

	var payload fulfillRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.RequestID == "" {
		writeError(w, http.StatusBadRequest, errors.New("request_id is required"))
		return
	}
	value, err := parseWord(payload.RandomValue)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.ctrl.FulfillRandomness(r.Context(), caller, randomness.RequestID(payload.RequestID), value); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDrawResponse(h.ctrl.Draws(1)[0]))
}

func parseWord(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("random_value is required")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := uint256.FromHex(s)
		if err != nil {
			return nil, fmt.Errorf("invalid random_value: %w", err)
		}
		return v, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid random_value: %w", err)
	}
	return v, nil
}

// =============================================================================
// Helpers
// =============================================================================

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lottery.ErrTransferPending):
		return http.StatusAccepted
	case errors.Is(err, ledger.ErrZeroAmount),
		errors.Is(err, lottery.ErrInsufficientBalance),
		errors.Is(err, lottery.ErrOverflow):
		return http.StatusBadRequest
	case errors.Is(err, lottery.ErrUnauthorized),
		errors.Is(err, lottery.ErrUnauthorizedCallback):
		return http.StatusForbidden
	case errors.Is(err, lottery.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, lottery.ErrDrawAlreadyPending), lottery.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, lottery.ErrYieldVault),
		errors.Is(err, randomness.ErrOracleUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func addressVar(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid address %q", raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func limitParam(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
		return 0, false
	}
	return n, true
}

func (h *handler) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).Error("lottery operation failed")
	}
	writeError(w, status, err)
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	middleware.WriteError(w, status, err.Error())
}
