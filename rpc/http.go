package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jayteemoney/stacksvestor/native/bank"
	"github.com/jayteemoney/stacksvestor/native/common"
	"github.com/jayteemoney/stacksvestor/native/vesting"
	"github.com/jayteemoney/stacksvestor/observability"
	"github.com/jayteemoney/stacksvestor/observability/logging"
)

const (
	jsonRPCVersion         = "2.0"
	defaultMaxRequestBytes = 1 << 20 // 1 MiB
	requestIDHeader        = "X-Request-ID"
	vestingModule          = "vesting"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
	codeModulePaused   = -32030

	codeVestingNotFound     = -32042
	codeVestingForbidden    = -32043
	codeVestingConflict     = -32044
	codeVestingPolicy       = -32045
	codeVestingBinding      = -32046
	codeVestingTransferFail = -32047
)

// Config carries the listener policy for the JSON-RPC server.
type Config struct {
	JWTSecret          []byte
	JWTIssuer          string
	JWTAudience        string
	RateLimitPerSecond float64
	RateLimitBurst     int
	MaxBodyBytes       int64
}

// Server exposes the vesting ledger over JSON-RPC 2.0.
type Server struct {
	engine *vesting.Engine
	token  *bank.Token
	events EventLog
	pauses common.PauseView
	logger *slog.Logger

	auth     *authenticator
	limiter  *rateLimiter
	maxBytes int64
	router   http.Handler
}

// NewServer builds the router. events and pauses may be nil: listing is then
// unavailable and no module is ever paused.
func NewServer(engine *vesting.Engine, token *bank.Token, events EventLog, pauses common.PauseView, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBytes
	}
	s := &Server{
		engine:   engine,
		token:    token,
		events:   events,
		pauses:   pauses,
		logger:   logger.With("component", "rpc"),
		auth:     newAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience),
		limiter:  newRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		maxBytes: maxBytes,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/ws/events", s.handleEventsWS)
	r.Handle("/metrics", promhttp.Handler())
	r.Method(http.MethodPost, "/", otelhttp.NewHandler(http.HandlerFunc(s.handle), "vestingd.rpc"))
	return r
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"height": s.engine.Height(),
	})
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, req *RPCRequest)

type route struct {
	handler handlerFunc
	mutates bool
}

func (s *Server) routes() map[string]route {
	return map[string]route{
		"vesting_addBeneficiary":        {s.handleAddBeneficiary, true},
		"vesting_claim":                 {s.handleClaim, true},
		"vesting_revoke":                {s.handleRevoke, true},
		"vesting_transferAdmin":         {s.handleTransferAdmin, true},
		"vesting_setTokenContract":      {s.handleSetTokenContract, true},
		"vesting_emergencyWithdraw":     {s.handleEmergencyWithdraw, true},
		"vesting_airdrop":               {s.handleAirdrop, true},
		"vesting_getVestingInfo":        {s.handleGetVestingInfo, false},
		"vesting_getAdmin":              {s.handleGetAdmin, false},
		"vesting_isBeneficiary":         {s.handleIsBeneficiary, false},
		"vesting_getTotalBeneficiaries": {s.handleGetTotalBeneficiaries, false},
		"vesting_getTotalVestingAmount": {s.handleGetTotalVestingAmount, false},
		"vesting_getBeneficiaryAtIndex": {s.handleGetBeneficiaryAtIndex, false},
		"vesting_getTokenContract":      {s.handleGetTokenContract, false},
		"vesting_listEvents":            {s.handleListEvents, false},
		"vesting_getHeight":             {s.handleGetHeight, false},
		"vesting_reconcile":             {s.handleReconcile, false},
		"bank_getBalance":               {s.handleBankGetBalance, false},
	}
}

// handle decodes the envelope, applies rate limiting, authentication and the
// pause switch, then dispatches to the method handler.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, requestID)
	w.Header().Set("Content-Type", "application/json")

	ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
	var method string
	defer func() {
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.ModuleMetrics().Observe(moduleOf(method), method, status, time.Since(start))
		s.logger.Info("rpc request",
			"request_id", requestID,
			"method", method,
			"status", status,
			"duration", time.Since(start).String(),
			logging.MaskField("client", clientSource(r)),
			"authorization", logging.MaskAuthorization(r.Header.Get("Authorization")))
	}()

	source := clientSource(r)
	if !s.limiter.allow(source) {
		observability.ModuleMetrics().RecordThrottle("rpc", "rate_limit")
		writeError(ww, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", source)
		return
	}

	reader := http.MaxBytesReader(ww, r.Body, s.maxBytes)
	defer func() {
		_ = reader.Close()
	}()
	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.maxBytes)
		}
		writeError(ww, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(ww, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(ww, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	method = req.Method
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(ww, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(ww, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	rt, ok := s.routes()[req.Method]
	if !ok {
		writeError(ww, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		return
	}
	if rt.mutates {
		caller, authErr := s.auth.caller(r)
		if authErr != nil {
			writeError(ww, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		if err := common.Guard(s.pauses, vestingModule); err != nil {
			observability.ModuleMetrics().RecordThrottle(vestingModule, "paused")
			writeError(ww, http.StatusServiceUnavailable, req.ID, codeModulePaused, err.Error(), vestingModule)
			return
		}
		r = r.WithContext(withCaller(r.Context(), caller))
	}
	rt.handler(ww, r, req)
}

func moduleOf(method string) string {
	if idx := strings.Index(method, "_"); idx > 0 {
		return method[:idx]
	}
	return ""
}

func clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeVestingError maps the engine's error kinds onto HTTP statuses and
// JSON-RPC codes.
func writeVestingError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, vesting.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeVestingForbidden, err.Error(), nil)
	case errors.Is(err, vesting.ErrConflict):
		writeError(w, http.StatusConflict, id, codeVestingConflict, err.Error(), nil)
	case errors.Is(err, vesting.ErrNotFound):
		writeError(w, http.StatusNotFound, id, codeVestingNotFound, err.Error(), nil)
	case errors.Is(err, vesting.ErrPolicyViolation):
		writeError(w, http.StatusUnprocessableEntity, id, codeVestingPolicy, err.Error(), nil)
	case errors.Is(err, vesting.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error(), nil)
	case errors.Is(err, vesting.ErrBindingMismatch):
		writeError(w, http.StatusBadRequest, id, codeVestingBinding, err.Error(), nil)
	case errors.Is(err, vesting.ErrTransferFailed):
		writeError(w, http.StatusBadGateway, id, codeVestingTransferFail, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeInternalError, "internal error", err.Error())
	}
}
