// Package httpapi exposes the coordinator and participant over HTTP/JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/txd/api"
	"pkt.systems/txd/internal/correlation"
	"pkt.systems/txd/internal/keyring"
	"pkt.systems/txd/internal/loggingutil"
	"pkt.systems/txd/internal/participant"
	"pkt.systems/txd/internal/txn"
	"pkt.systems/txd/internal/txncoord"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 4 << 20

// Config wires a Handler. Either surface may be nil.
type Config struct {
	Coordinator  *txncoord.Coordinator
	Participant  *participant.Participant
	Keyring      *keyring.Keyring
	Logger       pslog.Logger
	Tracing      bool
	MaxBodyBytes int64
}

// Handler wires HTTP endpoints to the coordinator and participant.
type Handler struct {
	coord        *txncoord.Coordinator
	rm           *participant.Participant
	keys         *keyring.Keyring
	logger       pslog.Logger
	tracing      bool
	maxBodyBytes int64
}

// New returns a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Coordinator == nil && cfg.Participant == nil {
		return nil, errors.New("httpapi: coordinator or participant required")
	}
	if cfg.Keyring == nil {
		return nil, errors.New("httpapi: keyring required")
	}
	limit := cfg.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	return &Handler{
		coord:        cfg.Coordinator,
		rm:           cfg.Participant,
		keys:         cfg.Keyring,
		logger:       loggingutil.EnsureLogger(cfg.Logger),
		tracing:      cfg.Tracing,
		maxBodyBytes: limit,
	}, nil
}

// Register wires the routes under /v1 and the health endpoint.
func (h *Handler) Register(mux *http.ServeMux) {
	if h.coord != nil {
		mux.Handle("/v1/txn/begin", h.wrap("txn.begin", h.handleTxnBegin))
		mux.Handle("/v1/txn/execute", h.wrap("txn.execute", h.handleTxnExecute))
		mux.Handle("/v1/txn/commit", h.wrap("txn.commit", h.handleTxnCommit))
		mux.Handle("/v1/txn/rollback", h.wrap("txn.rollback", h.handleTxnRollback))
		mux.Handle("/v1/txn/recover", h.wrap("txn.recover", h.handleTxnRecover))
		mux.Handle("/v1/txn/active", h.wrap("txn.active", h.handleTxnActive))
	}
	if h.rm != nil {
		mux.Handle("/v1/rm/begin", h.wrap("rm.begin", h.handleRMBegin))
		mux.Handle("/v1/rm/execute", h.wrap("rm.execute", h.handleRMExecute))
		mux.Handle("/v1/rm/prepare", h.wrap("rm.prepare", h.handleRMPrepare))
		mux.Handle("/v1/rm/commit", h.wrap("rm.commit", h.handleRMCommit))
		mux.Handle("/v1/rm/rollback", h.wrap("rm.rollback", h.handleRMRollback))
		mux.Handle("/v1/rm/close", h.wrap("rm.close", h.handleRMClose))
		mux.Handle("/v1/rm/commit-recovered", h.wrap("rm.commit_recovered", h.handleRMCommitRecovered))
		mux.Handle("/v1/rm/rollback-recovered", h.wrap("rm.rollback_recovered", h.handleRMRollbackRecovered))
		mux.Handle("/v1/rm/transactions", h.wrap("rm.transactions", h.handleRMTransactions))
	}
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func routerSys(operation string) string {
	surface, _, _ := strings.Cut(operation, ".")
	switch surface {
	case "txn":
		return "http.coordinator"
	case "rm":
		return "http.participant"
	}
	return "http"
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		span := trace.SpanFromContext(ctx)

		if corr := strings.TrimSpace(r.Header.Get(api.HeaderCorrelationID)); corr != "" {
			ctx = correlation.With(ctx, corr)
		}
		ctx = correlation.Ensure(ctx)
		cid := correlation.ID(ctx)
		w.Header().Set(api.HeaderCorrelationID, cid)

		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", uuid.NewString(),
			"cid", cid,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		span.SetAttributes(
			attribute.String("txd.operation", operation),
			attribute.String("txd.correlation_id", cid),
		)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			err = convertError(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			var httpErr httpError
			if errors.As(err, &httpErr) {
				span.SetAttributes(
					attribute.String("txd.error_code", httpErr.Code),
					attribute.Int("txd.error_status", httpErr.Status),
				)
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, "txd.http."+operation,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

type httpError struct {
	Status   int
	Code     string
	Detail   string
	TxnID    string
	Actual   string
	Expected []string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

// convertError maps transport-neutral failures onto HTTP-aware errors.
func convertError(err error) error {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return httpError{Status: http.StatusServiceUnavailable, Code: "canceled", Detail: err.Error()}
	}
	f, ok := txn.AsFailure(err)
	if !ok {
		return err
	}
	out := httpError{Status: f.Status(), Code: f.Code, Detail: f.Detail}
	if f.Err != nil {
		if out.Detail != "" {
			out.Detail += ": "
		}
		out.Detail += f.Err.Error()
	}
	if !f.TxnID.IsZero() {
		out.TxnID = f.TxnID.String()
	}
	if f.Actual != "" {
		out.Actual = f.Actual.String()
	}
	for _, s := range f.Expected {
		out.Expected = append(out.Expected, s.String())
	}
	return out
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{
			ErrorCode:      httpErr.Code,
			Detail:         httpErr.Detail,
			TxnID:          httpErr.TxnID,
			ActualStatus:   httpErr.Actual,
			ExpectedStatus: httpErr.Expected,
		})
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func requireMethod(r *http.Request, method string) error {
	if r.Method == method {
		return nil
	}
	return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: r.Method + " not allowed"}
}

func invalidRequest(format string, args ...any) error {
	return httpError{Status: http.StatusBadRequest, Code: txn.CodeInvalidRequest, Detail: fmt.Sprintf(format, args...)}
}

func (h *Handler) decodeJSON(r *http.Request, dst any) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, h.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalidRequest("decode body: %v", err)
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		return invalidRequest("unexpected trailing JSON value")
	}
	return nil
}

func parseTxnID(raw string) (txn.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return txn.ID{}, invalidRequest("txn_id required")
	}
	id, err := txn.ParseID(raw)
	if err != nil {
		return txn.ID{}, invalidRequest("txn_id: %v", err)
	}
	return id, nil
}

// decodeTxn reads a TxnRequest body and returns the parsed id.
func (h *Handler) decodeTxn(r *http.Request) (txn.ID, error) {
	var req api.TxnRequest
	if err := h.decodeJSON(r, &req); err != nil {
		return txn.ID{}, err
	}
	return parseTxnID(req.TxnID)
}

func credentialsFromRequest(r *http.Request) txn.Credentials {
	return txn.Credentials{
		SessionToken:          r.Header.Get(api.HeaderSessionToken),
		InteractiveSessionKey: r.Header.Get(api.HeaderInteractiveKey),
		CoordinatorKey:        r.Header.Get(api.HeaderCoordinatorKey),
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	h.writeJSON(w, http.StatusOK, map[string]bool{
		"coordinator": h.coord != nil,
		"participant": h.rm != nil,
	})
	return nil
}
