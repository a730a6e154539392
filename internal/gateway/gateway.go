// Package gateway serves the HTTP surface of the procedure gateway: the
// /procesar call endpoint, the catalog listing and the index page.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sp-gateway/internal/adminauth"
	"sp-gateway/internal/audit"
	"sp-gateway/internal/dbexec"
	"sp-gateway/internal/logging"
	"sp-gateway/internal/middleware"
	"sp-gateway/internal/observability"
	"sp-gateway/internal/readcache"
	"sp-gateway/internal/resolver"
)

// DefaultMaxBodyBytes bounds a /procesar request body when Options leaves it unset.
const DefaultMaxBodyBytes int64 = 1 << 20

const processEndpoint = "/procesar"

// Options wires a Handler. Resolver and Caller are required; everything
// else is optional.
type Options struct {
	Resolver *resolver.Resolver
	Caller   dbexec.Caller
	// Verifier checks admin_password. Leave nil when requests are
	// authenticated upstream (OIDC mode).
	Verifier        *adminauth.Verifier
	Cache           *readcache.Cache
	Audit           *audit.Publisher
	Metrics         *observability.GatewayMetrics
	SecurityMetrics *observability.SecurityMetrics
	MaxBodyBytes    int64
}

// Handler routes gateway requests.
type Handler struct {
	resolver        *resolver.Resolver
	caller          dbexec.Caller
	verifier        *adminauth.Verifier
	cache           *readcache.Cache
	audit           *audit.Publisher
	metrics         *observability.GatewayMetrics
	securityMetrics *observability.SecurityMetrics
	maxBodyBytes    int64
}

// New validates opts and returns a Handler.
func New(opts Options) (*Handler, error) {
	if opts.Resolver == nil {
		return nil, errors.New("gateway resolver is required")
	}
	if opts.Caller == nil {
		return nil, errors.New("gateway caller is required")
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Handler{
		resolver:        opts.Resolver,
		caller:          opts.Caller,
		verifier:        opts.Verifier,
		cache:           opts.Cache,
		audit:           opts.Audit,
		metrics:         opts.Metrics,
		securityMetrics: opts.SecurityMetrics,
		maxBodyBytes:    maxBody,
	}, nil
}

// Register mounts the gateway routes on mux. process wraps the /procesar
// handler, typically with authentication; pass nil for none.
func (h *Handler) Register(mux *http.ServeMux, process func(http.Handler) http.Handler) {
	var call http.Handler = http.HandlerFunc(h.ServeProcess)
	if process != nil {
		call = process(call)
	}
	mux.Handle("POST "+processEndpoint, call)
	mux.HandleFunc("GET /tables", h.ServeTables)
	mux.HandleFunc("GET /{$}", h.ServeIndex)
}

type successResponse struct {
	Success   bool             `json:"success"`
	Message   string           `json:"message"`
	Procedure string           `json:"procedure"`
	Params    []any            `json:"params"`
	Rows      []map[string]any `json:"rows"`
	Warning   string           `json:"warning,omitempty"`
	Cached    bool             `json:"cached,omitempty"`
}

type failureResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// ServeProcess resolves the requested operation, calls its procedure and
// returns the collected rows.
func (h *Handler) ServeProcess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	h.metrics.IncrementActiveRequests(ctx)
	defer h.metrics.DecrementActiveRequests(ctx)

	tableLabel, opLabel, outcome := "unknown", "unknown", "success"
	defer func() {
		h.metrics.RecordRequest(ctx, time.Since(start), tableLabel, opLabel, outcome)
	}()

	req, err := decodeProcessRequest(w, r, h.maxBodyBytes)
	if err != nil {
		outcome = "bad_request"
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		logger.Warn("rejected request body", slog.String("error", err.Error()))
		writeJSON(w, r, status, failureResponse{Message: err.Error()})
		return
	}

	if !h.authorize(ctx, req.AdminPassword) {
		outcome = "forbidden"
		logger.Warn("admin password rejected", slog.String("remote_addr", r.RemoteAddr))
		writeJSON(w, r, http.StatusForbidden, failureResponse{Message: errInvalidPassword.Error()})
		return
	}

	if req.Operation == "" || req.Table == "" {
		outcome = "bad_request"
		writeJSON(w, r, http.StatusBadRequest, failureResponse{Message: errMissingTableOp.Error()})
		return
	}

	res, err := h.resolver.Resolve(req.Table, req.Operation, req.Payload)
	if err != nil {
		outcome = "resolve_error"
		kind := ""
		var resErr *resolver.Error
		if errors.As(err, &resErr) {
			kind = string(resErr.Kind)
		}
		h.metrics.RecordResolveError(ctx, kind)
		logger.Warn("request could not be resolved",
			slog.String("table", req.Table),
			slog.String("operation", req.Operation),
			slog.String("error", err.Error()),
		)
		writeJSON(w, r, http.StatusBadRequest, failureResponse{Message: err.Error(), Error: kind})
		return
	}
	tableLabel, opLabel = res.Table, string(res.Operation)

	info := observability.CallInfo{
		Table:     res.Table,
		Operation: string(res.Operation),
		Procedure: res.Procedure,
		ArgCount:  len(res.Args),
		Mutating:  res.Operation.Mutating(),
	}

	warning := ""
	if len(res.PartialKey) > 0 {
		warning = fmt.Sprintf("incomplete key, missing %s; returning all rows", strings.Join(res.PartialKey, ", "))
		logger.Warn("partial lookup key, falling back to full read",
			append(observability.CallLogFields(ctx, info), slog.Any("missing", res.PartialKey))...)
	}

	logger.Info("CALL "+res.Procedure, append(observability.CallLogFields(ctx, info), slog.Any("params", res.Args))...)

	var slot readcache.Slot
	if !info.Mutating && h.cache != nil {
		var rows []map[string]any
		var hit bool
		if rows, slot, hit = h.cache.Get(ctx, res.Table, res.Procedure, res.Args); hit {
			h.metrics.RecordCacheHit(ctx, res.Table)
			writeJSON(w, r, http.StatusOK, successResponse{
				Success:   true,
				Message:   successMessage(res.Procedure),
				Procedure: res.Procedure,
				Params:    res.Args,
				Rows:      rows,
				Warning:   warning,
				Cached:    true,
			})
			return
		}
		h.metrics.RecordCacheMiss(ctx, res.Table)
	}

	callCtx, span := startCallSpan(ctx, info)
	result, err := h.caller.Call(callCtx, res.Procedure, res.Args, info.Mutating)
	if err != nil {
		outcome = "db_error"
		finishCallSpan(span, err, 0, outcome)
		h.metrics.RecordProcedureError(ctx, res.Procedure)
		logger.Error("procedure call failed",
			append(observability.CallLogFields(callCtx, info), slog.String("error", err.Error()))...)
		writeJSON(w, r, http.StatusInternalServerError, failureResponse{Message: "execution error: " + err.Error()})
		return
	}
	finishCallSpan(span, nil, len(result.Rows), outcome)
	h.metrics.RecordRowsReturned(ctx, res.Procedure, len(result.Rows))

	if info.Mutating {
		h.cache.Invalidate(ctx, res.Table)
		h.publishMutation(ctx, res)
	} else {
		h.cache.Set(ctx, slot, result.Rows)
	}

	writeJSON(w, r, http.StatusOK, successResponse{
		Success:   true,
		Message:   successMessage(res.Procedure),
		Procedure: res.Procedure,
		Params:    res.Args,
		Rows:      result.Rows,
		Warning:   warning,
	})
}

func (h *Handler) authorize(ctx context.Context, password string) bool {
	if h.verifier == nil {
		return true
	}
	ok := h.verifier.Verify(password)
	h.securityMetrics.RecordAdminPasswordCheck(ctx, processEndpoint, ok)
	return ok
}

func (h *Handler) publishMutation(ctx context.Context, res resolver.Resolution) {
	if h.audit == nil {
		return
	}
	ev := audit.Event{
		Table:     res.Table,
		Operation: string(res.Operation),
		Procedure: res.Procedure,
		Params:    res.Args,
		RequestID: logging.GetRequestID(ctx),
	}
	if auth, ok := middleware.AuthFromContext(ctx); ok {
		ev.Subject = auth.Principal()
	}
	if err := h.audit.Publish(ctx, ev); err != nil {
		h.metrics.RecordAuditFailure(ctx, res.Table)
		logging.FromContext(ctx).Warn("audit publish failed",
			slog.String("table", res.Table),
			slog.String("procedure", res.Procedure),
			slog.String("error", err.Error()),
		)
	}
}

func successMessage(procedure string) string {
	return fmt.Sprintf("procedure '%s' executed successfully", procedure)
}

// writeJSON commits status before encoding, so an encode failure can only
// truncate the body.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.FromContext(r.Context()).Debug("response encode failed",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
}
