// Package gateway is the HTTP surface the voice orchestrator talks to.
//
// Routes:
//
//	POST /v1/invocations  {tool, tenant_id, input} -> {result} | {error}
//	GET  /v1/tools        merged tool catalogue of all running groups
//	GET  /v1/groups       supervisor status per tool group
//	GET  /healthz, /readyz
//	GET  /metrics         Prometheus exposition
//
// Invocations are rate limited per tenant. Tool failures are answered with
// the structured error envelope and an HTTP status derived from its kind.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/greenline/internal/dispatch"
	"github.com/MrWong99/greenline/internal/health"
	"github.com/MrWong99/greenline/internal/observe"
	"github.com/MrWong99/greenline/internal/supervisor"
	"github.com/MrWong99/greenline/internal/tenant"
	"github.com/MrWong99/greenline/internal/tool"
)

// DefaultMaxBodyBytes bounds an invocation request body.
const DefaultMaxBodyBytes = 64 << 10

// Error kinds produced by the gateway itself, never by a tool.
const (
	KindBadRequest  tool.Kind = "BadRequestError"
	KindRateLimited tool.Kind = "RateLimitedError"
)

// Backend routes invocations and reports catalogue and group state.
// [*supervisor.Supervisor] implements it.
type Backend interface {
	Call(ctx context.Context, name string, tenantID tenant.ID, input json.RawMessage) dispatch.Response
	DescribeAll() []tool.Descriptor
	Status() []supervisor.GroupStatus
}

// RateLimit bounds invocations per tenant within Window. Zero Requests
// disables limiting.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// Config wires the router.
type Config struct {
	Backend Backend

	// Health serves /healthz and /readyz. Default: a handler with no checks.
	Health *health.Handler

	// Metrics records HTTP request durations. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Default: promhttp.Handler().
	MetricsHandler http.Handler

	RateLimit RateLimit

	// MaxBodyBytes bounds invocation bodies. Default: [DefaultMaxBodyBytes].
	MaxBodyBytes int64
}

// NewRouter builds the gateway's HTTP handler.
func NewRouter(cfg Config) http.Handler {
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	h := &handlers{backend: cfg.Backend}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(observe.Middleware(cfg.Metrics))

	cfg.Health.Register(r)
	r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tools", h.listTools)
		r.Get("/groups", h.listGroups)
		r.With(
			decodeInvocation(cfg.MaxBodyBytes),
			tenantRateLimit(cfg.RateLimit),
		).Post("/invocations", h.invoke)
	})
	return r
}

type handlers struct {
	backend Backend
}

func (h *handlers) invoke(w http.ResponseWriter, r *http.Request) {
	req := invocationFrom(r.Context())
	resp := h.backend.Call(r.Context(), req.Tool, req.TenantID, req.Input)
	status := http.StatusOK
	if resp.Error != nil {
		status = StatusFor(resp.Error)
		observe.Logger(r.Context()).Debug("invocation failed",
			"tool", req.Tool,
			"tenant_id", req.TenantID,
			"kind", resp.Error.Kind,
			"status", status,
		)
	}
	writeJSON(w, status, resp)
}

func (h *handlers) listTools(w http.ResponseWriter, _ *http.Request) {
	tools := h.backend.DescribeAll()
	if tools == nil {
		tools = []tool.Descriptor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (h *handlers) listGroups(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"groups": h.backend.Status()})
}

type invocationKey struct{}

func invocationFrom(ctx context.Context) dispatch.Request {
	req, _ := ctx.Value(invocationKey{}).(dispatch.Request)
	return req
}

// invocationEnvelope is the wire form of [dispatch.Request]. tenant_id stays a
// string here so a malformed id is reported as a field error.
type invocationEnvelope struct {
	Tool     string          `json:"tool"`
	TenantID string          `json:"tenant_id"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// decodeInvocation parses the envelope before the rate limiter runs so the
// limiter can key on tenant_id.
func decodeInvocation(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

			var env invocationEnvelope
			dec := json.NewDecoder(r.Body)
			dec.DisallowUnknownFields()
			if err := dec.Decode(&env); err != nil {
				var (
					tooLarge *http.MaxBytesError
					typeErr  *json.UnmarshalTypeError
				)
				switch {
				case errors.As(err, &tooLarge):
					writeError(w, http.StatusRequestEntityTooLarge, KindBadRequest,
						fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
				case errors.As(err, &typeErr) && typeErr.Field == "tenant_id":
					writeTenantIDError(w)
				default:
					writeError(w, http.StatusBadRequest, KindBadRequest, "request body must be {tool, tenant_id, input}: "+err.Error())
				}
				return
			}
			if env.Tool == "" {
				writeError(w, http.StatusBadRequest, KindBadRequest, "tool is required")
				return
			}
			req := dispatch.Request{Tool: env.Tool, Input: env.Input}
			if env.TenantID != "" {
				id, err := uuid.Parse(env.TenantID)
				if err != nil {
					writeTenantIDError(w)
					return
				}
				req.TenantID = id
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), invocationKey{}, req)))
		})
	}
}

// tenantRateLimit limits invocations per tenant_id. Requests without a
// tenant share one bucket.
func tenantRateLimit(rl RateLimit) func(http.Handler) http.Handler {
	if rl.Requests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if rl.Window <= 0 {
		rl.Window = time.Minute
	}
	return httprate.Limit(
		rl.Requests,
		rl.Window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return "tenant:" + invocationFrom(r.Context()).TenantID.String(), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			req := invocationFrom(r.Context())
			slog.Warn("rate limit exceeded", "tenant_id", req.TenantID, "tool", req.Tool)
			writeError(w, http.StatusTooManyRequests, KindRateLimited, "rate limit exceeded. please try again later")
		}),
	)
}

// StatusFor maps a tool error to an HTTP status.
func StatusFor(e *tool.Error) int {
	switch e.Kind {
	case tool.KindValidation, tool.KindNoMatchingTier:
		return http.StatusUnprocessableEntity
	case tool.KindUnknownTool:
		return http.StatusNotFound
	case tool.KindHandlerTimeout:
		return http.StatusGatewayTimeout
	case tool.KindWorkerUnavailable:
		return http.StatusServiceUnavailable
	case tool.KindHandler:
		switch e.Reason {
		case tool.ReasonTenantNotFound:
			return http.StatusNotFound
		case tool.ReasonStoreUnavailable:
			return http.StatusServiceUnavailable
		case tool.ReasonCanceled:
			return 499
		}
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, kind tool.Kind, msg string) {
	writeJSON(w, status, dispatch.Response{Error: &tool.Error{Kind: kind, Message: msg}})
}

func writeTenantIDError(w http.ResponseWriter) {
	var fe tool.FieldErrors
	fe.Add("tenant_id", "must be a UUID")
	e := tool.Validation(fe)
	writeJSON(w, StatusFor(e), dispatch.Failure(e))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway: write response", "err", err)
	}
}
