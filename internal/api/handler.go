package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbtgen/dbtgen/internal/artifact"
	"github.com/dbtgen/dbtgen/internal/auth"
	"github.com/dbtgen/dbtgen/internal/config"
	"github.com/dbtgen/dbtgen/internal/ledger"
	"github.com/dbtgen/dbtgen/internal/observability"
	"github.com/dbtgen/dbtgen/internal/pipeline"
	"github.com/dbtgen/dbtgen/internal/schema"
	"github.com/dbtgen/dbtgen/internal/session"
	"github.com/dbtgen/dbtgen/internal/warehouse"
)

type ReadinessCheck func(ctx context.Context) error

// Generation is the part of the pipeline service the handlers use.
type Generation interface {
	Generate(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
	Publish(ctx context.Context, result pipeline.Result, archive artifact.Archive, input *pipeline.InputFile) (pipeline.Publication, error)
	CanPublish() bool
	FetchArchive(ctx context.Context, runID string) (artifact.Archive, error)
	ListRuns(ctx context.Context, filter ledger.ListRunsFilter) ([]ledger.Run, error)
}

type SessionManager interface {
	Connect(ctx context.Context, owner string, params warehouse.ConnectionParams) (session.Session, error)
	Tables(ctx context.Context, owner, id string) (session.Session, error)
	Describe(ctx context.Context, owner, id, table string) (schema.Descriptor, error)
	Disconnect(owner, id string) error
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Generation        Generation
	Sessions          SessionManager
	UI                http.Handler
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.Handler) {
		mux.Handle(pattern, observability.Route(pattern, h))
	}

	handle("GET /v1/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	}))

	handle("GET /v1/ready", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}))

	handle("GET /v1/metrics", promhttp.Handler())

	protect := protector(cfg, deps)
	publish := cfg.Artifacts.PublishEnabled
	uploadLimit := cfg.Upload.MaxBytes

	handle("POST /v1/generate", protect(auth.RequireRole(auth.RoleGenerator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGenerateUpload(deps, publish, uploadLimit, w, r)
	}))))
	handle("POST /v1/sessions", protect(auth.RequireRole(auth.RoleWarehouseReader, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleConnect(deps, w, r)
	}))))
	handle("GET /v1/sessions/{id}/tables", protect(auth.RequireRole(auth.RoleWarehouseReader, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleSessionTables(deps, w, r)
	}))))
	handle("POST /v1/sessions/{id}/generate", protect(auth.RequireRole(auth.RoleWarehouseReader, auth.RequireRole(auth.RoleGenerator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGenerateFromSession(deps, publish, w, r)
	})))))
	handle("DELETE /v1/sessions/{id}", protect(auth.RequireRole(auth.RoleWarehouseReader, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleDisconnect(deps, w, r)
	}))))
	handle("GET /v1/runs", protect(auth.RequireRole(auth.RoleGenerator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleListRuns(deps, w, r)
	}))))
	handle("GET /v1/runs/{id}/archive", protect(auth.RequireRole(auth.RoleGenerator, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleRunArchive(deps, w, r)
	}))))

	if deps.UI != nil {
		handle("GET /{path...}", deps.UI)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func protector(cfg config.Config, deps Dependencies) func(http.Handler) http.Handler {
	if !cfg.Auth.Required {
		return func(next http.Handler) http.Handler { return next }
	}
	if deps.AuthMiddleware == nil {
		if deps.Logger != nil {
			deps.Logger.Error("auth required but auth middleware missing")
		}
		return func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		}
	}
	return deps.AuthMiddleware
}

// CheckLedger pings the run ledger.
func CheckLedger(store ledger.Store) ReadinessCheck {
	if store == nil {
		return nil
	}
	return func(ctx context.Context) error {
		if err := store.HealthCheck(ctx); err != nil {
			return errors.New("run ledger is unavailable")
		}
		return nil
	}
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckObjectStore verifies the artifact bucket is reachable.
func CheckObjectStore(store healthChecker) ReadinessCheck {
	if store == nil {
		return nil
	}
	return func(ctx context.Context) error {
		if err := store.HealthCheck(ctx); err != nil {
			return errors.New("artifact object store is unavailable")
		}
		return nil
	}
}

// CheckModelConfig fails when no model API key is configured.
func CheckModelConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Model.APIKey == "" {
			return errors.New("model api key is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
