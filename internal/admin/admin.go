// Package admin serves the operator HTTP surface: health, Prometheus
// metrics, the catalog document and dry-run validation.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/triage-ai/palisade/services/sql_guard/internal/catalog"
	"github.com/triage-ai/palisade/services/sql_guard/internal/validator"
	"go.uber.org/zap"
)

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

// Config wires the handler.
type Config struct {
	Catalog   *catalog.Catalog
	Validator *validator.Validator
	Gatherer  prometheus.Gatherer
	Checks    map[string]Check
	Logger    *zap.Logger
}

type server struct {
	cfg Config
}

// NewHandler returns the admin router.
func NewHandler(cfg Config) http.Handler {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/catalog", s.catalog)
	r.Post("/validate", s.validate)
	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	if len(s.cfg.Checks) > 0 {
		resp.Checks = make(map[string]string, len(s.cfg.Checks))
		names := make([]string, 0, len(s.cfg.Checks))
		for name := range s.cfg.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := s.cfg.Checks[name](ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	writeJSON(w, code, resp, s.cfg.Logger)
}

func (s *server) catalog(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(s.cfg.Catalog.DescribeJSON()))
}

type validateRequest struct {
	SQL      string `json:"sql"`
	TenantID string `json:"tenant_id,omitempty"`
}

type violationBody struct {
	Kind       string `json:"kind"`
	Identifier string `json:"identifier"`
	Message    string `json:"message"`
}

type validateResponse struct {
	Authorized bool           `json:"authorized"`
	Violation  *violationBody `json:"violation,omitempty"`
}

func (s *server) validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SQL == "" {
		http.Error(w, "sql is required", http.StatusBadRequest)
		return
	}

	var verdict validator.Verdict
	if req.TenantID != "" {
		verdict = s.cfg.Validator.ValidateTenant(req.SQL, req.TenantID)
	} else {
		verdict = s.cfg.Validator.Validate(req.SQL)
	}
	writeJSON(w, http.StatusOK, toResponse(verdict), s.cfg.Logger)
}

func toResponse(v validator.Verdict) validateResponse {
	resp := validateResponse{Authorized: v.Authorized}
	if v.Violation != nil {
		resp.Violation = &violationBody{
			Kind:       string(v.Violation.Kind),
			Identifier: v.Violation.Identifier,
			Message:    v.Violation.Message,
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, body any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("admin response encode failed", zap.Error(err))
	}
}

// Serve runs the admin server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
