package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/triage-ai/palisade/services/sql_guard/internal/catalog"
	"github.com/triage-ai/palisade/services/sql_guard/internal/metrics"
	"github.com/triage-ai/palisade/services/sql_guard/internal/validator"
)

func newTestHandler(checks map[string]Check) (http.Handler, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := catalog.Default()
	return NewHandler(Config{
		Catalog:   c,
		Validator: validator.New(c, validator.WithTenantColumn("uuid")),
		Gatherer:  reg,
		Checks:    checks,
	}), m
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(map[string]Check{
		"redis": func(context.Context) error { return nil },
	})
	rr := do(t, h, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Checks["redis"] != "ok" {
		t.Fatalf("unexpected health %+v", resp)
	}
}

func TestHealth_Degraded(t *testing.T) {
	h, _ := newTestHandler(map[string]Check{
		"warehouse": func(context.Context) error { return errors.New("connection refused") },
	})
	rr := do(t, h, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "connection refused") {
		t.Fatalf("expected failing check in body, got %s", rr.Body.String())
	}
}

func TestMetrics(t *testing.T) {
	h, m := newTestHandler(nil)
	m.ObserveVerdict("authorized")

	rr := do(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "sql_guard_") {
		t.Fatalf("expected sql_guard metrics, got:\n%s", rr.Body.String())
	}
}

func TestCatalog(t *testing.T) {
	h, _ := newTestHandler(nil)
	rr := do(t, h, http.MethodGet, "/catalog", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != catalog.Default().DescribeJSON() {
		t.Fatalf("unexpected catalog body %s", rr.Body.String())
	}
}

func TestValidate(t *testing.T) {
	h, _ := newTestHandler(nil)

	rr := do(t, h, http.MethodPost, "/validate", `{"sql":"SELECT sum(page_views) AS total FROM ga4_floorforce.top_pages"}`)
	var resp validateResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Authorized || resp.Violation != nil {
		t.Fatalf("expected authorized, got %+v", resp)
	}

	rr = do(t, h, http.MethodPost, "/validate", `{"sql":"SELECT email FROM public.users"}`)
	resp = validateResponse{}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Authorized || resp.Violation == nil || resp.Violation.Kind != "table" {
		t.Fatalf("expected table violation, got %+v", resp)
	}

	rr = do(t, h, http.MethodPost, "/validate", `{"sql":"SELECT sum(page_views) AS total FROM ga4_floorforce.top_pages","tenant_id":"r1"}`)
	resp = validateResponse{}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Authorized || resp.Violation.Kind != "tenant" {
		t.Fatalf("expected tenant violation, got %+v", resp)
	}
}

func TestValidate_BadRequest(t *testing.T) {
	h, _ := newTestHandler(nil)
	for _, body := range []string{`{`, `{"sql":""}`} {
		if rr := do(t, h, http.MethodPost, "/validate", body); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rr.Code)
		}
	}
}
