package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domain "github.com/oakmere/storefront/internal/domain"
)

type stubSystemService struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubSystemService) Health(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

func TestHealthzAlwaysOK(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "\"status\":\"ok\"") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestReadyzReportsChecks(t *testing.T) {
	system := &stubSystemService{
		report: domain.SystemHealthReport{
			Status:      domain.HealthStatusOK,
			Version:     "1.2.0",
			Environment: "production",
			Uptime:      90 * time.Second,
			GeneratedAt: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
			Checks: map[string]domain.SystemHealthCheck{
				"postgres": {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond, CheckedAt: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)},
			},
		},
	}
	router := NewRouter(WithHealthHandlers(NewHealthHandlers(system)))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "\"version\":\"1.2.0\"") {
		t.Errorf("unexpected body: %s", body)
	}
	if !strings.Contains(body, "\"postgres\"") {
		t.Errorf("expected postgres check in body: %s", body)
	}
}

func TestReadyzFailsWhenDependencyDown(t *testing.T) {
	system := &stubSystemService{
		report: domain.SystemHealthReport{
			Status: domain.HealthStatusError,
			Checks: map[string]domain.SystemHealthCheck{
				"postgres": {Status: domain.HealthStatusError, Error: "timeout"},
			},
		},
	}
	router := NewRouter(WithHealthHandlers(NewHealthHandlers(system)))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}
