package handlers

import (
	"net/http"
	"time"

	"github.com/oakmere/storefront/internal/domain"
	"github.com/oakmere/storefront/internal/platform/httpx"
	"github.com/oakmere/storefront/internal/services"
)

// HealthHandlers serves liveness and readiness endpoints.
type HealthHandlers struct {
	system services.SystemService
}

// NewHealthHandlers constructs handlers backed by the system service. The
// service may be nil, in which case readiness degrades to a plain liveness check.
func NewHealthHandlers(system services.SystemService) *HealthHandlers {
	return &HealthHandlers{system: system}
}

// Healthz reports process liveness only. It never touches dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    domain.HealthStatusOK,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Readyz probes dependencies through the system service and returns 503 when
// any probe reports an error.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		h.Healthz(w, r)
		return
	}

	report, err := h.system.Health(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("health_unavailable", "health report unavailable", http.StatusServiceUnavailable))
		return
	}

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, buildHealthPayload(report))
}

type healthCheckPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	CheckedAt string `json:"checked_at"`
}

type healthReportPayload struct {
	Status      string                        `json:"status"`
	Version     string                        `json:"version,omitempty"`
	Environment string                        `json:"environment,omitempty"`
	Uptime      string                        `json:"uptime"`
	GeneratedAt string                        `json:"generated_at"`
	Checks      map[string]healthCheckPayload `json:"checks"`
}

func buildHealthPayload(report domain.SystemHealthReport) healthReportPayload {
	checks := make(map[string]healthCheckPayload, len(report.Checks))
	for name, check := range report.Checks {
		checks[name] = healthCheckPayload{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
			CheckedAt: check.CheckedAt.UTC().Format(time.RFC3339),
		}
	}
	return healthReportPayload{
		Status:      report.Status,
		Version:     report.Version,
		Environment: report.Environment,
		Uptime:      report.Uptime.String(),
		GeneratedAt: report.GeneratedAt.UTC().Format(time.RFC3339),
		Checks:      checks,
	}
}
