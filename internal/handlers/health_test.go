package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/tradelane/api/internal/domain"
	"github.com/tradelane/api/internal/services"
)

type systemServiceFunc func() (services.SystemHealthReport, error)

func (f systemServiceFunc) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return f()
}

type readyzBody struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	CommitSHA   string `json:"commitSha"`
	Environment string `json:"environment"`
	Uptime      string `json:"uptime"`
	Checks      map[string]struct {
		Status    string `json:"status"`
		LatencyMS int64  `json:"latencyMs"`
	} `json:"checks"`
	Details []string `json:"details"`
}

func TestHealthzEchoesBuild(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "2.0.1", CommitSHA: "9f1c2e", Environment: "stg", StartedAt: start}),
		WithHealthClock(func() time.Time { return start.Add(95 * time.Second) }),
	)
	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body readyzBody
	decodeBody(t, rr, &body)
	if rr.Code != http.StatusOK || body.Status != "ok" || body.Uptime != "1m35s" {
		t.Fatalf("unexpected healthz %d %+v", rr.Code, body)
	}
	if body.Version != "2.0.1" || body.CommitSHA != "9f1c2e" || body.Environment != "stg" {
		t.Fatalf("build info missing: %+v", body)
	}
}

func TestReadyz(t *testing.T) {
	tests := map[string]struct {
		report  services.SystemHealthReport
		err     error
		code    int
		status  string
		details []string
	}{
		"healthy": {
			report: services.SystemHealthReport{Status: domain.HealthStatusOK, Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond},
			}},
			code: http.StatusOK, status: "ok",
		},
		"degraded stays in rotation": {
			report: services.SystemHealthReport{Status: domain.HealthStatusDegraded, Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK},
				"vision":    {Status: domain.HealthStatusDegraded, Detail: "not configured"},
				"maps":      {Status: domain.HealthStatusDegraded, Error: "quota exceeded"},
			}},
			code: http.StatusOK, status: "degraded", details: []string{"maps: quota exceeded", "vision: not configured"},
		},
		"critical failure": {
			report: services.SystemHealthReport{Status: domain.HealthStatusError, Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusError, Error: "deadline exceeded"},
			}},
			code: http.StatusServiceUnavailable, status: "error", details: []string{"firestore: deadline exceeded"},
		},
		"report failure": {
			err:  errors.New("health check crashed"),
			code: http.StatusServiceUnavailable, status: "error",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h := NewHealthHandlers(WithHealthSystemService(systemServiceFunc(func() (services.SystemHealthReport, error) {
				return tc.report, tc.err
			})))
			rr := httptest.NewRecorder()
			h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			var body readyzBody
			decodeBody(t, rr, &body)
			if rr.Code != tc.code || body.Status != tc.status {
				t.Fatalf("got %d %s, want %d %s", rr.Code, body.Status, tc.code, tc.status)
			}
			if len(body.Details) != len(tc.details) {
				t.Fatalf("details %v, want %v", body.Details, tc.details)
			}
			for i := range tc.details {
				if body.Details[i] != tc.details[i] {
					t.Fatalf("details %v, want %v", body.Details, tc.details)
				}
			}
			if name == "healthy" && body.Checks["firestore"].LatencyMS != 12 {
				t.Fatalf("latency not reported: %+v", body.Checks)
			}
		})
	}
}

func TestReadyzWithoutSystemServiceFallsBackToLiveness(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHealthHandlers().Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
