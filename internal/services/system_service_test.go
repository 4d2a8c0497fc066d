package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/tradelane/api/internal/domain"
)

type healthFunc func(context.Context) (domain.SystemHealthReport, error)

func (f healthFunc) Collect(ctx context.Context) (domain.SystemHealthReport, error) { return f(ctx) }

func staticHealth(checks map[string]string) healthFunc {
	return func(context.Context) (domain.SystemHealthReport, error) {
		report := domain.SystemHealthReport{Checks: map[string]domain.SystemHealthCheck{}}
		for name, status := range checks {
			report.Checks[name] = domain.SystemHealthCheck{Status: status}
		}
		return report, nil
	}
}

func TestSystemServiceStampsBuildInfo(t *testing.T) {
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	now := start.Add(90 * time.Minute)
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: staticHealth(map[string]string{"firestore": domain.HealthStatusOK}),
		Clock:            func() time.Time { return now },
		Build:            BuildInfo{Version: "2.0.1", CommitSHA: "9f1c2e", Environment: "stg", StartedAt: start},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Status != domain.HealthStatusOK || report.Version != "2.0.1" || report.CommitSHA != "9f1c2e" || report.Environment != "stg" {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Uptime != 90*time.Minute || !report.GeneratedAt.Equal(now) {
		t.Fatalf("unexpected timing %s %s", report.Uptime, report.GeneratedAt)
	}
}

func TestSystemServiceOverallStatus(t *testing.T) {
	tests := map[string]struct {
		checks   map[string]string
		disabled []string
		want     string
	}{
		"all ok":            {checks: map[string]string{"firestore": "ok", "secretManager": ""}, want: domain.HealthStatusOK},
		"optional failing":  {checks: map[string]string{"firestore": "ok", "pubsub": "degraded"}, want: domain.HealthStatusDegraded},
		"critical failing":  {checks: map[string]string{"firestore": "error", "pubsub": "degraded"}, want: domain.HealthStatusError},
		"unknown status":    {checks: map[string]string{"firestore": "flaky"}, want: domain.HealthStatusDegraded},
		"nothing checked":   {checks: nil, want: domain.HealthStatusOK},
		"disabled optional": {checks: map[string]string{"firestore": "ok"}, disabled: []string{" vision ", "", "maps"}, want: domain.HealthStatusDegraded},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			svc, err := NewSystemService(SystemServiceDeps{HealthRepository: staticHealth(tc.checks), Disabled: tc.disabled})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			report, err := svc.HealthReport(context.Background())
			if err != nil {
				t.Fatalf("report: %v", err)
			}
			if report.Status != tc.want {
				t.Fatalf("status = %s, want %s", report.Status, tc.want)
			}
			for _, name := range []string{"vision", "maps"} {
				if len(tc.disabled) == 0 {
					break
				}
				if check := report.Checks[name]; check.Status != domain.HealthStatusDegraded || check.Detail != "not configured" {
					t.Fatalf("%s not reported as not configured: %+v", name, check)
				}
			}
		})
	}
}

func TestSystemServiceErrors(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatal("expected missing repository to fail")
	}

	boom := errors.New("health check crashed")
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: healthFunc(func(context.Context) (domain.SystemHealthReport, error) {
		return domain.SystemHealthReport{}, boom
	})})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
}
