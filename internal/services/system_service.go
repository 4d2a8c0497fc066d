package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	domain "github.com/tradelane/api/internal/domain"
	"github.com/tradelane/api/internal/repositories"
)

// SystemServiceDeps configures NewSystemService. Disabled names optional collaborators that
// were left unconfigured at start-up; each is reported as a degraded check.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	Disabled         []string
}

type systemService struct {
	checks   repositories.HealthRepository
	now      func() time.Time
	build    BuildInfo
	disabled []string
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	svc := &systemService{
		checks: deps.HealthRepository,
		now:    func() time.Time { return clock().UTC() },
		build:  deps.Build,
	}
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = svc.now()
	}
	for _, name := range deps.Disabled {
		if name = strings.TrimSpace(name); name != "" {
			svc.disabled = append(svc.disabled, name)
		}
	}
	slices.Sort(svc.disabled)
	return svc, nil
}

// HealthReport runs the dependency health checks and stamps build metadata on the result.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.checks.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	now := s.now()

	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	if report.Version == "" {
		report.Version = s.build.Version
	}
	if report.CommitSHA == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if report.Environment == "" {
		report.Environment = s.build.Environment
	}
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	if report.Checks == nil {
		report.Checks = make(map[string]domain.SystemHealthCheck, len(s.disabled))
	}
	for _, name := range s.disabled {
		if _, checked := report.Checks[name]; !checked {
			report.Checks[name] = domain.SystemHealthCheck{Status: domain.HealthStatusDegraded, Detail: "not configured", CheckedAt: now}
		}
	}
	if report.Status == "" || len(s.disabled) > 0 {
		report.Status = overallStatus(report.Checks)
	}
	return report, nil
}

// overallStatus is the worst status among checks. Blank counts as ok and unknown values as degraded.
func overallStatus(checks map[string]domain.SystemHealthCheck) string {
	worst := 0
	for _, check := range checks {
		rank := 1
		switch check.Status {
		case domain.HealthStatusOK, "":
			rank = 0
		case domain.HealthStatusError:
			rank = 2
		}
		worst = max(worst, rank)
	}
	return [...]string{domain.HealthStatusOK, domain.HealthStatusDegraded, domain.HealthStatusError}[worst]
}
