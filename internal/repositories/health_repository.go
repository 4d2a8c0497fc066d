package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/tradelane/api/internal/domain"
)

// DependencyCheck tests one downstream collaborator. A failing Critical check marks the report as
// error; any other failure only degrades it.
type DependencyCheck struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Check    func(context.Context) error
}

type DependencyHealthOption func(*checkSet)

// WithDependencyTimeout sets the timeout for checks that do not declare one.
func WithDependencyTimeout(timeout time.Duration) DependencyHealthOption {
	return func(p *checkSet) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithDependencyClock injects the clock used for latency and timestamps.
func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(p *checkSet) {
		if clock != nil {
			p.now = clock
		}
	}
}

// checkSet runs every dependency check in parallel and folds the results into one report.
type checkSet struct {
	checks  []DependencyCheck
	timeout time.Duration
	now     func() time.Time
}

var _ HealthRepository = (*checkSet)(nil)

func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: no dependency checks")
	}
	p := &checkSet{timeout: 2 * time.Second, now: time.Now}
	names := map[string]bool{}
	for i, check := range checks {
		check.Name = strings.TrimSpace(check.Name)
		switch {
		case check.Name == "":
			return nil, fmt.Errorf("health repository: check #%d is unnamed", i)
		case check.Check == nil:
			return nil, fmt.Errorf("health repository: check %q has no check function", check.Name)
		case names[check.Name]:
			return nil, fmt.Errorf("health repository: check %q registered twice", check.Name)
		}
		names[check.Name] = true
		p.checks = append(p.checks, check)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

func (p *checkSet) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("health repository: nil context")
	}

	// Each goroutine owns one slot so no locking is needed.
	outcomes := make([]domain.SystemHealthCheck, len(p.checks))
	var g errgroup.Group
	for i := range p.checks {
		g.Go(func() error {
			outcomes[i] = p.run(ctx, p.checks[i])
			return nil
		})
	}
	_ = g.Wait()

	report := domain.SystemHealthReport{
		Status:      domain.HealthStatusOK,
		Checks:      make(map[string]domain.SystemHealthCheck, len(outcomes)),
		GeneratedAt: p.now(),
	}
	for i, outcome := range outcomes {
		report.Checks[p.checks[i].Name] = outcome
		if outcome.Status == domain.HealthStatusError || (outcome.Status == domain.HealthStatusDegraded && report.Status == domain.HealthStatusOK) {
			report.Status = outcome.Status
		}
	}
	return report, nil
}

func (p *checkSet) run(parent context.Context, check DependencyCheck) domain.SystemHealthCheck {
	limit := check.Timeout
	if limit <= 0 {
		limit = p.timeout
	}
	ctx, cancel := context.WithTimeout(parent, limit)
	defer cancel()

	started := p.now()
	err := check.Check(ctx)
	if err == nil {
		err = ctx.Err()
	}
	finished := p.now()

	out := domain.SystemHealthCheck{Status: domain.HealthStatusOK, Detail: "ok", Latency: finished.Sub(started), CheckedAt: finished}
	if err == nil {
		return out
	}
	out.Status = domain.HealthStatusDegraded
	if check.Critical {
		out.Status = domain.HealthStatusError
	}
	out.Error = err.Error()
	out.Detail = out.Error
	if errors.Is(err, context.DeadlineExceeded) {
		out.Detail = "timeout"
	} else if errors.Is(err, context.Canceled) {
		out.Detail = "cancelled"
	}
	return out
}
