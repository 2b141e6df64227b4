package repositories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	domain "github.com/oakmere/storefront/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck describes a dependency probe executed during readiness checks.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

type probeHealthRepository struct {
	checks []DependencyCheck
	now    func() time.Time
}

var _ HealthRepository = (*probeHealthRepository)(nil)

// NewProbeHealthRepository constructs a HealthRepository that runs every
// dependency check concurrently and folds the results into one report.
func NewProbeHealthRepository(checks []DependencyCheck, clock func() time.Time) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}
	for _, check := range checks {
		if strings.TrimSpace(check.Name) == "" || check.Check == nil {
			return nil, errors.New("health repository: dependency check requires a name and a check function")
		}
	}
	if clock == nil {
		clock = time.Now
	}
	return &probeHealthRepository{checks: checks, now: clock}, nil
}

func (r *probeHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	results := make(map[string]domain.SystemHealthCheck, len(r.checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	wg.Add(len(r.checks))
	for _, check := range r.checks {
		go func(check DependencyCheck) {
			defer wg.Done()

			timeout := check.Timeout
			if timeout <= 0 {
				timeout = defaultProbeTimeout
			}
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := r.now()
			err := check.Check(probeCtx)
			end := r.now()

			result := domain.SystemHealthCheck{
				Status:    domain.HealthStatusOK,
				Detail:    "ok",
				Latency:   end.Sub(start),
				CheckedAt: end,
			}
			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded):
				result.Status = domain.HealthStatusError
				result.Detail = "timeout"
				result.Error = err.Error()
			case errors.Is(err, context.Canceled):
				result.Status = domain.HealthStatusError
				result.Detail = "cancelled"
				result.Error = err.Error()
			default:
				result.Status = domain.HealthStatusDegraded
				result.Detail = err.Error()
				result.Error = err.Error()
			}

			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
		}(check)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, result := range results {
		if result.Status == domain.HealthStatusError {
			status = domain.HealthStatusError
			break
		}
		if result.Status == domain.HealthStatusDegraded {
			status = domain.HealthStatusDegraded
		}
	}

	return domain.SystemHealthReport{
		Status:      status,
		Checks:      results,
		GeneratedAt: r.now(),
	}, nil
}
