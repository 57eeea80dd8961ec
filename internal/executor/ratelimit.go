package executor

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

// RateLimited spaces out resume calls so a sweep that finds many stuck runs
// after an outage does not flood the executor.
type RateLimited struct {
	next    Executor
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a token bucket of perSecond and burst.
func NewRateLimited(next Executor, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Resume waits for a token, then delegates.
func (r *RateLimited) Resume(ctx context.Context, runID string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(err, "rate limit wait for run %s", runID)
	}
	return r.next.Resume(ctx, runID)
}
