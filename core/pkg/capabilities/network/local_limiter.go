package network

import (
	"context"

	"golang.org/x/time/rate"
)

// LocalLimiter adapts golang.org/x/time/rate to the Limiter interface, for
// single-process deployments that do not need a shared rate-limit counter.
type LocalLimiter struct {
	limiter *rate.Limiter
}

// NewLocalLimiter constructs a LocalLimiter allowing burst immediate
// requests and refilling at r per second thereafter.
func NewLocalLimiter(r float64, burst int) *LocalLimiter {
	return &LocalLimiter{limiter: rate.NewLimiter(rate.Limit(r), burst)}
}

func (l *LocalLimiter) Allow(ctx context.Context) bool {
	return l.limiter.Allow()
}
