package agent

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps an Agent with a token-bucket limiter so bursty workflows
// (parallel branches, tight retry loops) cannot overrun a provider's request
// quota. Waiting respects the caller's context.
type RateLimited struct {
	inner   Agent
	limiter *rate.Limiter
}

// NewRateLimited wraps inner with the given sustained rate (requests per
// second) and burst size.
func NewRateLimited(inner Agent, rps float64, burst int) *RateLimited {
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Execute waits for limiter capacity, then delegates to the wrapped agent.
func (a *RateLimited) Execute(ctx context.Context, prompt string, execContext map[string]any) (Response, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return a.inner.Execute(ctx, prompt, execContext)
}
