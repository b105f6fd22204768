package ai

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter is the process-wide request budget, one token bucket per provider.
// It is the only state shared across concurrent pipeline runs.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rpm      map[string]int
	fallback int
}

// NewRateLimiter creates a limiter. rpm maps provider names to requests per
// minute; providers not listed get defaultRPM. A non-positive budget means
// unlimited.
func NewRateLimiter(defaultRPM int, rpm map[string]int) *RateLimiter {
	cp := make(map[string]int, len(rpm))
	for k, v := range rpm {
		cp[k] = v
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rpm:      cp,
		fallback: defaultRPM,
	}
}

// Wait blocks until provider may issue one request or ctx is done.
func (l *RateLimiter) Wait(ctx context.Context, provider string) error {
	if l == nil {
		return nil
	}
	return l.limiter(provider).Wait(ctx)
}

// Allow reports whether a request may happen now, consuming a token if so.
func (l *RateLimiter) Allow(provider string) bool {
	if l == nil {
		return true
	}
	return l.limiter(provider).Allow()
}

func (l *RateLimiter) limiter(provider string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[provider]; ok {
		return lim
	}
	rpm, ok := l.rpm[provider]
	if !ok {
		rpm = l.fallback
	}
	var lim *rate.Limiter
	if rpm <= 0 {
		lim = rate.NewLimiter(rate.Inf, 0)
	} else {
		// RPM limit with some buffer
		lim = rate.NewLimiter(rate.Limit(float64(rpm)*0.9/60.0), max(1, rpm/10))
	}
	l.limiters[provider] = lim
	return lim
}
