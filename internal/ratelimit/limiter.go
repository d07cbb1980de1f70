package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages per-project token buckets for the control API.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewLimiter creates a limiter allowing requestsPerMinute sustained per
// project with the given burst.
func NewLimiter(requestsPerMinute int, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    burst,
	}
}

func (l *Limiter) get(projectID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[projectID]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[projectID] = limiter
	}
	return limiter
}

// Allow reports whether a request for the project may proceed now.
func (l *Limiter) Allow(projectID string) bool {
	return l.get(projectID).Allow()
}

// Tokens returns the remaining burst capacity for a project.
func (l *Limiter) Tokens(projectID string) float64 {
	return l.get(projectID).Tokens()
}

// Forget drops the bucket for a project so stopped projects do not
// accumulate state.
func (l *Limiter) Forget(projectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, projectID)
}
