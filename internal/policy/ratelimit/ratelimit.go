// Package ratelimit throttles outbound submission traffic with a global
// bucket plus one bucket per target domain.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/directorybolt/submitd/internal/metrics"
)

// Config holds rate limiter configuration. Zero rates mean unlimited.
type Config struct {
	GlobalRPS    float64
	PerDomainRPS float64
	Burst        int
}

// Limiter enforces the global and per-domain budgets. It implements
// pipeline.Limiter.
type Limiter struct {
	mu         sync.Mutex
	global     *rate.Limiter
	domains    map[string]*rate.Limiter
	domainRate rate.Limit
	burst      int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	globalRate := rate.Limit(cfg.GlobalRPS)
	if cfg.GlobalRPS <= 0 {
		globalRate = rate.Inf
	}
	domainRate := rate.Limit(cfg.PerDomainRPS)
	if cfg.PerDomainRPS <= 0 {
		domainRate = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		global:     rate.NewLimiter(globalRate, burst),
		domains:    make(map[string]*rate.Limiter),
		domainRate: domainRate,
		burst:      burst,
	}
}

// Wait blocks until both the global and the domain bucket allow one request,
// respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		domain = u.Hostname()
	}

	l.mu.Lock()
	limiter, exists := l.domains[domain]
	if !exists {
		limiter = rate.NewLimiter(l.domainRate, l.burst)
		l.domains[domain] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := l.global.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit wait: %w", err)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("domain rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}
