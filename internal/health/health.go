// Package health aggregates readiness checks for the sync service.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = 5 * time.Second

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Report is the outcome of one readiness evaluation.
type Report struct {
	Ready     bool              `json:"ready"`
	Checks    map[string]Status `json:"checks"`
	CheckedAt time.Time         `json:"checkedAt"`
}

// Checker manages health checks for all dependencies.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	last    Report
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		timeout: DefaultCheckTimeout,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// SetTimeout overrides the per-check timeout.
func (c *Checker) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.timeout = d
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Evaluate runs every check and reports readiness. Any StatusDown check makes
// the service not ready; StatusDegraded does not.
func (c *Checker) Evaluate(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	timeout := c.timeout
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			s := f(checkCtx)
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()

	report := Report{Ready: true, Checks: results, CheckedAt: time.Now()}
	for name, s := range results {
		if s == StatusDown {
			report.Ready = false
			c.logger.Debug().Str("check", name).Msg("readiness check down")
		}
	}

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()

	return report
}

// IsReady returns true if all checks pass.
func (c *Checker) IsReady(ctx context.Context) bool {
	return c.Evaluate(ctx).Ready
}

// Last returns the most recent report without running the checks.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Flag adapts a boolean readiness signal (e.g. dictionaries loaded).
func Flag(ready func() bool) CheckFunc {
	return func(context.Context) Status {
		if ready() {
			return StatusOK
		}
		return StatusDown
	}
}

// Ping adapts a ping function. A failing ping reports onFail, so optional
// dependencies can degrade instead of blocking readiness.
func Ping(ping func(ctx context.Context) error, onFail Status) CheckFunc {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return onFail
		}
		return StatusOK
	}
}
