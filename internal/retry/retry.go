// Package retry provides the exponential backoff orchestrator used for every
// upstream call, with optional idempotency-key result caching.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	perrors "github.com/p-blackswan/tasksync/internal/errors"
	"github.com/p-blackswan/tasksync/internal/idempotency"
	"github.com/p-blackswan/tasksync/internal/requestid"
)

// Config holds retry configuration.
type Config struct {
	// MaxRetries is the number of retries after the first attempt, so an
	// operation runs at most MaxRetries+1 times.
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterCeiling time.Duration
}

// DefaultConfig returns the defaults for task mutations.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		JitterCeiling: 100 * time.Millisecond,
	}
}

// Backoff returns the delay before retry number attempt (0-based):
// min(BaseDelay*2^attempt + jitter, MaxDelay). jitter is clamped to
// [0, JitterCeiling].
func (c Config) Backoff(attempt int, jitter time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > c.JitterCeiling {
		jitter = c.JitterCeiling
	}
	exp := float64(c.BaseDelay) * math.Pow(2, float64(attempt))
	if exp >= float64(c.MaxDelay) {
		return c.MaxDelay
	}
	delay := time.Duration(exp) + jitter
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.JitterCeiling < 0 {
		c.JitterCeiling = 0
	}
	// Keeps Backoff non-decreasing in attempt.
	if c.JitterCeiling > c.BaseDelay {
		c.JitterCeiling = c.BaseDelay
	}
	return c
}

// Options configures a single Execute call.
type Options struct {
	// Name labels the operation in logs and metrics.
	Name string
	// MaxRetries overrides Config.MaxRetries when > 0.
	MaxRetries int
	// IdempotencyKey, when set, short-circuits on a cached success and caches
	// the result of a new success.
	IdempotencyKey string
}

// Operation is one upstream call. correlationID is fixed for the whole call
// sequence and must be sent on every attempt.
type Operation[T any] func(ctx context.Context, correlationID string) (T, error)

// Observer receives orchestration events (metrics).
type Observer interface {
	ObserveAttempt(name string, err error)
	ObserveIdempotencyHit(name string)
}

// Orchestrator executes operations with bounded exponential backoff. It owns
// the idempotency cache; the cache is never exposed to callers.
type Orchestrator struct {
	cfg      Config
	cache    *idempotency.Cache[any]
	inflight *singleflight.Group
	flights  *flightSet
	observer Observer
	logger   zerolog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(ceiling time.Duration) time.Duration
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithObserver attaches a metrics observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithSleep replaces the context-aware sleep (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithJitter replaces the jitter source (tests).
func WithJitter(fn func(ceiling time.Duration) time.Duration) Option {
	return func(o *Orchestrator) { o.jitter = fn }
}

// New creates an orchestrator. cache may be nil, in which case idempotency
// keys are ignored.
func New(cfg Config, cache *idempotency.Cache[any], logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg.normalize(),
		cache:    cache,
		inflight: &singleflight.Group{},
		flights:  &flightSet{m: make(map[string]*flight)},
		logger:   logger.With().Str("component", "retry").Logger(),
		sleep:    sleepContext,
		jitter:   randomJitter,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithMaxRetries returns an orchestrator sharing this one's cache and hooks but
// with a different default retry ceiling.
func (o *Orchestrator) WithMaxRetries(n int) *Orchestrator {
	cp := *o
	cp.cfg.MaxRetries = n
	cp.cfg = cp.cfg.normalize()
	return &cp
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// CacheLen reports the number of cached idempotent results.
func (o *Orchestrator) CacheLen() int {
	if o.cache == nil {
		return 0
	}
	return o.cache.Len()
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Outcome describes how Execute produced its result.
type Outcome struct {
	// CorrelationID identifies the call sequence that produced the result.
	// It is empty for idempotency cache hits.
	CorrelationID string
	// Shared is set when the result came from the idempotency cache or from a
	// concurrent call with the same key, so this caller's op never ran.
	Shared bool
}

// Execute runs op under the orchestrator's retry policy.
//
// A cached result for opts.IdempotencyKey is returned without calling op.
// Non-retryable errors are returned unchanged after the first failure; when
// retries run out the last error is returned wrapped in *ExhaustedError.
// Concurrent calls sharing an idempotency key collapse into one call sequence.
func Execute[T any](ctx context.Context, o *Orchestrator, opts Options, op Operation[T]) (T, error) {
	res, _, err := ExecuteWithOutcome(ctx, o, opts, op)
	return res, err
}

type flightResult struct {
	value         any
	correlationID string
	cached        bool
}

// ExecuteWithOutcome is Execute, also reporting how the result was produced.
//
// A collapsed call sequence runs under a context detached from any single
// caller. It is cancelled once every caller waiting on it has returned, so one
// caller's cancellation or deadline never fails the others.
func ExecuteWithOutcome[T any](ctx context.Context, o *Orchestrator, opts Options, op Operation[T]) (T, Outcome, error) {
	var zero T
	if opts.Name == "" {
		opts.Name = "upstream"
	}

	key := opts.IdempotencyKey
	if key == "" || o.cache == nil {
		res, cid, err := run(ctx, o, opts, op)
		return res, Outcome{CorrelationID: cid}, err
	}

	if v, ok, err := cached[T](o, opts, key); ok || err != nil {
		return v, Outcome{Shared: ok}, err
	}

	fl := o.flights.join(ctx, key)
	defer o.flights.leave(key, fl, o.inflight)

	ran := false
	ch := o.inflight.DoChan(key, func() (any, error) {
		if v, ok, err := cached[T](o, opts, key); ok || err != nil {
			return flightResult{value: v, cached: true}, err
		}
		ran = true
		res, cid, err := run(fl.ctx, o, opts, op)
		if err != nil {
			return flightResult{correlationID: cid}, err
		}
		o.cache.Put(key, res)
		return flightResult{value: res, correlationID: cid}, nil
	})

	select {
	case <-ctx.Done():
		return zero, Outcome{}, ctx.Err()
	case r := <-ch:
		fr, _ := r.Val.(flightResult)
		out := Outcome{CorrelationID: fr.correlationID, Shared: !ran || fr.cached}
		if r.Err != nil {
			return zero, out, r.Err
		}
		res, ok := fr.value.(T)
		if !ok {
			return zero, out, fmt.Errorf("%s: idempotency key %q holds %T", opts.Name, key, fr.value)
		}
		return res, out, nil
	}
}

// flight is one collapsed call sequence and the number of callers waiting
// on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

type flightSet struct {
	mu sync.Mutex
	m  map[string]*flight
}

func (f *flightSet) join(ctx context.Context, key string) *flight {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.m[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{ctx: fctx, cancel: cancel}
		f.m[key] = fl
	}
	fl.waiters++
	return fl
}

// leave drops a waiter. The last one out cancels the sequence and makes the
// next caller for key start a fresh one.
func (f *flightSet) leave(key string, fl *flight, group *singleflight.Group) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if f.m[key] == fl {
		delete(f.m, key)
	}
	group.Forget(key)
}

func cached[T any](o *Orchestrator, opts Options, key string) (T, bool, error) {
	var zero T
	v, ok := o.cache.Get(key)
	if !ok {
		return zero, false, nil
	}
	res, ok := v.(T)
	if !ok {
		return zero, false, fmt.Errorf("%s: idempotency key %q holds %T", opts.Name, key, v)
	}
	o.logger.Info().
		Str("operation", opts.Name).
		Str("idempotency_key", key).
		Msg("idempotency cache hit, skipping upstream call")
	if o.observer != nil {
		o.observer.ObserveIdempotencyHit(opts.Name)
	}
	return res, true, nil
}

func run[T any](ctx context.Context, o *Orchestrator, opts Options, op Operation[T]) (T, string, error) {
	var zero T

	maxRetries := o.cfg.MaxRetries
	if opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	}

	correlationID := uuid.New().String()
	logger := o.logger.With().
		Str("operation", opts.Name).
		Str("correlation_id", correlationID).
		Logger()
	if parent, ok := requestid.Lookup(ctx); ok {
		logger = logger.With().Str("request_id", parent).Logger()
	}
	ctx = requestid.WithRequestID(ctx, correlationID)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		res, err := op(ctx, correlationID)
		if o.observer != nil {
			o.observer.ObserveAttempt(opts.Name, err)
		}
		if err == nil {
			if attempt > 0 {
				logger.Info().Int("attempt", attempt+1).Msg("upstream call succeeded after retry")
			}
			return res, correlationID, nil
		}
		lastErr = err

		if !perrors.IsRetryable(err) {
			logger.Warn().Err(err).
				Int("attempt", attempt+1).
				Int("status", perrors.StatusCode(err)).
				Msg("non-retryable upstream error")
			return zero, correlationID, err
		}
		if attempt == maxRetries {
			break
		}

		delay := o.cfg.Backoff(attempt, o.jitter(o.cfg.JitterCeiling))
		logger.Warn().Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", maxRetries+1).
			Int("status", perrors.StatusCode(err)).
			Dur("backoff", delay).
			Msg("retryable upstream error")

		if err := o.sleep(ctx, delay); err != nil {
			return zero, correlationID, fmt.Errorf("%s: abandoned during backoff: %w", opts.Name, err)
		}
	}

	logger.Error().Err(lastErr).Int("attempts", maxRetries+1).Msg("upstream retries exhausted")
	return zero, correlationID, &ExhaustedError{Name: opts.Name, Attempts: maxRetries + 1, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}
