// Package ratelimit gates paid operations with sliding-window admission
// control over a shared counter store. The store is the source of
// atomicity; this package decides policy: deny over budget, admit on
// store failure.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type Decision int

const (
	// Admitted: the request fits the identifier's budget.
	Admitted Decision = iota
	// Denied: the budget is exhausted for this window.
	Denied
	// StoreUnavailable: the counter store could not answer. Callers
	// treat this as admit (fail open): a transient limiter outage must
	// not block legitimate paid-feature usage.
	StoreUnavailable
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case Denied:
		return "denied"
	case StoreUnavailable:
		return "store_unavailable"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Result of a single admission check. Reset is the epoch-millisecond
// instant the current window rolls over. A disabled limiter always
// returns Admitted with zeroed counters.
type Result struct {
	Decision  Decision
	Limit     int
	Remaining int
	Reset     int64
	Cause     error // set when Decision is StoreUnavailable
}

// Allowed reports whether the caller may proceed with the operation.
func (r Result) Allowed() bool {
	return r.Decision != Denied
}

// StoreResult is the raw answer from the counter store for one request.
type StoreResult struct {
	Allowed   bool
	Remaining int
	Reset     int64
}

// Store is the shared counter the limiter delegates to. Take must count
// the request atomically across concurrent callers and server instances.
type Store interface {
	Take(ctx context.Context, key string, limit int, window time.Duration) (StoreResult, error)
}

type Limiter struct {
	store   Store
	limit   int
	window  time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// New builds a limiter over store. Store calls run through a circuit
// breaker so a dead store stops costing a network timeout per request;
// an open breaker surfaces as StoreUnavailable like any other store error.
func New(store Store, limit int, window time.Duration, logger *zap.Logger) *Limiter {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ratelimit-store",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Limiter{
		store:   store,
		limit:   limit,
		window:  window,
		breaker: breaker,
		logger:  logger,
	}
}

// NewDisabled builds a limiter with no backing store that admits
// everything. Development convenience only; production deployments must
// refuse to start without store credentials instead.
func NewDisabled(logger *zap.Logger) *Limiter {
	return &Limiter{logger: logger}
}

// Check counts one request against identifier's sliding window and
// decides whether to admit it. It never retries; a Denied result is a
// hard deny for this attempt.
func (l *Limiter) Check(ctx context.Context, identifier string) Result {
	if l.store == nil {
		return Result{Decision: Admitted}
	}

	key := fmt.Sprintf("ratelimit:usage:%s", identifier)
	out, err := l.breaker.Execute(func() (interface{}, error) {
		return l.store.Take(ctx, key, l.limit, l.window)
	})
	if err != nil {
		l.logger.Warn("rate limit check failed, admitting request",
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		return Result{Decision: StoreUnavailable, Cause: err}
	}

	res := out.(StoreResult)
	if !res.Allowed {
		return Result{
			Decision: Denied,
			Limit:    l.limit,
			Reset:    res.Reset,
		}
	}
	return Result{
		Decision:  Admitted,
		Limit:     l.limit,
		Remaining: res.Remaining,
		Reset:     res.Reset,
	}
}
