// Package resilience wraps every counter store call in a circuit breaker,
// a bounded retry, and a fail-mode fallback. Nothing in here surfaces
// transport errors to the check path; callers get either a script result
// or a fallback verdict.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/gatelimit/gatelimit/pkg/counter"
	"github.com/gatelimit/gatelimit/pkg/telemetry"
)

// BreakerConfig tunes the circuit breaker around script execution.
type BreakerConfig struct {
	// Name labels the breaker in logs and metrics.
	Name string
	// Interval is the cyclic period over which call counts accumulate
	// while CLOSED.
	Interval time.Duration
	// FailureRate in (0,1]; the breaker opens when the failure ratio over
	// the interval reaches it.
	FailureRate float64
	// MinCalls is the minimum number of calls in the interval before the
	// failure ratio is considered.
	MinCalls uint32
	// OpenDuration is how long the breaker stays OPEN before probing.
	OpenDuration time.Duration
	// HalfOpenSuccesses is the number of consecutive HALF_OPEN successes
	// required to close again.
	HalfOpenSuccesses uint32
}

// RetryConfig tunes the per-call retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Executor runs counter scripts under the resilience envelope.
type Executor struct {
	store   counter.Store
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	log     *zap.Logger
	metrics *telemetry.Collector
}

// NewExecutor builds the envelope around a counter store.
func NewExecutor(store counter.Store, bc BreakerConfig, rc RetryConfig, log *zap.Logger, metrics *telemetry.Collector) *Executor {
	e := &Executor{
		store:   store,
		retry:   rc,
		log:     log.Named("resilience"),
		metrics: metrics,
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        bc.Name,
		MaxRequests: bc.HalfOpenSuccesses,
		Interval:    bc.Interval,
		Timeout:     bc.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinCalls {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= bc.FailureRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.metrics.BreakerState(name, float64(to))
			if to == gobreaker.StateOpen {
				e.log.Warn("circuit breaker opened",
					zap.String("breaker", name),
					zap.String("from", from.String()))
				return
			}
			e.log.Info("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return e
}

// Execute runs a script with retries inside the breaker. The returned error
// means the envelope is exhausted: the breaker rejected the call, the
// context ended, or every attempt failed. Callers substitute the fail-mode
// fallback in that case.
func (e *Executor) Execute(ctx context.Context, script counter.Script, keys []string, args ...interface{}) ([]int64, error) {
	attempts := e.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
loop:
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			e.metrics.StoreRetry(string(script))
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break loop
			case <-time.After(e.backoff(attempt)):
			}
		}

		out, err := e.breaker.Execute(func() (interface{}, error) {
			return e.store.Execute(ctx, script, keys, args...)
		})
		if err == nil {
			return out.([]int64), nil
		}
		lastErr = err

		// An open breaker rejects without touching the store; waiting
		// out the backoff will not change its answer.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	e.metrics.StoreError(string(script))
	e.log.Warn("counter store call failed",
		zap.String("script", string(script)),
		zap.Error(lastErr))
	return nil, lastErr
}

// DeleteByPattern is best-effort: failures are logged and swallowed, and
// the count of keys known to be deleted is returned.
func (e *Executor) DeleteByPattern(ctx context.Context, pattern string) int64 {
	n, err := e.store.DeleteByPattern(ctx, pattern)
	if err != nil {
		e.log.Warn("counter pattern delete failed",
			zap.String("pattern", pattern),
			zap.Int64("deleted", n),
			zap.Error(err))
	}
	return n
}

// State exposes the breaker state for health reporting.
func (e *Executor) State() gobreaker.State {
	return e.breaker.State()
}

func (e *Executor) backoff(attempt int) time.Duration {
	d := e.retry.BaseDelay << uint(attempt-1)
	if d <= 0 || d > e.retry.MaxDelay {
		d = e.retry.MaxDelay
	}
	// Full jitter over the upper half keeps concurrent retries spread out.
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int63n(half+1))
}
