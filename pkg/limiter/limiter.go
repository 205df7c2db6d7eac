// Package limiter dispatches rate-limit checks to the strategy configured
// on the resolved policy and shapes raw script replies into verdicts.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gatelimit/gatelimit/pkg/clock"
	"github.com/gatelimit/gatelimit/pkg/counter"
	"github.com/gatelimit/gatelimit/pkg/policy"
	"github.com/gatelimit/gatelimit/pkg/resilience"
	"github.com/gatelimit/gatelimit/pkg/telemetry"
)

// ErrInvalidRequest marks input the engine refuses to evaluate.
var ErrInvalidRequest = errors.New("limiter: invalid request")

// Result is a shaped rate-limit verdict.
type Result struct {
	Allowed       bool
	Remaining     int64
	ResetInSec    int64
	RetryAfterSec int64

	// Fallback is set when the verdict came from the fail-mode fallback
	// rather than the counter store.
	Fallback bool
}

// Executor runs counter scripts under the resilience envelope.
type Executor interface {
	Execute(ctx context.Context, script counter.Script, keys []string, args ...interface{}) ([]int64, error)
	DeleteByPattern(ctx context.Context, pattern string) int64
}

// Strategy evaluates one algorithm for a scoped identifier.
type Strategy interface {
	Check(ctx context.Context, scope policy.Scope, identifier string, pol *policy.Policy, n int64) Result
}

// Engine routes checks to the strategy registered for the policy's
// algorithm.
type Engine struct {
	rt         *runtime
	strategies map[policy.Algorithm]Strategy
	log        *zap.Logger
}

// runtime is the shared plumbing handed to every strategy.
type runtime struct {
	exec    Executor
	clock   clock.Clock
	metrics *telemetry.Collector
}

// NewEngine registers the strategies and verifies that every algorithm
// value has one; a gap is a startup error, not a runtime surprise.
func NewEngine(exec Executor, clk clock.Clock, log *zap.Logger, metrics *telemetry.Collector) (*Engine, error) {
	rt := &runtime{exec: exec, clock: clk, metrics: metrics}
	e := &Engine{
		rt:  rt,
		log: log.Named("limiter"),
		strategies: map[policy.Algorithm]Strategy{
			policy.TokenBucket: &tokenBucket{rt: rt},
			policy.FixedWindow: &fixedWindow{rt: rt},
			policy.SlidingLog:  &slidingLog{rt: rt},
		},
	}
	for _, alg := range policy.Algorithms() {
		if _, ok := e.strategies[alg]; !ok {
			return nil, fmt.Errorf("limiter: no strategy registered for %s", alg)
		}
	}
	return e, nil
}

// Check validates the input, runs the policy's strategy, and records the
// decision. The returned error is only ever ErrInvalidRequest; store
// trouble is absorbed by the fallback and flagged on the Result.
func (e *Engine) Check(ctx context.Context, scope policy.Scope, identifier string, pol *policy.Policy, n int64) (Result, error) {
	if pol == nil {
		return Result{}, fmt.Errorf("%w: policy is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(identifier) == "" {
		return Result{}, fmt.Errorf("%w: identifier is required", ErrInvalidRequest)
	}
	if n < 1 {
		return Result{}, fmt.Errorf("%w: permit count must be at least 1", ErrInvalidRequest)
	}
	strat, ok := e.strategies[pol.Algorithm]
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidRequest, pol.Algorithm)
	}

	start := time.Now()
	res := strat.Check(ctx, scope, identifier, pol, n)
	e.rt.metrics.ObserveDecision(metricAlgorithm(pol.Algorithm), res.Allowed, time.Since(start))

	if res.Fallback {
		e.log.Warn("fallback verdict",
			zap.String("algorithm", string(pol.Algorithm)),
			zap.String("fail_mode", string(pol.FailMode)),
			zap.String("identifier", identifier),
			zap.Bool("allowed", res.Allowed))
	}
	return res, nil
}

// Reset clears every per-algorithm counter for a scoped identifier.
// Best-effort; returns the number of keys removed.
func (e *Engine) Reset(ctx context.Context, scope policy.Scope, identifier string) int64 {
	return e.rt.exec.DeleteByPattern(ctx, counter.KeyPattern(string(scope), identifier))
}

func metricAlgorithm(a policy.Algorithm) string {
	return strings.ToLower(string(a))
}

// shape turns a raw {allowed, remaining, resetInSec} triple into a Result.
func shape(raw []int64, fallback bool) Result {
	res := Result{Fallback: fallback}
	if len(raw) != 3 {
		return res
	}
	res.Allowed = raw[0] == 1
	res.Remaining = raw[1]
	res.ResetInSec = raw[2]
	if !res.Allowed {
		res.RetryAfterSec = raw[2]
	}
	return res
}

// run executes the script and substitutes the fail-mode fallback when the
// envelope is exhausted.
func (rt *runtime) run(ctx context.Context, script counter.Script, keys []string, pol *policy.Policy, args ...interface{}) Result {
	raw, err := rt.exec.Execute(ctx, script, keys, args...)
	if err != nil {
		rt.metrics.Fallback(strings.ToLower(string(pol.FailMode)))
		return shape(resilience.Fallback(pol), true)
	}
	return shape(raw, false)
}
