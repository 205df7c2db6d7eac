package limiter

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gatelimit/gatelimit/pkg/counter"
	"github.com/gatelimit/gatelimit/pkg/policy"
)

// tokenBucket refills at a steady rate up to a burst capacity. Capacity and
// refill default from maxRequests/windowSeconds when the policy leaves them
// unset.
type tokenBucket struct {
	rt *runtime
}

func (t *tokenBucket) Check(ctx context.Context, scope policy.Scope, identifier string, pol *policy.Policy, n int64) Result {
	key := counter.Key(counter.KindToken, string(scope), identifier)
	nowMs := t.rt.clock.Now().UnixMilli()
	ttlSec := 2 * pol.WindowSeconds

	return t.rt.run(ctx, counter.ScriptTokenBucket, []string{key}, pol,
		pol.EffectiveCapacity(),
		pol.EffectiveRefillRate(),
		nowMs,
		n,
		ttlSec,
	)
}

// fixedWindow counts within aligned windows of windowSeconds. The script
// derives the window id from the timestamp, so two full budgets can land
// on either side of a boundary; that laxity is inherent to the algorithm.
type fixedWindow struct {
	rt *runtime
}

func (f *fixedWindow) Check(ctx context.Context, scope policy.Scope, identifier string, pol *policy.Policy, n int64) Result {
	key := counter.Key(counter.KindFixed, string(scope), identifier)
	nowSec := f.rt.clock.Now().Unix()

	return f.rt.run(ctx, counter.ScriptFixedWindow, []string{key}, pol,
		pol.MaxRequests,
		pol.WindowSeconds,
		nowSec,
		n,
	)
}

// slidingLog tracks individual call timestamps over a trailing window.
// Strict but memory-proportional to the allowed call count.
type slidingLog struct {
	rt *runtime
}

// slidingSeq disambiguates members minted in the same millisecond within
// this process; the uuid suffix covers other processes.
var slidingSeq uint64

func (s *slidingLog) Check(ctx context.Context, scope policy.Scope, identifier string, pol *policy.Policy, n int64) Result {
	key := counter.Key(counter.KindSliding, string(scope), identifier)
	nowMs := s.rt.clock.Now().UnixMilli()
	windowMs := pol.WindowSeconds * 1000
	ttlSec := 2 * pol.WindowSeconds

	args := make([]interface{}, 0, 5+n)
	args = append(args, pol.MaxRequests, windowMs, nowMs, n, ttlSec)
	for i := int64(0); i < n; i++ {
		member := fmt.Sprintf("%d:%d:%s", nowMs, atomic.AddUint64(&slidingSeq, 1), uuid.NewString())
		args = append(args, member)
	}

	return s.rt.run(ctx, counter.ScriptSlidingLog, []string{key}, pol, args...)
}
