package limiter_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gatelimit/gatelimit/pkg/clock"
	"github.com/gatelimit/gatelimit/pkg/counter"
	"github.com/gatelimit/gatelimit/pkg/limiter"
	"github.com/gatelimit/gatelimit/pkg/policy"
	"github.com/gatelimit/gatelimit/pkg/telemetry"
)

var testNow = time.UnixMilli(1_700_000_000_000).UTC()

type fakeExec struct {
	script     counter.Script
	keys       []string
	args       []interface{}
	res        []int64
	err        error
	delPattern string
}

func (f *fakeExec) Execute(ctx context.Context, script counter.Script, keys []string, args ...interface{}) ([]int64, error) {
	f.script = script
	f.keys = keys
	f.args = args
	return f.res, f.err
}

func (f *fakeExec) DeleteByPattern(ctx context.Context, pattern string) int64 {
	f.delPattern = pattern
	return 2
}

func newEngine(t *testing.T, exec limiter.Executor) *limiter.Engine {
	t.Helper()
	metrics := telemetry.NewCollector(telemetry.WithRegistry(prometheus.NewRegistry()))
	e, err := limiter.NewEngine(exec, clock.NewMockAt(testNow), zap.NewNop(), metrics)
	require.NoError(t, err)
	return e
}

func int64p(v int64) *int64       { return &v }
func float64p(v float64) *float64 { return &v }

func tokenPolicy() *policy.Policy {
	return &policy.Policy{
		Name:          "tb",
		Scope:         policy.ScopeUser,
		Algorithm:     policy.TokenBucket,
		MaxRequests:   10,
		WindowSeconds: 10,
		FailMode:      policy.FailClosed,
		Enabled:       true,
	}
}

func TestCheck_TokenBucketArgs(t *testing.T) {
	exec := &fakeExec{res: []int64{1, 9, 0}}
	e := newEngine(t, exec)

	res, err := e.Check(context.Background(), policy.ScopeUser, "alice", tokenPolicy(), 1)
	require.NoError(t, err)

	assert.Equal(t, counter.ScriptTokenBucket, exec.script)
	assert.Equal(t, []string{"rl:token:user:alice"}, exec.keys)
	assert.Equal(t, []interface{}{
		int64(10), 1.0, testNow.UnixMilli(), int64(1), int64(20),
	}, exec.args)

	assert.True(t, res.Allowed)
	assert.Equal(t, int64(9), res.Remaining)
	assert.Equal(t, int64(0), res.RetryAfterSec)
	assert.False(t, res.Fallback)
}

func TestCheck_TokenBucketBurstOverrides(t *testing.T) {
	exec := &fakeExec{res: []int64{1, 19, 0}}
	e := newEngine(t, exec)

	pol := tokenPolicy()
	pol.BurstCapacity = int64p(20)
	pol.RefillRate = float64p(2.5)

	_, err := e.Check(context.Background(), policy.ScopeUser, "alice", pol, 1)
	require.NoError(t, err)

	assert.Equal(t, int64(20), exec.args[0])
	assert.Equal(t, 2.5, exec.args[1])
}

func TestCheck_DeniedCarriesRetryAfter(t *testing.T) {
	exec := &fakeExec{res: []int64{0, 0, 7}}
	e := newEngine(t, exec)

	res, err := e.Check(context.Background(), policy.ScopeUser, "alice", tokenPolicy(), 1)
	require.NoError(t, err)

	assert.False(t, res.Allowed)
	assert.Equal(t, int64(7), res.ResetInSec)
	assert.Equal(t, int64(7), res.RetryAfterSec)
}

func TestCheck_FixedWindowArgs(t *testing.T) {
	exec := &fakeExec{res: []int64{1, 4, 31}}
	e := newEngine(t, exec)

	pol := &policy.Policy{
		Name:          "fw",
		Scope:         policy.ScopeAPI,
		Algorithm:     policy.FixedWindow,
		MaxRequests:   5,
		WindowSeconds: 60,
		FailMode:      policy.FailClosed,
		Enabled:       true,
	}

	res, err := e.Check(context.Background(), policy.ScopeAPI, "k1hash", pol, 1)
	require.NoError(t, err)

	assert.Equal(t, counter.ScriptFixedWindow, exec.script)
	assert.Equal(t, []string{"rl:fixed:api:k1hash"}, exec.keys)
	assert.Equal(t, []interface{}{
		int64(5), int64(60), testNow.Unix(), int64(1),
	}, exec.args)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(31), res.ResetInSec)
}

func TestCheck_SlidingLogArgsAndMembers(t *testing.T) {
	exec := &fakeExec{res: []int64{1, 0, 0}}
	e := newEngine(t, exec)

	pol := &policy.Policy{
		Name:          "sl",
		Scope:         policy.ScopeIP,
		Algorithm:     policy.SlidingLog,
		MaxRequests:   3,
		WindowSeconds: 60,
		FailMode:      policy.FailOpen,
		Enabled:       true,
	}

	_, err := e.Check(context.Background(), policy.ScopeIP, "10.0.0.1", pol, 2)
	require.NoError(t, err)

	assert.Equal(t, counter.ScriptSlidingLog, exec.script)
	assert.Equal(t, []string{"rl:sliding:ip:10.0.0.1"}, exec.keys)
	require.Len(t, exec.args, 7)
	assert.Equal(t, []interface{}{
		int64(3), int64(60_000), testNow.UnixMilli(), int64(2), int64(120),
	}, exec.args[:5])

	m1, m2 := exec.args[5].(string), exec.args[6].(string)
	assert.NotEqual(t, m1, m2, "batch members must be distinct")
	prefix := "1700000000000:"
	assert.True(t, strings.HasPrefix(m1, prefix))
	assert.True(t, strings.HasPrefix(m2, prefix))
}

func TestCheck_InvalidInput(t *testing.T) {
	e := newEngine(t, &fakeExec{res: []int64{1, 1, 0}})
	ctx := context.Background()

	_, err := e.Check(ctx, policy.ScopeUser, "alice", nil, 1)
	assert.ErrorIs(t, err, limiter.ErrInvalidRequest)

	_, err = e.Check(ctx, policy.ScopeUser, "   ", tokenPolicy(), 1)
	assert.ErrorIs(t, err, limiter.ErrInvalidRequest)

	_, err = e.Check(ctx, policy.ScopeUser, "alice", tokenPolicy(), 0)
	assert.ErrorIs(t, err, limiter.ErrInvalidRequest)

	bad := tokenPolicy()
	bad.Algorithm = policy.Algorithm("LEAKY_BUCKET")
	_, err = e.Check(ctx, policy.ScopeUser, "alice", bad, 1)
	assert.ErrorIs(t, err, limiter.ErrInvalidRequest)
}

func TestCheck_FallbackFailOpen(t *testing.T) {
	exec := &fakeExec{err: errors.New("store down")}
	e := newEngine(t, exec)

	pol := tokenPolicy()
	pol.FailMode = policy.FailOpen

	res, err := e.Check(context.Background(), policy.ScopeUser, "alice", pol, 1)
	require.NoError(t, err, "store trouble must not surface")

	assert.True(t, res.Allowed)
	assert.Equal(t, pol.MaxRequests, res.Remaining)
	assert.True(t, res.Fallback)
}

func TestCheck_FallbackFailClosed(t *testing.T) {
	exec := &fakeExec{err: errors.New("store down")}
	e := newEngine(t, exec)

	res, err := e.Check(context.Background(), policy.ScopeUser, "alice", tokenPolicy(), 1)
	require.NoError(t, err)

	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Equal(t, int64(0), res.RetryAfterSec)
	assert.True(t, res.Fallback)
}

func TestReset(t *testing.T) {
	exec := &fakeExec{}
	e := newEngine(t, exec)

	n := e.Reset(context.Background(), policy.ScopeUser, "alice")
	assert.Equal(t, int64(2), n)
	assert.Equal(t, "rl:*:user:alice*", exec.delPattern)
}

type benchExec struct{ res []int64 }

func (b benchExec) Execute(ctx context.Context, script counter.Script, keys []string, args ...interface{}) ([]int64, error) {
	return b.res, nil
}

func (b benchExec) DeleteByPattern(ctx context.Context, pattern string) int64 { return 0 }

func BenchmarkCheck_TokenBucket(b *testing.B) {
	metrics := telemetry.NewCollector(telemetry.WithRegistry(prometheus.NewRegistry()))
	e, err := limiter.NewEngine(benchExec{res: []int64{1, 5, 0}}, clock.New(), zap.NewNop(), metrics)
	if err != nil {
		b.Fatal(err)
	}
	pol := tokenPolicy()
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := e.Check(ctx, policy.ScopeUser, "alice", pol, 1); err != nil {
				b.Fatal(err)
			}
		}
	})
}
