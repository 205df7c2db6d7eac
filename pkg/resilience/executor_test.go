package resilience_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gatelimit/gatelimit/pkg/counter"
	"github.com/gatelimit/gatelimit/pkg/policy"
	"github.com/gatelimit/gatelimit/pkg/resilience"
	"github.com/gatelimit/gatelimit/pkg/telemetry"
)

type fakeStore struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	failErr   error
	result    []int64
	delErr    error
}

func (f *fakeStore) Execute(ctx context.Context, script counter.Script, keys []string, args ...interface{}) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return nil, f.failErr
	}
	return f.result, nil
}

func (f *fakeStore) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	return 3, f.delErr
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newExecutor(store counter.Store, bc resilience.BreakerConfig, rc resilience.RetryConfig) *resilience.Executor {
	metrics := telemetry.NewCollector(telemetry.WithRegistry(prometheus.NewRegistry()))
	return resilience.NewExecutor(store, bc, rc, zap.NewNop(), metrics)
}

func defaultBreaker() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		Name:              "counter-store",
		Interval:          time.Minute,
		FailureRate:       0.5,
		MinCalls:          4,
		OpenDuration:      30 * time.Millisecond,
		HalfOpenSuccesses: 1,
	}
}

func TestExecute_Success(t *testing.T) {
	store := &fakeStore{result: []int64{1, 9, 0}}
	e := newExecutor(store, defaultBreaker(), resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	res, err := e.Execute(context.Background(), counter.ScriptTokenBucket, []string{"k"}, 10, 1.0, 0, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 9, 0}, res)
	assert.Equal(t, 1, store.callCount())
}

func TestExecute_RetriesTransientFailure(t *testing.T) {
	store := &fakeStore{failFirst: 2, failErr: errors.New("connection reset"), result: []int64{1, 4, 0}}
	e := newExecutor(store, defaultBreaker(), resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	res, err := e.Execute(context.Background(), counter.ScriptFixedWindow, []string{"k"}, 5, 60, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4, 0}, res)
	assert.Equal(t, 3, store.callCount())
}

func TestExecute_ExhaustsRetries(t *testing.T) {
	boom := errors.New("connection refused")
	store := &fakeStore{failFirst: 100, failErr: boom}
	e := newExecutor(store, defaultBreaker(), resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	_, err := e.Execute(context.Background(), counter.ScriptSlidingLog, []string{"k"}, 3, 60_000, 0, 1, 120, "m")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, store.callCount())
}

func TestExecute_BreakerOpensAndRejects(t *testing.T) {
	store := &fakeStore{failFirst: 100, failErr: errors.New("down")}
	e := newExecutor(store, defaultBreaker(), resilience.RetryConfig{MaxAttempts: 1})

	for i := 0; i < 4; i++ {
		_, err := e.Execute(context.Background(), counter.ScriptTokenBucket, []string{"k"})
		require.Error(t, err)
	}
	require.Equal(t, gobreaker.StateOpen, e.State())

	before := store.callCount()
	_, err := e.Execute(context.Background(), counter.ScriptTokenBucket, []string{"k"})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, before, store.callCount(), "open breaker must not touch the store")
}

func TestExecute_BreakerRecovers(t *testing.T) {
	store := &fakeStore{failFirst: 4, failErr: errors.New("down"), result: []int64{1, 1, 0}}
	e := newExecutor(store, defaultBreaker(), resilience.RetryConfig{MaxAttempts: 1})

	for i := 0; i < 4; i++ {
		_, _ = e.Execute(context.Background(), counter.ScriptTokenBucket, []string{"k"})
	}
	require.Equal(t, gobreaker.StateOpen, e.State())

	time.Sleep(40 * time.Millisecond)

	res, err := e.Execute(context.Background(), counter.ScriptTokenBucket, []string{"k"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 0}, res)
	assert.Equal(t, gobreaker.StateClosed, e.State())
}

func TestExecute_OpenBreakerSkipsRetries(t *testing.T) {
	store := &fakeStore{failFirst: 100, failErr: errors.New("down")}
	e := newExecutor(store, defaultBreaker(), resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	for e.State() != gobreaker.StateOpen {
		_, _ = e.Execute(context.Background(), counter.ScriptTokenBucket, []string{"k"})
	}

	before := store.callCount()
	start := time.Now()
	_, err := e.Execute(context.Background(), counter.ScriptTokenBucket, []string{"k"})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, before, store.callCount())
	assert.Less(t, time.Since(start), 20*time.Millisecond, "rejection must not wait out backoffs")
}

func TestExecute_ContextDeadlineAbortsBackoff(t *testing.T) {
	store := &fakeStore{failFirst: 100, failErr: errors.New("slow")}
	e := newExecutor(store, defaultBreaker(), resilience.RetryConfig{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.Execute(ctx, counter.ScriptTokenBucket, []string{"k"})
	require.Error(t, err)
	assert.Equal(t, 1, store.callCount(), "deadline during backoff stops further attempts")
}

func TestDeleteByPattern_SwallowsErrors(t *testing.T) {
	store := &fakeStore{delErr: errors.New("scan interrupted")}
	e := newExecutor(store, defaultBreaker(), resilience.RetryConfig{MaxAttempts: 1})

	n := e.DeleteByPattern(context.Background(), "rl:*:user:alice*")
	assert.Equal(t, int64(3), n)
}

func TestFallback(t *testing.T) {
	open := &policy.Policy{MaxRequests: 100, FailMode: policy.FailOpen}
	closed := &policy.Policy{MaxRequests: 100, FailMode: policy.FailClosed}

	assert.Equal(t, []int64{1, 100, 0}, resilience.Fallback(open))
	assert.Equal(t, []int64{0, 0, 0}, resilience.Fallback(closed))
	assert.Equal(t, []int64{0, 0, 0}, resilience.Fallback(nil), "missing policy refuses")
}
