package counter_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatelimit/gatelimit/pkg/counter"
)

func newStore(t *testing.T) (*miniredis.Miniredis, *counter.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := counter.NewRedisStore(client, 0)
	t.Cleanup(func() { _ = s.Close() })
	return mr, s
}

func TestKey(t *testing.T) {
	assert.Equal(t, "rl:token:user:alice", counter.Key(counter.KindToken, "USER", "alice"))
	assert.Equal(t, "rl:fixed:ip:10.0.0.1", counter.Key(counter.KindFixed, "IP", "10.0.0.1"))
	assert.Equal(t, "rl:sliding:global:global", counter.Key(counter.KindSliding, "GLOBAL", "global"))
	assert.Equal(t, "rl:*:user:alice*", counter.KeyPattern("USER", "alice"))
}

func TestExecute_UnknownScript(t *testing.T) {
	_, s := newStore(t)
	_, err := s.Execute(context.Background(), counter.Script("bogus"), []string{"k"})
	require.ErrorIs(t, err, counter.ErrUnknownScript)
}

func TestTokenBucketScript(t *testing.T) {
	_, s := newStore(t)
	ctx := context.Background()
	key := counter.Key(counter.KindToken, "USER", "alice")

	base := int64(1_000_000)
	run := func(nowMs int64, requested int) []int64 {
		res, err := s.Execute(ctx, counter.ScriptTokenBucket, []string{key},
			10, 1.0, nowMs, requested, 20)
		require.NoError(t, err)
		require.Len(t, res, 3)
		return res
	}

	for i := 0; i < 10; i++ {
		res := run(base, 1)
		assert.Equal(t, int64(1), res[0], "call %d should be allowed", i+1)
		assert.Equal(t, int64(9-i), res[1], "remaining after call %d", i+1)
		assert.Equal(t, int64(0), res[2])
	}

	res := run(base, 1)
	assert.Equal(t, int64(0), res[0], "bucket empty, call should be denied")
	assert.Equal(t, int64(0), res[1])
	assert.Equal(t, int64(1), res[2], "one token refills in one second")

	// 5 seconds later roughly 5 tokens have refilled.
	res = run(base+5_000, 1)
	assert.Equal(t, int64(1), res[0])
	assert.Equal(t, int64(4), res[1])
}

func TestTokenBucketScript_FractionalRefill(t *testing.T) {
	_, s := newStore(t)
	ctx := context.Background()
	key := counter.Key(counter.KindToken, "USER", "bob")

	res, err := s.Execute(ctx, counter.ScriptTokenBucket, []string{key}, 2, 0.5, 10_000, 2, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res[0])
	assert.Equal(t, int64(0), res[1])

	res, err = s.Execute(ctx, counter.ScriptTokenBucket, []string{key}, 2, 0.5, 10_000, 1, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res[0])
	assert.Equal(t, int64(2), res[2], "half a token per second means a 2s wait for one token")
}

func TestTokenBucketScript_ClockSkewDoesNotRefill(t *testing.T) {
	_, s := newStore(t)
	ctx := context.Background()
	key := counter.Key(counter.KindToken, "USER", "carol")

	_, err := s.Execute(ctx, counter.ScriptTokenBucket, []string{key}, 5, 1.0, 50_000, 5, 10)
	require.NoError(t, err)

	// A call with an earlier timestamp must not mint tokens.
	res, err := s.Execute(ctx, counter.ScriptTokenBucket, []string{key}, 5, 1.0, 40_000, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res[0])
}

func TestTokenBucketScript_SetsTTL(t *testing.T) {
	mr, s := newStore(t)
	key := counter.Key(counter.KindToken, "USER", "dave")

	_, err := s.Execute(context.Background(), counter.ScriptTokenBucket, []string{key},
		10, 1.0, 1_000, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, mr.TTL(key))
}

func TestFixedWindowScript(t *testing.T) {
	mr, s := newStore(t)
	ctx := context.Background()
	key := counter.Key(counter.KindFixed, "USER", "alice")

	run := func(nowSec int64) []int64 {
		res, err := s.Execute(ctx, counter.ScriptFixedWindow, []string{key}, 3, 60, nowSec, 1)
		require.NoError(t, err)
		require.Len(t, res, 3)
		return res
	}

	// Last second of window 0.
	for i := 0; i < 3; i++ {
		res := run(59)
		assert.Equal(t, int64(1), res[0], "call %d in window 0", i+1)
		assert.Equal(t, int64(2-i), res[1])
		assert.Equal(t, int64(1), res[2], "window 0 ends at t=60")
	}

	res := run(59)
	assert.Equal(t, int64(0), res[0], "window 0 exhausted")
	assert.Equal(t, int64(0), res[1])
	assert.Equal(t, int64(1), res[2])

	// Window boundary: a fresh window grants a fresh budget.
	res = run(60)
	assert.Equal(t, int64(1), res[0])
	assert.Equal(t, int64(2), res[1])
	assert.Equal(t, int64(60), res[2])

	assert.Equal(t, 61*time.Second, mr.TTL(key+":1"), "window key expires windowSec+1 after last hit")
}

func TestFixedWindowScript_DeniedCallsDoNotConsume(t *testing.T) {
	_, s := newStore(t)
	ctx := context.Background()
	key := counter.Key(counter.KindFixed, "API", "k1")

	_, err := s.Execute(ctx, counter.ScriptFixedWindow, []string{key}, 5, 60, 0, 4)
	require.NoError(t, err)

	// 4+3 > 5: denied, and the stored count stays at 4.
	res, err := s.Execute(ctx, counter.ScriptFixedWindow, []string{key}, 5, 60, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res[0])

	// 4+1 <= 5 still fits.
	res, err = s.Execute(ctx, counter.ScriptFixedWindow, []string{key}, 5, 60, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res[0])
	assert.Equal(t, int64(0), res[1])
}

func TestSlidingLogScript(t *testing.T) {
	_, s := newStore(t)
	ctx := context.Background()
	key := counter.Key(counter.KindSliding, "USER", "alice")

	seq := 0
	run := func(nowMs int64, increment int) []int64 {
		args := []interface{}{3, 60_000, nowMs, increment, 120}
		for i := 0; i < increment; i++ {
			seq++
			args = append(args, fmt.Sprintf("%d:%d", nowMs, seq))
		}
		res, err := s.Execute(ctx, counter.ScriptSlidingLog, []string{key}, args...)
		require.NoError(t, err)
		require.Len(t, res, 3)
		return res
	}

	for i, nowMs := range []int64{0, 1_000, 2_000} {
		res := run(nowMs, 1)
		assert.Equal(t, int64(1), res[0], "call %d", i+1)
		assert.Equal(t, int64(2-i), res[1])
	}

	// t=59s: all three entries still inside the trailing window.
	res := run(59_000, 1)
	assert.Equal(t, int64(0), res[0])
	assert.Equal(t, int64(0), res[1])
	assert.Equal(t, int64(1), res[2], "oldest entry at t=0 leaves the window at t=60s")

	// t=61s: entries at 0s and 1s have aged out, one remains plus this call.
	res = run(61_000, 1)
	assert.Equal(t, int64(1), res[0])
	assert.Equal(t, int64(1), res[1])
}

func TestSlidingLogScript_BatchInsertsDistinctMembers(t *testing.T) {
	mr, s := newStore(t)
	key := counter.Key(counter.KindSliding, "TENANT", "t1")

	res, err := s.Execute(context.Background(), counter.ScriptSlidingLog, []string{key},
		5, 60_000, 1_000, 3, 120, "1000:1", "1000:2", "1000:3")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res[0])
	assert.Equal(t, int64(2), res[1])

	members, err := mr.ZMembers(key)
	require.NoError(t, err)
	assert.Len(t, members, 3)
	assert.Equal(t, 120*time.Second, mr.TTL(key))
}

func TestDeleteByPattern(t *testing.T) {
	mr, s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mr.Set(fmt.Sprintf("rl:token:user:alice:%d", i), "x")
	}
	mr.Set("rl:token:user:bob", "x")
	mr.Set("rl:fixed:user:alice:42", "x")

	n, err := s.DeleteByPattern(ctx, "rl:*:user:alice*")
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	assert.False(t, mr.Exists("rl:fixed:user:alice:42"))
	assert.True(t, mr.Exists("rl:token:user:bob"))

	n, err = s.DeleteByPattern(ctx, "rl:*:user:alice*")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "second delete finds nothing")
}

func TestPing(t *testing.T) {
	mr, s := newStore(t)
	require.NoError(t, s.Ping(context.Background()))
	mr.Close()
	require.Error(t, s.Ping(context.Background()))
}
