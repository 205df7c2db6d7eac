package counter

import "github.com/redis/go-redis/v9"

// Each script returns {allowed, remaining, reset_in_sec} as integers and is
// the only writer of its key family. Scripts are loaded by SHA on first use.

// tokenBucketScript maintains a (tokens, last_refill_ms) pair per key.
// ARGV: capacity, refill_rate (tokens/sec), now_ms, requested, ttl_sec.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl_sec = tonumber(ARGV[5])

local tokens = capacity
local last_refill_ms = now_ms

local data = redis.call('HGETALL', key)
if #data > 0 then
  local fields = {}
  for i = 1, #data, 2 do
    fields[data[i]] = data[i + 1]
  end
  tokens = tonumber(fields['tokens']) or capacity
  last_refill_ms = tonumber(fields['last_refill_ms']) or now_ms

  local elapsed_ms = now_ms - last_refill_ms
  if elapsed_ms < 0 then
    elapsed_ms = 0
  end
  tokens = math.min(capacity, tokens + refill_rate * elapsed_ms / 1000)
end

local allowed = 0
local reset_in = 0

if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
else
  reset_in = math.ceil((requested - tokens) / refill_rate)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill_ms', tostring(now_ms))
redis.call('EXPIRE', key, ttl_sec)

return { allowed, math.floor(tokens), reset_in }
`)

// fixedWindowScript counts per aligned window. The window id is derived from
// now_sec and appended to the base key, so denied calls never consume quota.
// ARGV: max_requests, window_sec, now_sec, increment.
var fixedWindowScript = redis.NewScript(`
local base = KEYS[1]
local max_requests = tonumber(ARGV[1])
local window_sec = tonumber(ARGV[2])
local now_sec = tonumber(ARGV[3])
local increment = tonumber(ARGV[4])

local window_id = math.floor(now_sec / window_sec)
local subkey = base .. ':' .. window_id
local count = tonumber(redis.call('GET', subkey)) or 0
local reset_in = (window_id + 1) * window_sec - now_sec

local allowed = 0
local remaining = 0

if count + increment <= max_requests then
  count = redis.call('INCRBY', subkey, increment)
  redis.call('EXPIRE', subkey, window_sec + 1)
  allowed = 1
  remaining = max_requests - count
end

return { allowed, remaining, reset_in }
`)

// slidingLogScript keeps one sorted-set entry per allowed call, scored by
// timestamp. Callers pass `increment` pre-generated distinct members as
// ARGV[6..]; reusing a member would collapse two entries into one.
// ARGV: max_requests, window_ms, now_ms, increment, ttl_sec, members...
var slidingLogScript = redis.NewScript(`
local key = KEYS[1]
local max_requests = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local increment = tonumber(ARGV[4])
local ttl_sec = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', tostring(now_ms - window_ms))
local count = redis.call('ZCARD', key)

local reset_in = 0
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest > 0 then
  reset_in = math.ceil((tonumber(oldest[2]) + window_ms - now_ms) / 1000)
  if reset_in < 0 then
    reset_in = 0
  end
end

local allowed = 0
local remaining = 0

if count + increment <= max_requests then
  for i = 1, increment do
    redis.call('ZADD', key, now_ms, ARGV[5 + i])
  end
  redis.call('EXPIRE', key, ttl_sec)
  allowed = 1
  remaining = max_requests - count - increment
end

return { allowed, remaining, reset_in }
`)

var scripts = map[Script]*redis.Script{
	ScriptTokenBucket: tokenBucketScript,
	ScriptFixedWindow: fixedWindowScript,
	ScriptSlidingLog:  slidingLogScript,
}
