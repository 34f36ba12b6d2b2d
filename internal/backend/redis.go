package backend

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Each script performs the full read/compute/write cycle of its
// algorithm server-side, so concurrent checks against one key are
// totally ordered by Redis. All scripts return
// {allowed, remaining, current, reset_epoch, retry_seconds} with the
// two time values encoded as strings to keep fractional seconds.

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = burst
  ts = now
end
local elapsed = now - ts
if elapsed < 0 then elapsed = 0 end
tokens = tokens + elapsed * limit / window
if tokens > burst then tokens = burst end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end
redis.call('HSET', key, 'tokens', tokens, 'ts', now)
local rate = limit / window
redis.call('EXPIRE', key, math.ceil((burst - tokens) / rate + window))

local reset = now + (burst - tokens) / rate
local retry = 0
if allowed == 0 then retry = (1 - tokens) / rate end
return {allowed, math.floor(tokens), burst - math.floor(tokens), tostring(reset), tostring(retry)}
`)

var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local count = redis.call('INCR', key)
if count == 1 then
  redis.call('EXPIRE', key, math.ceil(window) + 1)
end
local allowed = 0
if count <= limit then allowed = 1 end
local remaining = limit - count
if remaining < 0 then remaining = 0 end
local reset = math.floor(now / window) * window + window
local retry = 0
if allowed == 0 then retry = reset - now end
return {allowed, remaining, count, tostring(reset), tostring(retry)}
`)

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  allowed = 1
  redis.call('ZADD', key, now, member)
  count = count + 1
end
redis.call('EXPIRE', key, math.ceil(window) + 1)

local remaining = limit - count
if remaining < 0 then remaining = 0 end
local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then reset = tonumber(oldest[2]) + window end
local retry = 0
if allowed == 0 then
  retry = reset - now
  if retry < 0 then retry = 0 end
end
return {allowed, remaining, count, tostring(reset), tostring(retry)}
`)

var leakyBucketScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local size = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'level', 'ts')
local level = tonumber(state[1])
local ts = tonumber(state[2])
if level == nil then
  level = 0
  ts = now
end
local elapsed = now - ts
if elapsed < 0 then elapsed = 0 end
level = level - elapsed * limit / window
if level < 0 then level = 0 end

local allowed = 0
if level < size then
  allowed = 1
  level = level + 1
end
redis.call('HSET', key, 'level', level, 'ts', now)
local rate = limit / window
redis.call('EXPIRE', key, math.ceil(level / rate + window))

local remaining = size - math.ceil(level)
if remaining < 0 then remaining = 0 end
local reset = now + level / rate
local retry = 0
if allowed == 0 then retry = (level - size + 1) / rate end
return {allowed, remaining, math.ceil(level), tostring(reset), tostring(retry)}
`)

// Redis is the shared counter store. Scripts run via EVALSHA with an
// automatic reload on NOSCRIPT, which go-redis handles for us.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRedis wraps an existing client. timeout bounds every call so a slow
// Redis cannot stall request handling; callers treat a timeout like any
// other backend failure.
func NewRedis(client redis.UniversalClient, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Redis{client: client, timeout: timeout}
}

func (r *Redis) TokenBucket(ctx context.Context, key string, p Params) (Outcome, error) {
	if err := validate(p); err != nil {
		return Outcome{}, err
	}
	burst := p.Burst
	if burst <= 0 {
		burst = p.Limit
	}
	return r.run(ctx, tokenBucketScript, key, p.Limit, p.Window.Seconds(), burst, epochSeconds(p.Now))
}

func (r *Redis) FixedWindow(ctx context.Context, key string, p Params) (Outcome, error) {
	if err := validate(p); err != nil {
		return Outcome{}, err
	}
	return r.run(ctx, fixedWindowScript, key, p.Limit, p.Window.Seconds(), epochSeconds(p.Now))
}

func (r *Redis) SlidingWindow(ctx context.Context, key string, p Params) (Outcome, error) {
	if err := validate(p); err != nil {
		return Outcome{}, err
	}
	member := strconv.FormatInt(p.Now.UnixMicro(), 10) + "-" + uuid.NewString()
	return r.run(ctx, slidingWindowScript, key, p.Limit, p.Window.Seconds(), epochSeconds(p.Now), member)
}

func (r *Redis) LeakyBucket(ctx context.Context, key string, p Params) (Outcome, error) {
	if err := validate(p); err != nil {
		return Outcome{}, err
	}
	size := p.Burst
	if size <= 0 {
		size = p.Limit
	}
	return r.run(ctx, leakyBucketScript, key, p.Limit, p.Window.Seconds(), size, epochSeconds(p.Now))
}

func (r *Redis) run(ctx context.Context, script *redis.Script, key string, args ...any) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := script.Run(ctx, r.client, []string{key}, args...).Result()
	if err != nil {
		return Outcome{}, fmt.Errorf("redis script: %w", err)
	}
	values, ok := raw.([]any)
	if !ok || len(values) != 5 {
		return Outcome{}, fmt.Errorf("redis script: unexpected reply %T", raw)
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	current, _ := values[2].(int64)
	reset := toFloat(values[3])
	retry := toFloat(values[4])

	return Outcome{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		Current:    current,
		ResetAt:    time.UnixMicro(int64(reset * 1e6)),
		RetryAfter: secs(retry),
	}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if ttl > 0 {
		pipe.ExpireNX(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return incr.Val(), nil
}

func (r *Redis) Decr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis decr: %w", err)
	}
	if v < 0 {
		// clamp drift from unmatched decrements
		r.client.Set(ctx, key, 0, redis.KeepTTL)
		v = 0
	}
	return v, nil
}

func (r *Redis) DeleteMatching(ctx context.Context, pattern string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var removed int64
	iter := r.client.Scan(ctx, 0, pattern, 256).Iterator()
	batch := make([]string, 0, 256)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 256 {
			n, err := r.client.Del(ctx, batch...).Result()
			removed += n
			if err != nil {
				return removed, fmt.Errorf("redis del: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan: %w", err)
	}
	if len(batch) > 0 {
		n, err := r.client.Del(ctx, batch...).Result()
		removed += n
		if err != nil {
			return removed, fmt.Errorf("redis del: %w", err)
		}
	}
	return removed, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}
