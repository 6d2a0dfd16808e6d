package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript reads the Redis server clock, derives the hour bucket and
// bumps that bucket's counter. Scripts run atomically, so concurrent callers
// for one identity always observe distinct counts.
//
// KEYS[1] = key prefix for the identity, ARGV[1] = retention after bucket end.
var incrementScript = redis.NewScript(`
local now = redis.call('TIME')
local secs = tonumber(now[1])
local bucket = secs - (secs % 3600)
local key = KEYS[1] .. ':' .. bucket
local n = redis.call('INCR', key)
if n == 1 then
  redis.call('EXPIREAT', key, bucket + 3600 + tonumber(ARGV[1]))
end
return {n, bucket}
`)

// RedisLedger stores usage as one counter per (identity, hour bucket).
type RedisLedger struct {
	client    redis.Scripter
	prefix    string
	retention time.Duration
}

// RedisOption customises a RedisLedger.
type RedisOption func(*RedisLedger)

// WithKeyPrefix sets the key namespace (default "quota").
func WithKeyPrefix(p string) RedisOption {
	return func(l *RedisLedger) { l.prefix = p }
}

// WithRetention keeps closed buckets for d before Redis expires them
// (default one hour).
func WithRetention(d time.Duration) RedisOption {
	return func(l *RedisLedger) { l.retention = d }
}

// NewRedisLedger constructs a RedisLedger over client.
func NewRedisLedger(client redis.Scripter, opts ...RedisOption) *RedisLedger {
	l := &RedisLedger{client: client, prefix: "quota", retention: time.Hour}
	for _, o := range opts {
		o(l)
	}
	return l
}

// IncrementAndGet charges one request to identity's current hour bucket.
func (l *RedisLedger) IncrementAndGet(ctx context.Context, identity string) (Usage, error) {
	if identity == "" {
		return Usage{}, errEmptyIdentity
	}

	key := l.prefix + ":" + identity
	res, err := incrementScript.Run(ctx, l.client, []string{key}, int64(l.retention.Seconds())).Int64Slice()
	if err != nil {
		return Usage{}, fmt.Errorf("%w: increment usage: %w", ErrStore, err)
	}
	if len(res) != 2 {
		return Usage{}, fmt.Errorf("%w: increment usage: unexpected script reply %v", ErrStore, res)
	}
	return Usage{Count: res[0], Bucket: time.Unix(res[1], 0).UTC()}, nil
}

// OpenRedis parses a redis:// URL, connects and pings.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
