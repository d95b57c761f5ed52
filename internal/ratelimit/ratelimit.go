// Package ratelimit provides redis-backed fixed-window counters. These are a
// burst guard in front of the AI endpoints and the email resend flow; the
// free-tier daily quota is a separate, storage-backed rolling count.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

type Limiter struct {
	redis *redis.Client
	limit int64
	scope string
}

// NewLimiter caps events per subject per UTC hour. scope keeps independent
// limiters (ai, resend) from sharing keys.
func NewLimiter(rdb *redis.Client, scope string, limit int64) *Limiter {
	return &Limiter{redis: rdb, limit: limit, scope: scope}
}

func (l *Limiter) Allow(ctx context.Context, subject string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("zackai:ratelimit:%s:%s:%s", l.scope, subject, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, l.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= l.limit, res, windowEnd, nil
}
