package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisSlidingWindow counts calls per actor over a moving window using a
// sorted set of timestamps.
type RedisSlidingWindow struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewRedisSlidingWindow(rdb *redis.Client, limit int, window time.Duration) *RedisSlidingWindow {
	return &RedisSlidingWindow{
		rdb:    rdb,
		limit:  limit,
		window: window,
		prefix: "sms:quota:",
		now:    time.Now,
	}
}

// slidingWindow trims expired entries, then adds one only if the window
// still has room. Running it as a script keeps check-and-add atomic.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)
if count >= tonumber(ARGV[4]) then
  return {0, count}
end
redis.call('ZADD', key, ARGV[1], ARGV[5])
redis.call('PEXPIRE', key, ARGV[3])
return {1, count + 1}
`)

func (r *RedisSlidingWindow) Allow(ctx context.Context, actor string) (Decision, error) {
	if actor == "" {
		return Decision{}, ErrInvalidActor
	}
	now := r.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, r.rdb,
		[]string{r.prefix + actor},
		strconv.FormatInt(now, 10),
		strconv.FormatInt(now-r.window.Milliseconds(), 10),
		strconv.FormatInt(r.window.Milliseconds(), 10),
		strconv.Itoa(r.limit),
		strconv.FormatInt(now, 10)+"-"+uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis quota check: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("redis quota check: unexpected reply %v", res)
	}
	used := int(res[1])
	remaining := r.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: res[0] == 1, Remaining: remaining, Limit: r.limit}, nil
}
