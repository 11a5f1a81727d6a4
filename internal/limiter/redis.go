package limiter

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"upgateway/internal/policy"
)

// Redis shares fixed windows across gateway instances. Windows are aligned to
// multiples of the window length so every instance agrees on the boundary.
// A denied request still increments the counter; Remaining is clamped to 0.
type Redis struct {
	Client  *redis.Client
	Window  time.Duration
	Prefix  string
	OnError policy.Failure
	Now     func() time.Time
}

func NewRedis(client *redis.Client, window time.Duration, onError policy.Failure) *Redis {
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{Client: client, Window: window, Prefix: "rl:", OnError: onError, Now: time.Now}
}

// Check returns the underlying error alongside a result whose Allowed field
// already reflects OnError.
func (l *Redis) Check(ctx context.Context, key string, limit int) (Result, error) {
	start := l.Now().Truncate(l.Window)
	res := Result{Limit: limit, ResetAt: start.Add(l.Window)}
	if limit <= 0 {
		return res, nil
	}
	rkey := l.Prefix + key + ":" + strconv.FormatInt(start.Unix(), 10)
	pipe := l.Client.TxPipeline()
	incr := pipe.Incr(ctx, rkey)
	pipe.Expire(ctx, rkey, l.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		if l.OnError.Admit() {
			res.Allowed = true
			res.Remaining = limit
		}
		return res, err
	}
	count := int(incr.Val())
	if count > limit {
		return res, nil
	}
	res.Allowed = true
	res.Remaining = limit - count
	return res, nil
}
