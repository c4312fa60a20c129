package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "beacon:ratelimit:"

// fixedWindow increments the key and starts its expiry on the first hit of a
// window, atomically.
var fixedWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Redis is a fixed-window limiter shared by every instance pointing at the
// same Redis. Redis errors admit the request.
type Redis struct {
	client redis.UniversalClient
	policy Policy
	logger log.Logger
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, p Policy, logger log.Logger) *Redis {
	if logger == nil {
		logger = log.Nop()
	}
	return &Redis{client: client, policy: p.withDefaults(), logger: logger}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Policy returns the effective per-key budget.
func (r *Redis) Policy() Policy { return r.policy }

// Allow implements Limiter.
func (r *Redis) Allow(ctx context.Context, key string) bool {
	n, err := fixedWindow.Run(ctx, r.client, []string{keyPrefix + key}, r.policy.Window.Milliseconds()).Int64()
	if err != nil {
		r.logger.Error(ctx, err, "rate limit check failed, admitting request")
		return true
	}
	return n <= int64(r.policy.Limit)
}
