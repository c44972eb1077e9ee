package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/renton5150/campaign-forge-queue/internal/domain"
)

// RateLimiter enforces per-sending-server rolling windows (minute, hour,
// day) using Redis sorted sets. Each member is a unique send ID with a
// timestamp score. A Lua script atomically cleans expired entries, checks
// all three windows, and records the send only if every window allows it.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	script      *redis.Script
}

// Lua script for atomic multi-window check-and-increment.
// KEYS: minute, hour, day sorted sets for one server.
// ARGV: now(ms), member, then (window_ms, limit) per key.
// A zero limit disables that window.
var sendWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]

for i = 1, 3 do
    local window = tonumber(ARGV[1 + i*2])
    local limit = tonumber(ARGV[2 + i*2])
    if limit > 0 then
        redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', now - window)
        if redis.call('ZCARD', KEYS[i]) >= limit then
            return 0
        end
    end
end

for i = 1, 3 do
    local window = tonumber(ARGV[1 + i*2])
    local limit = tonumber(ARGV[2 + i*2])
    if limit > 0 then
        redis.call('ZADD', KEYS[i], now, member)
        redis.call('PEXPIRE', KEYS[i], window + 1000)
    end
end
return 1
`)

func NewRateLimiter(redisClient *redis.Client, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		script:      sendWindowScript,
	}
}

func rlKey(serverID, window string) string {
	return fmt.Sprintf("rl:%s:%s", serverID, window)
}

// Allow checks whether this server may send one more email right now, and
// records the send if so. Returns false when any window is at its ceiling —
// the worker treats that as a deferral, never an error.
func (rl *RateLimiter) Allow(ctx context.Context, srv *domain.SendingServer) bool {
	if srv.LimitPerMinute <= 0 && srv.LimitPerHour <= 0 && srv.LimitPerDay <= 0 {
		return true // No rate limits configured
	}

	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d:%d", now, time.Now().UnixNano()%100000) // unique member

	keys := []string{
		rlKey(srv.ID, "minute"),
		rlKey(srv.ID, "hour"),
		rlKey(srv.ID, "day"),
	}

	result, err := rl.script.Run(ctx, rl.redisClient, keys,
		now, member,
		time.Minute.Milliseconds(), srv.LimitPerMinute,
		time.Hour.Milliseconds(), srv.LimitPerHour,
		(24 * time.Hour).Milliseconds(), srv.LimitPerDay,
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "server_id", srv.ID)
		return true // Fail open — allow the send if Redis fails
	}

	if result == 0 {
		rl.logger.Debug("rate limited",
			"server_id", srv.ID,
			"limit_per_minute", srv.LimitPerMinute,
			"limit_per_hour", srv.LimitPerHour,
			"limit_per_day", srv.LimitPerDay,
		)
		return false
	}

	return true
}
