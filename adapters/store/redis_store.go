package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/layer-3/capsule/core"
	"github.com/layer-3/capsule/ports"
	"github.com/redis/go-redis/v9"
)

var _ ports.CodeStore = (*RedisStore)(nil)

// reserveScript checks the cooldown and daily cap and inserts the record in one step.
// Returns 0 on insert, 1 when rate limited, 2 when the daily cap is reached.
var reserveScript = redis.NewScript(`
if ARGV[3] ~= '' then
	local recent = redis.call('ZCOUNT', KEYS[2], ARGV[3], '+inf')
	if recent > 0 then
		return 1
	end
end
local cap = tonumber(ARGV[5])
if cap > 0 then
	local today = redis.call('ZCOUNT', KEYS[3], ARGV[4], '+inf')
	if today >= cap then
		return 2
	end
end
redis.call('HSET', KEYS[1],
	'id', ARGV[1],
	'target', ARGV[6],
	'code', ARGV[7],
	'channel', ARGV[8],
	'purpose', ARGV[9],
	'user_id', ARGV[10],
	'origin', ARGV[11],
	'created_at', ARGV[2],
	'expires_at', ARGV[12],
	'used', '0',
	'used_at', '0')
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 0
`)

// consumeScript walks the (target, purpose) index newest first and flips the
// first unused, unexpired record holding the code. Returns the record id or false.
var consumeScript = redis.NewScript(`
local ids = redis.call('ZREVRANGE', KEYS[1], 0, -1)
local now = tonumber(ARGV[2])
for _, id in ipairs(ids) do
	local key = ARGV[3] .. id
	local rec = redis.call('HMGET', key, 'code', 'used', 'expires_at')
	if rec[1] == ARGV[1] and rec[2] == '0' and tonumber(rec[3]) > now then
		redis.call('HSET', key, 'used', '1', 'used_at', ARGV[2])
		return id
	end
end
return false
`)

// RedisStore is a Redis implementation of the CodeStore interface.
// Each record is a hash; sorted sets scored by creation time in milliseconds
// index records per (target, purpose) and per target.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a new Redis code store
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "capsule:code:",
	}
}

// Keys share the {target} hash tag so scripts touch a single cluster slot
func (s *RedisStore) recordPrefix(target string) string {
	return s.prefix + "{" + target + "}:rec:"
}

func (s *RedisStore) purposeKey(target string, purpose core.Purpose) string {
	return s.prefix + "{" + target + "}:purpose:" + string(purpose)
}

func (s *RedisStore) targetKey(target string) string {
	return s.prefix + "{" + target + "}:all"
}

// Reserve inserts code unless the cooldown or daily cap is exhausted
func (s *RedisStore) Reserve(ctx context.Context, code core.VerificationCode, limits core.CodeLimits) error {
	keys := []string{
		s.recordPrefix(code.Target) + code.ID,
		s.purposeKey(code.Target, code.Purpose),
		s.targetKey(code.Target),
	}
	cooldownStart := ""
	if limits.Cooldown > 0 {
		cooldownStart = strconv.FormatInt(code.CreatedAt.Add(-limits.Cooldown).UnixMilli(), 10)
	}
	args := []interface{}{
		code.ID,
		code.CreatedAt.UnixMilli(),
		cooldownStart,
		limits.DayStart.UnixMilli(),
		limits.DailyCap,
		code.Target,
		code.Code,
		string(code.Channel),
		string(code.Purpose),
		code.UserID,
		code.Origin,
		code.ExpiresAt.UnixMilli(),
	}

	res, err := reserveScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to reserve verification code: %w", err)
	}

	switch res {
	case 0:
		return nil
	case 1:
		return core.ErrRateLimited
	case 2:
		return core.ErrDailyLimitExceeded
	default:
		return fmt.Errorf("unexpected reserve result %d", res)
	}
}

// ConsumeLatest flips the newest matching unused, unexpired code to used
func (s *RedisStore) ConsumeLatest(ctx context.Context, target, code string, purpose core.Purpose, now time.Time) (bool, error) {
	keys := []string{s.purposeKey(target, purpose)}
	args := []interface{}{code, now.UnixMilli(), s.recordPrefix(target)}

	_, err := consumeScript.Run(ctx, s.client, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to consume verification code: %w", err)
	}
	return true, nil
}

// ListByTarget returns codes for target created at or after since, newest first
func (s *RedisStore) ListByTarget(ctx context.Context, target string, since time.Time) ([]core.VerificationCode, error) {
	ids, err := s.client.ZRevRangeByScore(ctx, s.targetKey(target), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list verification codes: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	prefix := s.recordPrefix(target)
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	if _, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, prefix+id)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to load verification codes: %w", err)
	}

	out := make([]core.VerificationCode, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		out = append(out, codeFromHash(fields))
	}
	return out, nil
}

func codeFromHash(h map[string]string) core.VerificationCode {
	c := core.VerificationCode{
		ID:        h["id"],
		Target:    h["target"],
		Code:      h["code"],
		Channel:   core.Channel(h["channel"]),
		Purpose:   core.Purpose(h["purpose"]),
		UserID:    h["user_id"],
		Origin:    h["origin"],
		CreatedAt: fromMillis(h["created_at"]),
		ExpiresAt: fromMillis(h["expires_at"]),
		Used:      h["used"] == "1",
	}
	if c.Used {
		usedAt := fromMillis(h["used_at"])
		c.UsedAt = &usedAt
	}
	return c
}

func fromMillis(v string) time.Time {
	ms, _ := strconv.ParseInt(v, 10, 64)
	return time.UnixMilli(ms)
}
