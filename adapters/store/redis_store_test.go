package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/layer-3/capsule/adapters/store/storetest"
	"github.com/layer-3/capsule/core"
	"github.com/layer-3/capsule/ports"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore_Codes(t *testing.T) {
	storetest.RunCodeStoreTests(t, func(t *testing.T) ports.CodeStore {
		s, _ := newTestRedisStore(t)
		return s
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	err := s.Reserve(ctx, core.VerificationCode{
		ID:        "c1",
		Target:    "a@b.com",
		Code:      "123456",
		Channel:   core.ChannelEmail,
		Purpose:   core.PurposeReset,
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}, core.CodeLimits{Cooldown: time.Minute, DailyCap: 10, DayStart: core.StartOfDay(now, time.UTC)})
	require.NoError(t, err)

	assert.True(t, mr.Exists("capsule:code:{a@b.com}:rec:c1"))
	assert.True(t, mr.Exists("capsule:code:{a@b.com}:purpose:reset"))
	assert.True(t, mr.Exists("capsule:code:{a@b.com}:all"))
	assert.Equal(t, "0", mr.HGet("capsule:code:{a@b.com}:rec:c1", "used"))

	ok, err := s.ConsumeLatest(ctx, "a@b.com", "123456", core.PurposeReset, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", mr.HGet("capsule:code:{a@b.com}:rec:c1", "used"))

	// Records are kept for the rate-limit lookback
	assert.Equal(t, time.Duration(0), mr.TTL("capsule:code:{a@b.com}:rec:c1"))
}

func TestRedisStore_ConnectionError(t *testing.T) {
	s, mr := newTestRedisStore(t)
	mr.Close()

	err := s.Reserve(context.Background(), core.VerificationCode{ID: "c1", Target: "a@b.com"}, core.CodeLimits{})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrRateLimited)

	_, err = s.ConsumeLatest(context.Background(), "a@b.com", "1", core.PurposeReset, time.Now())
	assert.Error(t, err)
}
