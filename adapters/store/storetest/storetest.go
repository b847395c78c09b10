// Package storetest holds behaviour tests shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/capsule/core"
	"github.com/layer-3/capsule/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func newCode(target, code string, purpose core.Purpose, createdAt time.Time) core.VerificationCode {
	return core.VerificationCode{
		ID:        uuid.NewString(),
		Target:    target,
		Code:      code,
		Channel:   core.ChannelEmail,
		Purpose:   purpose,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(5 * time.Minute),
		Origin:    "127.0.0.1",
	}
}

func limitsAt(now time.Time) core.CodeLimits {
	return core.CodeLimits{
		Cooldown: time.Minute,
		DailyCap: 3,
		DayStart: core.StartOfDay(now, time.UTC),
	}
}

// RunCodeStoreTests exercises a CodeStore implementation. newStore must return an empty store.
func RunCodeStoreTests(t *testing.T, newStore func(t *testing.T) ports.CodeStore) {
	t.Run("reserve then consume once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Reserve(ctx, newCode("a@b.com", "123456", core.PurposeReset, base), limitsAt(base)))

		ok, err := s.ConsumeLatest(ctx, "a@b.com", "123456", core.PurposeReset, base.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ConsumeLatest(ctx, "a@b.com", "123456", core.PurposeReset, base.Add(2*time.Second))
		require.NoError(t, err)
		assert.False(t, ok, "second consume must fail")
	})

	t.Run("consume rejects wrong code, purpose and target", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Reserve(ctx, newCode("a@b.com", "123456", core.PurposeReset, base), limitsAt(base)))

		now := base.Add(time.Second)
		for _, tc := range []struct {
			target, code string
			purpose      core.Purpose
		}{
			{"a@b.com", "654321", core.PurposeReset},
			{"a@b.com", "123456", core.PurposeBind},
			{"c@d.com", "123456", core.PurposeReset},
		} {
			ok, err := s.ConsumeLatest(ctx, tc.target, tc.code, tc.purpose, now)
			require.NoError(t, err)
			assert.False(t, ok, "%+v", tc)
		}

		ok, err := s.ConsumeLatest(ctx, "a@b.com", "123456", core.PurposeReset, now)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("consume rejects expired code", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Reserve(ctx, newCode("a@b.com", "123456", core.PurposeReset, base), limitsAt(base)))

		ok, err := s.ConsumeLatest(ctx, "a@b.com", "123456", core.PurposeReset, base.Add(5*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "expiry is exclusive")
	})

	t.Run("cooldown", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Reserve(ctx, newCode("a@b.com", "111111", core.PurposeReset, base), limitsAt(base)))

		at := base.Add(59 * time.Second)
		err := s.Reserve(ctx, newCode("a@b.com", "222222", core.PurposeReset, at), limitsAt(at))
		assert.ErrorIs(t, err, core.ErrRateLimited)

		at = base.Add(60 * time.Second)
		err = s.Reserve(ctx, newCode("a@b.com", "222222", core.PurposeReset, at), limitsAt(at))
		assert.ErrorIs(t, err, core.ErrRateLimited, "cooldown window is inclusive")

		// Other purposes and targets are not affected
		require.NoError(t, s.Reserve(ctx, newCode("a@b.com", "333333", core.PurposeBind, at), limitsAt(at)))
		require.NoError(t, s.Reserve(ctx, newCode("x@y.com", "444444", core.PurposeReset, at), limitsAt(at)))

		at = base.Add(61 * time.Second)
		require.NoError(t, s.Reserve(ctx, newCode("a@b.com", "555555", core.PurposeReset, at), limitsAt(at)))
	})

	t.Run("daily cap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		at := base
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Reserve(ctx, newCode("a@b.com", "000000", core.PurposeReset, at), limitsAt(at)))
			at = at.Add(2 * time.Minute)
		}

		err := s.Reserve(ctx, newCode("a@b.com", "000000", core.PurposeReset, at), limitsAt(at))
		assert.ErrorIs(t, err, core.ErrDailyLimitExceeded)

		// Cap counts the target across purposes
		err = s.Reserve(ctx, newCode("a@b.com", "000000", core.PurposeBind, at), limitsAt(at))
		assert.ErrorIs(t, err, core.ErrDailyLimitExceeded)

		next := core.StartOfDay(base, time.UTC).Add(24 * time.Hour)
		require.NoError(t, s.Reserve(ctx, newCode("a@b.com", "000000", core.PurposeReset, next), limitsAt(next)))
	})

	t.Run("consume picks the newest matching code", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		noCooldown := func(now time.Time) core.CodeLimits {
			l := limitsAt(now)
			l.Cooldown = 0
			return l
		}

		older := newCode("a@b.com", "777777", core.PurposeBind, base)
		newer := newCode("a@b.com", "777777", core.PurposeBind, base.Add(time.Minute))
		require.NoError(t, s.Reserve(ctx, older, noCooldown(older.CreatedAt)))
		require.NoError(t, s.Reserve(ctx, newer, noCooldown(newer.CreatedAt)))

		ok, err := s.ConsumeLatest(ctx, "a@b.com", "777777", core.PurposeBind, base.Add(90*time.Second))
		require.NoError(t, err)
		require.True(t, ok)

		list, err := s.ListByTarget(ctx, "a@b.com", core.StartOfDay(base, time.UTC))
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, newer.ID, list[0].ID)
		assert.True(t, list[0].Used)
		require.NotNil(t, list[0].UsedAt)
		assert.Equal(t, base.Add(90*time.Second).UnixMilli(), list[0].UsedAt.UnixMilli())
		assert.Equal(t, older.ID, list[1].ID)
		assert.False(t, list[1].Used)
	})

	t.Run("list by target", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := newCode("a@b.com", "123456", core.PurposeRegister, base)
		c.UserID = "U1"
		c.Channel = core.ChannelSMS
		require.NoError(t, s.Reserve(ctx, c, limitsAt(base)))

		list, err := s.ListByTarget(ctx, "a@b.com", base)
		require.NoError(t, err)
		require.Len(t, list, 1)
		got := list[0]
		assert.Equal(t, c.ID, got.ID)
		assert.Equal(t, "a@b.com", got.Target)
		assert.Equal(t, "123456", got.Code)
		assert.Equal(t, core.ChannelSMS, got.Channel)
		assert.Equal(t, core.PurposeRegister, got.Purpose)
		assert.Equal(t, "U1", got.UserID)
		assert.Equal(t, "127.0.0.1", got.Origin)
		assert.Equal(t, c.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
		assert.Equal(t, c.ExpiresAt.UnixMilli(), got.ExpiresAt.UnixMilli())
		assert.False(t, got.Used)
		assert.Nil(t, got.UsedAt)

		list, err = s.ListByTarget(ctx, "a@b.com", base.Add(time.Second))
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("concurrent consume succeeds once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Reserve(ctx, newCode("a@b.com", "424242", core.PurposeReset, base), limitsAt(base)))

		const workers = 16
		var wins int32
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				ok, err := s.ConsumeLatest(ctx, "a@b.com", "424242", core.PurposeReset, base.Add(time.Second))
				if err == nil && ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins)
	})

	t.Run("concurrent reserve passes cooldown once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const workers = 16
		var inserted, limited int32
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				err := s.Reserve(ctx, newCode("a@b.com", "123456", core.PurposeReset, base), limitsAt(base))
				switch {
				case err == nil:
					atomic.AddInt32(&inserted, 1)
				case errors.Is(err, core.ErrRateLimited):
					atomic.AddInt32(&limited, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), inserted)
		assert.Equal(t, int32(workers-1), limited)
	})
}

func newBinding(userID, address string, boundAt time.Time) core.WalletBinding {
	return core.WalletBinding{
		ID:      uuid.NewString(),
		UserID:  userID,
		Address: address,
		ChainID: core.DefaultChainID,
		BoundAt: boundAt,
	}
}

const (
	addrA = "0x00000000000000000000000000000000000000aa"
	addrB = "0x00000000000000000000000000000000000000bb"
)

// RunWalletStoreTests exercises a WalletStore implementation. newStore must return an empty store.
func RunWalletStoreTests(t *testing.T, newStore func(t *testing.T) ports.WalletStore) {
	t.Run("bind and primary", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Primary(ctx, "U1")
		assert.ErrorIs(t, err, core.ErrNotFound)

		require.NoError(t, s.Bind(ctx, newBinding("U1", addrA, base)))

		w, err := s.Primary(ctx, "U1")
		require.NoError(t, err)
		assert.Equal(t, addrA, w.Address)
		assert.Equal(t, core.DefaultChainID, w.ChainID)
		assert.True(t, w.Primary)
		assert.Equal(t, core.WalletStatusActive, w.Status)
		assert.Nil(t, w.UnboundAt)
	})

	t.Run("rebind demotes previous primary", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Bind(ctx, newBinding("U1", addrA, base)))
		require.NoError(t, s.Bind(ctx, newBinding("U1", addrB, base.Add(time.Minute))))

		w, err := s.Primary(ctx, "U1")
		require.NoError(t, err)
		assert.Equal(t, addrB, w.Address)

		history, err := s.ListByUser(ctx, "U1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, addrB, history[0].Address)
		assert.True(t, history[0].Primary)
		assert.Equal(t, addrA, history[1].Address)
		assert.False(t, history[1].Primary)

		primaries := 0
		for _, h := range history {
			if h.Primary && h.Status == core.WalletStatusActive {
				primaries++
			}
		}
		assert.Equal(t, 1, primaries)
	})

	t.Run("address is active for one user only", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Bind(ctx, newBinding("U1", addrA, base)))

		err := s.Bind(ctx, newBinding("U2", addrA, base.Add(time.Minute)))
		assert.ErrorIs(t, err, core.ErrWalletAlreadyBound)

		err = s.Bind(ctx, newBinding("U1", addrA, base.Add(time.Minute)))
		assert.ErrorIs(t, err, core.ErrWalletAlreadyBound)

		n, err := s.Unbind(ctx, "U1", base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, s.Bind(ctx, newBinding("U2", addrA, base.Add(3*time.Minute))))
	})

	t.Run("unbind keeps history", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Bind(ctx, newBinding("U1", addrA, base)))
		require.NoError(t, s.Bind(ctx, newBinding("U1", addrB, base.Add(time.Minute))))

		at := base.Add(time.Hour)
		n, err := s.Unbind(ctx, "U1", at)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.Primary(ctx, "U1")
		assert.ErrorIs(t, err, core.ErrNotFound)

		history, err := s.ListByUser(ctx, "U1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		for _, h := range history {
			assert.Equal(t, core.WalletStatusUnbound, h.Status)
			require.NotNil(t, h.UnboundAt)
			assert.Equal(t, at.UnixMilli(), h.UnboundAt.UnixMilli())
		}

		n, err = s.Unbind(ctx, "U1", at)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("concurrent bind of one address", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const workers = 8
		var wins int32
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			userID := "U" + uuid.NewString()
			go func() {
				defer wg.Done()
				if err := s.Bind(ctx, newBinding(userID, addrA, base)); err == nil {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins)
	})
}

// RunUserStoreTests exercises a UserStore implementation. newStore must return an empty store.
func RunUserStoreTests(t *testing.T, newStore func(t *testing.T) ports.UserStore) {
	newUser := func(id, username, email string) core.User {
		return core.User{
			ID:           id,
			Username:     username,
			Email:        email,
			PasswordHash: "hash",
			Status:       core.UserStatusActive,
			CreatedAt:    base,
			UpdatedAt:    base,
		}
	}

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateUser(ctx, newUser("U1", "alice", "alice@example.com")))

		u, err := s.GetUser(ctx, "U1")
		require.NoError(t, err)
		assert.Equal(t, "alice", u.Username)
		assert.Equal(t, "alice@example.com", u.Email)
		assert.Equal(t, "hash", u.PasswordHash)
		assert.Equal(t, core.UserStatusActive, u.Status)

		byName, err := s.GetUserByAccount(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "U1", byName.ID)

		byEmail, err := s.GetUserByAccount(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "U1", byEmail.ID)

		_, err = s.GetUser(ctx, "U404")
		assert.ErrorIs(t, err, core.ErrNotFound)
		_, err = s.GetUserByAccount(ctx, "nobody")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("duplicates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateUser(ctx, newUser("U1", "alice", "alice@example.com")))

		assert.ErrorIs(t, s.CreateUser(ctx, newUser("U2", "alice", "other@example.com")), core.ErrUserExists)
		assert.ErrorIs(t, s.CreateUser(ctx, newUser("U3", "bob", "alice@example.com")), core.ErrUserExists)

		// Users without email do not collide on it
		require.NoError(t, s.CreateUser(ctx, newUser("U4", "carol", "")))
		require.NoError(t, s.CreateUser(ctx, newUser("U5", "dave", "")))
	})

	t.Run("update password", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateUser(ctx, newUser("U1", "alice", "")))

		at := base.Add(time.Hour)
		require.NoError(t, s.UpdatePasswordHash(ctx, "U1", "new-hash", at))

		u, err := s.GetUser(ctx, "U1")
		require.NoError(t, err)
		assert.Equal(t, "new-hash", u.PasswordHash)
		assert.Equal(t, at.UnixMilli(), u.UpdatedAt.UnixMilli())

		assert.ErrorIs(t, s.UpdatePasswordHash(ctx, "U404", "x", at), core.ErrNotFound)
	})
}
