package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/layer-3/capsule/core"
	"github.com/layer-3/capsule/ports"
)

var (
	_ ports.CodeStore   = (*MemoryStore)(nil)
	_ ports.WalletStore = (*MemoryStore)(nil)
	_ ports.UserStore   = (*MemoryStore)(nil)
)

// MemoryStore is an in-memory implementation of the CodeStore, WalletStore
// and UserStore interfaces. A single mutex makes every operation atomic.
type MemoryStore struct {
	codes   []core.VerificationCode
	wallets []core.WalletBinding
	users   map[string]core.User
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]core.User),
	}
}

// Reserve inserts code unless the cooldown or daily cap is exhausted
func (s *MemoryStore) Reserve(ctx context.Context, code core.VerificationCode, limits core.CodeLimits) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cooldownStart := code.CreatedAt.Add(-limits.Cooldown)
	today := 0
	for _, c := range s.codes {
		if c.Target != code.Target {
			continue
		}
		if limits.Cooldown > 0 && c.Purpose == code.Purpose && !c.CreatedAt.Before(cooldownStart) {
			return core.ErrRateLimited
		}
		if !c.CreatedAt.Before(limits.DayStart) {
			today++
		}
	}
	if limits.DailyCap > 0 && today >= limits.DailyCap {
		return core.ErrDailyLimitExceeded
	}

	s.codes = append(s.codes, code)
	return nil
}

// ConsumeLatest flips the newest matching unused, unexpired code to used
func (s *MemoryStore) ConsumeLatest(ctx context.Context, target, code string, purpose core.Purpose, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, c := range s.codes {
		if c.Target != target || c.Code != code || c.Purpose != purpose {
			continue
		}
		if c.Used || !c.ExpiresAt.After(now) {
			continue
		}
		if idx == -1 || !c.CreatedAt.Before(s.codes[idx].CreatedAt) {
			idx = i
		}
	}
	if idx == -1 {
		return false, nil
	}

	usedAt := now
	s.codes[idx].Used = true
	s.codes[idx].UsedAt = &usedAt
	return true, nil
}

// ListByTarget returns codes for target created at or after since, newest first
func (s *MemoryStore) ListByTarget(ctx context.Context, target string, since time.Time) ([]core.VerificationCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.VerificationCode
	for _, c := range s.codes {
		if c.Target == target && !c.CreatedAt.Before(since) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Bind demotes the user's primary binding and inserts binding as the new primary
func (s *MemoryStore) Bind(ctx context.Context, binding core.WalletBinding) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.wallets {
		if w.Status == core.WalletStatusActive && w.Address == binding.Address {
			return core.ErrWalletAlreadyBound
		}
	}

	for i := range s.wallets {
		if s.wallets[i].UserID == binding.UserID {
			s.wallets[i].Primary = false
		}
	}

	binding.Primary = true
	binding.Status = core.WalletStatusActive
	s.wallets = append(s.wallets, binding)
	return nil
}

// Unbind flips every active binding of the user to unbound
func (s *MemoryStore) Unbind(ctx context.Context, userID string, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.wallets {
		w := &s.wallets[i]
		if w.UserID != userID || w.Status != core.WalletStatusActive {
			continue
		}
		unboundAt := at
		w.Status = core.WalletStatusUnbound
		w.UnboundAt = &unboundAt
		n++
	}
	return n, nil
}

// Primary returns the user's active primary binding
func (s *MemoryStore) Primary(ctx context.Context, userID string) (core.WalletBinding, error) {
	if err := ctx.Err(); err != nil {
		return core.WalletBinding{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.wallets {
		if w.UserID == userID && w.Status == core.WalletStatusActive && w.Primary {
			return w, nil
		}
	}
	return core.WalletBinding{}, core.ErrNotFound
}

// ListByUser returns all bindings of the user, newest first
func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]core.WalletBinding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.WalletBinding
	for i := len(s.wallets) - 1; i >= 0; i-- {
		if s.wallets[i].UserID == userID {
			out = append(out, s.wallets[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BoundAt.After(out[j].BoundAt)
	})
	return out, nil
}

// CreateUser inserts a user, rejecting a taken username or email
func (s *MemoryStore) CreateUser(ctx context.Context, user core.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return core.ErrUserExists
	}
	for _, u := range s.users {
		if u.Username == user.Username {
			return core.ErrUserExists
		}
		if user.Email != "" && strings.EqualFold(u.Email, user.Email) {
			return core.ErrUserExists
		}
	}

	s.users[user.ID] = user
	return nil
}

// GetUser looks a user up by id
func (s *MemoryStore) GetUser(ctx context.Context, userID string) (core.User, error) {
	if err := ctx.Err(); err != nil {
		return core.User{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return core.User{}, core.ErrNotFound
	}
	return u, nil
}

// GetUserByAccount looks a user up by username or email
func (s *MemoryStore) GetUserByAccount(ctx context.Context, account string) (core.User, error) {
	if err := ctx.Err(); err != nil {
		return core.User{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username == account {
			return u, nil
		}
	}
	for _, u := range s.users {
		if u.Email != "" && strings.EqualFold(u.Email, account) {
			return u, nil
		}
	}
	return core.User{}, core.ErrNotFound
}

// UpdatePasswordHash replaces the user's password hash
func (s *MemoryStore) UpdatePasswordHash(ctx context.Context, userID, hash string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return core.ErrNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = at
	s.users[userID] = u
	return nil
}
