package ports

import (
	"context"
	"time"

	"github.com/layer-3/capsule/core"
)

// CodeStore persists verification codes.
// Reserve and ConsumeLatest must each be atomic against concurrent callers.
type CodeStore interface {
	// Reserve inserts code unless the cooldown or daily cap in limits is hit,
	// returning core.ErrRateLimited or core.ErrDailyLimitExceeded.
	Reserve(ctx context.Context, code core.VerificationCode, limits core.CodeLimits) error

	// ConsumeLatest marks the newest unused, unexpired code matching
	// (target, code, purpose) as used at now. It reports whether one was found.
	ConsumeLatest(ctx context.Context, target, code string, purpose core.Purpose, now time.Time) (bool, error)

	// ListByTarget returns codes for target created at or after since, newest first
	ListByTarget(ctx context.Context, target string, since time.Time) ([]core.VerificationCode, error)
}

// WalletStore persists wallet bindings
type WalletStore interface {
	// Bind demotes the user's current primary binding and inserts binding as the
	// new active primary, failing with core.ErrWalletAlreadyBound when the
	// address is actively bound to any user.
	Bind(ctx context.Context, binding core.WalletBinding) error

	// Unbind flips every active binding of the user to unbound and returns how many changed
	Unbind(ctx context.Context, userID string, at time.Time) (int, error)

	// Primary returns the user's active primary binding or core.ErrNotFound
	Primary(ctx context.Context, userID string) (core.WalletBinding, error)

	// ListByUser returns all bindings of the user, newest first
	ListByUser(ctx context.Context, userID string) ([]core.WalletBinding, error)
}

// UserStore persists account records
type UserStore interface {
	CreateUser(ctx context.Context, user core.User) error
	GetUser(ctx context.Context, userID string) (core.User, error)
	// GetUserByAccount looks a user up by username or email
	GetUserByAccount(ctx context.Context, account string) (core.User, error)
	UpdatePasswordHash(ctx context.Context, userID, hash string, at time.Time) error
}

// PrincipalResolver loads the principal behind a token subject
type PrincipalResolver interface {
	LoadBySubject(ctx context.Context, subject string) (*core.Principal, error)
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}
