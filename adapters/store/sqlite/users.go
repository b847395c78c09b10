package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/capsule/core"
)

const userColumns = `id, username, email, password_hash, status, created_at, updated_at`

// CreateUser inserts a user, rejecting a taken username or email
func (s *Store) CreateUser(ctx context.Context, user core.User) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (`+userColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Email, user.PasswordHash, int(user.Status),
		toMillis(user.CreatedAt), toMillis(user.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return core.ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser looks a user up by id
func (s *Store) GetUser(ctx context.Context, userID string) (core.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
}

// GetUserByAccount looks a user up by username, then by email
func (s *Store) GetUserByAccount(ctx context.Context, account string) (core.User, error) {
	u, err := s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, account)
	if !errors.Is(err, core.ErrNotFound) {
		return u, err
	}
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email <> '' AND email = ? COLLATE NOCASE`, account)
}

// UpdatePasswordHash replaces the user's password hash
func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string, at time.Time) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		hash, toMillis(at), userID,
	)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *Store) getUser(ctx context.Context, query string, arg any) (core.User, error) {
	var (
		u                    core.User
		status               int
		createdAt, updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &status, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, core.ErrNotFound
	}
	if err != nil {
		return core.User{}, fmt.Errorf("get user: %w", err)
	}
	u.Status = core.UserStatus(status)
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}
