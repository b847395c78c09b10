package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/layer-3/capsule/core"
)

// Reserve inserts code unless the cooldown or daily cap is exhausted
func (s *Store) Reserve(ctx context.Context, code core.VerificationCode, limits core.CodeLimits) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if limits.Cooldown > 0 {
			var recent int
			if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM verification_codes
WHERE target = ? AND purpose = ? AND created_at >= ?`,
				code.Target, string(code.Purpose), toMillis(code.CreatedAt.Add(-limits.Cooldown)),
			).Scan(&recent); err != nil {
				return fmt.Errorf("count recent codes: %w", err)
			}
			if recent > 0 {
				return core.ErrRateLimited
			}
		}

		if limits.DailyCap > 0 {
			var today int
			if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM verification_codes
WHERE target = ? AND created_at >= ?`,
				code.Target, toMillis(limits.DayStart),
			).Scan(&today); err != nil {
				return fmt.Errorf("count daily codes: %w", err)
			}
			if today >= limits.DailyCap {
				return core.ErrDailyLimitExceeded
			}
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO verification_codes (id, target, code, channel, purpose, user_id, origin, created_at, expires_at, used)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			code.ID, code.Target, code.Code, string(code.Channel), string(code.Purpose),
			code.UserID, code.Origin, toMillis(code.CreatedAt), toMillis(code.ExpiresAt),
		); err != nil {
			return fmt.Errorf("insert verification code: %w", err)
		}
		return nil
	})
}

// ConsumeLatest flips the newest matching unused, unexpired code to used in one statement
func (s *Store) ConsumeLatest(ctx context.Context, target, code string, purpose core.Purpose, now time.Time) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE verification_codes SET used = 1, used_at = ?1
WHERE used = 0 AND id = (
    SELECT id FROM verification_codes
    WHERE target = ?2 AND code = ?3 AND purpose = ?4 AND used = 0 AND expires_at > ?1
    ORDER BY created_at DESC, rowid DESC
    LIMIT 1
)`,
		toMillis(now), target, code, string(purpose),
	)
	if err != nil {
		return false, fmt.Errorf("consume verification code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume verification code: %w", err)
	}
	return n == 1, nil
}

// ListByTarget returns codes for target created at or after since, newest first
func (s *Store) ListByTarget(ctx context.Context, target string, since time.Time) ([]core.VerificationCode, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, target, code, channel, purpose, user_id, origin, created_at, expires_at, used, used_at
FROM verification_codes
WHERE target = ? AND created_at >= ?
ORDER BY created_at DESC, rowid DESC`,
		target, toMillis(since),
	)
	if err != nil {
		return nil, fmt.Errorf("list verification codes: %w", err)
	}
	defer rows.Close()

	var out []core.VerificationCode
	for rows.Next() {
		var (
			c                    core.VerificationCode
			channel, purpose     string
			createdAt, expiresAt int64
			used                 int
			usedAt               sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.Target, &c.Code, &channel, &purpose, &c.UserID, &c.Origin,
			&createdAt, &expiresAt, &used, &usedAt); err != nil {
			return nil, fmt.Errorf("scan verification code: %w", err)
		}
		c.Channel = core.Channel(channel)
		c.Purpose = core.Purpose(purpose)
		c.CreatedAt = fromMillis(createdAt)
		c.ExpiresAt = fromMillis(expiresAt)
		c.Used = used == 1
		c.UsedAt = fromNullMillis(usedAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list verification codes: %w", err)
	}
	return out, nil
}
