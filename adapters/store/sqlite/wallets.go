package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/capsule/core"
)

// Bind demotes the user's primary binding and inserts binding as the new active primary
func (s *Store) Bind(ctx context.Context, binding core.WalletBinding) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var found int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM wallet_bindings WHERE address = ? AND status = ? LIMIT 1`,
			binding.Address, string(core.WalletStatusActive),
		).Scan(&found)
		switch {
		case err == nil:
			return core.ErrWalletAlreadyBound
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check wallet address: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE wallet_bindings SET is_primary = 0 WHERE user_id = ? AND is_primary = 1`,
			binding.UserID,
		); err != nil {
			return fmt.Errorf("demote primary wallet: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO wallet_bindings (id, user_id, address, chain_id, is_primary, status, bound_at)
VALUES (?, ?, ?, ?, 1, ?, ?)`,
			binding.ID, binding.UserID, binding.Address, binding.ChainID,
			string(core.WalletStatusActive), toMillis(binding.BoundAt),
		); err != nil {
			return fmt.Errorf("insert wallet binding: %w", err)
		}
		return nil
	})
	if isUniqueViolation(err) {
		return core.ErrWalletAlreadyBound
	}
	return err
}

// Unbind flips every active binding of the user to unbound
func (s *Store) Unbind(ctx context.Context, userID string, at time.Time) (int, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE wallet_bindings SET status = ?, unbound_at = ? WHERE user_id = ? AND status = ?`,
		string(core.WalletStatusUnbound), toMillis(at), userID, string(core.WalletStatusActive),
	)
	if err != nil {
		return 0, fmt.Errorf("unbind wallets: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("unbind wallets: %w", err)
	}
	return int(n), nil
}

// Primary returns the user's active primary binding
func (s *Store) Primary(ctx context.Context, userID string) (core.WalletBinding, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, user_id, address, chain_id, is_primary, status, bound_at, unbound_at
FROM wallet_bindings
WHERE user_id = ? AND status = ? AND is_primary = 1
LIMIT 1`,
		userID, string(core.WalletStatusActive),
	)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.WalletBinding{}, core.ErrNotFound
	}
	if err != nil {
		return core.WalletBinding{}, fmt.Errorf("get primary wallet: %w", err)
	}
	return w, nil
}

// ListByUser returns all bindings of the user, newest first
func (s *Store) ListByUser(ctx context.Context, userID string) ([]core.WalletBinding, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, user_id, address, chain_id, is_primary, status, bound_at, unbound_at
FROM wallet_bindings
WHERE user_id = ?
ORDER BY bound_at DESC, rowid DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var out []core.WalletBinding
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(row scanner) (core.WalletBinding, error) {
	var (
		w         core.WalletBinding
		primary   int
		status    string
		boundAt   int64
		unboundAt sql.NullInt64
	)
	if err := row.Scan(&w.ID, &w.UserID, &w.Address, &w.ChainID, &primary, &status, &boundAt, &unboundAt); err != nil {
		return core.WalletBinding{}, err
	}
	w.Primary = primary == 1
	w.Status = core.WalletStatus(status)
	w.BoundAt = fromMillis(boundAt)
	w.UnboundAt = fromNullMillis(unboundAt)
	return w, nil
}
