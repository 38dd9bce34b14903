package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SaveUserData upserts a keyed blob.
func (m *Manager) SaveUserData(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	now := m.now().UTC()
	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx,
			"INSERT OR REPLACE INTO user_data (key, data, updated_at) VALUES (?, ?, ?)",
			key, string(data), now)
		if err != nil {
			return fmt.Errorf("failed to save user data %q: %w", key, err)
		}
		return nil
	})
}

// GetUserData returns the blob stored under key, or nil when absent.
func (m *Manager) GetUserData(ctx context.Context, key string) ([]byte, error) {
	var data string
	err := m.DB().GetContext(ctx, &data, "SELECT data FROM user_data WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, m.degrade(ctx, "get_user_data", err)
	}
	return []byte(data), nil
}

// DeleteUserData removes key. Missing keys are a no-op.
func (m *Manager) DeleteUserData(ctx context.Context, key string) error {
	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		if _, err := db.ExecContext(ctx, "DELETE FROM user_data WHERE key = ?", key); err != nil {
			return fmt.Errorf("failed to delete user data %q: %w", key, err)
		}
		return nil
	})
}
