package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"learnsync/pkg/types"
)

type attemptRow struct {
	ID        int64     `db:"id"`
	Payload   string    `db:"payload"`
	Synced    bool      `db:"synced"`
	CreatedAt time.Time `db:"created_at"`
}

// EnqueueAttempt appends an unsynced attempt and returns its id. A blank
// timestamp or client ref is filled in before the payload is frozen.
// Unlike the other writes, failure here is always returned: the caller must
// know the attempt was not kept.
func (m *Manager) EnqueueAttempt(ctx context.Context, payload types.AttemptPayload) (int64, error) {
	now := m.now().UTC()
	if payload.Timestamp == "" {
		payload.Timestamp = now.Format(time.RFC3339Nano)
	}
	if payload.ClientRef == "" {
		payload.ClientRef = uuid.NewString()
	}
	if err := payload.Validate(); err != nil {
		return 0, err
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal attempt: %w", err)
	}

	var id int64
	err = m.executeWrite(ctx, func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx,
			"INSERT INTO offline_attempts (payload, synced, created_at) VALUES (?, 0, ?)",
			string(encoded), now)
		if err != nil {
			return fmt.Errorf("failed to insert attempt: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}

	m.logger.Debug("attempt queued", zap.Int64("attempt_id", id), zap.Int64("quiz_id", payload.QuizID))
	return id, nil
}

// ListUnsynced returns unsynced attempts in ascending id, which is creation order.
func (m *Manager) ListUnsynced(ctx context.Context) ([]*types.AttemptRecord, error) {
	var rows []attemptRow
	err := m.DB().SelectContext(ctx, &rows,
		"SELECT id, payload, synced, created_at FROM offline_attempts WHERE synced = 0 ORDER BY id")
	if err != nil {
		return []*types.AttemptRecord{}, m.degrade(ctx, "list_unsynced", err)
	}

	records := make([]*types.AttemptRecord, 0, len(rows))
	for _, r := range rows {
		var payload types.AttemptPayload
		if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
			// Unreadable rows stay queued; they are skipped rather than dropped.
			m.logger.Error("skipping unreadable attempt", zap.Int64("attempt_id", r.ID), zap.Error(err))
			continue
		}
		records = append(records, &types.AttemptRecord{
			ID:        r.ID,
			Payload:   payload,
			Synced:    r.Synced,
			CreatedAt: r.CreatedAt,
		})
	}
	return records, nil
}

// CountUnsynced returns the number of queued, unsynced attempts.
func (m *Manager) CountUnsynced(ctx context.Context) (int, error) {
	var n int
	if err := m.DB().GetContext(ctx, &n, "SELECT COUNT(*) FROM offline_attempts WHERE synced = 0"); err != nil {
		return 0, m.degrade(ctx, "count_unsynced", err)
	}
	return n, nil
}

// GetAttempt returns one attempt by id, or nil when absent.
func (m *Manager) GetAttempt(ctx context.Context, id int64) (*types.AttemptRecord, error) {
	var rows []attemptRow
	if err := m.DB().SelectContext(ctx, &rows,
		"SELECT id, payload, synced, created_at FROM offline_attempts WHERE id = ?", id); err != nil {
		return nil, m.degrade(ctx, "get_attempt", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	var payload types.AttemptPayload
	if err := json.Unmarshal([]byte(rows[0].Payload), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode attempt %d: %w", id, err)
	}
	return &types.AttemptRecord{
		ID:        rows[0].ID,
		Payload:   payload,
		Synced:    rows[0].Synced,
		CreatedAt: rows[0].CreatedAt,
	}, nil
}

// MarkSynced flags one attempt as acknowledged. Already-synced and unknown
// ids are a no-op.
func (m *Manager) MarkSynced(ctx context.Context, id int64) error {
	return m.MarkSyncedBatch(ctx, []int64{id})
}

// MarkSyncedBatch flags several attempts in one transaction.
func (m *Manager) MarkSyncedBatch(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In("UPDATE offline_attempts SET synced = 1 WHERE synced = 0 AND id IN (?)", ids)
	if err != nil {
		return fmt.Errorf("failed to build mark-synced query: %w", err)
	}

	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to mark attempts synced: %w", err)
		}
		return tx.Commit()
	})
}

// PruneSynced deletes every acknowledged attempt. Calling it again
// immediately deletes nothing.
func (m *Manager) PruneSynced(ctx context.Context) (int64, error) {
	var removed int64
	err := m.executeWrite(ctx, func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM offline_attempts WHERE synced = 1")
		if err != nil {
			return fmt.Errorf("failed to prune synced attempts: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.Debug("pruned synced attempts", zap.Int64("removed", removed))
	}
	return removed, nil
}
