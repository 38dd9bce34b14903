package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"learnsync/pkg/types"
)

type lessonRow struct {
	ID         int64     `db:"id"`
	Subject    string    `db:"subject"`
	Difficulty string    `db:"difficulty"`
	Payload    string    `db:"payload"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r lessonRow) toLesson() *types.Lesson {
	return &types.Lesson{
		ID:         r.ID,
		Subject:    r.Subject,
		Difficulty: r.Difficulty,
		Payload:    json.RawMessage(r.Payload),
		UpdatedAt:  r.UpdatedAt,
	}
}

type quizRow struct {
	ID        int64     `db:"id"`
	LessonID  int64     `db:"lesson_id"`
	Payload   string    `db:"payload"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r quizRow) toQuiz() *types.Quiz {
	return &types.Quiz{
		ID:        r.ID,
		LessonID:  r.LessonID,
		Payload:   json.RawMessage(r.Payload),
		UpdatedAt: r.UpdatedAt,
	}
}

func payloadText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

// PutLesson inserts or overwrites a lesson by id.
func (m *Manager) PutLesson(ctx context.Context, lesson *types.Lesson) error {
	if lesson == nil || lesson.ID <= 0 {
		return ErrInvalidEntity
	}
	row := lessonRow{
		ID:         lesson.ID,
		Subject:    lesson.Subject,
		Difficulty: lesson.Difficulty,
		Payload:    payloadText(lesson.Payload),
		UpdatedAt:  m.now().UTC(),
	}
	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		_, err := db.NamedExecContext(ctx, `
			INSERT OR REPLACE INTO lessons (id, subject, difficulty, payload, updated_at)
			VALUES (:id, :subject, :difficulty, :payload, :updated_at)`, row)
		if err != nil {
			return fmt.Errorf("failed to put lesson %d: %w", row.ID, err)
		}
		return nil
	})
}

// PutQuiz inserts or overwrites a quiz by id.
func (m *Manager) PutQuiz(ctx context.Context, quiz *types.Quiz) error {
	if quiz == nil || quiz.ID <= 0 {
		return ErrInvalidEntity
	}
	row := quizRow{
		ID:        quiz.ID,
		LessonID:  quiz.LessonID,
		Payload:   payloadText(quiz.Payload),
		UpdatedAt: m.now().UTC(),
	}
	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		_, err := db.NamedExecContext(ctx, `
			INSERT OR REPLACE INTO quizzes (id, lesson_id, payload, updated_at)
			VALUES (:id, :lesson_id, :payload, :updated_at)`, row)
		if err != nil {
			return fmt.Errorf("failed to put quiz %d: %w", row.ID, err)
		}
		return nil
	})
}

// GetLesson returns the cached lesson, or nil when it is not cached.
func (m *Manager) GetLesson(ctx context.Context, id int64) (*types.Lesson, error) {
	var row lessonRow
	err := m.DB().GetContext(ctx, &row,
		"SELECT id, subject, difficulty, payload, updated_at FROM lessons WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, m.degrade(ctx, "get_lesson", err)
	}
	return row.toLesson(), nil
}

// GetQuiz returns the cached quiz, or nil when it is not cached.
func (m *Manager) GetQuiz(ctx context.Context, id int64) (*types.Quiz, error) {
	var row quizRow
	err := m.DB().GetContext(ctx, &row,
		"SELECT id, lesson_id, payload, updated_at FROM quizzes WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, m.degrade(ctx, "get_quiz", err)
	}
	return row.toQuiz(), nil
}

// ListLessons returns every cached lesson ordered by id.
func (m *Manager) ListLessons(ctx context.Context) ([]*types.Lesson, error) {
	var rows []lessonRow
	if err := m.DB().SelectContext(ctx, &rows,
		"SELECT id, subject, difficulty, payload, updated_at FROM lessons ORDER BY id"); err != nil {
		return []*types.Lesson{}, m.degrade(ctx, "list_lessons", err)
	}
	lessons := make([]*types.Lesson, 0, len(rows))
	for _, r := range rows {
		lessons = append(lessons, r.toLesson())
	}
	return lessons, nil
}

// ListQuizzes returns every cached quiz ordered by id.
func (m *Manager) ListQuizzes(ctx context.Context) ([]*types.Quiz, error) {
	return m.selectQuizzes(ctx, "list_quizzes",
		"SELECT id, lesson_id, payload, updated_at FROM quizzes ORDER BY id")
}

// ListQuizzesByLesson returns the cached quizzes of one lesson.
func (m *Manager) ListQuizzesByLesson(ctx context.Context, lessonID int64) ([]*types.Quiz, error) {
	return m.selectQuizzes(ctx, "list_quizzes_by_lesson",
		"SELECT id, lesson_id, payload, updated_at FROM quizzes WHERE lesson_id = ? ORDER BY id", lessonID)
}

func (m *Manager) selectQuizzes(ctx context.Context, op, query string, args ...interface{}) ([]*types.Quiz, error) {
	var rows []quizRow
	if err := m.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return []*types.Quiz{}, m.degrade(ctx, op, err)
	}
	quizzes := make([]*types.Quiz, 0, len(rows))
	for _, r := range rows {
		quizzes = append(quizzes, r.toQuiz())
	}
	return quizzes, nil
}

// DeleteLesson removes a cached lesson and its quizzes. Missing ids are a no-op.
func (m *Manager) DeleteLesson(ctx context.Context, id int64) error {
	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, "DELETE FROM quizzes WHERE lesson_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete quizzes of lesson %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM lessons WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete lesson %d: %w", id, err)
		}
		return tx.Commit()
	})
}

// HasOfflineData reports whether any lesson is cached.
func (m *Manager) HasOfflineData(ctx context.Context) bool {
	var n int
	if err := m.DB().GetContext(ctx, &n, "SELECT COUNT(*) FROM lessons"); err != nil {
		_ = m.degrade(ctx, "has_offline_data", err)
		return false
	}
	return n > 0
}
