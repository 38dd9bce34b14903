package interfaces

import (
	"context"

	"learnsync/pkg/types"
)

// CatalogStore caches lessons and quizzes for offline browsing.
// Reads never fail on a missing id; storage failures degrade to empty results.
type CatalogStore interface {
	PutLesson(ctx context.Context, lesson *types.Lesson) error
	PutQuiz(ctx context.Context, quiz *types.Quiz) error

	// GetLesson returns (nil, nil) when the lesson is not cached.
	GetLesson(ctx context.Context, id int64) (*types.Lesson, error)
	GetQuiz(ctx context.Context, id int64) (*types.Quiz, error)

	ListLessons(ctx context.Context) ([]*types.Lesson, error)
	ListQuizzesByLesson(ctx context.Context, lessonID int64) ([]*types.Quiz, error)
	DeleteLesson(ctx context.Context, id int64) error
	HasOfflineData(ctx context.Context) bool
}

// AttemptQueue is the durable queue of quiz attempts awaiting sync.
type AttemptQueue interface {
	// EnqueueAttempt stores the attempt unsynced and returns its id. The
	// attempt is durable once this returns without error.
	EnqueueAttempt(ctx context.Context, payload types.AttemptPayload) (int64, error)

	// ListUnsynced returns unsynced records in ascending id order.
	ListUnsynced(ctx context.Context) ([]*types.AttemptRecord, error)
	CountUnsynced(ctx context.Context) (int, error)

	// MarkSynced is idempotent; unknown ids are ignored.
	MarkSynced(ctx context.Context, id int64) error
	MarkSyncedBatch(ctx context.Context, ids []int64) error

	// PruneSynced deletes acknowledged records and reports how many went.
	PruneSynced(ctx context.Context) (int64, error)
}

// OfflineStore is the full local durable store.
type OfflineStore interface {
	CatalogStore
	AttemptQueue
	SnapshotStore

	ClearAll(ctx context.Context) error
	Reset(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error
}
