package types

import (
	"encoding/json"
	"time"
)

// Role is the platform role attached to a user account.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
	RoleParent  Role = "parent"
)

// Entity kinds held by the local catalog cache.
const (
	EntityLesson = "lesson"
	EntityQuiz   = "quiz"
)

// Persisted session keys.
const (
	SessionSnapshotKey = "auth-storage"
	AccessTokenKey     = "accessToken"
)

// User is the identity returned by the backend on login and /api/auth/me.
type User struct {
	ID       int64  `json:"id" validate:"required,gt=0"`
	Name     string `json:"name"`
	Email    string `json:"email" validate:"omitempty,email"`
	Role     Role   `json:"role" validate:"required"`
	IsActive bool   `json:"is_active"`
}

// Session is the authenticated identity of the agent.
// Authenticated is true only when both User and AccessToken are present.
type Session struct {
	User          *User           `json:"user"`
	Profile       json.RawMessage `json:"profile,omitempty"`
	AccessToken   string          `json:"access_token"`
	RefreshToken  string          `json:"refresh_token"`
	Authenticated bool            `json:"is_authenticated"`
	LoginAt       time.Time       `json:"login_at"`
}

// Lesson is a cached catalog entry. Payload is the backend document as received.
type Lesson struct {
	ID         int64           `json:"id" db:"id"`
	Subject    string          `json:"subject" db:"subject"`
	Difficulty string          `json:"difficulty" db:"difficulty"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Quiz is a cached quiz belonging to a lesson.
type Quiz struct {
	ID        int64           `json:"id" db:"id"`
	LessonID  int64           `json:"lesson_id" db:"lesson_id"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// AttemptPayload is one quiz submission in the shape the bulk sync endpoint accepts.
type AttemptPayload struct {
	QuizID           int64  `json:"quiz_id" validate:"required,gt=0"`
	UserAnswer       int    `json:"user_answer" validate:"gte=0"`
	IsCorrect        bool   `json:"is_correct"`
	Score            int    `json:"score" validate:"gte=0"`
	TimeTakenSeconds int    `json:"time_taken_seconds" validate:"gte=0"`
	Timestamp        string `json:"timestamp" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	ClientRef        string `json:"client_ref,omitempty" validate:"omitempty,uuid"`
}

// AttemptRecord is a queued attempt in the local store.
// Payload never changes after insert and Synced only moves from false to true.
type AttemptRecord struct {
	ID        int64          `json:"id"`
	Payload   AttemptPayload `json:"payload"`
	Synced    bool           `json:"synced"`
	CreatedAt time.Time      `json:"created_at"`
}

// SyncResult is the outcome of one sync pass.
type SyncResult struct {
	Attempted int       `json:"attempted"`
	Accepted  int       `json:"accepted"`
	Pending   int       `json:"pending"`
	Pruned    int64     `json:"pruned"`
	Errors    []string  `json:"errors,omitempty"`
	Err       error     `json:"-"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Succeeded reports whether the bulk call was acknowledged by the backend.
func (r *SyncResult) Succeeded() bool {
	return r != nil && r.Err == nil
}

// Status is the offline banner state pushed to subscribers.
type Status struct {
	Online   bool        `json:"online"`
	Pending  int         `json:"pending"`
	Syncing  bool        `json:"syncing"`
	LastSync *SyncResult `json:"last_sync,omitempty"`
}

// Status event kinds broadcast over the feed.
const (
	EventStatus         = "status"
	EventSyncSucceeded  = "sync_succeeded"
	EventSyncFailed     = "sync_failed"
	EventSessionExpired = "session_expired"
)

// Event is one message on the status feed.
type Event struct {
	Type      string    `json:"type"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
