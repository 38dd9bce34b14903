package client

import (
	"context"
	"encoding/json"
	"fmt"

	"learnsync/pkg/types"
)

const SyncOfflinePath = "/api/quiz/sync/offline"

// SyncResponse is the backend's answer to a bulk attempt upload.
// SyncedCount may be lower than the number sent.
type SyncResponse struct {
	SyncedCount int      `json:"synced_count"`
	Errors      []string `json:"errors"`
}

type syncRequest struct {
	Attempts []types.AttemptPayload `json:"attempts"`
}

type QuizAPI struct {
	pipeline *Pipeline
}

func NewQuizAPI(pipeline *Pipeline) *QuizAPI {
	return &QuizAPI{pipeline: pipeline}
}

// QuizzesByLesson returns the raw quiz documents of a lesson.
func (q *QuizAPI) QuizzesByLesson(ctx context.Context, lessonID int64) ([]json.RawMessage, error) {
	var data struct {
		Quizzes []json.RawMessage `json:"quizzes"`
		Total   int               `json:"total"`
	}
	if err := q.pipeline.Get(ctx, fmt.Sprintf("/api/quiz/lesson/%d/quizzes", lessonID), &data); err != nil {
		return nil, err
	}
	return data.Quizzes, nil
}

func (q *QuizAPI) Get(ctx context.Context, id int64) (json.RawMessage, error) {
	var doc json.RawMessage
	if err := q.pipeline.Get(ctx, fmt.Sprintf("/api/quiz/%d", id), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// SyncOffline uploads a batch of queued attempts in one call.
func (q *QuizAPI) SyncOffline(ctx context.Context, attempts []types.AttemptPayload) (*SyncResponse, error) {
	var resp SyncResponse
	if err := q.pipeline.Post(ctx, SyncOfflinePath, syncRequest{Attempts: attempts}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
