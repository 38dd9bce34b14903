package client

import (
	"context"
	"encoding/json"
)

// MLAPI wraps the recommendation endpoints. They are exempt from refresh, so
// a 401 here comes straight back to the caller.
type MLAPI struct {
	pipeline *Pipeline
}

func NewMLAPI(pipeline *Pipeline) *MLAPI {
	return &MLAPI{pipeline: pipeline}
}

type Recommendations struct {
	Recommendations []json.RawMessage `json:"recommendations"`
	Total           int               `json:"total"`
}

func (m *MLAPI) Recommend(ctx context.Context, limit int) (*Recommendations, error) {
	body := map[string]int{"limit": limit}
	var out Recommendations
	if err := m.pipeline.Post(ctx, "/api/ml/recommend", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *MLAPI) LearningGaps(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := m.pipeline.Get(ctx, "/api/ml/learning-gaps", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MLAPI) AdaptiveHint(ctx context.Context, quizID int64, attempts int) (string, error) {
	body := map[string]int64{"quiz_id": quizID, "attempts": int64(attempts)}
	var out struct {
		Hint string `json:"hint"`
	}
	if err := m.pipeline.Post(ctx, "/api/ml/adaptive-hint", body, &out); err != nil {
		return "", err
	}
	return out.Hint, nil
}
