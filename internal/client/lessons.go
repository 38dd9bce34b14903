package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// LessonFilter narrows a lesson listing. Zero values are left out.
type LessonFilter struct {
	Page       int
	PerPage    int
	Subject    string
	Difficulty string
	Search     string
}

func (f LessonFilter) query() string {
	q := url.Values{}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(f.PerPage))
	}
	if f.Subject != "" {
		q.Set("subject", f.Subject)
	}
	if f.Difficulty != "" {
		q.Set("difficulty", f.Difficulty)
	}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// LessonPage is one page of the lesson listing. Items are kept raw so the
// cache can store the backend document untouched.
type LessonPage struct {
	Items      []json.RawMessage `json:"items"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	PerPage    int               `json:"per_page"`
	TotalPages int               `json:"total_pages"`
	HasNext    bool              `json:"has_next"`
}

type LessonsAPI struct {
	pipeline *Pipeline
}

func NewLessonsAPI(pipeline *Pipeline) *LessonsAPI {
	return &LessonsAPI{pipeline: pipeline}
}

func (l *LessonsAPI) List(ctx context.Context, filter LessonFilter) (*LessonPage, error) {
	var page LessonPage
	if err := l.pipeline.Get(ctx, "/api/lessons"+filter.query(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Get returns the raw lesson document.
func (l *LessonsAPI) Get(ctx context.Context, id int64) (json.RawMessage, error) {
	var doc json.RawMessage
	if err := l.pipeline.Get(ctx, fmt.Sprintf("/api/lessons/%d", id), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
