package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"learnsync/internal/client"
	"learnsync/pkg/interfaces"
	"learnsync/pkg/types"
)

var ErrUnparseable = errors.New("catalog document has no usable id")

// LessonSource is the remote side of the lesson cache.
type LessonSource interface {
	List(ctx context.Context, filter client.LessonFilter) (*client.LessonPage, error)
	Get(ctx context.Context, id int64) (json.RawMessage, error)
}

// QuizSource is the remote side of the quiz cache.
type QuizSource interface {
	QuizzesByLesson(ctx context.Context, lessonID int64) ([]json.RawMessage, error)
}

// Source tells the caller where a result came from.
type Source string

const (
	SourceRemote Source = "remote"
	SourceCache  Source = "cache"
)

// Catalog serves lessons and quizzes from the backend when it is reachable
// and from the local store when it is not. Every remote read refreshes the
// cache, so whatever was last seen online stays browsable offline.
type Catalog struct {
	lessons LessonSource
	quizzes QuizSource
	store   interfaces.CatalogStore
	logger  *zap.Logger
	now     func() time.Time
}

func New(lessons LessonSource, quizzes QuizSource, store interfaces.CatalogStore, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		lessons: lessons,
		quizzes: quizzes,
		store:   store,
		logger:  logger.Named("catalog"),
		now:     time.Now,
	}
}

// Lessons lists lessons matching filter. Only a network failure falls back
// to the cache; backend rejections go to the caller.
func (c *Catalog) Lessons(ctx context.Context, filter client.LessonFilter) ([]*types.Lesson, Source, error) {
	page, err := c.lessons.List(ctx, filter)
	if err == nil {
		out := make([]*types.Lesson, 0, len(page.Items))
		for _, raw := range page.Items {
			lesson, perr := c.lessonFromDoc(raw)
			if perr != nil {
				c.logger.Warn("skipping lesson document", zap.Error(perr))
				continue
			}
			c.cacheLesson(ctx, lesson)
			out = append(out, lesson)
		}
		return out, SourceRemote, nil
	}
	if !client.IsNetwork(err) {
		return nil, SourceRemote, err
	}

	c.logger.Debug("backend unreachable, listing lessons from cache", zap.Error(err))
	cached, cerr := c.store.ListLessons(ctx)
	if cerr != nil {
		return nil, SourceCache, cerr
	}
	return filterLessons(cached, filter), SourceCache, nil
}

// Lesson returns one lesson, falling back to the cache when offline.
func (c *Catalog) Lesson(ctx context.Context, id int64) (*types.Lesson, Source, error) {
	raw, err := c.lessons.Get(ctx, id)
	if err == nil {
		lesson, perr := c.lessonFromDoc(raw)
		if perr != nil {
			return nil, SourceRemote, perr
		}
		c.cacheLesson(ctx, lesson)
		return lesson, SourceRemote, nil
	}
	if client.StatusCode(err) == 404 {
		return nil, SourceRemote, interfaces.ErrNotFound
	}
	if !client.IsNetwork(err) {
		return nil, SourceRemote, err
	}

	lesson, cerr := c.store.GetLesson(ctx, id)
	if cerr != nil {
		return nil, SourceCache, cerr
	}
	if lesson == nil {
		return nil, SourceCache, interfaces.ErrNotFound
	}
	return lesson, SourceCache, nil
}

// Quizzes returns the quizzes of a lesson, falling back to the cache when
// offline.
func (c *Catalog) Quizzes(ctx context.Context, lessonID int64) ([]*types.Quiz, Source, error) {
	docs, err := c.quizzes.QuizzesByLesson(ctx, lessonID)
	if err == nil {
		out := make([]*types.Quiz, 0, len(docs))
		for _, raw := range docs {
			quiz, perr := c.quizFromDoc(raw, lessonID)
			if perr != nil {
				c.logger.Warn("skipping quiz document", zap.Error(perr))
				continue
			}
			if serr := c.store.PutQuiz(ctx, quiz); serr != nil {
				c.logger.Warn("failed to cache quiz", zap.Int64("quiz_id", quiz.ID), zap.Error(serr))
			}
			out = append(out, quiz)
		}
		return out, SourceRemote, nil
	}
	if !client.IsNetwork(err) {
		return nil, SourceRemote, err
	}

	cached, cerr := c.store.ListQuizzesByLesson(ctx, lessonID)
	if cerr != nil {
		return nil, SourceCache, cerr
	}
	return cached, SourceCache, nil
}

// Forget drops a lesson and its quizzes from the cache.
func (c *Catalog) Forget(ctx context.Context, lessonID int64) error {
	return c.store.DeleteLesson(ctx, lessonID)
}

// Available reports whether anything is cached for offline browsing.
func (c *Catalog) Available(ctx context.Context) bool {
	return c.store.HasOfflineData(ctx)
}

func (c *Catalog) cacheLesson(ctx context.Context, lesson *types.Lesson) {
	if err := c.store.PutLesson(ctx, lesson); err != nil {
		c.logger.Warn("failed to cache lesson", zap.Int64("lesson_id", lesson.ID), zap.Error(err))
	}
}

type docHeader struct {
	ID         int64  `json:"id"`
	LessonID   int64  `json:"lesson_id"`
	Subject    string `json:"subject"`
	Difficulty string `json:"difficulty"`
}

func parseHeader(raw json.RawMessage) (docHeader, error) {
	var h docHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return h, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if h.ID <= 0 {
		return h, ErrUnparseable
	}
	return h, nil
}

func (c *Catalog) lessonFromDoc(raw json.RawMessage) (*types.Lesson, error) {
	h, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	return &types.Lesson{
		ID:         h.ID,
		Subject:    h.Subject,
		Difficulty: h.Difficulty,
		Payload:    append(json.RawMessage(nil), raw...),
		UpdatedAt:  c.now().UTC(),
	}, nil
}

func (c *Catalog) quizFromDoc(raw json.RawMessage, lessonID int64) (*types.Quiz, error) {
	h, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	if h.LessonID == 0 {
		h.LessonID = lessonID
	}
	return &types.Quiz{
		ID:        h.ID,
		LessonID:  h.LessonID,
		Payload:   append(json.RawMessage(nil), raw...),
		UpdatedAt: c.now().UTC(),
	}, nil
}

func filterLessons(lessons []*types.Lesson, f client.LessonFilter) []*types.Lesson {
	search := strings.ToLower(f.Search)
	out := make([]*types.Lesson, 0, len(lessons))
	for _, l := range lessons {
		if f.Subject != "" && !strings.EqualFold(l.Subject, f.Subject) {
			continue
		}
		if f.Difficulty != "" && !strings.EqualFold(l.Difficulty, f.Difficulty) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(string(l.Payload)), search) {
			continue
		}
		out = append(out, l)
	}
	return out
}
