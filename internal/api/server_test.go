package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"learnsync/internal/catalog"
	"learnsync/internal/client"
	"learnsync/internal/metrics"
	"learnsync/internal/offlinesync"
	"learnsync/internal/session"
	"learnsync/pkg/interfaces"
	"learnsync/pkg/types"
)

type fakeSync struct {
	mu       sync.Mutex
	queued   []types.AttemptPayload
	syncErr  error
	result   *types.SyncResult
	restarts int
}

func (f *fakeSync) Enqueue(_ context.Context, p types.AttemptPayload) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, p)
	return int64(len(f.queued)), nil
}

func (f *fakeSync) SyncNow(context.Context) (*types.SyncResult, error) {
	return f.result, f.syncErr
}

func (f *fakeSync) Start(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return len(f.queued), nil
}

func (f *fakeSync) Status() types.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.Status{Online: true, Pending: len(f.queued)}
}

type fakeAuth struct {
	session *fakeSession
}

func (f *fakeAuth) Login(_ context.Context, creds client.Credentials) (*client.LoginResult, error) {
	if err := types.ValidateStruct(creds); err != nil {
		return nil, err
	}
	if creds.Password != "secret" {
		return nil, &client.APIError{Status: http.StatusUnauthorized, Message: "Invalid credentials"}
	}
	f.session.user = &types.User{ID: 7, Name: "Ada", Email: creds.Email, Role: types.RoleStudent}
	return &client.LoginResult{User: f.session.user, AccessToken: "access", RefreshToken: "refresh"}, nil
}

func (f *fakeAuth) Logout(context.Context) bool {
	had := f.session.user != nil
	f.session.user = nil
	return had
}

type fakeSession struct {
	user *types.User
}

func (f *fakeSession) Snapshot() types.Session {
	if f.user == nil {
		return types.Session{}
	}
	return types.Session{User: f.user, AccessToken: "access", RefreshToken: "refresh", Authenticated: true, LoginAt: time.Now()}
}

func (f *fakeSession) CanAttemptProtected() bool { return f.user != nil }

func (f *fakeSession) RequireRole(roles ...types.Role) error {
	if f.user == nil {
		return session.ErrNotAuthenticated
	}
	for _, r := range roles {
		if f.user.Role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", session.ErrForbidden, f.user.Role)
}

type fakeCatalog struct {
	offline bool
	forgot  []int64
}

func (f *fakeCatalog) source() catalog.Source {
	if f.offline {
		return catalog.SourceCache
	}
	return catalog.SourceRemote
}

func (f *fakeCatalog) Lessons(_ context.Context, filter client.LessonFilter) ([]*types.Lesson, catalog.Source, error) {
	lessons := []*types.Lesson{
		{ID: 1, Subject: "math", Payload: json.RawMessage(`{"id":1}`)},
		{ID: 2, Subject: "science", Payload: json.RawMessage(`{"id":2}`)},
	}
	if filter.Subject != "" {
		var out []*types.Lesson
		for _, l := range lessons {
			if l.Subject == filter.Subject {
				out = append(out, l)
			}
		}
		return out, f.source(), nil
	}
	return lessons, f.source(), nil
}

func (f *fakeCatalog) Lesson(_ context.Context, id int64) (*types.Lesson, catalog.Source, error) {
	if id != 1 {
		return nil, f.source(), interfaces.ErrNotFound
	}
	return &types.Lesson{ID: 1, Subject: "math"}, f.source(), nil
}

func (f *fakeCatalog) Quizzes(_ context.Context, lessonID int64) ([]*types.Quiz, catalog.Source, error) {
	if f.offline && lessonID != 1 {
		return nil, catalog.SourceCache, nil
	}
	return []*types.Quiz{{ID: 10, LessonID: lessonID}}, f.source(), nil
}

func (f *fakeCatalog) Forget(_ context.Context, id int64) error {
	f.forgot = append(f.forgot, id)
	return nil
}

func (f *fakeCatalog) Available(context.Context) bool { return f.offline }

type fakeML struct {
	err   error
	limit int
}

func (f *fakeML) Recommend(_ context.Context, limit int) (*client.Recommendations, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return &client.Recommendations{Recommendations: []json.RawMessage{json.RawMessage(`{"lesson_id":2}`)}, Total: 1}, nil
}

func (f *fakeML) LearningGaps(context.Context) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"gaps":["fractions"]}`), nil
}

func (f *fakeML) AdaptiveHint(_ context.Context, quizID int64, attempts int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("hint for %d after %d", quizID, attempts), nil
}

type fakeStore struct {
	healthErr error
	resets    int
}

func (f *fakeStore) HealthCheck(context.Context) error { return f.healthErr }

func (f *fakeStore) Reset(context.Context) error {
	f.resets++
	return nil
}

type fixture struct {
	server  *Server
	sync    *fakeSync
	session *fakeSession
	catalog *fakeCatalog
	ml      *fakeML
	store   *fakeStore
}

func newFixture(t *testing.T, syncPerMinute int) *fixture {
	t.Helper()
	f := &fixture{
		sync:    &fakeSync{result: &types.SyncResult{Attempted: 1, Accepted: 1, Message: "Synced 1 offline attempts"}},
		session: &fakeSession{},
		catalog: &fakeCatalog{},
		ml:      &fakeML{},
		store:   &fakeStore{},
	}
	f.server = NewServer(Deps{
		Sync:    f.sync,
		Auth:    &fakeAuth{session: f.session},
		Session: f.session,
		Catalog: f.catalog,
		ML:      f.ml,
		Store:   f.store,
		Metrics: metrics.New(),
	}, syncPerMinute)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t, 10)
	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var health HealthResponse
	decode(t, rec, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.Online)

	f.store.healthErr = errors.New("disk gone")
	rec = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, 10)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	f := newFixture(t, 10)
	rec := f.do(t, http.MethodOptions, "/api/attempts", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_LoginAndSession(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(t, http.MethodPost, "/api/session/login", client.Credentials{Email: "ada@example.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/session/login", client.Credentials{Email: "not-an-email", Password: "secret"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/session/login", client.Credentials{Email: "ada@example.com", Password: "secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "access")
	var resp SessionResponse
	decode(t, rec, &resp)
	assert.True(t, resp.Authenticated)
	assert.Equal(t, int64(7), resp.User.ID)

	rec = f.do(t, http.MethodPost, "/api/session/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"logged_out":true}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/session", nil)
	decode(t, rec, &resp)
	assert.False(t, resp.Authenticated)
	assert.False(t, resp.CanAttempt)
}

func TestServer_EnqueueAttempt(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(t, http.MethodPost, "/api/attempts", types.AttemptPayload{QuizID: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/attempts", strings.NewReader("{"))
	bad := httptest.NewRecorder()
	f.server.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	rec = f.do(t, http.MethodPost, "/api/attempts", types.AttemptPayload{QuizID: 3, Score: 80})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp EnqueueResponse
	decode(t, rec, &resp)
	assert.Equal(t, int64(1), resp.ID)
	assert.Equal(t, 1, resp.Pending)

	rec = f.do(t, http.MethodGet, "/api/attempts/pending", nil)
	var status types.Status
	decode(t, rec, &status)
	assert.Equal(t, 1, status.Pending)
}

func TestServer_SyncErrors(t *testing.T) {
	tests := []struct {
		name   string
		result *types.SyncResult
		err    error
		status int
		code   string
	}{
		{"in progress", nil, offlinesync.ErrSyncInProgress, http.StatusConflict, "sync_in_progress"},
		{"no session", nil, offlinesync.ErrNoSession, http.StatusUnauthorized, "not_authenticated"},
		{"expired", nil, client.ErrSessionExpired, http.StatusUnauthorized, "not_authenticated"},
		{"offline", &types.SyncResult{Attempted: 2, Pending: 2, Message: "Failed to sync offline data"},
			&client.NetworkError{Method: "POST", Path: "/api/quiz/sync/offline", Err: errors.New("connection refused")},
			http.StatusServiceUnavailable, "backend_unreachable"},
		{"backend 500", &types.SyncResult{Attempted: 2, Pending: 2},
			&client.APIError{Status: 500, Message: "boom"}, http.StatusBadGateway, "backend_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 10)
			f.sync.result, f.sync.syncErr = tt.result, tt.err
			rec := f.do(t, http.MethodPost, "/api/sync", nil)
			assert.Equal(t, tt.status, rec.Code)
			var body map[string]interface{}
			decode(t, rec, &body)
			assert.Equal(t, tt.code, body["error"])
			if tt.result != nil {
				assert.Contains(t, body, "result")
			}
		})
	}
}

func TestServer_SyncRateLimited(t *testing.T) {
	f := newFixture(t, 2)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/sync", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/sync", nil).Code)

	rec := f.do(t, http.MethodPost, "/api/sync", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Other routes are not limited.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/attempts/pending", nil).Code)
}

func TestServer_Catalog(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(t, http.MethodGet, "/api/lessons?subject=math&page=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lessons LessonsResponse
	decode(t, rec, &lessons)
	require.Len(t, lessons.Lessons, 1)
	assert.Equal(t, catalog.SourceRemote, lessons.Source)

	f.catalog.offline = true
	rec = f.do(t, http.MethodGet, "/api/lessons/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lesson LessonResponse
	decode(t, rec, &lesson)
	assert.Equal(t, catalog.SourceCache, lesson.Source)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/lessons/99", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/lessons/abc", nil).Code)

	rec = f.do(t, http.MethodGet, "/api/lessons/5/quizzes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"quizzes":[],"source":"cache"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/offline", nil)
	assert.JSONEq(t, `{"available":true}`, rec.Body.String())

	rec = f.do(t, http.MethodDelete, "/api/lessons/1/offline", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int64{1}, f.catalog.forgot)
}

func TestServer_RecommendationsPassErrorsThrough(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(t, http.MethodGet, "/api/recommendations?limit=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, f.ml.limit)

	f.ml.err = &client.APIError{Status: http.StatusUnauthorized, Message: "Token has expired"}
	rec = f.do(t, http.MethodGet, "/api/recommendations", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 5, f.ml.limit)
}

func TestServer_LearningGapsAndHints(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(t, http.MethodGet, "/api/learning-gaps", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"gaps":["fractions"]}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/quizzes/10/hint", HintRequest{Attempts: 2})
	require.Equal(t, http.StatusOK, rec.Code)
	var hint map[string]string
	decode(t, rec, &hint)
	assert.Equal(t, "hint for 10 after 2", hint["hint"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/quizzes/x/hint", HintRequest{}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/quizzes/10/hint", HintRequest{Attempts: -1}).Code)

	f.ml.err = &client.NetworkError{Method: http.MethodGet, Path: "/api/ml/learning-gaps", Err: errors.New("connection refused")}
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/api/learning-gaps", nil).Code)
}

func TestServer_AdminResetRequiresAdmin(t *testing.T) {
	f := newFixture(t, 10)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/api/admin/reset", nil).Code)

	f.session.user = &types.User{ID: 1, Role: types.RoleStudent}
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/api/admin/reset", nil).Code)
	assert.Zero(t, f.store.resets)

	f.session.user = &types.User{ID: 1, Role: types.RoleAdmin}
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/admin/reset", nil).Code)
	assert.Equal(t, 1, f.store.resets)
	assert.Equal(t, 1, f.sync.restarts)
}

func TestRateLimiter_WindowAndCleanup(t *testing.T) {
	rl := NewRateLimiter(2)
	now := time.Now()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("a"), "new window")

	now = now.Add(6 * time.Minute)
	rl.Cleanup()
	assert.Zero(t, rl.size())
}
