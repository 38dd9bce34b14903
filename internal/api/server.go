package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"learnsync/internal/catalog"
	"learnsync/internal/client"
	"learnsync/internal/metrics"
	"learnsync/internal/offlinesync"
	"learnsync/internal/session"
	"learnsync/pkg/interfaces"
	"learnsync/pkg/types"
)

// SyncService is the offline queue as the UI sees it.
type SyncService interface {
	Enqueue(ctx context.Context, payload types.AttemptPayload) (int64, error)
	SyncNow(ctx context.Context) (*types.SyncResult, error)
	Start(ctx context.Context) (int, error)
	Status() types.Status
}

// Authenticator logs the agent in and out of the backend.
type Authenticator interface {
	Login(ctx context.Context, creds client.Credentials) (*client.LoginResult, error)
	Logout(ctx context.Context) bool
}

// SessionView is the read side of the session plus its role gate.
type SessionView interface {
	Snapshot() types.Session
	CanAttemptProtected() bool
	RequireRole(roles ...types.Role) error
}

// CatalogService serves lessons and quizzes online or from cache.
type CatalogService interface {
	Lessons(ctx context.Context, filter client.LessonFilter) ([]*types.Lesson, catalog.Source, error)
	Lesson(ctx context.Context, id int64) (*types.Lesson, catalog.Source, error)
	Quizzes(ctx context.Context, lessonID int64) ([]*types.Quiz, catalog.Source, error)
	Forget(ctx context.Context, lessonID int64) error
	Available(ctx context.Context) bool
}

// Recommender proxies the backend's ML endpoints.
type Recommender interface {
	Recommend(ctx context.Context, limit int) (*client.Recommendations, error)
	LearningGaps(ctx context.Context) (json.RawMessage, error)
	AdaptiveHint(ctx context.Context, quizID int64, attempts int) (string, error)
}

// Store is the maintenance view of the local database.
type Store interface {
	HealthCheck(ctx context.Context) error
	Reset(ctx context.Context) error
}

// StatsProvider reports live feed subscriber counts.
type StatsProvider interface {
	GetStats() map[string]int
}

// Deps is everything the local API serves from.
type Deps struct {
	Sync    SyncService
	Auth    Authenticator
	Session SessionView
	Catalog CatalogService
	ML      Recommender
	Store   Store
	Feed    http.Handler
	Stats   StatsProvider
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Server is the agent's local HTTP surface. It holds no state of its own
// beyond the sync rate limiter.
type Server struct {
	deps    Deps
	limiter *RateLimiter
	router  chi.Router
	logger  *zap.Logger
	started time.Time
}

// NewServer builds the router. syncPerMinute caps POST /api/sync per client.
func NewServer(deps Deps, syncPerMinute int) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:    deps,
		limiter: NewRateLimiter(syncPerMinute),
		logger:  logger.Named("api"),
		started: time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.With(jsonMiddleware).Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}
	if s.deps.Feed != nil {
		r.Handle("/ws", s.deps.Feed)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonMiddleware)

		r.Post("/session/login", s.handleLogin)
		r.Post("/session/logout", s.handleLogout)
		r.Get("/session", s.handleSession)

		r.Post("/attempts", s.handleEnqueue)
		r.Get("/attempts/pending", s.handlePending)
		r.With(s.limiter.Middleware).Post("/sync", s.handleSync)

		r.Get("/offline", s.handleOfflineAvailable)
		r.Get("/lessons", s.handleLessons)
		r.Get("/lessons/{id}", s.handleLesson)
		r.Get("/lessons/{id}/quizzes", s.handleQuizzes)
		r.Delete("/lessons/{id}/offline", s.handleForgetLesson)
		if s.deps.ML != nil {
			r.Get("/recommendations", s.handleRecommendations)
			r.Get("/learning-gaps", s.handleLearningGaps)
			r.Post("/quizzes/{id}/hint", s.handleHint)
		}

		r.With(s.requireRole(types.RoleAdmin)).Post("/admin/reset", s.handleReset)
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Limiter exposes the sync limiter so its cleanup can be scheduled.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Online      bool           `json:"online"`
	Pending     int            `json:"pending"`
	Connections map[string]int `json:"connections,omitempty"`
	Uptime      string         `json:"uptime"`
}

// SessionResponse never carries tokens.
type SessionResponse struct {
	Authenticated bool            `json:"is_authenticated"`
	CanAttempt    bool            `json:"can_attempt_protected"`
	User          *types.User     `json:"user,omitempty"`
	Profile       json.RawMessage `json:"profile,omitempty"`
	LoginAt       *time.Time      `json:"login_at,omitempty"`
}

type EnqueueResponse struct {
	ID      int64 `json:"id"`
	Pending int   `json:"pending"`
}

type LessonsResponse struct {
	Lessons []*types.Lesson `json:"lessons"`
	Source  catalog.Source  `json:"source"`
}

type LessonResponse struct {
	Lesson *types.Lesson  `json:"lesson"`
	Source catalog.Source `json:"source"`
}

type QuizzesResponse struct {
	Quizzes []*types.Quiz  `json:"quizzes"`
	Source  catalog.Source `json:"source"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Database:  "healthy",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	if err := s.deps.Store.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "error: " + err.Error()
	}
	if s.deps.Sync != nil {
		st := s.deps.Sync.Status()
		resp.Online = st.Online
		resp.Pending = st.Pending
	}
	if s.deps.Stats != nil {
		resp.Connections = s.deps.Stats.GetStats()
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds client.Credentials
	if err := decodeBody(w, r, &creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON")
		return
	}
	if _, err := s.deps.Auth.Login(r.Context(), creds); err != nil {
		if client.StatusCode(err) == http.StatusUnauthorized {
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
			return
		}
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionResponse())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	loggedOut := s.deps.Auth.Logout(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"logged_out": loggedOut})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionResponse())
}

func (s *Server) sessionResponse() SessionResponse {
	snap := s.deps.Session.Snapshot()
	resp := SessionResponse{
		Authenticated: snap.Authenticated,
		CanAttempt:    s.deps.Session.CanAttemptProtected(),
		User:          snap.User,
		Profile:       snap.Profile,
	}
	if !snap.LoginAt.IsZero() {
		at := snap.LoginAt
		resp.LoginAt = &at
	}
	return resp
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var payload types.AttemptPayload
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON")
		return
	}
	id, err := s.deps.Sync.Enqueue(r.Context(), payload)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, EnqueueResponse{ID: id, Pending: s.deps.Sync.Status().Pending})
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sync.Status())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Sync.SyncNow(r.Context())
	if err != nil {
		if result != nil {
			// The pass ran and the upload failed; nothing was dropped.
			status := statusFor(err)
			writeJSON(w, status, map[string]interface{}{
				"error":   codeFor(err),
				"code":    status,
				"message": result.Message,
				"result":  result,
			})
			return
		}
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleOfflineAvailable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"available": s.deps.Catalog.Available(r.Context())})
}

func (s *Server) handleLessons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := client.LessonFilter{
		Subject:    q.Get("subject"),
		Difficulty: q.Get("difficulty"),
		Search:     q.Get("search"),
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))

	lessons, source, err := s.deps.Catalog.Lessons(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if lessons == nil {
		lessons = []*types.Lesson{}
	}
	writeJSON(w, http.StatusOK, LessonsResponse{Lessons: lessons, Source: source})
}

func (s *Server) handleLesson(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	lesson, source, err := s.deps.Catalog.Lesson(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LessonResponse{Lesson: lesson, Source: source})
}

func (s *Server) handleQuizzes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	quizzes, source, err := s.deps.Catalog.Quizzes(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if quizzes == nil {
		quizzes = []*types.Quiz{}
	}
	writeJSON(w, http.StatusOK, QuizzesResponse{Quizzes: quizzes, Source: source})
}

func (s *Server) handleForgetLesson(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Catalog.Forget(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRecommendations passes backend errors through as they are. A 401
// here never touches the session.
func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 5
	}
	recs, err := s.deps.ML.Recommend(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleLearningGaps(w http.ResponseWriter, r *http.Request) {
	gaps, err := s.deps.ML.LearningGaps(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gaps)
}

type HintRequest struct {
	Attempts int `json:"attempts"`
}

func (s *Server) handleHint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req HintRequest
	if err := decodeBody(w, r, &req); err != nil || req.Attempts < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid hint request")
		return
	}
	hint, err := s.deps.ML.AdaptiveHint(r.Context(), id, req.Attempts)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hint": hint})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Reset(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	if _, err := s.deps.Sync.Start(r.Context()); err != nil {
		s.logger.Warn("pending count not refreshed after reset", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Local data reset"})
}

func (s *Server) requireRole(roles ...types.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := s.deps.Session.RequireRole(roles...); err != nil {
				writeError(w, statusFor(err), codeFor(err), err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// fail writes err with its mapped status. Server faults are logged.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, codeFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrInvalidAttempt):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound
	case client.IsSessionExpired(err),
		errors.Is(err, offlinesync.ErrNoSession),
		errors.Is(err, session.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrForbidden), errors.Is(err, session.ErrIdentityPending):
		return http.StatusForbidden
	case errors.Is(err, offlinesync.ErrSyncInProgress):
		return http.StatusConflict
	case client.IsNetwork(err):
		return http.StatusServiceUnavailable
	}
	switch code := client.StatusCode(err); {
	case code >= 500:
		return http.StatusBadGateway
	case code >= 400:
		return code
	}
	return http.StatusInternalServerError
}

func codeFor(err error) string {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "not_authenticated"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusConflict:
		return "sync_in_progress"
	case http.StatusServiceUnavailable:
		return "backend_unreachable"
	case http.StatusBadGateway:
		return "backend_error"
	case http.StatusInternalServerError:
		return "internal_error"
	}
	return "request_failed"
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "Invalid id")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Code: status, Message: message})
}

// corsMiddleware lets a browser UI on another origin call the agent.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
