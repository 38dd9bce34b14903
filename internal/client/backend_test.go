package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"learnsync/internal/session"
	"learnsync/pkg/types"
)

var testSigningKey = []byte("learnsync-test-key")

// fakeBackend accepts exactly one access token at a time and rotates it on
// refresh. Protected routes answer 401 for anything else.
type fakeBackend struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	current       string
	refreshToken  string
	refreshStatus int
	refreshDelay  time.Duration
	generation    int

	refreshCalls   atomic.Int32
	protectedCalls atomic.Int32
	syncBodies     [][]types.AttemptPayload
	syncAccept     func(n int) int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{t: t, refreshToken: "refresh-1", refreshStatus: http.StatusOK}
	b.current = b.mint(0)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", b.handleLogin)
	mux.HandleFunc("/api/auth/refresh", b.handleRefresh)
	mux.HandleFunc("/api/auth/me", b.protected(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, map[string]interface{}{
			"user":    types.User{ID: 7, Name: "Ada", Email: "ada@example.com", Role: types.RoleStudent, IsActive: true},
			"profile": map[string]interface{}{"grade_level": 9},
		})
	}))
	mux.HandleFunc("/api/protected", b.protected(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, map[string]string{"ok": "yes"})
	}))
	mux.HandleFunc("/api/ml/recommend", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelopeError(w, http.StatusUnauthorized, "Token has expired")
	})
	mux.HandleFunc("/api/ml/learning-gaps", b.protected(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, map[string]interface{}{"gaps": []string{"fractions"}})
	}))
	mux.HandleFunc("/api/ml/adaptive-hint", b.protected(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			QuizID   int64 `json:"quiz_id"`
			Attempts int   `json:"attempts"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeEnvelope(w, http.StatusOK, map[string]string{
			"hint": fmt.Sprintf("quiz %d, try %d: check the denominator", body.QuizID, body.Attempts),
		})
	}))
	mux.HandleFunc("/api/lessons", b.protected(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, map[string]interface{}{
			"items": []map[string]interface{}{
				{"id": 1, "subject": "math", "difficulty": "beginner", "title": "Fractions"},
				{"id": 2, "subject": "science", "difficulty": "advanced", "title": "Cells"},
			},
			"total": 2, "page": 1, "per_page": 20, "total_pages": 1, "has_next": false,
		})
	}))
	mux.HandleFunc("/api/lessons/1", b.protected(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, map[string]interface{}{"id": 1, "subject": "math", "difficulty": "beginner"})
	}))
	mux.HandleFunc("/api/quiz/lesson/1/quizzes", b.protected(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, map[string]interface{}{
			"quizzes": []map[string]interface{}{{"id": 10, "lesson_id": 1}, {"id": 11, "lesson_id": 1}},
			"total":   2,
		})
	}))
	mux.HandleFunc(SyncOfflinePath, b.protected(b.handleSync))
	mux.HandleFunc("/api/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) URL() string { return b.server.URL }

func (b *fakeBackend) mint(gen int) string {
	claims := jwt.MapClaims{
		"sub": "7",
		"gen": gen,
		"exp": time.Now().Add(15 * time.Minute).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	require.NoError(b.t, err)
	return signed
}

// expireAccess makes the currently issued access token stale.
func (b *fakeBackend) expireAccess() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	stale := b.current
	b.generation++
	b.current = b.mint(b.generation)
	return stale
}

func (b *fakeBackend) currentToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *fakeBackend) protected(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.protectedCalls.Add(1)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token != b.currentToken() {
			writeEnvelopeError(w, http.StatusUnauthorized, "Token has expired")
			return
		}
		next(w, r)
	}
}

func (b *fakeBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Password != "secret" {
		writeEnvelopeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	writeEnvelope(w, http.StatusOK, map[string]interface{}{
		"user":          types.User{ID: 7, Name: "Ada", Email: creds.Email, Role: types.RoleStudent, IsActive: true},
		"profile":       map[string]interface{}{"grade_level": 9},
		"access_token":  b.currentToken(),
		"refresh_token": b.refreshToken,
	})
}

func (b *fakeBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)
	b.mu.Lock()
	delay, status, want := b.refreshDelay, b.refreshStatus, b.refreshToken
	b.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if status != http.StatusOK {
		writeEnvelopeError(w, status, "refresh failed")
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+want {
		writeEnvelopeError(w, http.StatusUnauthorized, "Token has been revoked")
		return
	}

	b.mu.Lock()
	b.generation++
	b.current = b.mint(b.generation)
	token := b.current
	b.mu.Unlock()
	writeEnvelope(w, http.StatusOK, map[string]string{"access_token": token})
}

func (b *fakeBackend) handleSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Attempts []types.AttemptPayload `json:"attempts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeEnvelopeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if len(body.Attempts) == 0 {
		writeEnvelopeError(w, http.StatusBadRequest, "No attempts to sync")
		return
	}
	b.mu.Lock()
	b.syncBodies = append(b.syncBodies, body.Attempts)
	accept := b.syncAccept
	b.mu.Unlock()

	n := len(body.Attempts)
	if accept != nil {
		n = accept(n)
	}
	errs := []string{}
	for i := n; i < len(body.Attempts); i++ {
		errs = append(errs, fmt.Sprintf("quiz %d not found", body.Attempts[i].QuizID))
	}
	writeEnvelope(w, http.StatusOK, map[string]interface{}{"synced_count": n, "errors": errs})
}

func writeEnvelope(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "message": "ok", "data": data})
}

func writeEnvelopeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "message": message})
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string][]byte)}
}

func (m *memoryStore) SaveUserData(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *memoryStore) GetUserData(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memoryStore) DeleteUserData(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

// loggedIn returns a holder carrying the backend's current tokens.
func loggedIn(t *testing.T, b *fakeBackend) (*session.Holder, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	holder := session.NewHolder(store, nil)
	user := &types.User{ID: 7, Name: "Ada", Role: types.RoleStudent, IsActive: true}
	require.NoError(t, holder.SetAuth(context.Background(), user, nil, b.currentToken(), b.refreshToken))
	return holder, store
}
