package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"learnsync/internal/app"
	"learnsync/internal/config"
	dbconfig "learnsync/pkg/database"
	"learnsync/pkg/types"
)

var signingKey = []byte("integration-signing-key")

// platform is a stand-in for the education backend. It accepts exactly one
// access token at a time and can be made unreachable, in which case every
// route except login drops the connection.
type platform struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	current       string
	generation    int
	refreshStatus int
	refreshDelay  time.Duration
	syncAccept    func(n int) int
	syncBodies    [][]types.AttemptPayload

	reachable    atomic.Bool
	refreshCalls atomic.Int32
}

func newPlatform(t *testing.T) *platform {
	t.Helper()
	p := &platform{t: t, refreshStatus: http.StatusOK}
	p.current = p.mint(0)
	p.reachable.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.online(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.HandleFunc("/api/auth/login", p.handleLogin)
	mux.HandleFunc("/api/auth/refresh", p.online(p.handleRefresh))
	mux.HandleFunc("/api/auth/me", p.online(p.protected(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, map[string]interface{}{"user": learner()})
	})))
	mux.HandleFunc("/api/lessons/1", p.online(p.protected(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, map[string]interface{}{"id": 1, "subject": "math", "difficulty": "beginner"})
	})))
	mux.HandleFunc("/api/quiz/sync/offline", p.online(p.protected(p.handleSync)))
	mux.HandleFunc("/api/ml/recommend", p.online(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelopeError(w, http.StatusUnauthorized, "Token has expired")
	}))

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func learner() types.User {
	return types.User{ID: 7, Name: "Ada", Email: "ada@example.com", Role: types.RoleStudent, IsActive: true}
}

func (p *platform) mint(gen int) string {
	claims := jwt.MapClaims{"sub": "7", "gen": gen, "exp": time.Now().Add(15 * time.Minute).Unix()}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	require.NoError(p.t, err)
	return signed
}

func (p *platform) token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// expireAccess invalidates the issued access token.
func (p *platform) expireAccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	p.current = p.mint(p.generation)
}

func (p *platform) setRefresh(status int, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshStatus, p.refreshDelay = status, delay
}

func (p *platform) setSyncAccept(fn func(n int) int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncAccept = fn
}

func (p *platform) received() [][]types.AttemptPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]types.AttemptPayload(nil), p.syncBodies...)
}

func (p *platform) online(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p.reachable.Load() {
			next(w, r)
			return
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}
}

func (p *platform) protected(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") != p.token() {
			writeEnvelopeError(w, http.StatusUnauthorized, "Token has expired")
			return
		}
		next(w, r)
	}
}

func (p *platform) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Password != "secret" {
		writeEnvelopeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	writeEnvelope(w, http.StatusOK, map[string]interface{}{
		"user":          learner(),
		"profile":       map[string]int{"grade_level": 9},
		"access_token":  p.token(),
		"refresh_token": "refresh-1",
	})
}

func (p *platform) handleRefresh(w http.ResponseWriter, r *http.Request) {
	p.refreshCalls.Add(1)
	p.mu.Lock()
	status, delay := p.refreshStatus, p.refreshDelay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if status != http.StatusOK || r.Header.Get("Authorization") != "Bearer refresh-1" {
		writeEnvelopeError(w, http.StatusUnauthorized, "Refresh token has expired")
		return
	}
	p.mu.Lock()
	p.generation++
	p.current = p.mint(p.generation)
	token := p.current
	p.mu.Unlock()
	writeEnvelope(w, http.StatusOK, map[string]string{"access_token": token})
}

func (p *platform) handleSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Attempts []types.AttemptPayload `json:"attempts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Attempts) == 0 {
		writeEnvelopeError(w, http.StatusBadRequest, "No attempts to sync")
		return
	}
	p.mu.Lock()
	p.syncBodies = append(p.syncBodies, body.Attempts)
	accept := p.syncAccept
	p.mu.Unlock()

	n := len(body.Attempts)
	if accept != nil {
		n = accept(n)
	}
	errs := []string{}
	for _, a := range body.Attempts[n:] {
		errs = append(errs, fmt.Sprintf("Quiz %d not found", a.QuizID))
	}
	writeEnvelope(w, http.StatusOK, map[string]interface{}{"synced_count": n, "errors": errs})
}

func writeEnvelope(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "data": data})
}

func writeEnvelopeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "message": message})
}

// agent is a running Application bound to a free local port.
type agent struct {
	app  *app.Application
	cfg  *config.Config
	base string
}

func agentConfig(t *testing.T, p *platform, dir string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.DatabasePath = filepath.Join(dir, "agent.db")
	cfg.HTTP.Port = freePort(t)
	cfg.Backend.BaseURL = p.server.URL
	cfg.Backend.Timeout = 2 * time.Second
	cfg.Sync.ProbeInterval = 50 * time.Millisecond
	cfg.Sync.ProbeTimeout = 40 * time.Millisecond
	cfg.Logging.Level = "error"
	return cfg
}

func startAgent(t *testing.T, cfg *config.Config) *agent {
	t.Helper()
	application, err := app.NewApplication(cfg)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return &agent{app: application, cfg: cfg, base: "http://" + application.GetAddr()}
}

func (a *agent) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.app.Stop(ctx))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// call sends a JSON request to the agent and decodes the response into out
// when out is non-nil. It returns the status code.
func (a *agent) call(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.base+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (a *agent) login(t *testing.T) {
	t.Helper()
	creds := map[string]string{"email": "ada@example.com", "password": "secret"}
	require.Equal(t, http.StatusOK, a.call(t, http.MethodPost, "/api/session/login", creds, nil))
}

func (a *agent) status(t *testing.T) types.Status {
	t.Helper()
	var st types.Status
	require.Equal(t, http.StatusOK, a.call(t, http.MethodGet, "/api/attempts/pending", nil, &st))
	return st
}

// tryStatus is status without assertions, for use inside Eventually.
func (a *agent) tryStatus() (types.Status, bool) {
	var st types.Status
	resp, err := http.Get(a.base + "/api/attempts/pending")
	if err != nil {
		return st, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&st) != nil {
		return st, false
	}
	return st, true
}

// waitFor polls the banner state until cond holds.
func (a *agent) waitFor(t *testing.T, cond func(types.Status) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := a.tryStatus()
		return ok && cond(st)
	}, 3*time.Second, 20*time.Millisecond)
}

// waitOnline waits for the probe to report want and for the pass that a
// reconnect starts to finish.
func (a *agent) waitOnline(t *testing.T, want bool) {
	t.Helper()
	a.waitFor(t, func(st types.Status) bool { return st.Online == want })
	a.app.Coordinator().Wait()
}

func (a *agent) enqueue(t *testing.T, quizID int64) {
	t.Helper()
	attempt := types.AttemptPayload{QuizID: quizID, UserAnswer: 1, IsCorrect: true, Score: 100, TimeTakenSeconds: 30}
	require.Equal(t, http.StatusCreated, a.call(t, http.MethodPost, "/api/attempts", attempt, nil))
}

// countRows reads the agent's SQLite file directly.
func countRows(t *testing.T, cfg *config.Config, query string) int {
	t.Helper()
	dbCfg := cfg.Database
	db, err := dbconfig.Open(&dbCfg)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.Get(&n, query))
	return n
}
