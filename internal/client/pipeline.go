package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"learnsync/internal/metrics"
	"learnsync/pkg/interfaces"
)

// Pipeline states.
const (
	StateIdle int32 = iota
	StateRefreshing
)

const (
	LoginPath   = "/api/auth/login"
	RefreshPath = "/api/auth/refresh"

	refreshKey      = "refresh"
	maxResponseSize = 8 << 20
)

// DefaultExemptPaths are best-effort endpoints whose 401s go straight back
// to the caller.
var DefaultExemptPaths = []string{
	"/api/ml/recommend",
	"/api/ml/learning-gaps",
	"/api/ml/adaptive-hint",
}

// Options configures a Pipeline.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// ExemptPaths are path prefixes that never trigger a refresh.
	ExemptPaths []string
	// OnSessionExpired runs once per session teardown caused by a rejected
	// refresh credential.
	OnSessionExpired func()
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Pipeline sends backend requests with the current bearer credential and
// refreshes it on 401. At most one refresh is in flight at any time and
// every request is retried at most once.
type Pipeline struct {
	baseURL       string
	httpClient    *http.Client
	refreshClient *http.Client
	holder        interfaces.TokenHolder
	exempt        []string

	group singleflight.Group
	state atomic.Int32

	hookMu    sync.Mutex
	onExpired func()

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewPipeline builds a pipeline around holder.
func NewPipeline(opts Options, holder interfaces.TokenHolder, logger *zap.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if opts.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	exempt := opts.ExemptPaths
	if exempt == nil {
		exempt = DefaultExemptPaths
	}

	return &Pipeline{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout, Transport: transport},
		refreshClient: &http.Client{Timeout: timeout, Transport: transport},
		holder:        holder,
		exempt:        append([]string(nil), exempt...),
		onExpired:     opts.OnSessionExpired,
		logger:        logger.Named("pipeline"),
		metrics:       m,
	}, nil
}

// SetSessionExpiredHook replaces the hook run after a forced logout.
func (p *Pipeline) SetSessionExpiredHook(fn func()) {
	p.hookMu.Lock()
	p.onExpired = fn
	p.hookMu.Unlock()
}

// State reports StateIdle or StateRefreshing.
func (p *Pipeline) State() int32 {
	return p.state.Load()
}

// BaseURL returns the backend root the pipeline talks to.
func (p *Pipeline) BaseURL() string {
	return p.baseURL
}

// Get is Do with GET and no body.
func (p *Pipeline) Get(ctx context.Context, path string, out interface{}) error {
	return p.Do(ctx, http.MethodGet, path, nil, out)
}

// Post is Do with POST.
func (p *Pipeline) Post(ctx context.Context, path string, body, out interface{}) error {
	return p.Do(ctx, http.MethodPost, path, body, out)
}

// Do sends one request and decodes the envelope's data into out. A 401 on a
// refreshable path waits for the shared refresh and retries once; the retry's
// outcome is final.
func (p *Pipeline) Do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		payload = encoded
	}
	requestID := uuid.NewString()

	sent := p.holder.AccessToken()
	env, err := p.send(ctx, p.httpClient, method, path, payload, sent, requestID)
	if err == nil {
		return env.Decode(out)
	}
	if !IsUnauthorized(err) || !p.refreshable(path) {
		return err
	}

	if err := p.awaitRefresh(ctx, sent); err != nil {
		return err
	}

	p.logger.Debug("retrying after refresh",
		zap.String("method", method), zap.String("path", path), zap.String("request_id", requestID))
	env, err = p.send(ctx, p.httpClient, method, path, payload, p.holder.AccessToken(), requestID)
	if err != nil {
		return err
	}
	return env.Decode(out)
}

func (p *Pipeline) refreshable(path string) bool {
	if path == RefreshPath || path == LoginPath {
		return false
	}
	for _, prefix := range p.exempt {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

// awaitRefresh joins the in-flight refresh or starts one. If the credential
// already changed since sent was used, a refresh finished in between and no
// new cycle is started.
func (p *Pipeline) awaitRefresh(ctx context.Context, sent string) error {
	if p.rotatedSince(sent) {
		p.metrics.ObserveRefresh(metrics.OutcomeJoined)
		return nil
	}

	detached := context.WithoutCancel(ctx)
	ch := p.group.DoChan(refreshKey, func() (interface{}, error) {
		if p.rotatedSince(sent) {
			return nil, nil
		}
		return nil, p.refresh(detached)
	})

	select {
	case res := <-ch:
		if res.Shared {
			p.metrics.ObserveRefresh(metrics.OutcomeJoined)
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) rotatedSince(sent string) bool {
	current := p.holder.AccessToken()
	return current != "" && current != sent
}

func (p *Pipeline) refresh(ctx context.Context) error {
	p.state.Store(StateRefreshing)
	defer p.state.Store(StateIdle)

	previous := p.holder.AccessToken()
	refreshToken := p.holder.RefreshToken()
	if refreshToken == "" {
		return p.expire(ctx, "no refresh token stored")
	}

	started := time.Now()
	env, err := p.send(ctx, p.refreshClient, http.MethodPost, RefreshPath, []byte("{}"), refreshToken, uuid.NewString())
	if err != nil {
		if IsUnauthorized(err) {
			return p.expire(ctx, "refresh token rejected")
		}
		p.metrics.ObserveRefresh(metrics.OutcomeFailure)
		p.logger.Warn("token refresh failed, session kept", zap.Error(err))
		return &RefreshError{Err: err}
	}

	var data struct {
		AccessToken string `json:"access_token"`
	}
	if err := env.Decode(&data); err != nil {
		p.metrics.ObserveRefresh(metrics.OutcomeFailure)
		return &RefreshError{Err: err}
	}
	if data.AccessToken == "" {
		p.metrics.ObserveRefresh(metrics.OutcomeFailure)
		return &RefreshError{Err: fmt.Errorf("%w: missing access_token", ErrMalformedResponse)}
	}

	if err := p.holder.ReplaceAccessToken(ctx, previous, data.AccessToken); err != nil {
		if errors.Is(err, interfaces.ErrSessionEnded) {
			p.metrics.ObserveRefresh(metrics.OutcomeFailure)
			p.logger.Info("session ended during refresh, token discarded")
			if p.holder.AccessToken() != "" {
				// A new login landed meanwhile; waiters retry with its token.
				return nil
			}
			return ErrSessionExpired
		}
		p.logger.Warn("refreshed token not persisted", zap.Error(err))
	}
	p.metrics.ObserveRefresh(metrics.OutcomeSuccess)
	p.logger.Info("access token refreshed", zap.Duration("took", time.Since(started)))
	return nil
}

// expire tears the session down. The hook only runs when this call was the
// one that cleared a live session.
func (p *Pipeline) expire(ctx context.Context, reason string) error {
	p.metrics.ObserveRefresh(metrics.OutcomeExpired)
	if p.holder.Logout(ctx) {
		p.logger.Warn("session expired", zap.String("reason", reason))
		p.hookMu.Lock()
		hook := p.onExpired
		p.hookMu.Unlock()
		if hook != nil {
			hook()
		}
	}
	return ErrSessionExpired
}

func (p *Pipeline) send(ctx context.Context, hc *http.Client, method, path string, payload []byte, token, requestID string) (*Envelope, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		p.metrics.ObserveRequest(method, 0)
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()
	p.metrics.ObserveRequest(method, resp.StatusCode)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &NetworkError{Method: method, Path: path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Method: method, Path: path, RequestID: requestID}
		if env, perr := parseEnvelope(raw); perr == nil {
			apiErr.Message = env.Message
			apiErr.Errors = env.Errors
		}
		return nil, apiErr
	}

	env, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return env, nil
}

// IsSessionExpired reports whether err ended the session.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}
