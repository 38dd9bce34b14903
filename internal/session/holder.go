package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"learnsync/pkg/interfaces"
	"learnsync/pkg/types"
)

var (
	_ interfaces.TokenHolder   = (*Holder)(nil)
	_ interfaces.SessionReader = (*Holder)(nil)
)

// Holder owns the agent's authenticated session. All mutation goes through
// its methods so no reader ever sees a half-updated session.
//
// The JSON snapshot under types.SessionSnapshotKey is the canonical persisted
// form. The raw token under types.AccessTokenKey is a cache kept equal to the
// snapshot's access token.
type Holder struct {
	mu      sync.RWMutex
	session types.Session

	// persistMu orders writes to the store so the last persisted snapshot
	// matches the last in-memory state.
	persistMu sync.Mutex
	store     interfaces.SnapshotStore
	logger    *zap.Logger
	now       func() time.Time
}

// NewHolder creates an empty holder backed by store. Call Rehydrate to load
// a previously persisted session.
func NewHolder(store interfaces.SnapshotStore, logger *zap.Logger) *Holder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Holder{
		store:  store,
		logger: logger.Named("session"),
		now:    time.Now,
	}
}

// SetAuth replaces the whole session after a login.
func (h *Holder) SetAuth(ctx context.Context, user *types.User, profile json.RawMessage, accessToken, refreshToken string) error {
	if user == nil || accessToken == "" {
		return ErrInvalidCredentials
	}
	u := *user

	h.mu.Lock()
	h.session = types.Session{
		User:          &u,
		Profile:       cloneRaw(profile),
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		Authenticated: true,
		LoginAt:       h.now().UTC(),
	}
	h.mu.Unlock()

	fields := []zap.Field{zap.Int64("user_id", u.ID), zap.String("role", string(u.Role))}
	if exp, ok := TokenExpiry(accessToken); ok {
		fields = append(fields, zap.Time("access_expires_at", exp))
	}
	h.logger.Info("session established", fields...)

	return h.persist(ctx)
}

// UpdateUser replaces the user record, leaving tokens alone.
func (h *Holder) UpdateUser(ctx context.Context, user *types.User) error {
	if user == nil {
		return ErrNilUser
	}
	u := *user

	h.mu.Lock()
	h.session.User = &u
	h.session.Authenticated = h.session.AccessToken != ""
	h.mu.Unlock()

	return h.persist(ctx)
}

// UpdateProfile replaces the profile, leaving user and tokens alone.
func (h *Holder) UpdateProfile(ctx context.Context, profile json.RawMessage) error {
	h.mu.Lock()
	h.session.Profile = cloneRaw(profile)
	h.mu.Unlock()

	return h.persist(ctx)
}

// ReplaceAccessToken installs a refreshed access token in place of previous.
// A logout or a new login while the refresh was out leaves the session
// without previous; the token is then dropped and nothing is persisted.
func (h *Holder) ReplaceAccessToken(ctx context.Context, previous, token string) error {
	h.mu.Lock()
	if h.session.RefreshToken == "" || h.session.AccessToken != previous {
		h.mu.Unlock()
		return interfaces.ErrSessionEnded
	}
	h.session.AccessToken = token
	h.session.Authenticated = h.session.User != nil && token != ""
	h.mu.Unlock()

	return h.persist(ctx)
}

// Logout clears the session and both persisted keys. It reports whether
// there was anything to tear down, so repeated calls return false.
func (h *Holder) Logout(ctx context.Context) bool {
	h.mu.Lock()
	s := h.session
	live := s.User != nil || s.AccessToken != "" || s.RefreshToken != ""
	h.session = types.Session{}
	h.mu.Unlock()

	if err := h.persist(ctx); err != nil {
		h.logger.Error("failed to clear persisted session", zap.Error(err))
	}
	if live {
		h.logger.Info("session cleared")
	}
	return live
}

// Snapshot returns a copy of the current session.
func (h *Holder) Snapshot() types.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return copySession(h.session)
}

func (h *Holder) AccessToken() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session.AccessToken
}

func (h *Holder) RefreshToken() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session.RefreshToken
}

// User returns a copy of the current user, or nil.
func (h *Holder) User() *types.User {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.session.User == nil {
		return nil
	}
	u := *h.session.User
	return &u
}

func (h *Holder) IsAuthenticated() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session.Authenticated
}

// HasCredential reports whether an access token is present, whether or not
// the user record has been restored yet.
func (h *Holder) HasCredential() bool {
	return h.AccessToken() != ""
}

// CanAttemptProtected prefers credential presence over the authenticated
// flag, so a freshly rehydrated credential-only session may still call
// protected endpoints.
func (h *Holder) CanAttemptProtected() bool {
	return h.HasCredential() || h.IsAuthenticated()
}

// RequireRole checks that the session may act in one of roles. With no roles
// any session that can attempt protected calls passes.
func (h *Holder) RequireRole(roles ...types.Role) error {
	if !h.CanAttemptProtected() {
		return ErrNotAuthenticated
	}
	if len(roles) == 0 {
		return nil
	}
	user := h.User()
	if user == nil {
		return ErrIdentityPending
	}
	for _, r := range roles {
		if user.Role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrForbidden, user.Role)
}

// Rehydrate loads the persisted session. The snapshot wins over the raw
// token key; the raw key only fills a missing snapshot token. Afterwards the
// two persisted keys agree.
func (h *Holder) Rehydrate(ctx context.Context) error {
	rawSnapshot, err := h.store.GetUserData(ctx, types.SessionSnapshotKey)
	if err != nil {
		return fmt.Errorf("failed to read session snapshot: %w", err)
	}
	rawToken, err := h.store.GetUserData(ctx, types.AccessTokenKey)
	if err != nil {
		return fmt.Errorf("failed to read access token: %w", err)
	}

	var restored types.Session
	if len(rawSnapshot) > 0 {
		if err := json.Unmarshal(rawSnapshot, &restored); err != nil {
			h.logger.Warn("discarding corrupt session snapshot", zap.Error(err))
			restored = types.Session{}
		}
	}

	cached := string(rawToken)
	switch {
	case restored.AccessToken == "" && cached != "":
		restored.AccessToken = cached
	case restored.AccessToken != "" && cached != restored.AccessToken:
		h.logger.Debug("raw access token disagrees with snapshot, snapshot wins")
	}
	restored.Authenticated = restored.User != nil && restored.AccessToken != ""

	h.mu.Lock()
	h.session = restored
	h.mu.Unlock()

	if restored.AccessToken != "" || len(rawSnapshot) > 0 || cached != "" {
		if err := h.persist(ctx); err != nil {
			return err
		}
	}

	h.logger.Info("session rehydrated",
		zap.Bool("authenticated", restored.Authenticated),
		zap.Bool("credential", restored.AccessToken != ""))
	return nil
}

// persist writes the current state, or removes both keys when logged out.
func (h *Holder) persist(ctx context.Context) error {
	h.persistMu.Lock()
	defer h.persistMu.Unlock()

	s := h.Snapshot()
	if s.User == nil && s.AccessToken == "" && s.RefreshToken == "" {
		errSnap := h.store.DeleteUserData(ctx, types.SessionSnapshotKey)
		errTok := h.store.DeleteUserData(ctx, types.AccessTokenKey)
		if errSnap != nil {
			return fmt.Errorf("%w: %v", ErrPersistFailed, errSnap)
		}
		if errTok != nil {
			return fmt.Errorf("%w: %v", ErrPersistFailed, errTok)
		}
		return nil
	}

	encoded, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	if err := h.store.SaveUserData(ctx, types.SessionSnapshotKey, encoded); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	if s.AccessToken == "" {
		err = h.store.DeleteUserData(ctx, types.AccessTokenKey)
	} else {
		err = h.store.SaveUserData(ctx, types.AccessTokenKey, []byte(s.AccessToken))
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return nil
}

// TokenExpiry reads the exp claim of a JWT. The signature is not checked.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func copySession(s types.Session) types.Session {
	out := s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	out.Profile = cloneRaw(s.Profile)
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
