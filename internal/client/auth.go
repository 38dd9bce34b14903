package client

import (
	"context"
	"encoding/json"
	"fmt"

	"learnsync/pkg/types"
)

// SessionWriter is what AuthAPI needs from the session holder.
type SessionWriter interface {
	SetAuth(ctx context.Context, user *types.User, profile json.RawMessage, accessToken, refreshToken string) error
	UpdateUser(ctx context.Context, user *types.User) error
	UpdateProfile(ctx context.Context, profile json.RawMessage) error
	Logout(ctx context.Context) bool
	HasCredential() bool
	IsAuthenticated() bool
}

// Credentials is the login request body.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// LoginResult is the data of a successful login.
type LoginResult struct {
	User         *types.User     `json:"user"`
	Profile      json.RawMessage `json:"profile,omitempty"`
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
}

// Identity is the data returned by /api/auth/me.
type Identity struct {
	User    *types.User     `json:"user"`
	Profile json.RawMessage `json:"profile,omitempty"`
}

// AuthAPI wraps the auth endpoints and keeps the session holder in step.
type AuthAPI struct {
	pipeline *Pipeline
	session  SessionWriter
}

func NewAuthAPI(pipeline *Pipeline, session SessionWriter) *AuthAPI {
	return &AuthAPI{pipeline: pipeline, session: session}
}

// Login exchanges credentials for a session and installs it.
func (a *AuthAPI) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	if err := types.ValidateStruct(creds); err != nil {
		return nil, err
	}
	var result LoginResult
	if err := a.pipeline.Post(ctx, LoginPath, creds, &result); err != nil {
		return nil, err
	}
	if result.User == nil || result.AccessToken == "" {
		return nil, fmt.Errorf("%w: login response without user or token", ErrMalformedResponse)
	}
	if err := a.session.SetAuth(ctx, result.User, result.Profile, result.AccessToken, result.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	return &result, nil
}

// Me fetches the identity behind the current credential.
func (a *AuthAPI) Me(ctx context.Context) (*Identity, error) {
	var id Identity
	if err := a.pipeline.Get(ctx, "/api/auth/me", &id); err != nil {
		return nil, err
	}
	if id.User == nil {
		return nil, fmt.Errorf("%w: identity without user", ErrMalformedResponse)
	}
	return &id, nil
}

// Restore completes a credential-only session by asking the backend who the
// token belongs to. It is a no-op when the session is already whole or has
// no credential.
func (a *AuthAPI) Restore(ctx context.Context) error {
	if a.session.IsAuthenticated() || !a.session.HasCredential() {
		return nil
	}
	id, err := a.Me(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore identity: %w", err)
	}
	if err := a.session.UpdateUser(ctx, id.User); err != nil {
		return err
	}
	if len(id.Profile) > 0 {
		return a.session.UpdateProfile(ctx, id.Profile)
	}
	return nil
}

// Logout drops the local session. The backend keeps no server-side state for
// bearer tokens, so nothing is sent.
func (a *AuthAPI) Logout(ctx context.Context) bool {
	return a.session.Logout(ctx)
}
