package interfaces

import (
	"context"

	"learnsync/pkg/types"
)

// SnapshotStore persists small keyed blobs such as the session snapshot.
type SnapshotStore interface {
	SaveUserData(ctx context.Context, key string, data []byte) error
	// GetUserData returns (nil, nil) when key is absent.
	GetUserData(ctx context.Context, key string) ([]byte, error)
	DeleteUserData(ctx context.Context, key string) error
}

// TokenHolder is the view of the session the request pipeline needs.
// The pipeline reads credentials and reports refresh outcomes; it never
// builds a session itself.
type TokenHolder interface {
	AccessToken() string
	RefreshToken() string
	// ReplaceAccessToken swaps previous for token. It returns
	// ErrSessionEnded when the session no longer holds previous.
	ReplaceAccessToken(ctx context.Context, previous, token string) error
	Logout(ctx context.Context) bool
}

// SessionReader exposes the current identity.
type SessionReader interface {
	Snapshot() types.Session
	IsAuthenticated() bool
	CanAttemptProtected() bool
}
