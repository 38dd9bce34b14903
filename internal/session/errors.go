package session

import "errors"

var (
	ErrInvalidCredentials = errors.New("login requires a user and an access token")
	ErrNilUser            = errors.New("user cannot be nil")
	ErrNotAuthenticated   = errors.New("no authenticated session")
	ErrIdentityPending    = errors.New("credential present but user not yet restored")
	ErrForbidden          = errors.New("role not permitted")
	ErrPersistFailed      = errors.New("failed to persist session snapshot")
)
