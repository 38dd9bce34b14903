package interfaces

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrSessionEnded means the session a token was issued for is gone.
	ErrSessionEnded = errors.New("session ended before the token was installed")
)
