package types

import "errors"

var (
	ErrValidation          = errors.New("validation failed")
	ErrInvalidAttempt      = errors.New("invalid attempt payload")
	ErrInvalidUser         = errors.New("invalid user record")
	ErrInvalidRole         = errors.New("role must be student, teacher, admin or parent")
	ErrInconsistentSession = errors.New("session authenticated flag disagrees with user and access token")
)
