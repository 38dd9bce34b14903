package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is shared; validator caches struct metadata per type.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the attempt against the bulk endpoint's field rules.
func (p *AttemptPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAttempt, describe(err))
	}
	return nil
}

// Validate checks the user record returned by the backend.
func (u *User) Validate() error {
	if err := validate.Struct(u); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidUser, describe(err))
	}
	if !IsValidRole(u.Role) {
		return ErrInvalidRole
	}
	return nil
}

// Validate enforces the session invariant: authenticated iff user and access token are set.
func (s *Session) Validate() error {
	if s.Authenticated != (s.User != nil && s.AccessToken != "") {
		return ErrInconsistentSession
	}
	if s.User != nil {
		return s.User.Validate()
	}
	return nil
}

// IsValidRole reports whether role is one the platform issues.
func IsValidRole(role Role) bool {
	switch role {
	case RoleStudent, RoleTeacher, RoleAdmin, RoleParent:
		return true
	default:
		return false
	}
}

// ValidateStruct runs the shared validator against any tagged struct.
func ValidateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, describe(err))
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(fields, "; ")
}
