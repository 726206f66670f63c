package grid

import (
	"errors"
	"fmt"
)

// ValidationError is returned for requests the grid refuses to apply:
// malformed ID lists, items outside the grid, and missing privileges.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

var (
	// ErrInsufficientPrivileges is returned when the actor may not edit the grid.
	ErrInsufficientPrivileges error = &ValidationError{Message: "Insufficient Privileges"}

	ErrUnknownGrid  = errors.New("unknown grid")
	ErrNotFound     = errors.New("record not found")
	ErrInvalidState = errors.New("invalid or expired grid state")
	ErrNotVersioned = errors.New("grid is not versioned")
)

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
