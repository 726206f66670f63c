package auth

import (
	"errors"
	"regexp"
)

var (
	identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	hasUpper          = regexp.MustCompile(`[A-Z]`).MatchString
	hasLower          = regexp.MustCompile(`[a-z]`).MatchString
	hasNumber         = regexp.MustCompile(`[0-9]`).MatchString
	hasSpecial        = regexp.MustCompile(`[!@#$%^&*(),.?":{}|<>_\-+=]`).MatchString
)

// SanitizeIdentifier ensures a table or column name contains only safe
// characters before it is spliced into SQL.
func SanitizeIdentifier(identifier string) (string, error) {
	if !identifierPattern.MatchString(identifier) {
		return "", errors.New("invalid identifier format")
	}
	return identifier, nil
}

// ValidatePasswordStrength checks password complexity.
func ValidatePasswordStrength(password string) error {
	if len(password) < 12 {
		return errors.New("password must be at least 12 characters")
	}

	checks := 0
	for _, ok := range []bool{hasUpper(password), hasLower(password), hasNumber(password), hasSpecial(password)} {
		if ok {
			checks++
		}
	}
	if checks < 3 {
		return errors.New("password must contain at least 3 of: uppercase, lowercase, numbers, special characters")
	}
	return nil
}
