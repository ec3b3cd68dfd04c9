// Package validate provides input validation for identifiers that arrive in
// processor callbacks and configuration.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length in characters (0 = no minimum)
	MaxLength      int            // Maximum length in characters (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional regex pattern for allowed characters
	NoSpace        bool           // Reject whitespace and non-printable characters
	AllowEmpty     bool           // Whether empty strings are allowed
	TrimSpace      bool           // Whether to trim whitespace before validation
}

// String validates a string against the given constraints.
// Returns the validated (and optionally trimmed) string and an error if validation fails.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidCharacters)
	}

	length := utf8.RuneCountInString(s)
	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}

	if constraints.NoSpace {
		for _, r := range s {
			if unicode.IsSpace(r) || !unicode.IsPrint(r) {
				return "", fmt.Errorf("%w: whitespace or control character %q", ErrInvalidCharacters, r)
			}
		}
	}

	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}

	return s, nil
}

// Identifier trims and validates an opaque identifier such as an account ID.
// It rejects empty values, values over maxLen characters and any inner
// whitespace or control character.
func Identifier(s string, maxLen int) (string, error) {
	return String(s, StringConstraints{
		MaxLength: maxLen,
		NoSpace:   true,
		TrimSpace: true,
	})
}
