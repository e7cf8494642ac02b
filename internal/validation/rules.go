// Package validation provides custom validation rules for the application.
package validation

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	validation "github.com/jellydator/validation"

	apperrors "github.com/allisson/scheduler/internal/errors"
)

var (
	// emailRegex is a basic email validation pattern
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
)

// WrapValidationError wraps validation errors as domain ErrInvalidInput
func WrapValidationError(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.ErrInvalidInput, err.Error())
}

// FutureTime validates that a time.Time lies after the current instant
type FutureTime struct {
	// Now returns the reference instant. Defaults to time.Now.
	Now func() time.Time
}

// Validate checks that the value is a time after Now
func (f FutureTime) Validate(value interface{}) error {
	var t time.Time
	switch v := value.(type) {
	case time.Time:
		t = v
	case *time.Time:
		if v == nil {
			return nil
		}
		t = *v
	default:
		return validation.NewError("validation_future_time_type", "must be a time")
	}

	if t.IsZero() {
		return nil // Let Required handle zero times
	}

	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	if !t.After(now()) {
		return validation.NewError("validation_future_time", "must be in the future")
	}

	return nil
}

// countDigits returns how many digits s contains
func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// phoneChars checks that s only holds digits and common separators, with an optional leading '+'
func phoneChars(s string) bool {
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
		case r == ' ' || r == '-' || r == '(' || r == ')':
		case r == '+' && i == 0:
		default:
			return false
		}
	}
	return true
}

// Email validates email format using regex
var Email = validation.NewStringRuleWithError(
	func(s string) bool {
		return emailRegex.MatchString(s)
	},
	validation.NewError("validation_email_format", "must be a valid email address"),
)

// Phone validates a phone number with 8 to 15 digits and optional separators
var Phone = validation.NewStringRuleWithError(
	func(s string) bool {
		digits := countDigits(s)
		return phoneChars(s) && digits >= 8 && digits <= 15
	},
	validation.NewError("validation_phone_format", "must be a valid phone number"),
)

// NoWhitespace validates that string doesn't contain leading/trailing whitespace
var NoWhitespace = validation.NewStringRuleWithError(
	func(s string) bool {
		return s == strings.TrimSpace(s)
	},
	validation.NewError("validation_no_whitespace", "must not contain leading or trailing whitespace"),
)

// NotBlank validates that a string is not empty after trimming whitespace
var NotBlank = validation.NewStringRuleWithError(
	func(s string) bool {
		return strings.TrimSpace(s) != ""
	},
	validation.NewError("validation_not_blank", "must not be blank"),
)
