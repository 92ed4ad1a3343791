package credentials

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMinPasswordLength applies when PasswordPolicy.MinLength is unset.
const DefaultMinPasswordLength = 8

// ErrWeakPassword is wrapped by every PasswordPolicy.Check rejection.
var ErrWeakPassword = errors.New("password does not meet the password policy")

// PasswordPolicy is enforced on passwords chosen by users and operators.
// Stored passwords are never re-checked, so tightening the policy only
// affects the next change.
type PasswordPolicy struct {
	MinLength        int
	RequireDigits    bool
	RequireMixedCase bool
	RequireSpecial   bool
}

// Check returns nil if password satisfies p. The error lists every rule the
// password breaks.
func (p PasswordPolicy) Check(password string) error {
	minLength := p.MinLength
	if minLength <= 0 {
		minLength = DefaultMinPasswordLength
	}

	var digit, upper, lower, special bool
	for _, r := range password {
		switch {
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case !unicode.IsLetter(r) && !unicode.IsNumber(r) && !unicode.IsSpace(r):
			special = true
		}
	}

	var missing []string
	if utf8.RuneCountInString(password) < minLength {
		missing = append(missing, fmt.Sprintf("be at least %d characters", minLength))
	}
	if p.RequireDigits && !digit {
		missing = append(missing, "contain a digit")
	}
	if p.RequireMixedCase && !(upper && lower) {
		missing = append(missing, "mix upper and lower case letters")
	}
	if p.RequireSpecial && !special {
		missing = append(missing, "contain a special character")
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: password must %s", ErrWeakPassword, strings.Join(missing, "; "))
}
