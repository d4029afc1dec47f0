package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	MaxUsernameLength = 32
	MaxEmailLength    = 254
	MinPasswordLength = 6
)

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")
var ErrEmailEmpty = errors.New("email must not be empty")
var ErrEmailTooLong = fmt.Errorf("email must not exceed %d characters", MaxEmailLength)
var ErrEmailInvalid = errors.New("email must contain a local part and a domain")
var ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)

// User represents a registered account. Email is the login identity;
// Username is the display name shown to other clients. The password hash
// never leaves the store.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric,
// underscore, or hyphen characters.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

// ValidateEmail applies the minimal shape check the relay needs: a
// non-empty local part, an @, and a non-empty domain. Full RFC parsing is
// the mail system's problem, not the relay's.
func ValidateEmail(email string) error {
	if len(email) == 0 {
		return ErrEmailEmpty
	}
	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
		return ErrEmailInvalid
	}
	return nil
}

// ValidatePassword enforces the minimum length for new registrations.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}
