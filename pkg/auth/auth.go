// Package auth provides credential verification and presence tracking on
// top of the user store.
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/NicolasHaas/chatline/pkg/model"
	"github.com/NicolasHaas/chatline/pkg/store"
)

// ErrInvalidCredentials is returned by Login for unknown emails and wrong
// passwords alike; callers must not be able to tell the two apart.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// ErrEmailTaken is returned by Register when the email is already in use.
var ErrEmailTaken = errors.New("auth: email already registered")

// Service verifies credentials and tracks presence status.
type Service struct {
	users store.UserStore
}

// New creates a Service over the given user store.
func New(users store.UserStore) *Service {
	return &Service{users: users}
}

// Register creates a new account with a bcrypt-hashed password.
func (s *Service) Register(email, password, username string) error {
	if err := model.ValidateEmail(email); err != nil {
		return fmt.Errorf("auth: register: %w", err)
	}
	if err := model.ValidatePassword(password); err != nil {
		return fmt.Errorf("auth: register: %w", err)
	}
	if err := model.ValidateUsername(username); err != nil {
		return fmt.Errorf("auth: register: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}

	if _, err := s.users.CreateUser(email, string(hash), username); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return ErrEmailTaken
		}
		return fmt.Errorf("auth: register: %w", err)
	}
	return nil
}

// Login verifies the password for an email and, on success, marks the
// user online and returns the account.
func (s *Service) Login(email, password string) (*model.User, error) {
	hash, err := s.users.GetPasswordHash(email)
	if err != nil {
		return nil, fmt.Errorf("auth: login: %w", err)
	}
	if hash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetUserByEmail(email)
	if err != nil {
		return nil, fmt.Errorf("auth: login: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	if err := s.users.UpdateStatus(email, model.StatusOnline); err != nil {
		return nil, fmt.Errorf("auth: login: %w", err)
	}
	user.Status = model.StatusOnline
	return user, nil
}

// GetUserByEmail looks up an account. Returns (nil, nil) when absent.
func (s *Service) GetUserByEmail(email string) (*model.User, error) {
	return s.users.GetUserByEmail(email)
}

// UpdateStatus sets a user's presence status.
func (s *Service) UpdateStatus(email, status string) error {
	return s.users.UpdateStatus(email, status)
}

// SetAllOffline sweeps every account to offline. Used on shutdown.
func (s *Service) SetAllOffline() error {
	return s.users.SetAllOffline()
}

// ListOnline returns all online users ordered by username.
func (s *Service) ListOnline() ([]model.User, error) {
	return s.users.ListOnline()
}
