package auth_test

import (
	"errors"
	"testing"

	"github.com/NicolasHaas/chatline/pkg/auth"
	"github.com/NicolasHaas/chatline/pkg/model"
	"github.com/NicolasHaas/chatline/pkg/store"
)

func TestRegisterAndLogin(t *testing.T) {
	svc := auth.New(store.NewMemory())

	if err := svc.Register("alice@example.com", "hunter22", "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	user, err := svc.Login("alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.Email != "alice@example.com" || user.Username != "alice" {
		t.Errorf("Login user = %+v", user)
	}
	if user.Status != model.StatusOnline {
		t.Errorf("Login status = %q, want online", user.Status)
	}

	online, err := svc.ListOnline()
	if err != nil {
		t.Fatalf("ListOnline: %v", err)
	}
	if len(online) != 1 || online[0].Email != "alice@example.com" {
		t.Errorf("online = %+v", online)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := auth.New(store.NewMemory())

	tests := []struct {
		name     string
		email    string
		password string
		username string
	}{
		{"bad email", "not-an-email", "hunter22", "alice"},
		{"short password", "a@x.com", "pw", "alice"},
		{"bad username", "a@x.com", "hunter22", "has space"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.Register(tt.email, tt.password, tt.username); err == nil {
				t.Error("Register succeeded, want error")
			}
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc := auth.New(store.NewMemory())

	if err := svc.Register("a@x.com", "hunter22", "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.Register("a@x.com", "other-pass", "alice2"); !errors.Is(err, auth.ErrEmailTaken) {
		t.Errorf("duplicate Register = %v, want ErrEmailTaken", err)
	}
}

func TestLoginFailures(t *testing.T) {
	svc := auth.New(store.NewMemory())
	if err := svc.Register("a@x.com", "hunter22", "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := svc.Login("a@x.com", "wrong-pass"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Errorf("wrong password err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login("ghost@x.com", "hunter22"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Errorf("unknown email err = %v, want ErrInvalidCredentials", err)
	}
}
