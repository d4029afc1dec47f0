package store

import (
	"github.com/NicolasHaas/chatline/pkg/model"
)

// DataStore is the persistence surface the relay core depends on.
// Implementations include the default SQLite store and the in-memory
// store used by tests.
type DataStore interface {
	UserStore
	MessageStore
	FileStore

	// Close closes the underlying storage connection.
	Close() error
}

// UserStore persists accounts and presence status for the auth service.
type UserStore interface {
	// CreateUser creates a new account with a pre-hashed password and
	// returns it with the assigned ID. A duplicate email fails with
	// ErrDuplicateEmail.
	CreateUser(email, passwordHash, username string) (*model.User, error)

	// GetUserByEmail retrieves a user by email. Returns (nil, nil) if not found.
	GetUserByEmail(email string) (*model.User, error)

	// GetPasswordHash returns the stored password hash for an email, or
	// "" if the account does not exist.
	GetPasswordHash(email string) (string, error)

	// UpdateStatus sets a user's presence status (model.StatusOnline /
	// model.StatusOffline). Unknown emails are a no-op.
	UpdateStatus(email, status string) error

	// SetAllOffline marks every user offline. Used on server shutdown.
	SetAllOffline() error

	// ListOnline returns all online users ordered by username.
	ListOnline() ([]model.User, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	// SaveMessage stores one message. An empty receiver marks a broadcast.
	SaveMessage(sender, receiver, body string) error

	// RecentBroadcast returns the most recent limit broadcast messages,
	// ordered oldest first.
	RecentBroadcast(limit int) ([]model.Message, error)
}

// FileStore persists shared files.
type FileStore interface {
	// SaveFile stores one file record and assigns its ID.
	SaveFile(f *model.FileRecord) error

	// ListVisibleTo returns files the identity may see: own uploads,
	// files addressed to it, and files shared with everyone. Newest first.
	ListVisibleTo(email string) ([]model.FileRecord, error)
}

// Compile-time checks.
var _ DataStore = (*Store)(nil)
var _ DataStore = (*MemoryStore)(nil)
