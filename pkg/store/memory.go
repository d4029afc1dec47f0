package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/chatline/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID    int64
	nextMessageID int64
	nextFileID    int64

	usersByEmail map[string]*memoryUser
	messages     []model.Message
	files        []model.FileRecord
}

type memoryUser struct {
	user         model.User
	passwordHash string
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:           now,
		nextUserID:    1,
		nextMessageID: 1,
		nextFileID:    1,
		usersByEmail:  make(map[string]*memoryUser),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateUser creates a new account with a pre-hashed password.
func (s *MemoryStore) CreateUser(email, passwordHash, username string) (*model.User, error) {
	if err := model.ValidateEmail(email); err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByEmail[email]; exists {
		return nil, ErrDuplicateEmail
	}
	u := model.User{
		ID:        s.nextUserID,
		Email:     email,
		Username:  username,
		Status:    model.StatusOffline,
		CreatedAt: s.now().UTC(),
	}
	s.nextUserID++
	s.usersByEmail[email] = &memoryUser{user: u, passwordHash: passwordHash}
	copyUser := u
	return &copyUser, nil
}

// GetUserByEmail retrieves a user by email. Returns (nil, nil) if not found.
func (s *MemoryStore) GetUserByEmail(email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mu, ok := s.usersByEmail[email]
	if !ok {
		return nil, nil
	}
	copyUser := mu.user
	return &copyUser, nil
}

// GetPasswordHash returns the stored hash for an email, or "" when absent.
func (s *MemoryStore) GetPasswordHash(email string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mu, ok := s.usersByEmail[email]
	if !ok {
		return "", nil
	}
	return mu.passwordHash, nil
}

// UpdateStatus sets a user's presence status.
func (s *MemoryStore) UpdateStatus(email, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mu, ok := s.usersByEmail[email]; ok {
		mu.user.Status = status
	}
	return nil
}

// SetAllOffline marks every user offline.
func (s *MemoryStore) SetAllOffline() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mu := range s.usersByEmail {
		mu.user.Status = model.StatusOffline
	}
	return nil
}

// ListOnline returns all online users ordered by username.
func (s *MemoryStore) ListOnline() ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var users []model.User
	for _, mu := range s.usersByEmail {
		if mu.user.Status == model.StatusOnline {
			users = append(users, mu.user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// SaveMessage stores one message. An empty receiver marks a broadcast.
func (s *MemoryStore) SaveMessage(sender, receiver, body string) error {
	m := model.Message{Sender: sender, Receiver: receiver, Body: body}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("store: save message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.nextMessageID
	s.nextMessageID++
	m.CreatedAt = s.now().UTC()
	s.messages = append(s.messages, m)
	return nil
}

// RecentBroadcast returns the most recent limit broadcast messages,
// ordered oldest first.
func (s *MemoryStore) RecentBroadcast(limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var broadcast []model.Message
	for _, m := range s.messages {
		if m.Broadcast() {
			broadcast = append(broadcast, m)
		}
	}
	if limit >= 0 && len(broadcast) > limit {
		broadcast = broadcast[len(broadcast)-limit:]
	}
	out := make([]model.Message, len(broadcast))
	copy(out, broadcast)
	return out, nil
}

// SaveFile stores one file record and assigns its ID.
func (s *MemoryStore) SaveFile(f *model.FileRecord) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("store: save file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f.ID = s.nextFileID
	s.nextFileID++
	f.CreatedAt = s.now().UTC()

	stored := *f
	stored.Data = make([]byte, len(f.Data))
	copy(stored.Data, f.Data)
	s.files = append(s.files, stored)
	return nil
}

// ListVisibleTo returns files the identity may see, newest first.
func (s *MemoryStore) ListVisibleTo(email string) ([]model.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.FileRecord
	for i := len(s.files) - 1; i >= 0; i-- {
		f := s.files[i]
		if f.Sender == email || f.Receiver == email || f.Receiver == "" {
			copyFile := f
			copyFile.Data = make([]byte, len(f.Data))
			copy(copyFile.Data, f.Data)
			out = append(out, copyFile)
		}
	}
	return out, nil
}
