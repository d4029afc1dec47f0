// Package store provides SQLite-backed persistence for users, messages,
// and shared files.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/chatline/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// ErrDuplicateEmail is returned by CreateUser when the email is taken.
var ErrDuplicateEmail = errors.New("store: email already registered")

// Store provides database access for all chatline entities.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable FK: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		email         TEXT    NOT NULL UNIQUE CHECK(length(email) > 0),
		password_hash TEXT    NOT NULL,
		username      TEXT    NOT NULL CHECK(length(username) > 0 AND length(username) <= 32),
		status        TEXT    NOT NULL DEFAULT 'offline',
		created_at    TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		sender     TEXT    NOT NULL,
		receiver   TEXT    NOT NULL DEFAULT '',
		body       TEXT    NOT NULL,
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS files (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		filename   TEXT    NOT NULL,
		data       BLOB    NOT NULL,
		media_type TEXT    NOT NULL DEFAULT '',
		sender     TEXT    NOT NULL,
		receiver   TEXT    NOT NULL DEFAULT '',
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	`
	ctx := context.Background()
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver)",
				"CREATE INDEX IF NOT EXISTS idx_files_sender ON files(sender)",
				"CREATE INDEX IF NOT EXISTS idx_files_receiver ON files(receiver)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("store: migration v%d: %w", m.version, err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("store: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("store: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("store: read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("store: set schema version: %w", err)
	}
	return nil
}

// ---- Users ----

// CreateUser creates a new account with a pre-hashed password.
func (s *Store) CreateUser(email, passwordHash, username string) (*model.User, error) {
	if err := model.ValidateEmail(email); err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}

	res, err := s.db.Exec(
		"INSERT INTO users (email, password_hash, username, status) VALUES (?, ?, ?, ?)",
		email, passwordHash, username, model.StatusOffline,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: create user id: %w", err)
	}
	return s.GetUserByID(id)
}

// GetUserByID retrieves a user by ID. Returns (nil, nil) if not found.
func (s *Store) GetUserByID(id int64) (*model.User, error) {
	row := s.db.QueryRow(
		"SELECT id, email, username, status, created_at FROM users WHERE id = ?", id)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email. Returns (nil, nil) if not found.
func (s *Store) GetUserByEmail(email string) (*model.User, error) {
	row := s.db.QueryRow(
		"SELECT id, email, username, status, created_at FROM users WHERE email = ?", email)
	return scanUser(row)
}

// GetPasswordHash returns the stored hash for an email, or "" when absent.
func (s *Store) GetPasswordHash(email string) (string, error) {
	var hash string
	err := s.db.QueryRow("SELECT password_hash FROM users WHERE email = ?", email).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get password hash: %w", err)
	}
	return hash, nil
}

// UpdateStatus sets a user's presence status.
func (s *Store) UpdateStatus(email, status string) error {
	if _, err := s.db.Exec("UPDATE users SET status = ? WHERE email = ?", status, email); err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	return nil
}

// SetAllOffline marks every user offline.
func (s *Store) SetAllOffline() error {
	if _, err := s.db.Exec("UPDATE users SET status = ?", model.StatusOffline); err != nil {
		return fmt.Errorf("store: set all offline: %w", err)
	}
	return nil
}

// ListOnline returns all online users ordered by username.
func (s *Store) ListOnline() ([]model.User, error) {
	rows, err := s.db.Query(
		"SELECT id, email, username, status, created_at FROM users WHERE status = ? ORDER BY username",
		model.StatusOnline)
	if err != nil {
		return nil, fmt.Errorf("store: list online: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list online: %w", err)
	}
	return users, nil
}

// ---- Messages ----

// SaveMessage stores one message. An empty receiver marks a broadcast.
func (s *Store) SaveMessage(sender, receiver, body string) error {
	m := model.Message{Sender: sender, Receiver: receiver, Body: body}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("store: save message: %w", err)
	}
	if _, err := s.db.Exec(
		"INSERT INTO messages (sender, receiver, body) VALUES (?, ?, ?)",
		sender, receiver, body); err != nil {
		return fmt.Errorf("store: save message: %w", err)
	}
	return nil
}

// RecentBroadcast returns the most recent limit broadcast messages,
// ordered oldest first. Insertion order (id) breaks same-second ties.
func (s *Store) RecentBroadcast(limit int) ([]model.Message, error) {
	rows, err := s.db.Query(
		"SELECT id, sender, receiver, body, created_at FROM messages WHERE receiver = '' ORDER BY id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent broadcast: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.CreatedAt = parseDBTime(createdAt)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent broadcast: %w", err)
	}

	// Query is newest-first for the LIMIT; callers want oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ---- Files ----

// SaveFile stores one file record and assigns its ID.
func (s *Store) SaveFile(f *model.FileRecord) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("store: save file: %w", err)
	}
	res, err := s.db.Exec(
		"INSERT INTO files (filename, data, media_type, sender, receiver) VALUES (?, ?, ?, ?, ?)",
		f.Filename, f.Data, f.MediaType, f.Sender, f.Receiver)
	if err != nil {
		return fmt.Errorf("store: save file: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: save file id: %w", err)
	}
	f.ID = id
	return nil
}

// ListVisibleTo returns files the identity may see, newest first.
func (s *Store) ListVisibleTo(email string) ([]model.FileRecord, error) {
	rows, err := s.db.Query(
		"SELECT id, filename, data, media_type, sender, receiver, created_at FROM files "+
			"WHERE sender = ? OR receiver = ? OR receiver = '' ORDER BY id DESC",
		email, email)
	if err != nil {
		return nil, fmt.Errorf("store: list files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []model.FileRecord
	for rows.Next() {
		var f model.FileRecord
		var createdAt string
		if err := rows.Scan(&f.ID, &f.Filename, &f.Data, &f.MediaType, &f.Sender, &f.Receiver, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan file: %w", err)
		}
		f.CreatedAt = parseDBTime(createdAt)
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list files: %w", err)
	}
	return files, nil
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row *sql.Row) (*model.User, error) {
	u, err := scanUserRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

func scanUserRow(row rowScanner) (*model.User, error) {
	var u model.User
	var createdAt string
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.Status, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	u.CreatedAt = parseDBTime(createdAt)
	return &u, nil
}

func parseDBTime(s string) time.Time {
	t, err := time.Parse(dbTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
