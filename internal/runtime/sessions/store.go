// Package sessions persists users and their recording sessions in SQLite.
// A user holds at most one non-terminal session; creating a second one fails
// until the first completes or errors out.
package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"golang.org/x/crypto/bcrypt"

	errspkg "github.com/mkd-tools/mkd/internal/runtime/errors"
	idspkg "github.com/mkd-tools/mkd/internal/runtime/ids"
	"github.com/mkd-tools/mkd/internal/runtime/jsoncodec"
	loggingpkg "github.com/mkd-tools/mkd/internal/runtime/logging"
)

// Store wraps the SQLite database holding users and sessions.
type Store struct {
	db     *sql.DB
	logger loggingpkg.ServiceLogger
}

// Open opens (and creates, if needed) the session database. Use ":memory:"
// for tests.
func Open(filePath string, logger loggingpkg.ServiceLogger) (*Store, error) {
	if filePath == "" {
		filePath = "mkd_sessions.db"
	}
	if logger == nil {
		logger = loggingpkg.Nop()
	}

	db, err := sql.Open("sqlite3", filePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}

	// SQLite doesn't support concurrent writes well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising session schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		created_at TIMESTAMP NOT NULL,
		last_login TIMESTAMP,
		settings TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		name TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'inactive',
		config TEXT NOT NULL DEFAULT '{}',
		event_count INTEGER NOT NULL DEFAULT 0,
		recording_path TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_user_state ON sessions(user_id, state);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUser registers a new account with the default role. The password is
// stored as a bcrypt hash, never in the clear.
func (s *Store) CreateUser(ctx context.Context, username, password string) (User, error) {
	if username == "" {
		return User{}, fmt.Errorf("username is required")
	}
	if password == "" {
		return User{}, fmt.Errorf("password is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hashing password: %w", err)
	}

	user := User{
		ID:        idspkg.CreateUUID(),
		Username:  username,
		Role:      DefaultRole,
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role, created_at, settings)
		VALUES (?, ?, ?, ?, ?, '{}')
	`, user.ID, user.Username, string(hash), user.Role, user.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return User{}, fmt.Errorf("username already exists: %s", username)
		}
		return User{}, fmt.Errorf("creating user: %w", err)
	}

	s.logger.Debug("user created", loggingpkg.LogFields{"user_id": user.ID, "username": username})
	return user, nil
}

// Authenticate verifies a username/password pair, stamps last_login, and
// returns the account.
func (s *Store) Authenticate(ctx context.Context, username, password string) (User, error) {
	var user User
	var hash, settings string
	var lastLogin sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, created_at, last_login, settings
		FROM users WHERE username = ?
	`, username).Scan(&user.ID, &user.Username, &hash, &user.Role, &user.CreatedAt, &lastLogin, &settings)
	if err == sql.ErrNoRows {
		return User{}, errspkg.ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("looking up user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return User{}, errspkg.ErrInvalidCredentials
	}

	if user.Settings, err = decodeJSONMap(settings); err != nil {
		return User{}, fmt.Errorf("decoding user settings: %w", err)
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, now, user.ID); err != nil {
		return User{}, fmt.Errorf("recording login: %w", err)
	}
	user.LastLogin = &now
	return user, nil
}

// User returns an account by ID.
func (s *Store) User(ctx context.Context, id string) (User, error) {
	var user User
	var settings string
	var lastLogin sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, role, created_at, last_login, settings FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.Username, &user.Role, &user.CreatedAt, &lastLogin, &settings)
	if err == sql.ErrNoRows {
		return User{}, errspkg.ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("looking up user: %w", err)
	}

	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Time
	}
	if user.Settings, err = decodeJSONMap(settings); err != nil {
		return User{}, fmt.Errorf("decoding user settings: %w", err)
	}
	return user, nil
}

// UpdateUserSettings replaces the stored settings document of an account.
func (s *Store) UpdateUserSettings(ctx context.Context, id string, settings map[string]any) error {
	encoded, err := encodeJSONMap(settings)
	if err != nil {
		return fmt.Errorf("encoding user settings: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `UPDATE users SET settings = ? WHERE id = ?`, encoded, id)
	if err != nil {
		return fmt.Errorf("updating user settings: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errspkg.ErrUserNotFound
	}
	return nil
}

// CreateSession opens a new session for a user. Fails with ErrActiveSession
// while the user still has a session in a non-terminal state.
func (s *Store) CreateSession(ctx context.Context, userID, name string, config map[string]any) (Session, error) {
	encodedConfig, err := encodeJSONMap(config)
	if err != nil {
		return Session{}, fmt.Errorf("encoding session config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE id = ?`, userID).Scan(&exists); err != nil {
		return Session{}, fmt.Errorf("checking user: %w", err)
	}
	if exists == 0 {
		return Session{}, errspkg.ErrUserNotFound
	}

	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE user_id = ? AND state NOT IN ('completed', 'error')
	`, userID).Scan(&active)
	if err != nil {
		return Session{}, fmt.Errorf("checking active sessions: %w", err)
	}
	if active > 0 {
		return Session{}, errspkg.ErrActiveSession
	}

	now := time.Now().UTC()
	session := Session{
		ID:        idspkg.CreateUUID(),
		UserID:    userID,
		Name:      name,
		State:     StateInactive,
		Config:    config,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, name, state, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.UserID, session.Name, string(session.State), encodedConfig, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("creating session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("committing session: %w", err)
	}

	s.logger.Debug("session created", loggingpkg.LogFields{
		"session_id": session.ID,
		"user_id":    userID,
	})
	return session, nil
}

const sessionColumns = `id, user_id, name, state, config, event_count, recording_path,
	error_message, metadata, created_at, updated_at, completed_at`

// Session returns a session by ID.
func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// ActiveSession returns the user's current non-terminal session, if any.
func (s *Store) ActiveSession(ctx context.Context, userID string) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND state NOT IN ('completed', 'error')
		ORDER BY created_at DESC LIMIT 1
	`, userID)

	session, err := scanSession(row)
	if err == errspkg.ErrSessionNotFound {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return session, true, nil
}

// SessionsForUser returns every session of a user, newest first.
func (s *Store) SessionsForUser(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var list []Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, session)
	}
	return list, rows.Err()
}

// UpdateState moves a session to a new state. Terminal sessions cannot be
// moved again; doing so would let a user hold two active sessions.
func (s *Store) UpdateState(ctx context.Context, id string, state State) error {
	if !state.Valid() {
		return fmt.Errorf("unknown session state: %s", state)
	}

	now := time.Now().UTC()
	var completedAt any
	if state.Terminal() {
		completedAt = now
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND state NOT IN ('completed', 'error')
	`, string(state), now, completedAt, id)
	if err != nil {
		return fmt.Errorf("updating session state: %w", err)
	}
	return s.checkMutated(ctx, result, id)
}

// SetMetadata replaces the metadata document of a session.
func (s *Store) SetMetadata(ctx context.Context, id string, metadata map[string]any) error {
	encoded, err := encodeJSONMap(metadata)
	if err != nil {
		return fmt.Errorf("encoding session metadata: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET metadata = ?, updated_at = ? WHERE id = ?
	`, encoded, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating session metadata: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errspkg.ErrSessionNotFound
	}
	return nil
}

// Complete marks a session finished and records its recording artefacts.
func (s *Store) Complete(ctx context.Context, id string, eventCount int64, recordingPath string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET state = 'completed', event_count = ?, recording_path = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND state NOT IN ('completed', 'error')
	`, eventCount, recordingPath, now, now, id)
	if err != nil {
		return fmt.Errorf("completing session: %w", err)
	}
	return s.checkMutated(ctx, result, id)
}

// Fail moves a session to the error state and records the cause.
func (s *Store) Fail(ctx context.Context, id string, message string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET state = 'error', error_message = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND state NOT IN ('completed', 'error')
	`, message, now, now, id)
	if err != nil {
		return fmt.Errorf("failing session: %w", err)
	}
	return s.checkMutated(ctx, result, id)
}

// checkMutated maps a zero-row update on the terminal-guarded mutators to
// the precise failure: missing session or terminal session.
func (s *Store) checkMutated(ctx context.Context, result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var state string
	err = s.db.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = ?`, id).Scan(&state)
	if err == sql.ErrNoRows {
		return errspkg.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("looking up session: %w", err)
	}
	if State(state).Terminal() {
		return errspkg.ErrSessionTerminal
	}
	return errspkg.ErrSessionNotFound
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var session Session
	var state, config, metadata string
	var completedAt sql.NullTime

	err := row.Scan(
		&session.ID, &session.UserID, &session.Name, &state, &config,
		&session.EventCount, &session.RecordingPath,
		&session.ErrorMessage, &metadata,
		&session.CreatedAt, &session.UpdatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return Session{}, errspkg.ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scanning session: %w", err)
	}

	session.State = State(state)
	if completedAt.Valid {
		session.CompletedAt = &completedAt.Time
	}
	if session.Config, err = decodeJSONMap(config); err != nil {
		return Session{}, fmt.Errorf("decoding session config: %w", err)
	}
	if session.Metadata, err = decodeJSONMap(metadata); err != nil {
		return Session{}, fmt.Errorf("decoding session metadata: %w", err)
	}
	return session, nil
}

func encodeJSONMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := jsoncodec.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeJSONMap(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := jsoncodec.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}
