// Package identity manages user accounts and login sessions in SQLite.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/synapse-lab/backend/internal/apperr"
	"github.com/synapse-lab/backend/internal/models"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

// Fixed-width UTC layout so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SessionContext is the resolved identity of an authenticated request.
type SessionContext struct {
	Session models.Session `json:"session"`
	User    models.User    `json:"user"`
}

// Options configures the service.
type Options struct {
	SessionTTL time.Duration
}

// Service implements registration, login and session lookup.
type Service struct {
	db       *sql.DB
	ttl      time.Duration
	hashCost int
	logger   *zap.Logger
	now      func() time.Time
}

// Open opens or creates the identity database at dbPath.
func Open(dbPath string, opts Options, logger *zap.Logger) (*Service, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:       db,
		ttl:      opts.SessionTTL,
		hashCost: bcrypt.DefaultCost,
		logger:   logger,
		now:      time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Service) Close() error {
	return s.db.Close()
}

func (s *Service) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(timeLayout, v)
	return t
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func checkPassword(op, password string) error {
	if len(password) < MinPasswordLength {
		return apperr.Validation(op, fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	return nil
}

// Register creates an account and logs it in.
func (s *Service) Register(ctx context.Context, email, password, name string) (*SessionContext, error) {
	const op = "identity.register"

	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperr.Validation(op, "invalid email address")
	}
	if err := checkPassword(op, password); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation(op, "name is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	user := models.User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      name,
		CreatedAt: s.now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.Name, string(hash), formatTime(user.CreatedAt))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, apperr.Conflict(op, "an account with this email already exists")
		}
		return nil, apperr.Internal(op, err)
	}

	s.logger.Info("user registered", zap.String("user", user.ID))
	return s.Login(ctx, email, password)
}

// Login verifies credentials and opens a new session.
func (s *Service) Login(ctx context.Context, email, password string) (*SessionContext, error) {
	const op = "identity.login"

	var user models.User
	var hash, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, created_at FROM users WHERE email = ?`,
		normalizeEmail(email),
	).Scan(&user.ID, &user.Email, &user.Name, &hash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Unauthorized(op, "invalid email or password")
	}
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, apperr.Unauthorized(op, "invalid email or password")
	}
	user.CreatedAt = parseTime(createdAt)

	now := s.now().UTC()
	session := models.Session{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.UserID, formatTime(session.CreatedAt), formatTime(session.ExpiresAt))
	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	return &SessionContext{Session: session, User: user}, nil
}

// Current resolves a session token to its user.
func (s *Service) Current(ctx context.Context, token string) (*SessionContext, error) {
	const op = "identity.current"
	if token == "" {
		return nil, apperr.Unauthorized(op, "not logged in")
	}

	var sc SessionContext
	var sessCreated, sessExpires, userCreated string
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.user_id, s.created_at, s.expires_at,
			u.id, u.email, u.name, u.created_at
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.id = ? AND s.expires_at > ?`,
		token, formatTime(s.now()),
	).Scan(&sc.Session.ID, &sc.Session.UserID, &sessCreated, &sessExpires,
		&sc.User.ID, &sc.User.Email, &sc.User.Name, &userCreated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Unauthorized(op, "session expired or invalid")
	}
	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	sc.Session.CreatedAt = parseTime(sessCreated)
	sc.Session.ExpiresAt = parseTime(sessExpires)
	sc.User.CreatedAt = parseTime(userCreated)
	return &sc, nil
}

// Logout deletes the session. Unknown tokens are not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, token); err != nil {
		return apperr.Internal("identity.logout", err)
	}
	return nil
}

// UpdateName changes the display name of a user.
func (s *Service) UpdateName(ctx context.Context, userID, name string) (*models.User, error) {
	const op = "identity.update_name"

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation(op, "name is required")
	}

	res, err := s.db.ExecContext(ctx, `UPDATE users SET name = ? WHERE id = ?`, name, userID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.NotFound(op, "user", userID)
	}

	var user models.User
	var createdAt string
	err = s.db.QueryRowContext(ctx, `SELECT id, email, name, created_at FROM users WHERE id = ?`, userID).
		Scan(&user.ID, &user.Email, &user.Name, &createdAt)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	user.CreatedAt = parseTime(createdAt)
	return &user, nil
}

// UpdatePassword replaces the password after verifying the old one.
func (s *Service) UpdatePassword(ctx context.Context, userID, newPassword, oldPassword string) error {
	const op = "identity.update_password"

	if err := checkPassword(op, newPassword); err != nil {
		return err
	}

	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE id = ?`, userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(op, "user", userID)
	}
	if err != nil {
		return apperr.Internal(op, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(oldPassword)); err != nil {
		return apperr.Unauthorized(op, "current password is incorrect")
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.hashCost)
	if err != nil {
		return apperr.Internal(op, err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, string(newHash), userID); err != nil {
		return apperr.Internal(op, err)
	}

	s.logger.Info("password updated", zap.String("user", userID))
	return nil
}

// CleanupExpired deletes expired sessions and returns how many were removed.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, formatTime(s.now()))
	if err != nil {
		return 0, apperr.Internal("identity.cleanup", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
