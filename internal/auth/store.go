package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const userColumns = `id, email, name, password_hash, role, created_at, updated_at, last_login_at`

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// PostgresUserStore persists accounts in users and refresh tokens in
// refresh_tokens. Emails compare case-insensitively.
type PostgresUserStore struct {
	db *sqlx.DB
}

func NewPostgresUserStore(db *sqlx.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

func (s *PostgresUserStore) findUser(ctx context.Context, where string, arg string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return &u, nil
}

func (s *PostgresUserStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrUserNotFound
	}
	return s.findUser(ctx, "id = $1", id)
}

func (s *PostgresUserStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.findUser(ctx, "lower(email) = lower($1)", email)
}

func (s *PostgresUserStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (:id, :email, :name, :password_hash, :role, :created_at, :updated_at, :last_login_at)`, user)
	return userWriteError(err)
}

func (s *PostgresUserStore) UpdateUser(ctx context.Context, user *User) error {
	user.UpdatedAt = time.Now().UTC()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE users
		SET email = :email, name = :name, password_hash = :password_hash,
		    role = :role, updated_at = :updated_at
		WHERE id = :id`, user)
	if err != nil {
		return userWriteError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DeleteUser drops the account; its refresh tokens cascade.
func (s *PostgresUserStore) DeleteUser(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrUserNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting user %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresUserStore) ListUsers(ctx context.Context) ([]*User, error) {
	users := []*User{}
	if err := s.db.SelectContext(ctx, &users,
		`SELECT `+userColumns+` FROM users ORDER BY lower(email)`); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}

func (s *PostgresUserStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at.UTC())
	return err
}

type refreshToken struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Token     string    `db:"token"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *PostgresUserStore) StoreRefreshToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token, expires_at, created_at)
		VALUES (:id, :user_id, :token, :expires_at, :created_at)`,
		refreshToken{
			ID:        uuid.NewString(),
			UserID:    userID,
			Token:     token,
			ExpiresAt: expiresAt.UTC(),
			CreatedAt: time.Now().UTC(),
		})
	if err != nil {
		return fmt.Errorf("storing refresh token: %w", err)
	}
	return nil
}

// ValidateRefreshToken reports whether token is live: issued to userID,
// unexpired and not revoked.
func (s *PostgresUserStore) ValidateRefreshToken(ctx context.Context, userID, token string) (bool, error) {
	var live bool
	err := s.db.GetContext(ctx, &live, `
		SELECT EXISTS (
			SELECT 1 FROM refresh_tokens
			WHERE user_id = $1 AND token = $2
			  AND revoked_at IS NULL AND expires_at > NOW()
		)`, userID, token)
	if err != nil {
		return false, fmt.Errorf("checking refresh token: %w", err)
	}
	return live, nil
}

func (s *PostgresUserStore) RevokeRefreshToken(ctx context.Context, userID, token string) error {
	return s.revoke(ctx, `user_id = $1 AND token = $2`, userID, token)
}

func (s *PostgresUserStore) RevokeAllRefreshTokens(ctx context.Context, userID string) error {
	return s.revoke(ctx, `user_id = $1`, userID)
}

func (s *PostgresUserStore) revoke(ctx context.Context, where string, args ...interface{}) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = NOW() WHERE revoked_at IS NULL AND `+where, args...)
	if err != nil {
		return fmt.Errorf("revoking refresh tokens: %w", err)
	}
	return nil
}

func userWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrEmailTaken
	}
	return fmt.Errorf("writing user: %w", err)
}
