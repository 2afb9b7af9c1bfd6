package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
)

// SessionStore keeps refresh sessions in Postgres. It is used when no Redis
// is configured.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	groups, err := json.Marshal(user.Groups)
	if err != nil {
		return fmt.Errorf("marshal groups: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, username, groups, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_hash) DO UPDATE
		SET username=EXCLUDED.username, groups=EXCLUDED.groups, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.Username, string(groups), expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *SessionStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var (
		user   User
		groups []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT username, groups
		FROM refresh_sessions
		WHERE token_hash=$1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`, tokenHash).Scan(&user.Username, &groups)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apperr.NotFoundf("refresh session not found or expired")
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	if err := json.Unmarshal(groups, &user.Groups); err != nil {
		return User{}, fmt.Errorf("unmarshal groups: %w", err)
	}
	return user, nil
}

func (s *SessionStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}
