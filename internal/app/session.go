package app

import (
	"context"
	"errors"
	"time"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
	"github.com/ui-toolbox/icon-repository-sub000/internal/auth"
	"github.com/ui-toolbox/icon-repository-sub000/internal/session"
	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
	"github.com/ui-toolbox/icon-repository-sub000/internal/util"
)

type Session struct {
	Token        string     `json:"token"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	User         store.User `json:"-"`
	JTI          string     `json:"-"`
	ExpiresAt    time.Time  `json:"expiresAt"`
}

type SessionConfig struct {
	TokenSecret string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
}

// Sessions issues bearer tokens to users of the directory and rotates their
// refresh tokens.
type Sessions struct {
	cfg       SessionConfig
	directory *auth.Directory
	store     session.Store
	now       func() time.Time
}

func NewSessions(cfg SessionConfig, directory *auth.Directory, sessionStore session.Store) *Sessions {
	return &Sessions{cfg: cfg, directory: directory, store: sessionStore, now: time.Now}
}

// Login checks the password and opens a new session.
func (s *Sessions) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.directory.Authenticate(username, password)
	if err != nil {
		return Session{}, err
	}
	return s.issue(ctx, user)
}

// Authenticate resolves Basic credentials without opening a session.
func (s *Sessions) Authenticate(username, password string) (store.User, error) {
	return s.directory.Authenticate(username, password)
}

// Refresh trades a refresh token for a new session. The old refresh token
// is revoked. Group membership is re-read from the directory so changes to
// the configuration apply on the next refresh.
func (s *Sessions) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, apperr.ErrUnauthorized
	}
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.store.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, apperr.ErrNotFound) {
		return Session{}, apperr.ErrUnauthorized
	}
	if err != nil {
		return Session{}, err
	}
	current, ok := s.directory.Lookup(user.Username)
	if !ok {
		_ = s.store.RevokeRefreshSession(ctx, tokenHash)
		return Session{}, apperr.ErrUnauthorized
	}
	if err := s.store.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issue(ctx, current)
}

func (s *Sessions) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.store.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// FromToken validates a bearer token.
func (s *Sessions) FromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, apperr.ErrUnauthorized
	}
	return Session{
		Token:     token,
		User:      claims.User(),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Sessions) issue(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:    user.Username,
		Groups: user.Groups,
		JTI:    jti,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.store.SaveRefreshSession(ctx, auth.HashToken(refresh), user, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		User:         user,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}
