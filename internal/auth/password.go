package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
)

// Account is a locally configured user.
type Account struct {
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"`
	Groups       []string `mapstructure:"groups"`
}

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", apperr.Validationf("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Directory checks credentials against the configured accounts.
type Directory struct {
	accounts map[string]Account
}

func NewDirectory(accounts []Account) *Directory {
	byName := make(map[string]Account, len(accounts))
	for _, account := range accounts {
		byName[account.Username] = account
	}
	return &Directory{accounts: byName}
}

// Authenticate returns the user for a valid username/password pair.
func (d *Directory) Authenticate(username, password string) (store.User, error) {
	account, ok := d.accounts[username]
	if !ok {
		return store.User{}, apperr.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return store.User{}, apperr.ErrUnauthorized
		}
		return store.User{}, fmt.Errorf("compare password: %w", err)
	}
	return store.User{Username: account.Username, Groups: account.Groups}, nil
}

// Lookup returns the current identity of a configured user.
func (d *Directory) Lookup(username string) (store.User, bool) {
	account, ok := d.accounts[username]
	if !ok {
		return store.User{}, false
	}
	return store.User{Username: account.Username, Groups: account.Groups}, true
}
