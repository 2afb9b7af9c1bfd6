package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
)

func TestDirectoryAuthenticate(t *testing.T) {
	hash, err := HashPassword("margherita")
	require.NoError(t, err)
	dir := NewDirectory([]Account{{Username: "zazie", PasswordHash: hash, Groups: []string{"ICON_EDITOR"}}})

	user, err := dir.Authenticate("zazie", "margherita")
	require.NoError(t, err)
	assert.Equal(t, "zazie", user.Username)
	assert.Equal(t, []string{"ICON_EDITOR"}, user.Groups)

	_, err = dir.Authenticate("zazie", "hawaii")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = dir.Authenticate("nobody", "margherita")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, ok := dir.Lookup("zazie")
	assert.True(t, ok)
	_, ok = dir.Lookup("nobody")
	assert.False(t, ok)
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	_, err := HashPassword("")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
