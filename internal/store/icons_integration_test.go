package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
)

func openTestRepository(t *testing.T) *IconRepository {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("ICONREPO_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("ICONREPO_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	require.NoError(t, err)
	applied, err := ApplyMigrations(ctx, db, Migrations())
	require.NoError(t, err)
	require.Len(t, applied, 2)

	again, err := ApplyMigrations(ctx, db, Migrations())
	require.NoError(t, err)
	require.Empty(t, again)

	return NewIconRepository(db, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func pizzaIconfile(name, format, size string) Iconfile {
	return Iconfile{
		Name:               name,
		IconfileDescriptor: IconfileDescriptor{Format: format, Size: size},
		Content:            []byte(name + format + size),
	}
}

func TestCreateIconRollsBackWhenStepFails(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	stepErr := apperr.ExternalCommand("git commit failed", errors.New("exit status 1"))

	err := repo.CreateIcon(ctx, pizzaIconfile("pizza", "thin-crust", "32cm"), "zazie",
		StepFunc[Iconfile](func(context.Context, Iconfile) error { return stepErr }))
	assert.ErrorIs(t, err, apperr.ErrExternalCommand)

	assert.Equal(t, 0, countRows(t, repo.DB(), "icon"))
	assert.Equal(t, 0, countRows(t, repo.DB(), "icon_file"))
	_, err = repo.DescribeIcon(ctx, "pizza")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateAndDescribeIcon(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()

	var seen Iconfile
	err := repo.CreateIcon(ctx, pizzaIconfile("pizza", "svg", "24px"), "zazie",
		StepFunc[Iconfile](func(_ context.Context, f Iconfile) error { seen = f; return nil }))
	require.NoError(t, err)
	assert.Equal(t, "pizza", seen.Name)

	require.NoError(t, repo.AddIconfileToIcon(ctx, pizzaIconfile("pizza", "png", "48px"), "joe", nil))

	desc, err := repo.DescribeIcon(ctx, "pizza")
	require.NoError(t, err)
	assert.Equal(t, "joe", desc.ModifiedBy)
	assert.Equal(t, []IconfileDescriptor{{Format: "png", Size: "48px"}, {Format: "svg", Size: "24px"}}, desc.Iconfiles)
	assert.Empty(t, desc.Tags)

	content, err := repo.GetIconfile(ctx, "pizza", IconfileDescriptor{Format: "svg", Size: "24px"})
	require.NoError(t, err)
	assert.Equal(t, []byte("pizzasvg24px"), content)

	_, err = repo.GetIconfile(ctx, "pizza", IconfileDescriptor{Format: "svg", Size: "99px"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	all, err := repo.DescribeAllIcons(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Len(t, all[0].Iconfiles, 2)
}

func TestDuplicateIconfileIsRejected(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateIcon(ctx, pizzaIconfile("pizza", "svg", "24px"), "zazie", nil))

	stepCalled := false
	step := StepFunc[Iconfile](func(context.Context, Iconfile) error { stepCalled = true; return nil })

	err := repo.AddIconfileToIcon(ctx, pizzaIconfile("pizza", "svg", "24px"), "zazie", step)
	require.ErrorIs(t, err, apperr.ErrAlreadyExists)
	assert.Contains(t, err.Error(), `icon "pizza", format "svg", size "24px"`)
	assert.False(t, stepCalled)
	assert.Equal(t, 1, countRows(t, repo.DB(), "icon_file"))

	err = repo.CreateIcon(ctx, pizzaIconfile("pizza", "png", "24px"), "zazie", step)
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)
	assert.False(t, stepCalled)

	err = repo.AddIconfileToIcon(ctx, pizzaIconfile("ghost", "svg", "24px"), "zazie", step)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateIconPassesPreviousDescriptor(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateIcon(ctx, pizzaIconfile("pizza", "svg", "24px"), "zazie", nil))
	require.NoError(t, repo.AddTag(ctx, "pizza", "food"))

	var before IconDescriptor
	err := repo.UpdateIcon(ctx, "pizza", IconAttributes{Name: "calzone"}, "joe",
		StepFunc[IconDescriptor](func(_ context.Context, d IconDescriptor) error { before = d; return nil }))
	require.NoError(t, err)
	assert.Equal(t, "pizza", before.Name)
	assert.Equal(t, []string{"food"}, before.Tags)
	assert.Len(t, before.Iconfiles, 1)

	desc, err := repo.DescribeIcon(ctx, "calzone")
	require.NoError(t, err)
	assert.Equal(t, "joe", desc.ModifiedBy)

	err = repo.UpdateIcon(ctx, "calzone", IconAttributes{Name: "pizza"}, "joe",
		StepFunc[IconDescriptor](func(context.Context, IconDescriptor) error { return errors.New("rename failed") }))
	assert.ErrorIs(t, err, apperr.ErrTransaction)
	_, err = repo.DescribeIcon(ctx, "calzone")
	assert.NoError(t, err)
}

func TestDeleteLastIconfileDeletesIcon(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateIcon(ctx, pizzaIconfile("pizza", "svg", "24px"), "zazie", nil))
	require.NoError(t, repo.AddIconfileToIcon(ctx, pizzaIconfile("pizza", "png", "48px"), "zazie", nil))
	require.NoError(t, repo.AddTag(ctx, "pizza", "food"))

	require.NoError(t, repo.DeleteIconfile(ctx, "pizza", IconfileDescriptor{Format: "png", Size: "48px"}, "zazie", nil))
	desc, err := repo.DescribeIcon(ctx, "pizza")
	require.NoError(t, err)
	assert.Equal(t, []IconfileDescriptor{{Format: "svg", Size: "24px"}}, desc.Iconfiles)

	err = repo.DeleteIconfile(ctx, "pizza", IconfileDescriptor{Format: "png", Size: "48px"}, "zazie", nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, repo.DeleteIconfile(ctx, "pizza", IconfileDescriptor{Format: "svg", Size: "24px"}, "zazie", nil))
	_, err = repo.DescribeIcon(ctx, "pizza")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	tags, err := repo.GetTags(ctx)
	require.NoError(t, err)
	assert.Empty(t, tags)

	err = repo.DeleteIconfile(ctx, "pizza", IconfileDescriptor{Format: "svg", Size: "24px"}, "zazie", nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteIcon(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateIcon(ctx, pizzaIconfile("pizza", "svg", "24px"), "zazie", nil))
	require.NoError(t, repo.AddIconfileToIcon(ctx, pizzaIconfile("pizza", "png", "48px"), "zazie", nil))
	require.NoError(t, repo.CreateIcon(ctx, pizzaIconfile("calzone", "svg", "24px"), "zazie", nil))
	require.NoError(t, repo.AddTag(ctx, "pizza", "food"))
	require.NoError(t, repo.AddTag(ctx, "calzone", "food"))
	require.NoError(t, repo.AddTag(ctx, "pizza", "round"))

	err := repo.DeleteIcon(ctx, "pizza", "zazie",
		StepFunc[IconDescriptor](func(context.Context, IconDescriptor) error { return errors.New("git down") }))
	require.Error(t, err)
	assert.Equal(t, 3, countRows(t, repo.DB(), "icon_file"))

	var deleted IconDescriptor
	err = repo.DeleteIcon(ctx, "pizza", "zazie",
		StepFunc[IconDescriptor](func(_ context.Context, d IconDescriptor) error { deleted = d; return nil }))
	require.NoError(t, err)
	assert.Len(t, deleted.Iconfiles, 2)
	assert.Equal(t, 1, countRows(t, repo.DB(), "icon_file"))

	tags, err := repo.GetTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"food"}, tags)

	err = repo.DeleteIcon(ctx, "pizza", "zazie", nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTagReferenceCounting(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateIcon(ctx, pizzaIconfile("icon1", "svg", "24px"), "zazie", nil))
	require.NoError(t, repo.CreateIcon(ctx, pizzaIconfile("icon2", "svg", "24px"), "zazie", nil))

	require.NoError(t, repo.AddTag(ctx, "icon1", "T"))
	require.NoError(t, repo.AddTag(ctx, "icon1", "T"))
	require.NoError(t, repo.AddTag(ctx, "icon2", "T"))

	remaining, err := repo.RemoveTag(ctx, "icon1", "T")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
	tags, err := repo.GetTags(ctx)
	require.NoError(t, err)
	assert.Contains(t, tags, "T")

	remaining, err = repo.RemoveTag(ctx, "icon2", "T")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	tags, err = repo.GetTags(ctx)
	require.NoError(t, err)
	assert.NotContains(t, tags, "T")

	_, err = repo.RemoveTag(ctx, "icon2", "T")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, repo.AddTag(ctx, "ghost", "T"), apperr.ErrNotFound)
}

func TestRefreshSessions(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	sessions := NewSessionStore(repo.DB())

	user := User{Username: "zazie", Groups: []string{"ICON_EDITOR"}}
	require.NoError(t, sessions.SaveRefreshSession(ctx, "hash-1", user, time.Now().Add(time.Hour)))

	got, err := sessions.LookupRefreshSession(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, user, got)

	require.NoError(t, sessions.RevokeRefreshSession(ctx, "hash-1"))
	_, err = sessions.LookupRefreshSession(ctx, "hash-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, sessions.SaveRefreshSession(ctx, "hash-2", user, time.Now().Add(-time.Minute)))
	_, err = sessions.LookupRefreshSession(ctx, "hash-2")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCommitFollowsStepWhenCallerCancels(t *testing.T) {
	repo := openTestRepository(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := repo.CreateIcon(ctx, pizzaIconfile("pizza", "thin-crust", "32cm"), "zazie",
		StepFunc[Iconfile](func(context.Context, Iconfile) error {
			cancel()
			return nil
		}))
	require.NoError(t, err)

	assert.Equal(t, 1, countRows(t, repo.DB(), "icon"))
	assert.Equal(t, 1, countRows(t, repo.DB(), "icon_file"))
}
