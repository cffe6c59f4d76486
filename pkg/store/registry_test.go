package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := OpenRegistry("sqlite3", filepath.Join(t.TempDir(), "registry.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestCreateAndGetUser(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	user, err := r.CreateUser(ctx, "alice", "salt", "hash")
	require.NoError(t, err)
	assert.NotZero(t, user.ID)
	assert.Equal(t, "alice", user.Username)

	got, err := r.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, "salt", got.PasswordSalt)
	assert.Equal(t, "hash", got.PasswordHash)

	byID, err := r.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.CreateUser(ctx, "alice", "s1", "h1")
	require.NoError(t, err)

	_, err = r.CreateUser(ctx, "alice", "s2", "h2")
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestGetUserNotFound(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.GetUser(context.Background(), 404)
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = r.GetUserByUsername(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUpdateUser(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	user, err := r.CreateUser(ctx, "alice", "salt", "hash")
	require.NoError(t, err)
	_, err = r.CreateUser(ctx, "bob", "salt", "hash")
	require.NoError(t, err)

	// Rename plus password change.
	updated, err := r.UpdateUser(ctx, user.ID, "alice2", "salt2", "hash2")
	require.NoError(t, err)
	assert.Equal(t, "alice2", updated.Username)
	assert.Equal(t, "hash2", updated.PasswordHash)

	// Taking bob's name fails.
	_, err = r.UpdateUser(ctx, user.ID, "bob", "", "")
	assert.ErrorIs(t, err, ErrUsernameTaken)

	// Keeping your own name is not a collision.
	kept, err := r.UpdateUser(ctx, user.ID, "alice2", "", "")
	require.NoError(t, err)
	assert.Equal(t, "hash2", kept.PasswordHash, "empty hash keeps the old password")
}

func TestDashSessionLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	user, err := r.CreateUser(ctx, "alice", "salt", "hash")
	require.NoError(t, err)

	sess, err := r.CreateDashSession(ctx, user.ID, "1.2.3.4", "curl/8")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)

	got, err := r.GetDashSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.UserID)
	assert.Equal(t, "1.2.3.4", got.IP)

	list, err := r.ListDashSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, r.DeleteDashSession(ctx, sess.ID))
	_, err = r.GetDashSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDeleteAllDashSessions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	user, err := r.CreateUser(ctx, "alice", "salt", "hash")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := r.CreateDashSession(ctx, user.ID, "1.2.3.4", "curl/8")
		require.NoError(t, err)
	}

	require.NoError(t, r.DeleteAllDashSessions(ctx, user.ID))
	list, err := r.ListDashSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteExpiredDashSessions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	user, err := r.CreateUser(ctx, "alice", "salt", "hash")
	require.NoError(t, err)
	sess, err := r.CreateDashSession(ctx, user.ID, "", "")
	require.NoError(t, err)

	// Nothing is older than an hour yet.
	n, err := r.DeleteExpiredDashSessions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A negative max age puts the cutoff in the future, expiring
	// everything.
	n, err = r.DeleteExpiredDashSessions(ctx, -time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = r.GetDashSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCreateAppGeneratesDistinctKeys(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	user, err := r.CreateUser(ctx, "alice", "salt", "hash")
	require.NoError(t, err)

	app, err := r.CreateApp(ctx, user.ID, "blog", "my blog")
	require.NoError(t, err)
	assert.NotZero(t, app.ID)
	assert.NotEmpty(t, app.AudienceKey)
	assert.NotEmpty(t, app.TelemetryKey)
	assert.NotEqual(t, app.AudienceKey, app.TelemetryKey)

	byAudience, err := r.GetAppByAudienceKey(ctx, app.AudienceKey)
	require.NoError(t, err)
	assert.Equal(t, app.ID, byAudience.ID)

	byTelemetry, err := r.GetAppByTelemetryKey(ctx, app.TelemetryKey)
	require.NoError(t, err)
	assert.Equal(t, app.ID, byTelemetry.ID)

	// Keys do not cross over.
	_, err = r.GetAppByAudienceKey(ctx, app.TelemetryKey)
	assert.ErrorIs(t, err, ErrAppNotFound)
}

func TestListAppsIncludesShared(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	alice, err := r.CreateUser(ctx, "alice", "s", "h")
	require.NoError(t, err)
	bob, err := r.CreateUser(ctx, "bob", "s", "h")
	require.NoError(t, err)

	mine, err := r.CreateApp(ctx, alice.ID, "mine", "")
	require.NoError(t, err)
	shared, err := r.CreateApp(ctx, bob.ID, "shared", "")
	require.NoError(t, err)
	_, err = r.CreateApp(ctx, bob.ID, "private", "")
	require.NoError(t, err)

	require.NoError(t, r.SetPermission(ctx, shared.ID, alice.ID, PermissionView))

	apps, err := r.ListApps(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	ids := []int64{apps[0].ID, apps[1].ID}
	assert.Contains(t, ids, mine.ID)
	assert.Contains(t, ids, shared.ID)
}

func TestUpdateAndDeleteApp(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	user, err := r.CreateUser(ctx, "alice", "s", "h")
	require.NoError(t, err)
	app, err := r.CreateApp(ctx, user.ID, "blog", "")
	require.NoError(t, err)

	updated, err := r.UpdateApp(ctx, app.ID, "site", "now a site")
	require.NoError(t, err)
	assert.Equal(t, "site", updated.Name)
	assert.Equal(t, app.AudienceKey, updated.AudienceKey, "keys survive renames")

	require.NoError(t, r.DeleteApp(ctx, app.ID))
	_, err = r.GetApp(ctx, app.ID)
	assert.ErrorIs(t, err, ErrAppNotFound)
}

func TestPermissions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	alice, err := r.CreateUser(ctx, "alice", "s", "h")
	require.NoError(t, err)
	bob, err := r.CreateUser(ctx, "bob", "s", "h")
	require.NoError(t, err)
	app, err := r.CreateApp(ctx, alice.ID, "blog", "")
	require.NoError(t, err)

	// No grant yet.
	perm, err := r.GetPermission(ctx, app.ID, bob.ID)
	require.NoError(t, err)
	assert.Zero(t, perm)

	require.NoError(t, r.SetPermission(ctx, app.ID, bob.ID, PermissionView))
	perm, err = r.GetPermission(ctx, app.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, PermissionView, perm)

	// Upgrading replaces the old grant.
	require.NoError(t, r.SetPermission(ctx, app.ID, bob.ID, PermissionEdit))
	perm, err = r.GetPermission(ctx, app.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, PermissionEdit, perm)

	list, err := r.ListPermissions(ctx, app.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "bob", list[0].Username)
	assert.Equal(t, PermissionEdit, list[0].Permissions)

	require.NoError(t, r.RevokePermission(ctx, app.ID, bob.ID))
	perm, err = r.GetPermission(ctx, app.ID, bob.ID)
	require.NoError(t, err)
	assert.Zero(t, perm)
}

func TestPingSurfacesConnectionErrors(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	r := NewRegistryWithDB(db, "postgres")

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users`).
		WillReturnError(assert.AnError)

	_, err = r.CreateUser(context.Background(), "alice", "s", "h")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
