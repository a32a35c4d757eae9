package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zquestz/nexus/internal/nexuserr"
	"github.com/zquestz/nexus/internal/permission"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nexus.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func errKind(t *testing.T, err error) nexuserr.Kind {
	t.Helper()
	var e *nexuserr.Error
	require.ErrorAs(t, err, &e)
	return e.Kind
}

func TestMigrationsApplyTwiceIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexus.db")
	s1, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()

	n, err := s2.CountUsers(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCreateUserCaseInsensitiveUniqueness(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.CreateUser(ctx, CreateUserParams{
		Username: "Alice", PasswordHash: "h1", IsAdmin: true, Enabled: true, CreatedAt: 1,
	})
	require.NoError(t, err)

	_, err = s.CreateUser(ctx, CreateUserParams{
		Username: "ALICE", PasswordHash: "h2", Enabled: true, CreatedAt: 2,
	})
	require.Error(t, err)
	require.Equal(t, nexuserr.KindUsernameExists, errKind(t, err))

	got, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "Alice", got.Username)
}

func TestDeleteLastAdminFails(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.CreateUser(ctx, CreateUserParams{
		Username: "Alice", PasswordHash: "h", IsAdmin: true, Enabled: true, CreatedAt: 1,
	})
	require.NoError(t, err)

	err = s.DeleteUser(ctx, "Alice")
	require.Error(t, err)
	require.Equal(t, nexuserr.KindCannotDeleteLastAdmin, errKind(t, err))
}

func TestDisableLastAdminFails(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.CreateUser(ctx, CreateUserParams{
		Username: "Alice", PasswordHash: "h", IsAdmin: true, Enabled: true, CreatedAt: 1,
	})
	require.NoError(t, err)

	disabled := false
	_, err = s.EditUser(ctx, "Alice", EditUserParams{Enabled: &disabled})
	require.Error(t, err)
	require.Equal(t, nexuserr.KindCannotDisableLastAdmin, errKind(t, err))
}

func TestDemoteLastAdminFails(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.CreateUser(ctx, CreateUserParams{
		Username: "Alice", PasswordHash: "h", IsAdmin: true, Enabled: true, CreatedAt: 1,
	})
	require.NoError(t, err)

	notAdmin := false
	_, err = s.EditUser(ctx, "Alice", EditUserParams{IsAdmin: &notAdmin})
	require.Error(t, err)
	require.Equal(t, nexuserr.KindCannotDemoteLastAdmin, errKind(t, err))
}

func TestSecondAdminAllowsDisablingFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.CreateUser(ctx, CreateUserParams{
		Username: "Alice", PasswordHash: "h", IsAdmin: true, Enabled: true, CreatedAt: 1,
	})
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, CreateUserParams{
		Username: "Dave", PasswordHash: "h", IsAdmin: true, Enabled: true, CreatedAt: 2,
	})
	require.NoError(t, err)

	disabled := false
	_, err = s.EditUser(ctx, "Alice", EditUserParams{Enabled: &disabled})
	require.NoError(t, err)
}

func TestUnknownPermissionRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.CreateUser(ctx, CreateUserParams{
		Username:    "Bob",
		PasswordHash: "h",
		Enabled:     true,
		CreatedAt:   1,
		Permissions: []permission.Permission{"not_a_real_permission"},
	})
	require.Error(t, err)
	require.Equal(t, nexuserr.KindUnknownPermission, errKind(t, err))
}

func TestTopicLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	topic, err := s.GetTopic(ctx)
	require.NoError(t, err)
	require.Equal(t, ChatTopic{}, topic)

	require.NoError(t, s.SetTopic(ctx, "welcome", "Alice"))

	topic, err = s.GetTopic(ctx)
	require.NoError(t, err)
	require.Equal(t, ChatTopic{Topic: "welcome", SetBy: "Alice"}, topic)

	require.NoError(t, s.ClearTopic(ctx))
	topic, err = s.GetTopic(ctx)
	require.NoError(t, err)
	require.Equal(t, ChatTopic{}, topic)
}

func TestConfigDefaultsAndOverrides(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	n, err := s.MaxConnectionsPerIP(ctx)
	require.NoError(t, err)
	require.Equal(t, DefaultMaxConnectionsPerIP, n)

	require.NoError(t, s.SetConfigInt(ctx, ConfigKeyMaxConnectionsPerIP, 10))
	n, err = s.MaxConnectionsPerIP(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	enabled, err := s.ChatEnabled(ctx)
	require.NoError(t, err)
	require.True(t, enabled)
}

func TestCreateThenDeleteLeavesNoStaleRows(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.CreateUser(ctx, CreateUserParams{
		Username: "Admin", PasswordHash: "h", IsAdmin: true, Enabled: true, CreatedAt: 1,
	})
	require.NoError(t, err)

	u, err := s.CreateUser(ctx, CreateUserParams{
		Username:    "Temp",
		PasswordHash: "h",
		Enabled:     true,
		CreatedAt:   2,
		Permissions: []permission.Permission{permission.ChatSend},
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteUser(ctx, "Temp"))

	_, err = s.GetUserByUsername(ctx, "Temp")
	require.Error(t, err)
	require.Equal(t, nexuserr.KindUserNotFound, errKind(t, err))

	perms, err := s.GetUserPermissions(ctx, u.ID)
	require.NoError(t, err)
	require.Empty(t, perms)
}
