package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/passage-auth/internal/domain"
	"github.com/smallbiznis/passage-auth/internal/service"
)

func newSessionFixture(t *testing.T) (*service.SessionManager, *memSessionRepo, *memUserRepo) {
	t.Helper()
	users := newMemUserRepo()
	sessions := newMemSessionRepo()
	manager := service.NewSessionManager(sessions, users, testNode(), testHasher(), testConfig(), zap.NewNop())
	return manager, sessions, users
}

func TestSessionIssueAndIntrospect(t *testing.T) {
	ctx := context.Background()
	manager, _, _ := newSessionFixture(t)

	issued, err := manager.Issue(ctx, 42, 1)
	require.NoError(t, err)
	require.NotEmpty(t, issued.AccessToken)
	require.NotEmpty(t, issued.RefreshToken)
	require.NotEqual(t, issued.AccessToken, issued.RefreshToken)

	principal, err := manager.Introspect(ctx, 1, issued.AccessToken)
	require.NoError(t, err)
	require.Equal(t, int64(42), principal.UserID)
	require.Equal(t, issued.Session.SessionID, principal.SessionID)
}

func TestSessionTokensAreDomainBound(t *testing.T) {
	ctx := context.Background()
	manager, _, _ := newSessionFixture(t)

	issued, err := manager.Issue(ctx, 42, 1)
	require.NoError(t, err)

	// The same raw token hashes differently under another tenant's key.
	_, err = manager.Introspect(ctx, 2, issued.AccessToken)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestSessionRefreshRotatesAndBlocksReplay(t *testing.T) {
	ctx := context.Background()
	manager, _, _ := newSessionFixture(t)

	issued, err := manager.Issue(ctx, 42, 1)
	require.NoError(t, err)

	rotated, err := manager.Refresh(ctx, 1, issued.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, issued.AccessToken, rotated.AccessToken)
	require.NotEqual(t, issued.RefreshToken, rotated.RefreshToken)

	// The pre-rotation pair is dead.
	_, err = manager.Introspect(ctx, 1, issued.AccessToken)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = manager.Refresh(ctx, 1, issued.RefreshToken)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	// The rotated pair works.
	principal, err := manager.Introspect(ctx, 1, rotated.AccessToken)
	require.NoError(t, err)
	require.Equal(t, int64(42), principal.UserID)
}

func TestSessionLogoutRevokes(t *testing.T) {
	ctx := context.Background()
	manager, _, _ := newSessionFixture(t)

	issued, err := manager.Issue(ctx, 42, 1)
	require.NoError(t, err)

	require.NoError(t, manager.Logout(ctx, 1, issued.AccessToken))

	_, err = manager.Introspect(ctx, 1, issued.AccessToken)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = manager.Refresh(ctx, 1, issued.RefreshToken)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestSessionAccessTokenFreshnessWindow(t *testing.T) {
	ctx := context.Background()
	manager, sessions, _ := newSessionFixture(t)

	issued, err := manager.Issue(ctx, 42, 1)
	require.NoError(t, err)

	// Age the session past the access freshness window but inside the
	// refresh window.
	sessions.mu.Lock()
	stored := sessions.sessions[issued.Session.SessionID]
	stored.IssuedAt = time.Now().Add(-2 * time.Hour)
	sessions.mu.Unlock()

	_, err = manager.Introspect(ctx, 1, issued.AccessToken)
	require.ErrorIs(t, err, domain.ErrTokenExpired)

	// Refresh still works and restores access.
	rotated, err := manager.Refresh(ctx, 1, issued.RefreshToken)
	require.NoError(t, err)
	_, err = manager.Introspect(ctx, 1, rotated.AccessToken)
	require.NoError(t, err)
}

func TestSessionDeleteAccount(t *testing.T) {
	ctx := context.Background()
	manager, _, users := newSessionFixture(t)

	user, err := users.Upsert(ctx, domain.User{ID: 42, Email: "user@example.com"})
	require.NoError(t, err)

	issued, err := manager.Issue(ctx, user.ID, 1)
	require.NoError(t, err)

	require.NoError(t, manager.DeleteAccount(ctx, 1, issued.AccessToken))
	require.Equal(t, []int64{user.ID}, users.deleted)
}

func TestSessionEmptyTokensRejected(t *testing.T) {
	ctx := context.Background()
	manager, _, _ := newSessionFixture(t)

	_, err := manager.Introspect(ctx, 1, "")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = manager.Refresh(ctx, 1, "")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}
