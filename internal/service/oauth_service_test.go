package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/passage-auth/internal/adapter/oauth"
	"github.com/smallbiznis/passage-auth/internal/domain"
	"github.com/smallbiznis/passage-auth/internal/service"
)

type scriptedProvider struct {
	mu       sync.Mutex
	failures int
	fatal    bool
	identity domain.ExternalIdentity
	calls    int
}

func (p *scriptedProvider) AuthorizationURL(state string) string {
	return "https://provider.example/authorize?state=" + state
}

func (p *scriptedProvider) Exchange(ctx context.Context, code string) (domain.ExternalIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fatal {
		return domain.ExternalIdentity{}, fmt.Errorf("%w: token endpoint status 400", domain.ErrTokenInvalid)
	}
	if p.failures > 0 {
		p.failures--
		return domain.ExternalIdentity{}, fmt.Errorf("%w: token endpoint status 503", domain.ErrProviderUnavailable)
	}
	return p.identity, nil
}

type oauthFixture struct {
	svc        *service.OAuthLinkService
	sessions   *service.SessionManager
	states     *memStateRepo
	identities *memIdentityRepo
	users      *memUserRepo
	provider   *scriptedProvider
}

func newOAuthFixture(t *testing.T) *oauthFixture {
	t.Helper()
	cfg := testConfig()
	users := newMemUserRepo()
	states := newMemStateRepo()
	identities := &memIdentityRepo{}
	provider := &scriptedProvider{identity: domain.ExternalIdentity{
		Provider: "google",
		Subject:  "sub-123",
		Email:    "person@example.com",
		Name:     "Person",
	}}
	node := testNode()
	hasher := testHasher()
	sessions := service.NewSessionManager(newMemSessionRepo(), users, node, hasher, cfg, zap.NewNop())
	svc := service.NewOAuthLinkService(states, identities, users, sessions,
		map[string]oauth.ProviderClient{"google": provider}, node, cfg, zap.NewNop())
	return &oauthFixture{svc: svc, sessions: sessions, states: states, identities: identities, users: users, provider: provider}
}

func TestOAuthLoginFlow(t *testing.T) {
	ctx := context.Background()
	f := newOAuthFixture(t)
	dcfg := testDomain(1, domain.MethodGoogle)

	start, err := f.svc.Start(ctx, dcfg, "google", domain.PurposeLogin, nil)
	require.NoError(t, err)
	require.Contains(t, start.RedirectURL, start.StateID)

	state, err := f.svc.Exchange(ctx, dcfg, "google", start.StateID, "auth-code")
	require.NoError(t, err)
	require.Equal(t, domain.StateExchanged, state.Status)
	require.Equal(t, "sub-123", state.Subject)

	issued, err := f.svc.Complete(ctx, dcfg, "google", start.StateID, domain.PurposeLogin)
	require.NoError(t, err)
	require.NotEmpty(t, issued.AccessToken)

	principal, err := f.sessions.Introspect(ctx, dcfg.ID, issued.AccessToken)
	require.NoError(t, err)
	require.Equal(t, issued.Session.UserID, principal.UserID)

	count, err := f.identities.CountByUser(ctx, principal.UserID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestOAuthRetryAfterProviderOutage(t *testing.T) {
	ctx := context.Background()
	f := newOAuthFixture(t)
	f.provider.failures = 1
	dcfg := testDomain(1, domain.MethodGoogle)

	start, err := f.svc.Start(ctx, dcfg, "google", domain.PurposeLogin, nil)
	require.NoError(t, err)

	_, err = f.svc.Exchange(ctx, dcfg, "google", start.StateID, "auth-code")
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)

	// The state is still pending, so the same state token retries.
	state, err := f.svc.Exchange(ctx, dcfg, "google", start.StateID, "auth-code")
	require.NoError(t, err)
	require.Equal(t, domain.StateExchanged, state.Status)
	require.Equal(t, 2, f.provider.calls)
}

func TestOAuthFatalProviderRejectionBurnsState(t *testing.T) {
	ctx := context.Background()
	f := newOAuthFixture(t)
	f.provider.fatal = true
	dcfg := testDomain(1, domain.MethodGoogle)

	start, err := f.svc.Start(ctx, dcfg, "google", domain.PurposeLogin, nil)
	require.NoError(t, err)

	_, err = f.svc.Exchange(ctx, dcfg, "google", start.StateID, "bad-code")
	require.ErrorIs(t, err, domain.ErrTokenInvalid)

	state, err := f.states.Get(ctx, start.StateID)
	require.NoError(t, err)
	require.Equal(t, domain.StateExpired, state.Status)

	// The burned state cannot be retried with a fresh code.
	f.provider.fatal = false
	_, err = f.svc.Exchange(ctx, dcfg, "google", start.StateID, "good-code")
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestOAuthExchangeUnknownState(t *testing.T) {
	ctx := context.Background()
	f := newOAuthFixture(t)
	dcfg := testDomain(1, domain.MethodGoogle)

	_, err := f.svc.Exchange(ctx, dcfg, "google", "no-such-state", "auth-code")
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestOAuthExchangeReplayFails(t *testing.T) {
	ctx := context.Background()
	f := newOAuthFixture(t)
	dcfg := testDomain(1, domain.MethodGoogle)

	start, err := f.svc.Start(ctx, dcfg, "google", domain.PurposeLogin, nil)
	require.NoError(t, err)

	_, err = f.svc.Exchange(ctx, dcfg, "google", start.StateID, "auth-code")
	require.NoError(t, err)

	_, err = f.svc.Exchange(ctx, dcfg, "google", start.StateID, "auth-code")
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestOAuthExpiredStateMovesToExpired(t *testing.T) {
	ctx := context.Background()
	f := newOAuthFixture(t)
	dcfg := testDomain(1, domain.MethodGoogle)

	start, err := f.svc.Start(ctx, dcfg, "google", domain.PurposeLogin, nil)
	require.NoError(t, err)

	f.states.mu.Lock()
	f.states.states[start.StateID].ExpiresAt = time.Now().Add(-time.Minute)
	f.states.mu.Unlock()

	_, err = f.svc.Exchange(ctx, dcfg, "google", start.StateID, "auth-code")
	require.ErrorIs(t, err, domain.ErrTokenExpired)

	state, err := f.states.Get(ctx, start.StateID)
	require.NoError(t, err)
	require.Equal(t, domain.StateExpired, state.Status)
}

func TestOAuthCompleteWrongPurpose(t *testing.T) {
	ctx := context.Background()
	f := newOAuthFixture(t)
	dcfg := testDomain(1, domain.MethodGoogle)

	start, err := f.svc.Start(ctx, dcfg, "google", domain.PurposeLogin, nil)
	require.NoError(t, err)
	_, err = f.svc.Exchange(ctx, dcfg, "google", start.StateID, "auth-code")
	require.NoError(t, err)

	// A login state cannot be spent through the link-confirmation path.
	_, err = f.svc.Complete(ctx, dcfg, "google", start.StateID, domain.PurposeLink)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	// The state survives the refusal and still completes as a login.
	issued, err := f.svc.Complete(ctx, dcfg, "google", start.StateID, domain.PurposeLogin)
	require.NoError(t, err)
	require.NotEmpty(t, issued.AccessToken)
}

func TestOAuthCompleteWrongDomain(t *testing.T) {
	ctx := context.Background()
	f := newOAuthFixture(t)
	dcfg := testDomain(1, domain.MethodGoogle)
	other := testDomain(2, domain.MethodGoogle)

	start, err := f.svc.Start(ctx, dcfg, "google", domain.PurposeLogin, nil)
	require.NoError(t, err)
	_, err = f.svc.Exchange(ctx, dcfg, "google", start.StateID, "auth-code")
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, other, "google", start.StateID, domain.PurposeLogin)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestOAuthLinkAttachesIdentity(t *testing.T) {
	ctx := context.Background()
	f := newOAuthFixture(t)
	dcfg := testDomain(1, domain.MethodGoogle)

	user, err := f.users.Upsert(ctx, domain.User{ID: 42, Email: "existing@example.com"})
	require.NoError(t, err)

	start, err := f.svc.Start(ctx, dcfg, "google", domain.PurposeLink, &user.ID)
	require.NoError(t, err)
	_, err = f.svc.Exchange(ctx, dcfg, "google", start.StateID, "auth-code")
	require.NoError(t, err)

	issued, err := f.svc.Complete(ctx, dcfg, "google", start.StateID, domain.PurposeLink)
	require.NoError(t, err)
	require.Empty(t, issued.AccessToken)

	count, err := f.identities.CountByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestOAuthStartLinkRequiresUser(t *testing.T) {
	ctx := context.Background()
	f := newOAuthFixture(t)
	dcfg := testDomain(1, domain.MethodGoogle)

	_, err := f.svc.Start(ctx, dcfg, "google", domain.PurposeLink, nil)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestOAuthStartMethodDisabled(t *testing.T) {
	ctx := context.Background()
	f := newOAuthFixture(t)
	dcfg := testDomain(1, domain.MethodMagicLink)

	_, err := f.svc.Start(ctx, dcfg, "google", domain.PurposeLogin, nil)
	require.ErrorIs(t, err, domain.ErrMethodDisabled)
}

func TestOAuthUnlinkLastMethodRefused(t *testing.T) {
	ctx := context.Background()
	f := newOAuthFixture(t)
	// Google only; unlinking the sole identity would strand the user.
	dcfg := testDomain(1, domain.MethodGoogle)

	user, err := f.users.Upsert(ctx, domain.User{ID: 42, Email: "existing@example.com"})
	require.NoError(t, err)
	require.NoError(t, f.identities.Upsert(ctx, domain.OAuthIdentity{
		ID: 1, UserID: user.ID, DomainID: dcfg.ID, Provider: "google", Subject: "sub-123",
	}))

	start, err := f.svc.Start(ctx, dcfg, "google", domain.PurposeUnlink, &user.ID)
	require.NoError(t, err)

	err = f.svc.Unlink(ctx, dcfg, "google", start.StateID, user.ID, "sub-123")
	require.ErrorIs(t, err, domain.ErrLastAuthMethod)

	count, err := f.identities.CountByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestOAuthUnlinkWithFallbackMethod(t *testing.T) {
	ctx := context.Background()
	f := newOAuthFixture(t)
	dcfg := testDomain(1, domain.MethodMagicLink, domain.MethodGoogle)

	user, err := f.users.Upsert(ctx, domain.User{ID: 42, Email: "existing@example.com"})
	require.NoError(t, err)
	require.NoError(t, f.identities.Upsert(ctx, domain.OAuthIdentity{
		ID: 1, UserID: user.ID, DomainID: dcfg.ID, Provider: "google", Subject: "sub-123",
	}))

	start, err := f.svc.Start(ctx, dcfg, "google", domain.PurposeUnlink, &user.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Unlink(ctx, dcfg, "google", start.StateID, user.ID, "sub-123"))

	count, err := f.identities.CountByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, 0, count)

	state, err := f.states.Get(ctx, start.StateID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, state.Status)

	// A completed unlink state cannot be replayed.
	require.ErrorIs(t, f.svc.Unlink(ctx, dcfg, "google", start.StateID, user.ID, "sub-123"), domain.ErrInvalidState)
}
