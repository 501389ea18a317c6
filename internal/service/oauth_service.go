package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/passage-auth/internal/adapter/oauth"
	"github.com/smallbiznis/passage-auth/internal/config"
	"github.com/smallbiznis/passage-auth/internal/domain"
	"github.com/smallbiznis/passage-auth/internal/repository"
)

// OAuthLinkService drives the two-phase external provider flow. Phase one
// (Exchange) redeems the authorization code and records the identity on the
// state row; phase two (Complete) applies the account change. A retryable
// provider failure leaves the state pending so the same state token can be
// retried without restarting the flow.
type OAuthLinkService struct {
	states     repository.OAuthStateRepository
	identities repository.IdentityRepository
	users      repository.UserRepository
	sessions   *SessionManager
	providers  map[string]oauth.ProviderClient
	node       *snowflake.Node
	cfg        config.Config
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewOAuthLinkService wires dependencies. providers maps method name to the
// outbound client for that provider.
func NewOAuthLinkService(states repository.OAuthStateRepository, identities repository.IdentityRepository, users repository.UserRepository, sessions *SessionManager, providers map[string]oauth.ProviderClient, node *snowflake.Node, cfg config.Config, logger *zap.Logger) *OAuthLinkService {
	return &OAuthLinkService{
		states:     states,
		identities: identities,
		users:      users,
		sessions:   sessions,
		providers:  providers,
		node:       node,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
}

// StartResult is what the caller needs to redirect the browser.
type StartResult struct {
	StateID     string
	RedirectURL string
}

// Start mints a pending state and returns the provider authorization URL.
// Link and unlink purposes require the initiating user.
func (s *OAuthLinkService) Start(ctx context.Context, dcfg domain.DomainConfig, provider string, purpose domain.OAuthStatePurpose, linkingUserID *int64) (StartResult, error) {
	ctx, span := startSpan(s.tracer, ctx, "OAuthLinkService.Start")
	defer span.End()

	client, err := s.client(dcfg, provider)
	if err != nil {
		return StartResult{}, err
	}
	switch purpose {
	case domain.PurposeLogin:
	case domain.PurposeLink, domain.PurposeUnlink:
		if linkingUserID == nil {
			return StartResult{}, fmt.Errorf("%w: purpose %s requires a user", domain.ErrValidation, purpose)
		}
	default:
		return StartResult{}, fmt.Errorf("%w: unknown purpose", domain.ErrValidation)
	}

	state := domain.OAuthState{
		StateID:       uuid.NewString(),
		DomainID:      dcfg.ID,
		Purpose:       purpose,
		Status:        domain.StatePending,
		LinkingUserID: linkingUserID,
		ExpiresAt:     s.now().Add(s.cfg.OAuthStateTTL),
	}
	if err := s.states.Create(ctx, state); err != nil {
		span.RecordError(err)
		return StartResult{}, fmt.Errorf("persist oauth state: %w", err)
	}

	audit(s.logger, "oauth.started", "domain_id", dcfg.ID, "provider", provider, "purpose", string(purpose))
	return StartResult{StateID: state.StateID, RedirectURL: client.AuthorizationURL(state.StateID)}, nil
}

// Exchange redeems the authorization code against the provider and moves the
// state pending -> exchanged, recording the external identity on the row.
// Provider unavailability leaves the state pending; expiry moves it to
// expired before failing.
func (s *OAuthLinkService) Exchange(ctx context.Context, dcfg domain.DomainConfig, provider, stateID, code string) (domain.OAuthState, error) {
	ctx, span := startSpan(s.tracer, ctx, "OAuthLinkService.Exchange")
	defer span.End()

	client, err := s.client(dcfg, provider)
	if err != nil {
		return domain.OAuthState{}, err
	}
	state, err := s.loadState(ctx, dcfg, stateID)
	if err != nil {
		return domain.OAuthState{}, err
	}
	if state.Status != domain.StatePending {
		return domain.OAuthState{}, domain.ErrInvalidState
	}
	if expired, err := s.expireIfDue(ctx, state); expired || err != nil {
		if err != nil {
			return domain.OAuthState{}, err
		}
		return domain.OAuthState{}, domain.ErrTokenExpired
	}
	if strings.TrimSpace(code) == "" {
		return domain.OAuthState{}, fmt.Errorf("%w: code", domain.ErrValidation)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	identity, err := client.Exchange(callCtx, code)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrProviderUnavailable) {
			// The state stays pending so the same state token can be
			// retried once the provider recovers.
			return domain.OAuthState{}, err
		}
		// The provider definitively rejected the code; the attempt is dead.
		if terr := s.states.Transition(ctx, stateID, domain.StatePending, domain.StateExpired); terr != nil && !errors.Is(terr, domain.ErrInvalidState) {
			return domain.OAuthState{}, terr
		}
		return domain.OAuthState{}, err
	}

	exchanged, err := s.states.MarkExchanged(ctx, stateID, identity)
	if err != nil {
		span.RecordError(err)
		return domain.OAuthState{}, err
	}

	audit(s.logger, "oauth.exchanged", "domain_id", dcfg.ID, "provider", provider, "purpose", string(exchanged.Purpose))
	return exchanged, nil
}

// Complete applies the exchanged state: login issues a session for the
// (possibly new) user, link attaches the identity to the initiating user.
// The caller names the purpose it expects, so a link state cannot be spent
// through the login endpoint or vice versa. The state is claimed
// exchanged -> completed first, so a concurrent duplicate completion loses
// with ErrInvalidState.
func (s *OAuthLinkService) Complete(ctx context.Context, dcfg domain.DomainConfig, provider, stateID string, expect domain.OAuthStatePurpose) (domain.IssuedSession, error) {
	ctx, span := startSpan(s.tracer, ctx, "OAuthLinkService.Complete")
	defer span.End()

	if _, err := s.client(dcfg, provider); err != nil {
		return domain.IssuedSession{}, err
	}
	state, err := s.loadState(ctx, dcfg, stateID)
	if err != nil {
		return domain.IssuedSession{}, err
	}
	if state.Status != domain.StateExchanged || state.Purpose != expect {
		return domain.IssuedSession{}, domain.ErrInvalidState
	}
	if expired, err := s.expireIfDue(ctx, state); expired || err != nil {
		if err != nil {
			return domain.IssuedSession{}, err
		}
		return domain.IssuedSession{}, domain.ErrTokenExpired
	}

	if err := s.states.Transition(ctx, stateID, domain.StateExchanged, domain.StateCompleted); err != nil {
		span.RecordError(err)
		return domain.IssuedSession{}, err
	}

	switch state.Purpose {
	case domain.PurposeLogin:
		return s.completeLogin(ctx, dcfg, provider, state)
	case domain.PurposeLink:
		return domain.IssuedSession{}, s.completeLink(ctx, dcfg, provider, state)
	default:
		return domain.IssuedSession{}, domain.ErrInvalidState
	}
}

// Unlink detaches a provider identity via a pending unlink state. No provider
// round trip is involved; the state moves pending -> completed directly. An
// unlink that would leave the user with no sign-in method is refused.
func (s *OAuthLinkService) Unlink(ctx context.Context, dcfg domain.DomainConfig, provider, stateID string, userID int64, subject string) error {
	ctx, span := startSpan(s.tracer, ctx, "OAuthLinkService.Unlink")
	defer span.End()

	if _, err := s.client(dcfg, provider); err != nil {
		return err
	}
	state, err := s.loadState(ctx, dcfg, stateID)
	if err != nil {
		return err
	}
	if state.Purpose != domain.PurposeUnlink || state.Status != domain.StatePending {
		return domain.ErrInvalidState
	}
	if state.LinkingUserID == nil || *state.LinkingUserID != userID {
		return domain.ErrInvalidState
	}
	if expired, err := s.expireIfDue(ctx, state); expired || err != nil {
		if err != nil {
			return err
		}
		return domain.ErrTokenExpired
	}

	count, err := s.identities.CountByUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("count identities: %w", err)
	}
	if count <= 1 && !dcfg.HasMethod(domain.MethodMagicLink) {
		return domain.ErrLastAuthMethod
	}

	if err := s.states.Transition(ctx, stateID, domain.StatePending, domain.StateCompleted); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.identities.Delete(ctx, userID, provider, subject); err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete identity: %w", err)
	}

	audit(s.logger, "oauth.unlinked", "domain_id", dcfg.ID, "provider", provider, "user_id", userID)
	return nil
}

func (s *OAuthLinkService) completeLogin(ctx context.Context, dcfg domain.DomainConfig, provider string, state domain.OAuthState) (domain.IssuedSession, error) {
	user, err := s.users.Upsert(ctx, domain.User{
		ID:    s.node.Generate().Int64(),
		Email: strings.ToLower(state.Email),
	})
	if err != nil {
		return domain.IssuedSession{}, fmt.Errorf("upsert user: %w", err)
	}
	if err := s.upsertIdentity(ctx, dcfg, provider, user.ID, state); err != nil {
		return domain.IssuedSession{}, err
	}

	issued, err := s.sessions.Issue(ctx, user.ID, dcfg.ID)
	if err != nil {
		return domain.IssuedSession{}, err
	}
	audit(s.logger, "oauth.login", "domain_id", dcfg.ID, "provider", provider, "user_id", user.ID)
	return issued, nil
}

func (s *OAuthLinkService) completeLink(ctx context.Context, dcfg domain.DomainConfig, provider string, state domain.OAuthState) error {
	if state.LinkingUserID == nil {
		return domain.ErrInvalidState
	}
	if _, err := s.users.GetByID(ctx, *state.LinkingUserID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrUserNotFound
		}
		return err
	}
	if err := s.upsertIdentity(ctx, dcfg, provider, *state.LinkingUserID, state); err != nil {
		return err
	}
	audit(s.logger, "oauth.linked", "domain_id", dcfg.ID, "provider", provider, "user_id", *state.LinkingUserID)
	return nil
}

func (s *OAuthLinkService) upsertIdentity(ctx context.Context, dcfg domain.DomainConfig, provider string, userID int64, state domain.OAuthState) error {
	identity := domain.OAuthIdentity{
		ID:       s.node.Generate().Int64(),
		UserID:   userID,
		DomainID: dcfg.ID,
		Provider: provider,
		Subject:  state.Subject,
		Email:    strings.ToLower(state.Email),
	}
	if err := s.identities.Upsert(ctx, identity); err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

func (s *OAuthLinkService) client(dcfg domain.DomainConfig, provider string) (oauth.ProviderClient, error) {
	if !dcfg.HasMethod(provider) {
		return nil, domain.ErrMethodDisabled
	}
	client, ok := s.providers[provider]
	if !ok {
		return nil, domain.ErrMethodDisabled
	}
	return client, nil
}

func (s *OAuthLinkService) loadState(ctx context.Context, dcfg domain.DomainConfig, stateID string) (domain.OAuthState, error) {
	if strings.TrimSpace(stateID) == "" {
		return domain.OAuthState{}, domain.ErrInvalidState
	}
	state, err := s.states.Get(ctx, stateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OAuthState{}, domain.ErrInvalidState
		}
		return domain.OAuthState{}, err
	}
	if state.DomainID != dcfg.ID {
		return domain.OAuthState{}, domain.ErrInvalidState
	}
	return state, nil
}

// expireIfDue moves an overdue state to expired. The transition is best
// effort; a concurrent mover losing the race is fine because the caller
// fails with ErrTokenExpired either way.
func (s *OAuthLinkService) expireIfDue(ctx context.Context, state domain.OAuthState) (bool, error) {
	if state.ExpiresAt.After(s.now().Add(-s.cfg.ClockSkew)) {
		return false, nil
	}
	if err := s.states.Transition(ctx, state.StateID, state.Status, domain.StateExpired); err != nil && !errors.Is(err, domain.ErrInvalidState) {
		return true, err
	}
	return true, nil
}
