package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/passage-auth/internal/config"
	"github.com/smallbiznis/passage-auth/internal/domain"
	"github.com/smallbiznis/passage-auth/internal/repository"
	"github.com/smallbiznis/passage-auth/internal/token"
)

// SessionManager issues and validates opaque session token pairs. Raw tokens
// are returned exactly once; only tenant-keyed hashes are stored.
//
// A session row's expires_at bounds the refresh window; access tokens are
// additionally fresh only for SessionTTL after the last rotation (issued_at).
type SessionManager struct {
	sessions repository.SessionRepository
	users    repository.UserRepository
	node     *snowflake.Node
	hasher   *token.Hasher
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewSessionManager wires dependencies.
func NewSessionManager(sessions repository.SessionRepository, users repository.UserRepository, node *snowflake.Node, hasher *token.Hasher, cfg config.Config, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		sessions: sessions,
		users:    users,
		node:     node,
		hasher:   hasher,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
}

// Issue creates a session for the user and returns the raw token pair.
func (m *SessionManager) Issue(ctx context.Context, userID, domainID int64) (domain.IssuedSession, error) {
	ctx, span := startSpan(m.tracer, ctx, "SessionManager.Issue")
	defer span.End()

	access, err := token.NewRaw()
	if err != nil {
		return domain.IssuedSession{}, err
	}
	refresh, err := token.NewRaw()
	if err != nil {
		return domain.IssuedSession{}, err
	}

	now := m.now()
	session := domain.Session{
		SessionID:        m.node.Generate().Int64(),
		UserID:           userID,
		DomainID:         domainID,
		AccessTokenHash:  m.hasher.Hash(domainID, access),
		RefreshTokenHash: m.hasher.Hash(domainID, refresh),
		IssuedAt:         now,
		ExpiresAt:        now.Add(m.cfg.RefreshTokenTTL),
	}

	created, err := m.sessions.Create(ctx, session)
	if err != nil {
		span.RecordError(err)
		return domain.IssuedSession{}, fmt.Errorf("persist session: %w", err)
	}

	audit(m.logger, "session.issued", "domain_id", domainID, "user_id", userID, "session_id", created.SessionID)
	return domain.IssuedSession{Session: created, AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh rotates the token pair keyed on the presented refresh token. A
// replayed refresh token matches no row and fails ErrUnauthorized; the
// concurrent winner keeps the only valid pair.
func (m *SessionManager) Refresh(ctx context.Context, domainID int64, rawRefresh string) (domain.IssuedSession, error) {
	ctx, span := startSpan(m.tracer, ctx, "SessionManager.Refresh")
	defer span.End()

	if rawRefresh == "" {
		return domain.IssuedSession{}, domain.ErrUnauthorized
	}

	access, err := token.NewRaw()
	if err != nil {
		return domain.IssuedSession{}, err
	}
	refresh, err := token.NewRaw()
	if err != nil {
		return domain.IssuedSession{}, err
	}

	now := m.now()
	rotated, err := m.sessions.Rotate(ctx,
		m.hasher.Hash(domainID, rawRefresh),
		m.hasher.Hash(domainID, access),
		m.hasher.Hash(domainID, refresh),
		now.Add(m.cfg.RefreshTokenTTL),
		now,
		m.cfg.ClockSkew,
	)
	if err != nil {
		span.RecordError(err)
		return domain.IssuedSession{}, err
	}
	if rotated.DomainID != domainID {
		return domain.IssuedSession{}, domain.ErrUnauthorized
	}

	audit(m.logger, "session.refreshed", "domain_id", domainID, "session_id", rotated.SessionID)
	return domain.IssuedSession{Session: rotated, AccessToken: access, RefreshToken: refresh}, nil
}

// Introspect resolves an access token to its principal. Revoked sessions,
// expired sessions, and access tokens older than the freshness window all
// fail closed.
func (m *SessionManager) Introspect(ctx context.Context, domainID int64, rawAccess string) (domain.Principal, error) {
	ctx, span := startSpan(m.tracer, ctx, "SessionManager.Introspect")
	defer span.End()

	session, err := m.resolve(ctx, domainID, rawAccess)
	if err != nil {
		return domain.Principal{}, err
	}
	return domain.Principal{
		UserID:    session.UserID,
		DomainID:  session.DomainID,
		SessionID: session.SessionID,
	}, nil
}

// Logout revokes the session behind the access token. Revoking an already
// revoked session is a no-op.
func (m *SessionManager) Logout(ctx context.Context, domainID int64, rawAccess string) error {
	ctx, span := startSpan(m.tracer, ctx, "SessionManager.Logout")
	defer span.End()

	session, err := m.resolve(ctx, domainID, rawAccess)
	if err != nil {
		return err
	}
	if err := m.sessions.Revoke(ctx, session.SessionID, m.now()); err != nil {
		span.RecordError(err)
		return fmt.Errorf("revoke session: %w", err)
	}
	audit(m.logger, "session.revoked", "domain_id", domainID, "session_id", session.SessionID)
	return nil
}

// DeleteAccount removes the authenticated user and all dependent credentials.
func (m *SessionManager) DeleteAccount(ctx context.Context, domainID int64, rawAccess string) error {
	ctx, span := startSpan(m.tracer, ctx, "SessionManager.DeleteAccount")
	defer span.End()

	session, err := m.resolve(ctx, domainID, rawAccess)
	if err != nil {
		return err
	}
	if err := m.users.DeleteCascade(ctx, session.UserID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete account: %w", err)
	}
	audit(m.logger, "account.deleted", "domain_id", domainID, "user_id", session.UserID)
	return nil
}

func (m *SessionManager) resolve(ctx context.Context, domainID int64, rawAccess string) (domain.Session, error) {
	if rawAccess == "" {
		return domain.Session{}, domain.ErrUnauthorized
	}
	session, err := m.sessions.GetByAccessHash(ctx, m.hasher.Hash(domainID, rawAccess))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, domain.ErrUnauthorized
		}
		return domain.Session{}, err
	}
	if session.DomainID != domainID || session.RevokedAt != nil {
		return domain.Session{}, domain.ErrUnauthorized
	}

	now := m.now()
	if !session.ExpiresAt.After(now.Add(-m.cfg.ClockSkew)) {
		return domain.Session{}, domain.ErrUnauthorized
	}
	if now.After(session.IssuedAt.Add(m.cfg.SessionTTL).Add(m.cfg.ClockSkew)) {
		return domain.Session{}, domain.ErrTokenExpired
	}
	return session, nil
}
