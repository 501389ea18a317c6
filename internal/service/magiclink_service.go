package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/passage-auth/internal/adapter/email"
	"github.com/smallbiznis/passage-auth/internal/config"
	"github.com/smallbiznis/passage-auth/internal/domain"
	"github.com/smallbiznis/passage-auth/internal/repository"
	"github.com/smallbiznis/passage-auth/internal/token"
)

// MagicLinkService implements passwordless email login. Raw tokens leave the
// process only inside the emailed link; the store sees tenant-keyed hashes.
type MagicLinkService struct {
	users    repository.UserRepository
	links    repository.MagicLinkRepository
	sessions *SessionManager
	node     *snowflake.Node
	hasher   *token.Hasher
	sender   email.Sender
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewMagicLinkService wires dependencies.
func NewMagicLinkService(users repository.UserRepository, links repository.MagicLinkRepository, sessions *SessionManager, node *snowflake.Node, hasher *token.Hasher, sender email.Sender, cfg config.Config, logger *zap.Logger) *MagicLinkService {
	return &MagicLinkService{
		users:    users,
		links:    links,
		sessions: sessions,
		node:     node,
		hasher:   hasher,
		sender:   sender,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
}

// Request creates a single-use login token for the email and hands it to the
// delivery adapter. The caller responds identically whether or not the email
// was previously known; a delivery failure is logged but does not invalidate
// the token, so a resend reuses the same recovery path as a fresh request.
func (s *MagicLinkService) Request(ctx context.Context, dcfg domain.DomainConfig, emailAddr, requestContext string) error {
	ctx, span := startSpan(s.tracer, ctx, "MagicLinkService.Request")
	defer span.End()

	if !dcfg.HasMethod(domain.MethodMagicLink) {
		return domain.ErrMethodDisabled
	}
	normalized := strings.ToLower(strings.TrimSpace(emailAddr))
	if !validEmail(normalized) {
		return fmt.Errorf("%w: email", domain.ErrValidation)
	}

	user, err := s.users.Upsert(ctx, domain.User{ID: s.node.Generate().Int64(), Email: normalized})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("upsert user: %w", err)
	}

	raw, err := token.NewRaw()
	if err != nil {
		return err
	}
	now := s.now()
	link := domain.MagicLink{
		TokenHash:      s.hasher.Hash(dcfg.ID, raw),
		UserID:         user.ID,
		DomainID:       dcfg.ID,
		RequestContext: strings.TrimSpace(requestContext),
		ExpiresAt:      now.Add(s.cfg.MagicLinkTTL),
		CreatedAt:      now,
	}
	if err := s.links.Create(ctx, link); err != nil {
		span.RecordError(err)
		return fmt.Errorf("persist magic link: %w", err)
	}

	if err := s.sender.SendMagicLink(ctx, normalized, s.linkURL(dcfg, raw)); err != nil {
		span.RecordError(err)
		s.log().Warn("magic link delivery failed",
			zap.Int64("domain_id", dcfg.ID),
			zap.Int64("user_id", user.ID),
			zap.Error(err))
	}

	audit(s.logger, "magic_link.requested", "domain_id", dcfg.ID, "user_id", user.ID)
	return nil
}

// Consume spends the token exactly once and issues a session. The conditional
// update in the store decides races; this layer only classifies the outcome.
// A token presented from a browser context other than the requesting one is
// burned and rejected, since that is the theft signature.
func (s *MagicLinkService) Consume(ctx context.Context, dcfg domain.DomainConfig, rawToken, requestContext string) (domain.IssuedSession, error) {
	ctx, span := startSpan(s.tracer, ctx, "MagicLinkService.Consume")
	defer span.End()

	if !dcfg.HasMethod(domain.MethodMagicLink) {
		return domain.IssuedSession{}, domain.ErrMethodDisabled
	}
	if strings.TrimSpace(rawToken) == "" {
		return domain.IssuedSession{}, domain.ErrTokenInvalid
	}

	link, err := s.links.Consume(ctx, s.hasher.Hash(dcfg.ID, rawToken), s.now(), s.cfg.ClockSkew)
	if err != nil {
		span.RecordError(err)
		return domain.IssuedSession{}, err
	}
	if link.DomainID != dcfg.ID {
		return domain.IssuedSession{}, domain.ErrTokenInvalid
	}
	if link.RequestContext != "" && link.RequestContext != strings.TrimSpace(requestContext) {
		audit(s.logger, "magic_link.context_mismatch", "domain_id", dcfg.ID, "user_id", link.UserID)
		return domain.IssuedSession{}, domain.ErrSessionMismatch
	}

	issued, err := s.sessions.Issue(ctx, link.UserID, dcfg.ID)
	if err != nil {
		span.RecordError(err)
		return domain.IssuedSession{}, err
	}

	audit(s.logger, "magic_link.consumed", "domain_id", dcfg.ID, "user_id", link.UserID)
	return issued, nil
}

func (s *MagicLinkService) linkURL(dcfg domain.DomainConfig, raw string) string {
	base := s.cfg.MagicLinkBaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s/auth/verify-magic-link", dcfg.Hostname)
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("token", raw)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *MagicLinkService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func validEmail(email string) bool {
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	return !strings.ContainsAny(email, " \t\r\n")
}
