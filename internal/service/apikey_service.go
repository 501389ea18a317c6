package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/passage-auth/internal/domain"
	"github.com/smallbiznis/passage-auth/internal/repository"
	"github.com/smallbiznis/passage-auth/internal/token"
)

// Scopes developer API keys may carry.
const (
	ScopeTokensIntrospect = "tokens:introspect"
	ScopeUsersRead        = "users:read"
)

// APIKeyAuthenticator gates server-to-server endpoints on hashed keys.
type APIKeyAuthenticator struct {
	keys   repository.APIKeyRepository
	node   *snowflake.Node
	hasher *token.Hasher
	logger *zap.Logger
	tracer trace.Tracer
}

// NewAPIKeyAuthenticator wires dependencies.
func NewAPIKeyAuthenticator(keys repository.APIKeyRepository, node *snowflake.Node, hasher *token.Hasher, logger *zap.Logger) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{
		keys:   keys,
		node:   node,
		hasher: hasher,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

// Authenticate resolves a raw key presented against the given domain.
// Unknown, revoked, cross-domain, and under-scoped keys all collapse into
// ErrUnauthorized so callers cannot probe which failed.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, domainID int64, rawKey, requiredScope string) (domain.Principal, error) {
	ctx, span := startSpan(a.tracer, ctx, "APIKeyAuthenticator.Authenticate")
	defer span.End()

	if rawKey == "" {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	key, err := a.keys.GetByHash(ctx, a.hasher.Hash(domainID, rawKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Principal{}, domain.ErrUnauthorized
		}
		span.RecordError(err)
		return domain.Principal{}, err
	}
	if key.DomainID != domainID || key.RevokedAt != nil {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	if requiredScope != "" && !key.HasScope(requiredScope) {
		return domain.Principal{}, domain.ErrUnauthorized
	}

	return domain.Principal{DomainID: domainID, Scopes: key.Scopes}, nil
}

// Mint creates a key for the domain and returns the raw value once.
func (a *APIKeyAuthenticator) Mint(ctx context.Context, domainID int64, scopes []string) (string, domain.APIKey, error) {
	ctx, span := startSpan(a.tracer, ctx, "APIKeyAuthenticator.Mint")
	defer span.End()

	raw, err := token.NewRaw()
	if err != nil {
		return "", domain.APIKey{}, err
	}
	// pk_ marks the credential type so leaked keys are greppable.
	raw = "pk_" + raw
	key, err := a.keys.Create(ctx, domain.APIKey{
		ID:       a.node.Generate().Int64(),
		KeyHash:  a.hasher.Hash(domainID, raw),
		DomainID: domainID,
		Scopes:   scopes,
	})
	if err != nil {
		span.RecordError(err)
		return "", domain.APIKey{}, fmt.Errorf("persist api key: %w", err)
	}

	audit(a.logger, "api_key.minted", "domain_id", domainID, "key_id", key.ID)
	return raw, key, nil
}
