package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/passage-auth/internal/domain"
)

// DomainRepository resolves tenant domain configuration.
type DomainRepository interface {
	// GetByHostnames is the single batched lookup behind the resolver.
	GetByHostnames(ctx context.Context, hostnames []string) ([]domain.DomainConfig, error)
	Create(ctx context.Context, cfg domain.DomainConfig) (domain.DomainConfig, error)
}

// UserRepository persists users keyed by case-normalized email.
type UserRepository interface {
	GetByEmail(ctx context.Context, email string) (domain.User, error)
	GetByID(ctx context.Context, id int64) (domain.User, error)
	// Upsert creates the user on first sight of the email and is safe under
	// concurrent identical requests.
	Upsert(ctx context.Context, user domain.User) (domain.User, error)
	// DeleteCascade removes the user together with their sessions, magic
	// links, and oauth states in one transaction.
	DeleteCascade(ctx context.Context, userID int64) error
}

// MagicLinkRepository persists one-time email tokens by domain-bound hash.
type MagicLinkRepository interface {
	Create(ctx context.Context, link domain.MagicLink) error
	// Consume marks the link consumed iff it is unconsumed and unexpired, in
	// a single conditional update. Losers of a concurrent race observe
	// domain.ErrAlreadyConsumed; expired links fail domain.ErrTokenExpired
	// and stay unconsumed; unknown hashes fail domain.ErrTokenInvalid.
	Consume(ctx context.Context, tokenHash string, now time.Time, skew time.Duration) (domain.MagicLink, error)
}

// OAuthStateRepository owns the two-phase state machine rows.
type OAuthStateRepository interface {
	Create(ctx context.Context, state domain.OAuthState) error
	Get(ctx context.Context, stateID string) (domain.OAuthState, error)
	// MarkExchanged transitions pending -> exchanged and records the
	// provider identity, conditionally on the current status.
	MarkExchanged(ctx context.Context, stateID string, identity domain.ExternalIdentity) (domain.OAuthState, error)
	// Transition performs a conditional status move; domain.ErrInvalidState
	// when the row is absent or not in the expected phase.
	Transition(ctx context.Context, stateID string, from, to domain.OAuthStateStatus) error
}

// SessionRepository persists sessions; raw tokens never reach this layer.
type SessionRepository interface {
	Create(ctx context.Context, session domain.Session) (domain.Session, error)
	GetByAccessHash(ctx context.Context, accessHash string) (domain.Session, error)
	// Rotate atomically replaces both token hashes of the session matching
	// the old refresh hash; a replayed old hash finds no row.
	Rotate(ctx context.Context, oldRefreshHash, accessHash, refreshHash string, expiresAt, now time.Time, skew time.Duration) (domain.Session, error)
	Revoke(ctx context.Context, sessionID int64, now time.Time) error
}

// IdentityRepository links users to external provider subjects.
type IdentityRepository interface {
	Upsert(ctx context.Context, identity domain.OAuthIdentity) error
	Delete(ctx context.Context, userID int64, provider, subject string) error
	CountByUser(ctx context.Context, userID int64) (int, error)
}

// APIKeyRepository persists hashed developer keys.
type APIKeyRepository interface {
	GetByHash(ctx context.Context, keyHash string) (domain.APIKey, error)
	Create(ctx context.Context, key domain.APIKey) (domain.APIKey, error)
}
