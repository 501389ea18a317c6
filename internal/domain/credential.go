package domain

import "time"

// MagicLink is a single-use email token, stored only as a domain-bound hash.
// RequestContext is the pre-login correlation identifier recorded when the
// link was requested; consumption must present the same value.
type MagicLink struct {
	TokenHash      string
	UserID         int64
	DomainID       int64
	RequestContext string
	ExpiresAt      time.Time
	ConsumedAt     *time.Time
	CreatedAt      time.Time
}

// OAuthStatePurpose enumerates why an OAuth state was started.
type OAuthStatePurpose string

const (
	PurposeLogin  OAuthStatePurpose = "login"
	PurposeLink   OAuthStatePurpose = "link"
	PurposeUnlink OAuthStatePurpose = "unlink"
)

// OAuthStateStatus is the monotone lifecycle of a two-phase state token:
// pending -> exchanged -> completed, or pending -> expired.
type OAuthStateStatus string

const (
	StatePending   OAuthStateStatus = "pending"
	StateExchanged OAuthStateStatus = "exchanged"
	StateCompleted OAuthStateStatus = "completed"
	StateExpired   OAuthStateStatus = "expired"
)

// OAuthState correlates a two-phase external provider exchange. The identity
// fields are populated when the state moves to exchanged so that completion
// does not need a second provider round trip.
type OAuthState struct {
	StateID       string
	DomainID      int64
	Purpose       OAuthStatePurpose
	Status        OAuthStateStatus
	LinkingUserID *int64
	Subject       string
	Email         string
	Name          string
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// ExternalIdentity is the provider profile returned by a code exchange.
type ExternalIdentity struct {
	Provider string
	Subject  string
	Email    string
	Name     string
}

// Session pairs an access token with a refresh token; only hashes persist.
// Rotation replaces both hashes atomically.
type Session struct {
	SessionID        int64
	UserID           int64
	DomainID         int64
	AccessTokenHash  string
	RefreshTokenHash string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
}

// IssuedSession carries the raw token values returned once to the caller.
type IssuedSession struct {
	Session      Session
	AccessToken  string
	RefreshToken string
}

// Principal is the authenticated subject resolved from a credential.
type Principal struct {
	UserID    int64
	DomainID  int64
	SessionID int64
	Scopes    []string
}

// APIKey gates developer-facing endpoints; stored as a domain-bound hash.
type APIKey struct {
	ID        int64
	KeyHash   string
	DomainID  int64
	Scopes    []string
	RevokedAt *time.Time
	CreatedAt time.Time
}

// HasScope reports whether the key grants the requested scope.
func (k APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
