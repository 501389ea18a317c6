package domain

import "errors"

var (
	// ErrValidation indicates caller input validation errors.
	ErrValidation = errors.New("auth: invalid request")
	// ErrDomainNotFound signals an unknown or unverified tenant domain.
	ErrDomainNotFound = errors.New("auth: domain not found")
	// ErrMethodDisabled signals the auth method is not enabled for the domain.
	ErrMethodDisabled = errors.New("auth: method disabled")
	// ErrUnauthorized covers missing, invalid, expired, or revoked credentials.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrTokenInvalid indicates a credential that matches no stored hash.
	ErrTokenInvalid = errors.New("auth: token invalid")
	// ErrTokenExpired indicates an unconsumed credential past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrAlreadyConsumed indicates a one-time credential was already spent.
	ErrAlreadyConsumed = errors.New("auth: already consumed")
	// ErrInvalidState indicates an OAuth state in the wrong phase or domain.
	ErrInvalidState = errors.New("auth: invalid state")
	// ErrSessionMismatch indicates a credential consumed from a browser
	// context other than the one that requested it.
	ErrSessionMismatch = errors.New("auth: session context mismatch")
	// ErrProviderUnavailable indicates a retryable upstream failure; the
	// credential involved remains spendable.
	ErrProviderUnavailable = errors.New("auth: provider unavailable")
	// ErrUserNotFound signals a lookup for a user that does not exist.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrLastAuthMethod signals an unlink that would strand the user with no
	// way to sign in.
	ErrLastAuthMethod = errors.New("auth: last auth method")
)
