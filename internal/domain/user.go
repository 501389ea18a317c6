package domain

import "time"

// User is a person identified by a case-normalized email address. Users are
// created on first successful magic-link consumption or OAuth completion.
type User struct {
	ID        int64
	Email     string
	CreatedAt time.Time
}

// OAuthIdentity links a user to an external provider subject.
type OAuthIdentity struct {
	ID        int64
	UserID    int64
	DomainID  int64
	Provider  string
	Subject   string
	Email     string
	CreatedAt time.Time
}
