package domain

import (
	"encoding/json"
	"time"
)

// Auth methods a tenant domain can enable.
const (
	MethodMagicLink = "magic_link"
	MethodGoogle    = "google"
)

// DomainConfig represents a customer domain and its enabled auth methods.
type DomainConfig struct {
	ID            int64
	Hostname      string
	Verified      bool
	Methods       []string
	BillingConfig json.RawMessage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasMethod reports whether the given auth method is enabled for the domain.
func (d DomainConfig) HasMethod(method string) bool {
	for _, m := range d.Methods {
		if m == method {
			return true
		}
	}
	return false
}
