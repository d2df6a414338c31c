package domain

import (
	"strings"
	"time"
)

// Provider names an authentication method bound to an identity.
type Provider string

const (
	ProviderGoogle      Provider = "google"
	ProviderGitHub      Provider = "github"
	ProviderEmail       Provider = "email"
	ProviderCredentials Provider = "credentials"
)

// IsOAuth reports whether the provider is an external OAuth IdP.
func (p Provider) IsOAuth() bool {
	return p == ProviderGoogle || p == ProviderGitHub
}

// Identity is the durable user record. Email is the sole natural key for
// account linking and is stored lowercase.
type Identity struct {
	ID                  int64
	Email               string
	Name                string
	Image               string
	PasswordDigest      string
	EmailVerifiedAt     *time.Time
	OnboardingCompleted bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// LinkedAccount binds a provider credential to an identity. At most one
// linked account per provider per identity.
type LinkedAccount struct {
	ID                int64
	IdentityID        int64
	Provider          Provider
	ProviderAccountID string
	CreatedAt         time.Time
}

// NormalizeEmail lowercases and trims an email address for lookups and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
