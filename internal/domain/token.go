package domain

import "time"

// VerificationTokenTTL bounds how long an email verification link stays valid.
const VerificationTokenTTL = 24 * time.Hour

// ResetTokenTTL bounds how long a password reset link stays valid.
const ResetTokenTTL = time.Hour

// VerificationToken is a one-time email verification token. Consumption is
// by deletion, so a consumed token is indistinguishable from an unknown one.
type VerificationToken struct {
	Token      string
	Identifier string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Expired reports whether the token is past its TTL at the given instant.
func (t VerificationToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// PasswordResetToken is a one-time password reset token. Unlike verification
// tokens it carries a used flag so replays get a distinct rejection.
type PasswordResetToken struct {
	Token      string
	IdentityID int64
	ExpiresAt  time.Time
	Used       bool
	CreatedAt  time.Time
}

// Expired reports whether the token is past its TTL at the given instant.
func (t PasswordResetToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
