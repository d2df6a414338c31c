package repository

import (
	"context"
	"time"

	"github.com/harborauth/harbor/internal/domain"
)

// Store exposes identity persistence. Implementations return raw errors;
// policy (absorb, normalize, swallow) is applied by ResilientStore, and
// error classification by Classify.
type Store interface {
	IdentityByEmail(ctx context.Context, email string) (domain.Identity, error)
	IdentityByID(ctx context.Context, id int64) (domain.Identity, error)
	IdentityByLinkedAccount(ctx context.Context, provider domain.Provider, providerAccountID string) (domain.Identity, error)
	LinkedAccounts(ctx context.Context, identityID int64) ([]domain.LinkedAccount, error)

	CreateIdentity(ctx context.Context, identity domain.Identity) (domain.Identity, error)
	LinkAccount(ctx context.Context, account domain.LinkedAccount) error
	UpdateIdentity(ctx context.Context, identity domain.Identity) error
	SetEmailVerified(ctx context.Context, identityID int64, verifiedAt time.Time) error
	SetOnboardingCompleted(ctx context.Context, identityID int64, completed bool) error

	CreateVerificationToken(ctx context.Context, token domain.VerificationToken) error
	VerificationTokenByValue(ctx context.Context, token string) (domain.VerificationToken, error)
	DeleteVerificationToken(ctx context.Context, token string) error
	DeleteVerificationTokensForIdentifier(ctx context.Context, identifier string) error

	CreatePasswordResetToken(ctx context.Context, token domain.PasswordResetToken) error
	ResetTokenByValue(ctx context.Context, token string) (domain.PasswordResetToken, error)
	DeleteResetToken(ctx context.Context, token string) error

	// UpdatePasswordAndConsumeReset applies the new digest, records the
	// implicit re-verification, and marks the reset token used as one
	// atomic unit.
	UpdatePasswordAndConsumeReset(ctx context.Context, identityID int64, digest, token string, verifiedAt time.Time) error
}
