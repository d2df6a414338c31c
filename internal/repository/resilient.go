package repository

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/harborauth/harbor/internal/apperror"
	"github.com/harborauth/harbor/internal/breaker"
	"github.com/harborauth/harbor/internal/domain"
)

// ResilientStore applies the failure policy over a Store:
//
//   - reads degrade gracefully: any error is logged and reported as absent,
//     because every read caller's fallback for "not found" is already safe;
//   - writes are loud: infrastructure failures are normalized to a single
//     ServiceUnavailable error and duplicates to Conflict, so callers branch
//     on kind rather than driver codes;
//   - deletes are best-effort cleanup and never fail the surrounding flow.
//
// Every call passes through the database circuit breaker.
type ResilientStore struct {
	store   Store
	breaker *breaker.Breaker
	logger  *zap.Logger
}

// NewResilientStore wraps store with the db breaker.
func NewResilientStore(store Store, db *breaker.Breaker, logger *zap.Logger) *ResilientStore {
	if logger == nil {
		logger = zap.L()
	}
	return &ResilientStore{store: store, breaker: db, logger: logger}
}

func (r *ResilientStore) execute(ctx context.Context, op func(context.Context) error) error {
	if r.breaker == nil {
		return op(ctx)
	}
	return r.breaker.Execute(ctx, op)
}

// --- reads ---

// FindIdentityByEmail returns nil when absent or on any store failure.
func (r *ResilientStore) FindIdentityByEmail(ctx context.Context, email string) *domain.Identity {
	var identity domain.Identity
	err := r.execute(ctx, func(ctx context.Context) error {
		var err error
		identity, err = r.store.IdentityByEmail(ctx, email)
		return err
	})
	if err != nil {
		r.logRead("find identity by email", err)
		return nil
	}
	return &identity
}

// FindIdentityByID returns nil when absent or on any store failure.
func (r *ResilientStore) FindIdentityByID(ctx context.Context, id int64) *domain.Identity {
	var identity domain.Identity
	err := r.execute(ctx, func(ctx context.Context) error {
		var err error
		identity, err = r.store.IdentityByID(ctx, id)
		return err
	})
	if err != nil {
		r.logRead("find identity by id", err)
		return nil
	}
	return &identity
}

// FindIdentityByLinkedAccount returns nil when absent or on any store failure.
func (r *ResilientStore) FindIdentityByLinkedAccount(ctx context.Context, provider domain.Provider, providerAccountID string) *domain.Identity {
	var identity domain.Identity
	err := r.execute(ctx, func(ctx context.Context) error {
		var err error
		identity, err = r.store.IdentityByLinkedAccount(ctx, provider, providerAccountID)
		return err
	})
	if err != nil {
		r.logRead("find identity by account", err)
		return nil
	}
	return &identity
}

// FindLinkedAccounts returns an empty slice on any store failure.
func (r *ResilientStore) FindLinkedAccounts(ctx context.Context, identityID int64) []domain.LinkedAccount {
	var accounts []domain.LinkedAccount
	err := r.execute(ctx, func(ctx context.Context) error {
		var err error
		accounts, err = r.store.LinkedAccounts(ctx, identityID)
		return err
	})
	if err != nil {
		r.logRead("list linked accounts", err)
		return nil
	}
	return accounts
}

// FindVerificationToken returns nil when absent or on any store failure.
func (r *ResilientStore) FindVerificationToken(ctx context.Context, token string) *domain.VerificationToken {
	var vt domain.VerificationToken
	err := r.execute(ctx, func(ctx context.Context) error {
		var err error
		vt, err = r.store.VerificationTokenByValue(ctx, token)
		return err
	})
	if err != nil {
		r.logRead("find verification token", err)
		return nil
	}
	return &vt
}

// FindResetToken returns nil when absent or on any store failure.
func (r *ResilientStore) FindResetToken(ctx context.Context, token string) *domain.PasswordResetToken {
	var rt domain.PasswordResetToken
	err := r.execute(ctx, func(ctx context.Context) error {
		var err error
		rt, err = r.store.ResetTokenByValue(ctx, token)
		return err
	})
	if err != nil {
		r.logRead("find reset token", err)
		return nil
	}
	return &rt
}

// --- writes ---

// CreateIdentity normalizes infrastructure failures; duplicate emails map
// to Conflict.
func (r *ResilientStore) CreateIdentity(ctx context.Context, identity domain.Identity) (domain.Identity, error) {
	var created domain.Identity
	err := r.execute(ctx, func(ctx context.Context) error {
		var err error
		created, err = r.store.CreateIdentity(ctx, identity)
		return err
	})
	if err != nil {
		if Classify(err) == ClassConflict {
			return domain.Identity{}, apperror.Conflict("An account with this email already exists.")
		}
		return domain.Identity{}, r.writeFailure("create identity", err)
	}
	return created, nil
}

// LinkAccount normalizes infrastructure failures.
func (r *ResilientStore) LinkAccount(ctx context.Context, account domain.LinkedAccount) error {
	err := r.execute(ctx, func(ctx context.Context) error {
		return r.store.LinkAccount(ctx, account)
	})
	if err != nil {
		return r.writeFailure("link account", err)
	}
	return nil
}

// UpdateIdentity normalizes infrastructure failures.
func (r *ResilientStore) UpdateIdentity(ctx context.Context, identity domain.Identity) error {
	err := r.execute(ctx, func(ctx context.Context) error {
		return r.store.UpdateIdentity(ctx, identity)
	})
	if err != nil {
		return r.writeFailure("update identity", err)
	}
	return nil
}

// SetEmailVerified normalizes infrastructure failures.
func (r *ResilientStore) SetEmailVerified(ctx context.Context, identityID int64, verifiedAt time.Time) error {
	err := r.execute(ctx, func(ctx context.Context) error {
		return r.store.SetEmailVerified(ctx, identityID, verifiedAt)
	})
	if err != nil {
		return r.writeFailure("set email verified", err)
	}
	return nil
}

// SetOnboardingCompleted normalizes infrastructure failures.
func (r *ResilientStore) SetOnboardingCompleted(ctx context.Context, identityID int64, completed bool) error {
	err := r.execute(ctx, func(ctx context.Context) error {
		return r.store.SetOnboardingCompleted(ctx, identityID, completed)
	})
	if err != nil {
		return r.writeFailure("set onboarding completed", err)
	}
	return nil
}

// CreateVerificationToken normalizes infrastructure failures.
func (r *ResilientStore) CreateVerificationToken(ctx context.Context, token domain.VerificationToken) error {
	err := r.execute(ctx, func(ctx context.Context) error {
		return r.store.CreateVerificationToken(ctx, token)
	})
	if err != nil {
		return r.writeFailure("create verification token", err)
	}
	return nil
}

// CreatePasswordResetToken normalizes infrastructure failures.
func (r *ResilientStore) CreatePasswordResetToken(ctx context.Context, token domain.PasswordResetToken) error {
	err := r.execute(ctx, func(ctx context.Context) error {
		return r.store.CreatePasswordResetToken(ctx, token)
	})
	if err != nil {
		return r.writeFailure("create reset token", err)
	}
	return nil
}

// UpdatePasswordAndConsumeReset normalizes infrastructure failures. A
// not-found outcome means the token was consumed concurrently.
func (r *ResilientStore) UpdatePasswordAndConsumeReset(ctx context.Context, identityID int64, digest, token string, verifiedAt time.Time) error {
	err := r.execute(ctx, func(ctx context.Context) error {
		return r.store.UpdatePasswordAndConsumeReset(ctx, identityID, digest, token, verifiedAt)
	})
	if err != nil {
		if Classify(err) == ClassNotFound {
			return apperror.Validation("This password reset link has already been used.")
		}
		return r.writeFailure("consume reset token", err)
	}
	return nil
}

// --- deletes ---

// DeleteVerificationToken is best effort; failures are logged only.
func (r *ResilientStore) DeleteVerificationToken(ctx context.Context, token string) {
	err := r.execute(ctx, func(ctx context.Context) error {
		return r.store.DeleteVerificationToken(ctx, token)
	})
	if err != nil {
		r.logger.Warn("delete verification token failed", zap.Error(err))
	}
}

// DeleteVerificationTokensForIdentifier is best effort; failures are logged only.
func (r *ResilientStore) DeleteVerificationTokensForIdentifier(ctx context.Context, identifier string) {
	err := r.execute(ctx, func(ctx context.Context) error {
		return r.store.DeleteVerificationTokensForIdentifier(ctx, identifier)
	})
	if err != nil {
		r.logger.Warn("delete verification tokens failed", zap.String("identifier", identifier), zap.Error(err))
	}
}

// DeleteResetToken is best effort; failures are logged only.
func (r *ResilientStore) DeleteResetToken(ctx context.Context, token string) {
	err := r.execute(ctx, func(ctx context.Context) error {
		return r.store.DeleteResetToken(ctx, token)
	})
	if err != nil {
		r.logger.Warn("delete reset token failed", zap.Error(err))
	}
}

func (r *ResilientStore) logRead(op string, err error) {
	if Classify(err) == ClassNotFound {
		return
	}
	r.logger.Warn("store read failed, treating as absent",
		zap.String("op", op),
		zap.String("class", Classify(err).String()),
		zap.Error(err),
	)
}

func (r *ResilientStore) writeFailure(op string, err error) error {
	r.logger.Error("store write failed",
		zap.String("op", op),
		zap.String("class", Classify(err).String()),
		zap.Error(err),
	)
	return apperror.ServiceUnavailable(err)
}
