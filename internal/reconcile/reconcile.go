// Package reconcile decides whether a sign-in attempt may proceed, and how
// it maps onto existing identities. It performs no writes; the decision is
// applied by the calling flow.
package reconcile

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/harborauth/harbor/internal/domain"
	"github.com/harborauth/harbor/internal/repository"
)

var tracer = otel.Tracer("harbor/reconcile")

// Candidate is the identity proposed by the authenticating provider.
type Candidate struct {
	Email string
	Name  string
	Image string
}

// Account identifies the provider-side credential being signed in with.
type Account struct {
	Provider          domain.Provider
	ProviderAccountID string
}

// Profile carries the provider's user profile fields worth persisting.
type Profile struct {
	Name      string
	AvatarURL string
}

// Decision is the reconciliation outcome. When Allow is false, Redirect
// names the signal the caller routes the user with. Existing is the
// already-known identity for this email, nil for a first sign-in; Link is
// set when the provider account should be attached to Existing.
type Decision struct {
	Allow     bool
	Redirect  string
	Candidate Candidate
	Existing  *domain.Identity
	Link      bool
}

func allow(candidate Candidate, existing *domain.Identity, link bool) Decision {
	return Decision{Allow: true, Candidate: candidate, Existing: existing, Link: link}
}

func reject(signal string) Decision {
	return Decision{Redirect: signal}
}

// Reconciler runs the sign-in decision against the raw store so it can
// distinguish infrastructure failures from ordinary misses.
type Reconciler struct {
	store  repository.Store
	logger *zap.Logger
}

func New(store repository.Store, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.L()
	}
	return &Reconciler{store: store, logger: logger}
}

// Decide evaluates one sign-in attempt. It is idempotent: repeated calls
// with the same inputs and no intervening writes yield the same decision.
func (r *Reconciler) Decide(ctx context.Context, candidate Candidate, account Account, profile Profile) Decision {
	ctx, span := tracer.Start(ctx, "Reconciler.Decide")
	defer span.End()
	span.SetAttributes(attribute.String("provider", string(account.Provider)))

	candidate.Email = domain.NormalizeEmail(candidate.Email)
	if candidate.Email == "" {
		return reject(domain.ErrCodeOAuthCallback)
	}

	if account.Provider.IsOAuth() {
		// Persist the provider's profile fields on first sight.
		if candidate.Name == "" {
			candidate.Name = profile.Name
		}
		if candidate.Image == "" {
			candidate.Image = profile.AvatarURL
		}
		return r.decideOAuth(ctx, candidate, account)
	}
	return r.decideNonOAuth(ctx, candidate, account)
}

// decideNonOAuth covers magic-link and credentials sign-ins. An email that
// already belongs to an OAuth-first identity is rejected so a parallel
// credential is never created silently.
func (r *Reconciler) decideNonOAuth(ctx context.Context, candidate Candidate, account Account) Decision {
	identity, err := r.store.IdentityByEmail(ctx, candidate.Email)
	if err != nil {
		if d, failed := r.failure("identity lookup", err); failed {
			return d
		}
		return allow(candidate, nil, false)
	}

	accounts, err := r.store.LinkedAccounts(ctx, identity.ID)
	if err != nil {
		if d, failed := r.failure("linked accounts lookup", err); failed {
			return d
		}
		accounts = nil
	}

	hasOAuth := false
	hasCredential := false
	for _, linked := range accounts {
		if linked.Provider.IsOAuth() {
			hasOAuth = true
		} else {
			hasCredential = true
		}
	}
	if hasOAuth && !hasCredential {
		r.logger.Info("sign-in rejected, email belongs to oauth identity",
			zap.String("provider", string(account.Provider)),
			zap.Int64("identity_id", identity.ID),
		)
		return reject(domain.ErrCodeOAuthAccountNotLinked)
	}
	return allow(candidate, &identity, false)
}

func (r *Reconciler) decideOAuth(ctx context.Context, candidate Candidate, account Account) Decision {
	identity, err := r.store.IdentityByLinkedAccount(ctx, account.Provider, account.ProviderAccountID)
	if err == nil {
		return allow(candidate, &identity, false)
	}
	if d, failed := r.failure("account lookup", err); failed {
		return d
	}

	identity, err = r.store.IdentityByEmail(ctx, candidate.Email)
	if err != nil {
		if d, failed := r.failure("identity lookup", err); failed {
			return d
		}
		// First sign-in for this email.
		return allow(candidate, nil, false)
	}

	// Existing identity without this provider: link by email equality.
	return allow(candidate, &identity, true)
}

// failure maps a store error to a redirect decision. A plain miss is not a
// failure; infrastructure errors route to the setup page, anything else to
// the generic error page.
func (r *Reconciler) failure(op string, err error) (Decision, bool) {
	class := repository.Classify(err)
	switch {
	case class == repository.ClassNotFound:
		return Decision{}, false
	case class.Infrastructure():
		r.logger.Error("reconciliation blocked by infrastructure failure",
			zap.String("op", op),
			zap.String("class", class.String()),
			zap.Error(err),
		)
		return reject(domain.RedirectDatabaseSetup), true
	default:
		r.logger.Error("reconciliation failed",
			zap.String("op", op),
			zap.String("class", class.String()),
			zap.Error(err),
		)
		return reject(domain.RedirectGenericError), true
	}
}
