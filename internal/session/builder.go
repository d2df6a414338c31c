package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/harborauth/harbor/internal/domain"
	"github.com/harborauth/harbor/internal/repository"
)

var tracer = otel.Tracer("harbor/session")

// Trigger names the event a token is built for.
type Trigger int

const (
	// TriggerSignIn is a fresh authentication; enrichment may wait for the
	// post-signin auto-verification side effect and may self-heal.
	TriggerSignIn Trigger = iota
	// TriggerRefresh is a periodic re-sign of an existing token; it only
	// re-reads state and never writes.
	TriggerRefresh
)

// signInGrace bounds the wait for the asynchronous auto-verification write
// on fresh OAuth sign-ins.
const signInGrace = 200 * time.Millisecond

// Builder enriches session tokens with authoritative identity flags. All
// reads go through the resilient store, so enrichment never fails a
// sign-in: on a read miss the previous claims are preserved.
type Builder struct {
	store     *repository.ResilientStore
	codec     *Codec
	updateAge time.Duration
	logger    *zap.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

// NewBuilder constructs a builder. updateAge caps how often Refresh
// re-signs a token.
func NewBuilder(store *repository.ResilientStore, codec *Codec, updateAge time.Duration, logger *zap.Logger) *Builder {
	if updateAge <= 0 {
		updateAge = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Builder{
		store:     store,
		codec:     codec,
		updateAge: updateAge,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Issue builds and signs a token for a fresh sign-in.
func (b *Builder) Issue(ctx context.Context, identity domain.Identity, provider domain.Provider) (string, Token, error) {
	ctx, span := tracer.Start(ctx, "Builder.Issue")
	defer span.End()

	token := Token{
		IdentityID:          identity.ID,
		Email:               identity.Email,
		Name:                identity.Name,
		Image:               identity.Image,
		EmailVerifiedAt:     identity.EmailVerifiedAt,
		OnboardingCompleted: identity.OnboardingCompleted,
	}
	token = b.enrich(ctx, token, TriggerSignIn, provider)
	token.IssuedAt = b.now().UTC()
	token.ExpiresAt = token.IssuedAt.Add(b.codec.MaxAge())

	raw, err := b.codec.Encode(token)
	if err != nil {
		return "", Token{}, err
	}
	return raw, token, nil
}

// Refresh re-reads authoritative state and re-signs the token, at most once
// per updateAge. The boolean reports whether a new token was produced.
func (b *Builder) Refresh(ctx context.Context, token Token) (string, Token, bool, error) {
	ctx, span := tracer.Start(ctx, "Builder.Refresh")
	defer span.End()

	if b.now().Sub(token.IssuedAt) < b.updateAge {
		return "", token, false, nil
	}

	token = b.enrich(ctx, token, TriggerRefresh, "")
	token.IssuedAt = b.now().UTC()
	token.ExpiresAt = token.IssuedAt.Add(b.codec.MaxAge())
	raw, err := b.codec.Encode(token)
	if err != nil {
		return "", Token{}, false, err
	}
	return raw, token, true, nil
}

// enrich copies authoritative flags onto the token. A read miss leaves the
// previous claims in place so a verified user never flaps back to
// unverified on a transient failure.
func (b *Builder) enrich(ctx context.Context, token Token, trigger Trigger, provider domain.Provider) Token {
	if trigger == TriggerSignIn && provider.IsOAuth() && !token.Verified() {
		// The auto-verification side effect runs concurrently with session
		// issuance; give it a bounded head start.
		b.sleep(ctx, signInGrace)
	}

	identity := b.store.FindIdentityByID(ctx, token.IdentityID)
	if identity == nil {
		return token
	}

	if identity.EmailVerifiedAt != nil {
		token.EmailVerifiedAt = identity.EmailVerifiedAt
	}
	token.OnboardingCompleted = identity.OnboardingCompleted

	if trigger == TriggerSignIn && token.EmailVerifiedAt == nil {
		token = b.selfHeal(ctx, token)
	}
	return token
}

// selfHeal marks an identity verified when it owns an OAuth account but the
// original sign-in enrichment missed the verification write. The write
// failure is swallowed; the next sign-in retries.
func (b *Builder) selfHeal(ctx context.Context, token Token) Token {
	accounts := b.store.FindLinkedAccounts(ctx, token.IdentityID)
	for _, account := range accounts {
		if !account.Provider.IsOAuth() {
			continue
		}
		verifiedAt := b.now().UTC()
		if err := b.store.SetEmailVerified(ctx, token.IdentityID, verifiedAt); err != nil {
			b.logger.Warn("self-heal verification write failed",
				zap.Int64("identity_id", token.IdentityID),
				zap.Error(err),
			)
			return token
		}
		b.logger.Info("self-healed missing verification for oauth identity",
			zap.Int64("identity_id", token.IdentityID),
		)
		token.EmailVerifiedAt = &verifiedAt
		return token
	}
	return token
}
