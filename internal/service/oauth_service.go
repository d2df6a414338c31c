package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/harborauth/harbor/internal/adapter/cache"
	"github.com/harborauth/harbor/internal/adapter/oauth"
	"github.com/harborauth/harbor/internal/apperror"
	"github.com/harborauth/harbor/internal/domain"
	"github.com/harborauth/harbor/internal/reconcile"
	"github.com/harborauth/harbor/internal/session"
)

// signInStateTTL bounds how long an authorization redirect may stay
// outstanding before the callback.
const signInStateTTL = 10 * time.Minute

// OAuthResult is the callback outcome. On success SessionToken carries the
// signed session; on failure Redirect names the signal for the error page.
type OAuthResult struct {
	SessionToken string
	Token        session.Token
	Redirect     string
}

func oauthFailure(signal string) OAuthResult {
	return OAuthResult{Redirect: signal}
}

// StartOAuth builds the provider authorization URL and parks the
// state/PKCE tuple until the callback.
func (s *AuthService) StartOAuth(ctx context.Context, provider domain.Provider, callbackURI string) (string, error) {
	ctx, span := tracer.Start(ctx, "AuthService.StartOAuth")
	defer span.End()

	if !provider.IsOAuth() {
		return "", apperror.Validation("Unsupported sign-in provider.")
	}
	creds := s.providerCredentials(provider)
	if creds.ClientID == "" {
		return "", apperror.Validation(domain.ErrorMessage(domain.ErrCodeConfiguration))
	}
	endpoints, err := oauth.ProviderEndpoints(provider)
	if err != nil {
		return "", apperror.Validation("Unsupported sign-in provider.")
	}

	state := ulid.Make().String()
	nonce := ulid.Make().String()
	verifier, challenge, err := pkcePair()
	if err != nil {
		return "", apperror.ServiceUnavailable(err)
	}

	if err := s.states.SaveState(ctx, stateKey(state), cache.SignInState{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
		Provider:     provider,
		RedirectURI:  callbackURI,
		CreatedAt:    s.now(),
	}, signInStateTTL); err != nil {
		return "", apperror.ServiceUnavailable(err)
	}

	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", creds.ClientID)
	query.Set("redirect_uri", callbackURI)
	query.Set("scope", strings.Join(endpoints.Scopes, " "))
	query.Set("state", state)
	if provider == domain.ProviderGoogle {
		query.Set("nonce", nonce)
		query.Set("code_challenge", challenge)
		query.Set("code_challenge_method", "S256")
	}
	return endpoints.AuthorizeURL + "?" + query.Encode(), nil
}

// CompleteOAuth finishes the callback leg: state check, code exchange,
// profile fetch, reconciliation, persistence, session issuance.
func (s *AuthService) CompleteOAuth(ctx context.Context, provider domain.Provider, state, code string) OAuthResult {
	ctx, span := tracer.Start(ctx, "AuthService.CompleteOAuth")
	defer span.End()

	if !provider.IsOAuth() || state == "" || code == "" {
		return oauthFailure(domain.ErrCodeOAuthCallback)
	}

	pending, err := s.states.GetState(ctx, stateKey(state))
	if err != nil || pending == nil || pending.Provider != provider {
		s.logger.Warn("oauth callback with unknown state", zap.String("provider", string(provider)))
		return oauthFailure(domain.ErrCodeOAuthCallback)
	}
	// One-shot: a replayed state must not find the entry again.
	if err := s.states.DeleteState(ctx, stateKey(state)); err != nil {
		s.logger.Warn("sign-in state cleanup failed", zap.Error(err))
	}

	tokenResp, err := s.providers.ExchangeCode(ctx, provider, s.providerCredentials(provider), code, pending.CodeVerifier, pending.RedirectURI)
	if err != nil {
		s.logger.Error("oauth code exchange failed", zap.String("provider", string(provider)), zap.Error(err))
		return oauthFailure(domain.ErrCodeOAuthCallback)
	}

	profile, err := s.providers.FetchUserInfo(ctx, provider, tokenResp.AccessToken)
	if err != nil || profile.Email == "" || profile.Subject == "" {
		s.logger.Error("oauth profile fetch failed", zap.String("provider", string(provider)), zap.Error(err))
		return oauthFailure(domain.ErrCodeOAuthCallback)
	}

	decision := s.reconciler.Decide(ctx,
		reconcile.Candidate{Email: profile.Email, Name: profile.Name, Image: profile.Picture},
		reconcile.Account{Provider: provider, ProviderAccountID: profile.Subject},
		reconcile.Profile{Name: profile.Name, AvatarURL: profile.Picture},
	)
	if !decision.Allow {
		return oauthFailure(decision.Redirect)
	}

	identity, signal := s.persistOAuthSignIn(ctx, decision, provider, profile.Subject)
	if signal != "" {
		return oauthFailure(signal)
	}

	// Mark the email verified off the request path; session enrichment
	// waits briefly and self-heals if this write lags.
	go s.autoVerify(identity.ID, provider)

	raw, token, err := s.sessions.Issue(ctx, identity, provider)
	if err != nil {
		s.logger.Error("session issuance failed", zap.Int64("identity_id", identity.ID), zap.Error(err))
		return oauthFailure(domain.ErrCodeCallback)
	}
	s.logger.Info("oauth sign-in succeeded",
		zap.String("provider", string(provider)),
		zap.Int64("identity_id", identity.ID),
	)
	return OAuthResult{SessionToken: raw, Token: token}
}

// persistOAuthSignIn applies the reconciliation decision: create the
// identity on first sign-in, attach the provider account when linking.
func (s *AuthService) persistOAuthSignIn(ctx context.Context, decision reconcile.Decision, provider domain.Provider, subject string) (domain.Identity, string) {
	if decision.Existing != nil {
		if decision.Link {
			if err := s.store.LinkAccount(ctx, domain.LinkedAccount{
				ID:                s.node.Generate().Int64(),
				IdentityID:        decision.Existing.ID,
				Provider:          provider,
				ProviderAccountID: subject,
			}); err != nil && !apperror.IsKind(err, apperror.KindConflict) {
				return domain.Identity{}, domain.ErrCodeOAuthCreateAccount
			}
		}
		return *decision.Existing, ""
	}

	identity, err := s.store.CreateIdentity(ctx, domain.Identity{
		ID:    s.node.Generate().Int64(),
		Email: decision.Candidate.Email,
		Name:  decision.Candidate.Name,
		Image: decision.Candidate.Image,
	})
	if err != nil {
		if apperror.IsKind(err, apperror.KindConflict) {
			// Lost a creation race; the row exists now.
			if existing := s.store.FindIdentityByEmail(ctx, decision.Candidate.Email); existing != nil {
				identity = *existing
			} else {
				return domain.Identity{}, domain.ErrCodeOAuthCreateAccount
			}
		} else {
			return domain.Identity{}, domain.ErrCodeOAuthCreateAccount
		}
	}

	if err := s.store.LinkAccount(ctx, domain.LinkedAccount{
		ID:                s.node.Generate().Int64(),
		IdentityID:        identity.ID,
		Provider:          provider,
		ProviderAccountID: subject,
	}); err != nil && !apperror.IsKind(err, apperror.KindConflict) {
		return domain.Identity{}, domain.ErrCodeOAuthCreateAccount
	}
	return identity, ""
}

// autoVerify runs detached from the request; OAuth providers have already
// verified the mailbox.
func (s *AuthService) autoVerify(identityID int64, provider domain.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SetEmailVerified(ctx, identityID, s.now().UTC()); err != nil {
		s.logger.Warn("post-signin auto-verification failed",
			zap.String("provider", string(provider)),
			zap.Int64("identity_id", identityID),
			zap.Error(err),
		)
	}
}

func (s *AuthService) providerCredentials(provider domain.Provider) oauth.Credentials {
	switch provider {
	case domain.ProviderGoogle:
		return oauth.Credentials{ClientID: s.cfg.Google.ClientID, ClientSecret: s.cfg.Google.ClientSecret}
	case domain.ProviderGitHub:
		return oauth.Credentials{ClientID: s.cfg.GitHub.ClientID, ClientSecret: s.cfg.GitHub.ClientSecret}
	default:
		return oauth.Credentials{}
	}
}

func stateKey(state string) string {
	return "signin:state:" + state
}

func pkcePair() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}
