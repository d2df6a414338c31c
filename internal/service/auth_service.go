// Package service orchestrates the authentication flows over the
// persistence, mail, rate-limit, and session layers.
package service

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/harborauth/harbor/internal/adapter/cache"
	"github.com/harborauth/harbor/internal/adapter/oauth"
	"github.com/harborauth/harbor/internal/apperror"
	"github.com/harborauth/harbor/internal/config"
	"github.com/harborauth/harbor/internal/domain"
	"github.com/harborauth/harbor/internal/mailer"
	"github.com/harborauth/harbor/internal/password"
	"github.com/harborauth/harbor/internal/ratelimit"
	"github.com/harborauth/harbor/internal/reconcile"
	"github.com/harborauth/harbor/internal/repository"
	"github.com/harborauth/harbor/internal/session"
)

var tracer = otel.Tracer("harbor/service")

// Rate-limit scopes and budgets. Budgets are per identifier (normalized
// email) within the window.
const (
	scopeLogin  = "login"
	scopeSignup = "signup"
	scopeForgot = "forgot-password"
	scopeResend = "resend-verification"

	loginLimit   = 5
	loginWindow  = time.Minute
	signupLimit  = 5
	signupWindow = 15 * time.Minute
	forgotLimit  = 3
	forgotWindow = 15 * time.Minute
	resendLimit  = 3
	resendWindow = 15 * time.Minute
)

// AuthService runs the sign-up, sign-in, and account-recovery flows.
type AuthService struct {
	store      *repository.ResilientStore
	reconciler *reconcile.Reconciler
	sessions   *session.Builder
	limiter    *ratelimit.Limiter
	mail       mailer.Sender
	providers  oauth.ProviderClient
	states     cache.StateStore
	cfg        *config.Config
	node       *snowflake.Node
	logger     *zap.Logger

	now func() time.Time
}

// NewAuthService wires the flows together.
func NewAuthService(
	store *repository.ResilientStore,
	reconciler *reconcile.Reconciler,
	sessions *session.Builder,
	limiter *ratelimit.Limiter,
	mail mailer.Sender,
	providers oauth.ProviderClient,
	states cache.StateStore,
	cfg *config.Config,
	node *snowflake.Node,
	logger *zap.Logger,
) *AuthService {
	if logger == nil {
		logger = zap.L()
	}
	return &AuthService{
		store:      store,
		reconciler: reconciler,
		sessions:   sessions,
		limiter:    limiter,
		mail:       mail,
		providers:  providers,
		states:     states,
		cfg:        cfg,
		node:       node,
		logger:     logger,
		now:        time.Now,
	}
}

// SignupInput is the credential registration payload.
type SignupInput struct {
	Email    string
	Password string
	Name     string
	Image    string
}

// SignupResult reports the created identity and whether the verification
// email left the building.
type SignupResult struct {
	Identity  domain.Identity
	EmailSent bool
}

// Signup registers a credentials identity and attempts to send the
// verification email. A failed send does not roll the identity back; the
// user can request a resend.
func (s *AuthService) Signup(ctx context.Context, in SignupInput) (*SignupResult, error) {
	ctx, span := tracer.Start(ctx, "AuthService.Signup")
	defer span.End()

	email := domain.NormalizeEmail(in.Email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if len(in.Password) < password.MinLength {
		return nil, apperror.Validation("Password must be at least 8 characters long.")
	}
	if !s.limiter.Allow(ctx, scopeSignup+":"+email, signupLimit, signupWindow) {
		return nil, apperror.RateLimit("Too many signup attempts. Please try again later.")
	}

	// Cheap existence check before the expensive hash.
	if existing := s.store.FindIdentityByEmail(ctx, email); existing != nil {
		return nil, apperror.Conflict("An account with this email already exists.")
	}

	digest, err := password.Hash(in.Password)
	if err != nil {
		return nil, apperror.ServiceUnavailable(err)
	}

	identity, err := s.store.CreateIdentity(ctx, domain.Identity{
		ID:             s.node.Generate().Int64(),
		Email:          email,
		Name:           strings.TrimSpace(in.Name),
		Image:          strings.TrimSpace(in.Image),
		PasswordDigest: digest,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.LinkAccount(ctx, domain.LinkedAccount{
		ID:                s.node.Generate().Int64(),
		IdentityID:        identity.ID,
		Provider:          domain.ProviderCredentials,
		ProviderAccountID: email,
	}); err != nil {
		return nil, err
	}

	emailSent := s.issueVerification(ctx, email) == nil
	s.logger.Info("identity registered",
		zap.Int64("identity_id", identity.ID),
		zap.Bool("verification_email_sent", emailSent),
	)
	return &SignupResult{Identity: identity, EmailSent: emailSent}, nil
}

// issueVerification creates a fresh verification token and mails it.
func (s *AuthService) issueVerification(ctx context.Context, email string) error {
	token := domain.VerificationToken{
		Token:      ulid.Make().String(),
		Identifier: email,
		ExpiresAt:  s.now().Add(domain.VerificationTokenTTL),
	}
	if err := s.store.CreateVerificationToken(ctx, token); err != nil {
		return err
	}
	if err := s.mail.Send(ctx, mailer.VerificationEmail(s.cfg.BaseURL, email, token.Token)); err != nil {
		s.logger.Warn("verification email delivery failed", zap.Error(err))
		return err
	}
	return nil
}

// LoginWithPassword authenticates a credentials identity and issues a
// session token. The rate budget for the email clears on success.
func (s *AuthService) LoginWithPassword(ctx context.Context, email, pass string) (string, session.Token, error) {
	ctx, span := tracer.Start(ctx, "AuthService.LoginWithPassword")
	defer span.End()

	email = domain.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return "", session.Token{}, err
	}
	if !s.limiter.Allow(ctx, scopeLogin+":"+email, loginLimit, loginWindow) {
		return "", session.Token{}, apperror.RateLimit("Too many login attempts. Please try again later.")
	}

	decision := s.reconciler.Decide(ctx,
		reconcile.Candidate{Email: email},
		reconcile.Account{Provider: domain.ProviderCredentials, ProviderAccountID: email},
		reconcile.Profile{},
	)
	if !decision.Allow {
		if decision.Redirect == domain.ErrCodeOAuthAccountNotLinked {
			return "", session.Token{}, apperror.Authentication(domain.ErrorMessage(domain.ErrCodeOAuthAccountNotLinked))
		}
		return "", session.Token{}, apperror.ServiceUnavailable(nil)
	}
	if decision.Existing == nil || decision.Existing.PasswordDigest == "" {
		return "", session.Token{}, apperror.Authentication(domain.ErrorMessage(domain.ErrCodeCredentialsSignin))
	}

	ok, err := password.Verify(pass, decision.Existing.PasswordDigest)
	if err != nil || !ok {
		s.logger.Info("credentials sign-in rejected", zap.Int64("identity_id", decision.Existing.ID))
		return "", session.Token{}, apperror.Authentication(domain.ErrorMessage(domain.ErrCodeCredentialsSignin))
	}

	raw, token, err := s.sessions.Issue(ctx, *decision.Existing, domain.ProviderCredentials)
	if err != nil {
		return "", session.Token{}, err
	}
	s.limiter.Reset(ctx, scopeLogin+":"+email)
	s.logger.Info("credentials sign-in succeeded", zap.Int64("identity_id", decision.Existing.ID))
	return raw, token, nil
}

// ForgotPassword starts account recovery. The response is identical whether
// or not the email is registered; only delivery failures for a real account
// surface an error.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	ctx, span := tracer.Start(ctx, "AuthService.ForgotPassword")
	defer span.End()

	email = domain.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}
	if !s.limiter.Allow(ctx, scopeForgot+":"+email, forgotLimit, forgotWindow) {
		return apperror.RateLimit("Too many reset requests. Please try again later.")
	}

	identity := s.store.FindIdentityByEmail(ctx, email)
	if identity == nil {
		return nil
	}

	token := domain.PasswordResetToken{
		Token:      ulid.Make().String(),
		IdentityID: identity.ID,
		ExpiresAt:  s.now().Add(domain.ResetTokenTTL),
	}
	if err := s.store.CreatePasswordResetToken(ctx, token); err != nil {
		return err
	}

	if err := s.mail.Send(ctx, mailer.PasswordResetEmail(s.cfg.BaseURL, email, token.Token)); err != nil {
		// No usable token may outlive a failed delivery.
		s.store.DeleteResetToken(ctx, token.Token)
		return err
	}
	s.logger.Info("password reset email sent", zap.Int64("identity_id", identity.ID))
	return nil
}

// ResetPassword completes recovery with a token from the reset email. The
// password update and token consumption are one atomic write.
func (s *AuthService) ResetPassword(ctx context.Context, tokenValue, newPassword string) error {
	ctx, span := tracer.Start(ctx, "AuthService.ResetPassword")
	defer span.End()

	if len(newPassword) < password.MinLength {
		return apperror.Validation("Password must be at least 8 characters long.")
	}

	token := s.store.FindResetToken(ctx, tokenValue)
	if token == nil {
		return apperror.NotFound("Invalid or unknown reset token.")
	}
	if token.Used {
		return apperror.Validation("This password reset link has already been used.")
	}
	if token.Expired(s.now()) {
		s.store.DeleteResetToken(ctx, token.Token)
		return apperror.Validation("This password reset link has expired. Please request a new one.")
	}

	digest, err := password.Hash(newPassword)
	if err != nil {
		return apperror.ServiceUnavailable(err)
	}

	// Proving control of the mailbox doubles as email verification.
	if err := s.store.UpdatePasswordAndConsumeReset(ctx, token.IdentityID, digest, token.Token, s.now().UTC()); err != nil {
		return err
	}
	s.logger.Info("password reset completed", zap.Int64("identity_id", token.IdentityID))
	return nil
}

// VerifyEmail consumes a verification token. The token is one-time use,
// enforced by deletion.
func (s *AuthService) VerifyEmail(ctx context.Context, tokenValue, email string) error {
	ctx, span := tracer.Start(ctx, "AuthService.VerifyEmail")
	defer span.End()

	email = domain.NormalizeEmail(email)
	token := s.store.FindVerificationToken(ctx, tokenValue)
	if token == nil {
		return apperror.NotFound(domain.ErrorMessage(domain.ErrCodeVerification))
	}
	if token.Expired(s.now()) {
		s.store.DeleteVerificationToken(ctx, token.Token)
		return apperror.Validation("This verification link has expired. Please request a new one.")
	}
	if !strings.EqualFold(token.Identifier, email) {
		return apperror.Validation(domain.ErrorMessage(domain.ErrCodeVerification))
	}

	identity := s.store.FindIdentityByEmail(ctx, email)
	if identity == nil {
		return apperror.NotFound(domain.ErrorMessage(domain.ErrCodeVerification))
	}
	if err := s.store.SetEmailVerified(ctx, identity.ID, s.now().UTC()); err != nil {
		return err
	}
	s.store.DeleteVerificationToken(ctx, token.Token)
	s.logger.Info("email verified", zap.Int64("identity_id", identity.ID))
	return nil
}

// ResendVerification re-issues the verification email. The caller proves
// account ownership with the password; stale tokens are cleared so only the
// newest link works.
func (s *AuthService) ResendVerification(ctx context.Context, email, pass string) error {
	ctx, span := tracer.Start(ctx, "AuthService.ResendVerification")
	defer span.End()

	email = domain.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}
	if !s.limiter.Allow(ctx, scopeResend+":"+email, resendLimit, resendWindow) {
		return apperror.RateLimit("Too many resend requests. Please try again later.")
	}

	identity := s.store.FindIdentityByEmail(ctx, email)
	if identity == nil {
		return apperror.NotFound("No account found for this email.")
	}
	if identity.PasswordDigest == "" {
		return apperror.Validation("This account does not use password sign-in.")
	}
	if ok, err := password.Verify(pass, identity.PasswordDigest); err != nil || !ok {
		return apperror.Authentication(domain.ErrorMessage(domain.ErrCodeCredentialsSignin))
	}
	if identity.EmailVerifiedAt != nil {
		return apperror.Validation("This email address is already verified.")
	}

	s.store.DeleteVerificationTokensForIdentifier(ctx, email)
	if err := s.issueVerification(ctx, email); err != nil {
		return err
	}
	return nil
}

// CompleteOnboarding marks the identity's onboarding done and returns a
// refreshed session token carrying the new flag.
func (s *AuthService) CompleteOnboarding(ctx context.Context, identityID int64) (string, session.Token, error) {
	ctx, span := tracer.Start(ctx, "AuthService.CompleteOnboarding")
	defer span.End()

	if err := s.store.SetOnboardingCompleted(ctx, identityID, true); err != nil {
		return "", session.Token{}, err
	}
	identity := s.store.FindIdentityByID(ctx, identityID)
	if identity == nil {
		return "", session.Token{}, apperror.NotFound("Account not found.")
	}
	raw, token, err := s.sessions.Issue(ctx, *identity, domain.ProviderCredentials)
	if err != nil {
		return "", session.Token{}, err
	}
	s.logger.Info("onboarding completed", zap.Int64("identity_id", identityID))
	return raw, token, nil
}

// RefreshSession re-signs the session with fresh authoritative claims, at
// most once per update interval.
func (s *AuthService) RefreshSession(ctx context.Context, token session.Token) (string, session.Token, bool, error) {
	return s.sessions.Refresh(ctx, token)
}

// LimitStatus exposes the remaining budget for a scope, for rate-limit
// response headers.
func (s *AuthService) LimitStatus(ctx context.Context, scope, email string) (ratelimit.Status, int) {
	email = domain.NormalizeEmail(email)
	switch scope {
	case scopeLogin:
		return s.limiter.Status(ctx, scope+":"+email, loginLimit, loginWindow), loginLimit
	case scopeSignup:
		return s.limiter.Status(ctx, scope+":"+email, signupLimit, signupWindow), signupLimit
	case scopeForgot:
		return s.limiter.Status(ctx, scope+":"+email, forgotLimit, forgotWindow), forgotLimit
	default:
		return s.limiter.Status(ctx, scope+":"+email, resendLimit, resendWindow), resendLimit
	}
}

func validateEmail(email string) error {
	if email == "" {
		return apperror.Validation("Email is required.")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return apperror.Validation("Invalid email address.")
	}
	return nil
}
