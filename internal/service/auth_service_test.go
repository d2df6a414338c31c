package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harborauth/harbor/internal/adapter/cache"
	"github.com/harborauth/harbor/internal/adapter/oauth"
	"github.com/harborauth/harbor/internal/apperror"
	"github.com/harborauth/harbor/internal/breaker"
	"github.com/harborauth/harbor/internal/config"
	"github.com/harborauth/harbor/internal/domain"
	"github.com/harborauth/harbor/internal/mailer"
	"github.com/harborauth/harbor/internal/ratelimit"
	"github.com/harborauth/harbor/internal/reconcile"
	"github.com/harborauth/harbor/internal/repository"
	"github.com/harborauth/harbor/internal/session"
)

type recordingSender struct {
	sent []mailer.Message
	err  error
}

func (r *recordingSender) Send(ctx context.Context, msg mailer.Message) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

type fakeProviderClient struct {
	info        *oauth.UserInfo
	exchangeErr error
}

func (f *fakeProviderClient) ExchangeCode(ctx context.Context, provider domain.Provider, creds oauth.Credentials, code, codeVerifier, redirectURI string) (*oauth.TokenResponse, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &oauth.TokenResponse{AccessToken: "access-token"}, nil
}

func (f *fakeProviderClient) FetchUserInfo(ctx context.Context, provider domain.Provider, accessToken string) (*oauth.UserInfo, error) {
	if f.info == nil {
		return nil, errors.New("no profile")
	}
	return f.info, nil
}

type fixture struct {
	svc      *AuthService
	store    *repository.MemoryStore
	sender   *recordingSender
	provider *fakeProviderClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	store := repository.NewMemoryStore()
	db := breaker.New("database", 5, 30*time.Second, logger)
	resilient := repository.NewResilientStore(store, db, logger)
	codec := session.NewCodec([]byte("0123456789abcdef0123456789abcdef"), "harbor", 30*24*time.Hour)
	sessions := session.NewBuilder(resilient, codec, 24*time.Hour, logger)
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), logger)
	sender := &recordingSender{}
	provider := &fakeProviderClient{}
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	cfg := &config.Config{
		BaseURL: "http://localhost:8080",
		Google:  config.OAuthProvider{ClientID: "google-id", ClientSecret: "google-secret"},
		GitHub:  config.OAuthProvider{ClientID: "github-id", ClientSecret: "github-secret"},
	}

	svc := NewAuthService(
		resilient,
		reconcile.New(store, logger),
		sessions,
		limiter,
		sender,
		provider,
		cache.NewMemoryStateStore(),
		cfg,
		node,
		logger,
	)
	return &fixture{svc: svc, store: store, sender: sender, provider: provider}
}

func TestSignupCreatesIdentityAndSendsVerification(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.Signup(context.Background(), SignupInput{Email: "A@B.com", Password: "longenough1", Name: "Alice"})
	require.NoError(t, err)
	require.True(t, result.EmailSent)
	require.Equal(t, "a@b.com", result.Identity.Email)
	require.Nil(t, result.Identity.EmailVerifiedAt)
	require.Len(t, f.sender.sent, 1)
	require.Equal(t, "a@b.com", f.sender.sent[0].To)

	accounts, err := f.store.LinkedAccounts(context.Background(), result.Identity.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, domain.ProviderCredentials, accounts[0].Provider)
}

func TestSignupDuplicateEmailConflicts(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Signup(context.Background(), SignupInput{Email: "a@b.com", Password: "longenough1"})
	require.NoError(t, err)

	_, err = f.svc.Signup(context.Background(), SignupInput{Email: "a@b.com", Password: "longenough1"})
	require.True(t, apperror.IsKind(err, apperror.KindConflict))
}

func TestSignupRejectsShortPassword(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Signup(context.Background(), SignupInput{Email: "a@b.com", Password: "short"})
	require.True(t, apperror.IsKind(err, apperror.KindValidation))
}

func TestSignupSurvivesMailFailure(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("provider down")

	result, err := f.svc.Signup(context.Background(), SignupInput{Email: "a@b.com", Password: "longenough1"})
	require.NoError(t, err)
	require.False(t, result.EmailSent)

	// Identity exists despite the failed delivery.
	require.NotNil(t, f.svc.store.FindIdentityByEmail(context.Background(), "a@b.com"))
}

func TestLoginWithPassword(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Signup(context.Background(), SignupInput{Email: "a@b.com", Password: "longenough1"})
	require.NoError(t, err)

	raw, token, err := f.svc.LoginWithPassword(context.Background(), "a@b.com", "longenough1")
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.Equal(t, "a@b.com", token.Email)

	_, _, err = f.svc.LoginWithPassword(context.Background(), "a@b.com", "wrong-password")
	require.True(t, apperror.IsKind(err, apperror.KindAuthentication))
}

func TestLoginRateLimited(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Signup(context.Background(), SignupInput{Email: "a@b.com", Password: "longenough1"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, err = f.svc.LoginWithPassword(context.Background(), "a@b.com", "wrong-password")
		require.True(t, apperror.IsKind(err, apperror.KindAuthentication))
	}
	_, _, err = f.svc.LoginWithPassword(context.Background(), "a@b.com", "wrong-password")
	require.True(t, apperror.IsKind(err, apperror.KindRateLimit))
}

func TestLoginRejectsOAuthOnlyIdentity(t *testing.T) {
	f := newFixture(t)
	created, err := f.store.CreateIdentity(context.Background(), domain.Identity{Email: "a@b.com"})
	require.NoError(t, err)
	require.NoError(t, f.store.LinkAccount(context.Background(), domain.LinkedAccount{
		IdentityID: created.ID, Provider: domain.ProviderGoogle, ProviderAccountID: "g-1",
	}))

	_, _, err = f.svc.LoginWithPassword(context.Background(), "a@b.com", "whatever123")
	require.True(t, apperror.IsKind(err, apperror.KindAuthentication))
	require.Contains(t, err.Error(), domain.ErrorMessage(domain.ErrCodeOAuthAccountNotLinked))
}

func TestForgotPasswordUnknownEmailStaysQuiet(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.ForgotPassword(context.Background(), "ghost@example.com"))
	require.Empty(t, f.sender.sent)
}

func TestForgotPasswordSendFailureRollsBackToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Signup(context.Background(), SignupInput{Email: "a@b.com", Password: "longenough1"})
	require.NoError(t, err)
	f.sender.err = errors.New("provider down")

	err = f.svc.ForgotPassword(context.Background(), "a@b.com")
	require.Error(t, err)
}

func TestResetPasswordReplayRejected(t *testing.T) {
	f := newFixture(t)
	result, err := f.svc.Signup(context.Background(), SignupInput{Email: "a@b.com", Password: "longenough1"})
	require.NoError(t, err)
	require.NoError(t, f.svc.ForgotPassword(context.Background(), "a@b.com"))

	// Recover the token from the seeded store.
	var tokenValue string
	require.Len(t, f.sender.sent, 2) // verification + reset
	require.NoError(t, err)
	tokenValue = extractResetToken(t, f, result.Identity.ID)

	require.NoError(t, f.svc.ResetPassword(context.Background(), tokenValue, "newpassword1"))

	err = f.svc.ResetPassword(context.Background(), tokenValue, "anotherpass1")
	require.True(t, apperror.IsKind(err, apperror.KindValidation))
	require.Contains(t, err.Error(), "already been used")

	// New password works; reset also implied re-verification.
	_, token, err := f.svc.LoginWithPassword(context.Background(), "a@b.com", "newpassword1")
	require.NoError(t, err)
	require.True(t, token.Verified())
}

func TestResetPasswordExpiredTokenRejectedAndDeleted(t *testing.T) {
	f := newFixture(t)
	result, err := f.svc.Signup(context.Background(), SignupInput{Email: "a@b.com", Password: "longenough1"})
	require.NoError(t, err)
	require.NoError(t, f.svc.ForgotPassword(context.Background(), "a@b.com"))
	tokenValue := extractResetToken(t, f, result.Identity.ID)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	err = f.svc.ResetPassword(context.Background(), tokenValue, "newpassword1")
	require.True(t, apperror.IsKind(err, apperror.KindValidation))

	_, getErr := f.store.ResetTokenByValue(context.Background(), tokenValue)
	require.Error(t, getErr)
}

func TestResetPasswordUnknownToken(t *testing.T) {
	f := newFixture(t)
	err := f.svc.ResetPassword(context.Background(), "no-such-token", "newpassword1")
	require.True(t, apperror.IsKind(err, apperror.KindNotFound))
}

func TestVerifyEmailFlow(t *testing.T) {
	f := newFixture(t)
	result, err := f.svc.Signup(context.Background(), SignupInput{Email: "a@b.com", Password: "longenough1"})
	require.NoError(t, err)
	tokenValue := extractVerificationToken(t, f, "a@b.com")

	// Identifier mismatch rejected.
	err = f.svc.VerifyEmail(context.Background(), tokenValue, "other@b.com")
	require.True(t, apperror.IsKind(err, apperror.KindValidation))

	// Case-insensitive identifier match succeeds and consumes the token.
	require.NoError(t, f.svc.VerifyEmail(context.Background(), tokenValue, "A@B.com"))
	row, err := f.store.IdentityByID(context.Background(), result.Identity.ID)
	require.NoError(t, err)
	require.NotNil(t, row.EmailVerifiedAt)

	err = f.svc.VerifyEmail(context.Background(), tokenValue, "a@b.com")
	require.True(t, apperror.IsKind(err, apperror.KindNotFound))
}

func TestResendVerification(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Signup(context.Background(), SignupInput{Email: "a@b.com", Password: "longenough1"})
	require.NoError(t, err)
	oldToken := extractVerificationToken(t, f, "a@b.com")

	// Wrong password is not enough to trigger a resend.
	err = f.svc.ResendVerification(context.Background(), "a@b.com", "wrong-password")
	require.True(t, apperror.IsKind(err, apperror.KindAuthentication))

	require.NoError(t, f.svc.ResendVerification(context.Background(), "a@b.com", "longenough1"))

	// The old token is gone; only the newest link works.
	_, getErr := f.store.VerificationTokenByValue(context.Background(), oldToken)
	require.Error(t, getErr)

	newToken := extractVerificationToken(t, f, "a@b.com")
	require.NoError(t, f.svc.VerifyEmail(context.Background(), newToken, "a@b.com"))

	err = f.svc.ResendVerification(context.Background(), "a@b.com", "longenough1")
	require.True(t, apperror.IsKind(err, apperror.KindValidation))
}

func TestCompleteOnboarding(t *testing.T) {
	f := newFixture(t)
	result, err := f.svc.Signup(context.Background(), SignupInput{Email: "a@b.com", Password: "longenough1"})
	require.NoError(t, err)

	raw, token, err := f.svc.CompleteOnboarding(context.Background(), result.Identity.ID)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.True(t, token.OnboardingCompleted)
}

// extractResetToken digs the newest reset token for the identity out of the
// memory store.
func extractResetToken(t *testing.T, f *fixture, identityID int64) string {
	t.Helper()
	for _, msg := range f.sender.sent {
		if token, ok := tokenFromLink(msg.Text, "token="); ok && msg.Subject == "Reset your password" {
			return token
		}
	}
	t.Fatalf("no reset token for identity %d", identityID)
	return ""
}

func extractVerificationToken(t *testing.T, f *fixture, email string) string {
	t.Helper()
	for i := len(f.sender.sent) - 1; i >= 0; i-- {
		msg := f.sender.sent[i]
		if msg.To == email && msg.Subject == "Verify your email address" {
			if token, ok := tokenFromLink(msg.Text, "token="); ok {
				return token
			}
		}
	}
	t.Fatalf("no verification token for %s", email)
	return ""
}

func tokenFromLink(text, marker string) (string, bool) {
	idx := -1
	for i := 0; i+len(marker) <= len(text); i++ {
		if text[i:i+len(marker)] == marker {
			idx = i + len(marker)
			break
		}
	}
	if idx < 0 {
		return "", false
	}
	end := idx
	for end < len(text) && text[end] != '&' && text[end] != '\n' && text[end] != ' ' {
		end++
	}
	return text[idx:end], idx < end
}
