package service

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harborauth/harbor/internal/adapter/oauth"
	"github.com/harborauth/harbor/internal/domain"
)

func startOAuth(t *testing.T, f *fixture, provider domain.Provider) (authorizeURL *url.URL, state string) {
	t.Helper()
	raw, err := f.svc.StartOAuth(context.Background(), provider, "http://localhost:8080/auth/oauth/callback")
	require.NoError(t, err)
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	state = parsed.Query().Get("state")
	require.NotEmpty(t, state)
	return parsed, state
}

func TestStartOAuthBuildsAuthorizeURL(t *testing.T) {
	f := newFixture(t)

	parsed, _ := startOAuth(t, f, domain.ProviderGoogle)
	require.Equal(t, "accounts.google.com", parsed.Host)
	query := parsed.Query()
	require.Equal(t, "code", query.Get("response_type"))
	require.Equal(t, "google-id", query.Get("client_id"))
	require.Equal(t, "S256", query.Get("code_challenge_method"))
	require.True(t, strings.Contains(query.Get("scope"), "email"))
}

func TestStartOAuthRejectsNonOAuthProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.StartOAuth(context.Background(), domain.ProviderCredentials, "http://localhost:8080/cb")
	require.Error(t, err)
}

func TestCompleteOAuthCreatesIdentity(t *testing.T) {
	f := newFixture(t)
	f.provider.info = &oauth.UserInfo{Subject: "g-123", Email: "User@Example.com", Name: "User", Picture: "https://img.example/u.png"}
	_, state := startOAuth(t, f, domain.ProviderGoogle)

	result := f.svc.CompleteOAuth(context.Background(), domain.ProviderGoogle, state, "auth-code")
	require.Empty(t, result.Redirect)
	require.NotEmpty(t, result.SessionToken)
	require.Equal(t, "user@example.com", result.Token.Email)

	identity := f.svc.store.FindIdentityByEmail(context.Background(), "user@example.com")
	require.NotNil(t, identity)
	accounts, err := f.store.LinkedAccounts(context.Background(), identity.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, domain.ProviderGoogle, accounts[0].Provider)

	// OAuth sign-in implies a verified mailbox; self-healing or the async
	// write must have recorded it by the time the session exists.
	require.True(t, result.Token.Verified())
}

func TestCompleteOAuthLinksSecondProvider(t *testing.T) {
	f := newFixture(t)
	f.provider.info = &oauth.UserInfo{Subject: "g-123", Email: "user@example.com"}
	_, state := startOAuth(t, f, domain.ProviderGoogle)
	first := f.svc.CompleteOAuth(context.Background(), domain.ProviderGoogle, state, "code-1")
	require.Empty(t, first.Redirect)

	f.provider.info = &oauth.UserInfo{Subject: "gh-9", Email: "user@example.com"}
	_, state = startOAuth(t, f, domain.ProviderGitHub)
	second := f.svc.CompleteOAuth(context.Background(), domain.ProviderGitHub, state, "code-2")
	require.Empty(t, second.Redirect)
	require.Equal(t, first.Token.IdentityID, second.Token.IdentityID)

	accounts, err := f.store.LinkedAccounts(context.Background(), first.Token.IdentityID)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
}

func TestCompleteOAuthUnknownState(t *testing.T) {
	f := newFixture(t)
	f.provider.info = &oauth.UserInfo{Subject: "g-123", Email: "user@example.com"}

	result := f.svc.CompleteOAuth(context.Background(), domain.ProviderGoogle, "forged-state", "auth-code")
	require.Equal(t, domain.ErrCodeOAuthCallback, result.Redirect)
	require.Empty(t, result.SessionToken)
}

func TestCompleteOAuthStateIsOneShot(t *testing.T) {
	f := newFixture(t)
	f.provider.info = &oauth.UserInfo{Subject: "g-123", Email: "user@example.com"}
	_, state := startOAuth(t, f, domain.ProviderGoogle)

	first := f.svc.CompleteOAuth(context.Background(), domain.ProviderGoogle, state, "auth-code")
	require.Empty(t, first.Redirect)

	replay := f.svc.CompleteOAuth(context.Background(), domain.ProviderGoogle, state, "auth-code")
	require.Equal(t, domain.ErrCodeOAuthCallback, replay.Redirect)
}

func TestCompleteOAuthExchangeFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.info = &oauth.UserInfo{Subject: "g-123", Email: "user@example.com"}
	f.provider.exchangeErr = context.DeadlineExceeded
	_, state := startOAuth(t, f, domain.ProviderGoogle)

	result := f.svc.CompleteOAuth(context.Background(), domain.ProviderGoogle, state, "auth-code")
	require.Equal(t, domain.ErrCodeOAuthCallback, result.Redirect)
}

func TestCompleteOAuthSignInForKnownAccount(t *testing.T) {
	f := newFixture(t)
	f.provider.info = &oauth.UserInfo{Subject: "g-123", Email: "user@example.com"}
	_, state := startOAuth(t, f, domain.ProviderGoogle)
	first := f.svc.CompleteOAuth(context.Background(), domain.ProviderGoogle, state, "code-1")
	require.Empty(t, first.Redirect)

	// Give the detached verification write time to land, then sign in again.
	time.Sleep(50 * time.Millisecond)
	_, state = startOAuth(t, f, domain.ProviderGoogle)
	second := f.svc.CompleteOAuth(context.Background(), domain.ProviderGoogle, state, "code-2")
	require.Empty(t, second.Redirect)
	require.Equal(t, first.Token.IdentityID, second.Token.IdentityID)
	require.True(t, second.Token.Verified())
}
