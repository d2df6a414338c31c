package reconcile

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harborauth/harbor/internal/domain"
	"github.com/harborauth/harbor/internal/repository"
)

type brokenStore struct {
	repository.Store
	err error
}

func (b *brokenStore) IdentityByEmail(ctx context.Context, email string) (domain.Identity, error) {
	return domain.Identity{}, b.err
}

func (b *brokenStore) IdentityByLinkedAccount(ctx context.Context, provider domain.Provider, providerAccountID string) (domain.Identity, error) {
	return domain.Identity{}, b.err
}

func seedIdentity(t *testing.T, store *repository.MemoryStore, email string, providers ...domain.Provider) domain.Identity {
	t.Helper()
	identity, err := store.CreateIdentity(context.Background(), domain.Identity{Email: email})
	require.NoError(t, err)
	for _, p := range providers {
		require.NoError(t, store.LinkAccount(context.Background(), domain.LinkedAccount{
			IdentityID:        identity.ID,
			Provider:          p,
			ProviderAccountID: "acct-" + string(p),
		}))
	}
	return identity
}

func TestDecideNewEmailSignIn(t *testing.T) {
	r := New(repository.NewMemoryStore(), zap.NewNop())

	d := r.Decide(context.Background(), Candidate{Email: "New@Example.com"},
		Account{Provider: domain.ProviderEmail, ProviderAccountID: "new@example.com"}, Profile{})

	require.True(t, d.Allow)
	require.Nil(t, d.Existing)
	require.Equal(t, "new@example.com", d.Candidate.Email)
}

func TestDecideCredentialsAgainstOAuthIdentity(t *testing.T) {
	store := repository.NewMemoryStore()
	seedIdentity(t, store, "user@example.com", domain.ProviderGoogle)
	r := New(store, zap.NewNop())

	d := r.Decide(context.Background(), Candidate{Email: "user@example.com"},
		Account{Provider: domain.ProviderCredentials, ProviderAccountID: "user@example.com"}, Profile{})

	require.False(t, d.Allow)
	require.Equal(t, domain.ErrCodeOAuthAccountNotLinked, d.Redirect)
}

func TestDecideCredentialsAllowedWhenCredentialExists(t *testing.T) {
	store := repository.NewMemoryStore()
	identity := seedIdentity(t, store, "user@example.com", domain.ProviderGoogle, domain.ProviderCredentials)
	r := New(store, zap.NewNop())

	d := r.Decide(context.Background(), Candidate{Email: "user@example.com"},
		Account{Provider: domain.ProviderCredentials, ProviderAccountID: "user@example.com"}, Profile{})

	require.True(t, d.Allow)
	require.NotNil(t, d.Existing)
	require.Equal(t, identity.ID, d.Existing.ID)
}

func TestDecideSecondOAuthProviderLinksByEmail(t *testing.T) {
	store := repository.NewMemoryStore()
	identity := seedIdentity(t, store, "user@example.com", domain.ProviderGoogle)
	r := New(store, zap.NewNop())

	d := r.Decide(context.Background(), Candidate{Email: "user@example.com"},
		Account{Provider: domain.ProviderGitHub, ProviderAccountID: "gh-1"}, Profile{Name: "User", AvatarURL: "https://example.com/a.png"})

	require.True(t, d.Allow)
	require.True(t, d.Link)
	require.NotNil(t, d.Existing)
	require.Equal(t, identity.ID, d.Existing.ID)
	require.Equal(t, "User", d.Candidate.Name)
}

func TestDecideKnownOAuthAccount(t *testing.T) {
	store := repository.NewMemoryStore()
	identity := seedIdentity(t, store, "user@example.com", domain.ProviderGoogle)
	r := New(store, zap.NewNop())

	d := r.Decide(context.Background(), Candidate{Email: "user@example.com"},
		Account{Provider: domain.ProviderGoogle, ProviderAccountID: "acct-google"}, Profile{})

	require.True(t, d.Allow)
	require.False(t, d.Link)
	require.Equal(t, identity.ID, d.Existing.ID)
}

func TestDecideInfrastructureFailure(t *testing.T) {
	r := New(&brokenStore{err: &pgconn.PgError{Code: "42P01"}}, zap.NewNop())

	d := r.Decide(context.Background(), Candidate{Email: "user@example.com"},
		Account{Provider: domain.ProviderGoogle, ProviderAccountID: "acct"}, Profile{})

	require.False(t, d.Allow)
	require.Equal(t, domain.RedirectDatabaseSetup, d.Redirect)
}

func TestDecideGenericFailure(t *testing.T) {
	r := New(&brokenStore{err: &pgconn.PgError{Code: "22001"}}, zap.NewNop())

	d := r.Decide(context.Background(), Candidate{Email: "user@example.com"},
		Account{Provider: domain.ProviderEmail, ProviderAccountID: "user@example.com"}, Profile{})

	require.False(t, d.Allow)
	require.Equal(t, domain.RedirectGenericError, d.Redirect)
}

func TestDecideIdempotent(t *testing.T) {
	store := repository.NewMemoryStore()
	seedIdentity(t, store, "user@example.com", domain.ProviderGoogle)
	r := New(store, zap.NewNop())

	candidate := Candidate{Email: "user@example.com"}
	account := Account{Provider: domain.ProviderGitHub, ProviderAccountID: "gh-1"}

	first := r.Decide(context.Background(), candidate, account, Profile{})
	second := r.Decide(context.Background(), candidate, account, Profile{})
	require.Equal(t, first.Allow, second.Allow)
	require.Equal(t, first.Link, second.Link)
	require.Equal(t, first.Redirect, second.Redirect)
}
