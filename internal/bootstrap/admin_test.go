package bootstrap

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harborauth/harbor/internal/config"
	"github.com/harborauth/harbor/internal/repository"
)

func TestEnsureAdminCreatesOnce(t *testing.T) {
	store := repository.NewMemoryStore()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	cfg := &config.Config{AdminEmail: "Admin@Example.com", AdminPassword: "bootstrap-secret"}

	require.NoError(t, ensureAdmin(context.Background(), cfg, store, node, zap.NewNop()))

	admin, err := store.IdentityByEmail(context.Background(), "admin@example.com")
	require.NoError(t, err)
	require.NotNil(t, admin.EmailVerifiedAt)
	require.True(t, admin.OnboardingCompleted)
	require.NotEmpty(t, admin.PasswordDigest)

	// Idempotent on restart.
	require.NoError(t, ensureAdmin(context.Background(), cfg, store, node, zap.NewNop()))
}

func TestEnsureAdminSkipsWithoutConfig(t *testing.T) {
	store := repository.NewMemoryStore()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	require.NoError(t, ensureAdmin(context.Background(), &config.Config{}, store, node, zap.NewNop()))
	_, err = store.IdentityByEmail(context.Background(), "admin@example.com")
	require.Error(t, err)
}
