// Package bootstrap seeds development fixtures at startup.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/harborauth/harbor/internal/config"
	"github.com/harborauth/harbor/internal/domain"
	"github.com/harborauth/harbor/internal/password"
	"github.com/harborauth/harbor/internal/repository"
)

// EnsureAdmin creates a verified, onboarded admin identity for dev and e2e
// environments when the admin credentials are configured. It is a no-op in
// deployments that leave them unset.
func EnsureAdmin(lc fx.Lifecycle, cfg *config.Config, store repository.Store, node *snowflake.Node, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureAdmin(ctx, cfg, store, node, logger)
		},
	})
}

func ensureAdmin(ctx context.Context, cfg *config.Config, store repository.Store, node *snowflake.Node, logger *zap.Logger) error {
	email := domain.NormalizeEmail(cfg.AdminEmail)
	if email == "" || cfg.AdminPassword == "" {
		return nil
	}

	if _, err := store.IdentityByEmail(ctx, email); err == nil {
		return nil
	} else if repository.Classify(err) != repository.ClassNotFound {
		return fmt.Errorf("bootstrap lookup admin: %w", err)
	}

	digest, err := password.Hash(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("bootstrap hash password: %w", err)
	}

	now := time.Now().UTC()
	created, err := store.CreateIdentity(ctx, domain.Identity{
		ID:                  node.Generate().Int64(),
		Email:               email,
		Name:                "Admin",
		PasswordDigest:      digest,
		EmailVerifiedAt:     &now,
		OnboardingCompleted: true,
	})
	if err != nil {
		return fmt.Errorf("bootstrap create admin: %w", err)
	}

	if err := store.LinkAccount(ctx, domain.LinkedAccount{
		ID:                node.Generate().Int64(),
		IdentityID:        created.ID,
		Provider:          domain.ProviderCredentials,
		ProviderAccountID: email,
	}); err != nil {
		return fmt.Errorf("bootstrap link admin account: %w", err)
	}

	if logger != nil {
		logger.Info("bootstrap admin identity created",
			zap.String("email", created.Email),
			zap.Int64("identity_id", created.ID),
		)
	}
	return nil
}
