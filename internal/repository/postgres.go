package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborauth/harbor/internal/domain"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps the pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

const identityColumns = `id, email, name, image, password_digest, email_verified_at, onboarding_completed, created_at, updated_at`

func (s *PostgresStore) scanIdentity(row pgx.Row) (domain.Identity, error) {
	var identity domain.Identity
	if err := row.Scan(
		&identity.ID,
		&identity.Email,
		&identity.Name,
		&identity.Image,
		&identity.PasswordDigest,
		&identity.EmailVerifiedAt,
		&identity.OnboardingCompleted,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	); err != nil {
		return domain.Identity{}, err
	}
	return identity, nil
}

func (s *PostgresStore) IdentityByEmail(ctx context.Context, email string) (domain.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE email = $1 LIMIT 1`
	identity, err := s.scanIdentity(s.db.QueryRow(ctx, query, domain.NormalizeEmail(email)))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("get identity by email: %w", err)
	}
	return identity, nil
}

func (s *PostgresStore) IdentityByID(ctx context.Context, id int64) (domain.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE id = $1 LIMIT 1`
	identity, err := s.scanIdentity(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("get identity by id: %w", err)
	}
	return identity, nil
}

func (s *PostgresStore) IdentityByLinkedAccount(ctx context.Context, provider domain.Provider, providerAccountID string) (domain.Identity, error) {
	query := `SELECT i.id, i.email, i.name, i.image, i.password_digest, i.email_verified_at, i.onboarding_completed, i.created_at, i.updated_at
FROM identities i
JOIN linked_accounts a ON a.identity_id = i.id
WHERE a.provider = $1 AND a.provider_account_id = $2
LIMIT 1`
	identity, err := s.scanIdentity(s.db.QueryRow(ctx, query, string(provider), providerAccountID))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("get identity by account: %w", err)
	}
	return identity, nil
}

func (s *PostgresStore) LinkedAccounts(ctx context.Context, identityID int64) ([]domain.LinkedAccount, error) {
	query := `SELECT id, identity_id, provider, provider_account_id, created_at
FROM linked_accounts WHERE identity_id = $1 ORDER BY created_at`
	rows, err := s.db.Query(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("list linked accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.LinkedAccount
	for rows.Next() {
		var account domain.LinkedAccount
		var provider string
		if err := rows.Scan(&account.ID, &account.IdentityID, &provider, &account.ProviderAccountID, &account.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan linked account: %w", err)
		}
		account.Provider = domain.Provider(provider)
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list linked accounts: %w", err)
	}
	return accounts, nil
}

func (s *PostgresStore) CreateIdentity(ctx context.Context, identity domain.Identity) (domain.Identity, error) {
	query := `INSERT INTO identities (id, email, name, image, password_digest, email_verified_at, onboarding_completed)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + identityColumns
	created, err := s.scanIdentity(s.db.QueryRow(ctx, query,
		identity.ID,
		domain.NormalizeEmail(identity.Email),
		identity.Name,
		identity.Image,
		identity.PasswordDigest,
		identity.EmailVerifiedAt,
		identity.OnboardingCompleted,
	))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("create identity: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) LinkAccount(ctx context.Context, account domain.LinkedAccount) error {
	query := `INSERT INTO linked_accounts (id, identity_id, provider, provider_account_id)
VALUES ($1, $2, $3, $4)`
	if _, err := s.db.Exec(ctx, query, account.ID, account.IdentityID, string(account.Provider), account.ProviderAccountID); err != nil {
		return fmt.Errorf("link account: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateIdentity(ctx context.Context, identity domain.Identity) error {
	query := `UPDATE identities SET name = $2, image = $3, onboarding_completed = $4, updated_at = now() WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, identity.ID, identity.Name, identity.Image, identity.OnboardingCompleted); err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetEmailVerified(ctx context.Context, identityID int64, verifiedAt time.Time) error {
	// Idempotent: only the null -> timestamp transition is applied.
	query := `UPDATE identities SET email_verified_at = $2, updated_at = now()
WHERE id = $1 AND email_verified_at IS NULL`
	if _, err := s.db.Exec(ctx, query, identityID, verifiedAt); err != nil {
		return fmt.Errorf("set email verified: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetOnboardingCompleted(ctx context.Context, identityID int64, completed bool) error {
	query := `UPDATE identities SET onboarding_completed = $2, updated_at = now() WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, identityID, completed); err != nil {
		return fmt.Errorf("set onboarding completed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateVerificationToken(ctx context.Context, token domain.VerificationToken) error {
	query := `INSERT INTO verification_tokens (token, identifier, expires_at) VALUES ($1, $2, $3)`
	if _, err := s.db.Exec(ctx, query, token.Token, domain.NormalizeEmail(token.Identifier), token.ExpiresAt); err != nil {
		return fmt.Errorf("create verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerificationTokenByValue(ctx context.Context, token string) (domain.VerificationToken, error) {
	query := `SELECT token, identifier, expires_at, created_at FROM verification_tokens WHERE token = $1 LIMIT 1`
	var vt domain.VerificationToken
	if err := s.db.QueryRow(ctx, query, token).Scan(&vt.Token, &vt.Identifier, &vt.ExpiresAt, &vt.CreatedAt); err != nil {
		return domain.VerificationToken{}, fmt.Errorf("get verification token: %w", err)
	}
	return vt, nil
}

func (s *PostgresStore) DeleteVerificationToken(ctx context.Context, token string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM verification_tokens WHERE token = $1`, token); err != nil {
		return fmt.Errorf("delete verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteVerificationTokensForIdentifier(ctx context.Context, identifier string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM verification_tokens WHERE identifier = $1`, domain.NormalizeEmail(identifier)); err != nil {
		return fmt.Errorf("delete verification tokens: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordResetToken(ctx context.Context, token domain.PasswordResetToken) error {
	query := `INSERT INTO password_reset_tokens (token, identity_id, expires_at, used) VALUES ($1, $2, $3, false)`
	if _, err := s.db.Exec(ctx, query, token.Token, token.IdentityID, token.ExpiresAt); err != nil {
		return fmt.Errorf("create reset token: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResetTokenByValue(ctx context.Context, token string) (domain.PasswordResetToken, error) {
	query := `SELECT token, identity_id, expires_at, used, created_at FROM password_reset_tokens WHERE token = $1 LIMIT 1`
	var rt domain.PasswordResetToken
	if err := s.db.QueryRow(ctx, query, token).Scan(&rt.Token, &rt.IdentityID, &rt.ExpiresAt, &rt.Used, &rt.CreatedAt); err != nil {
		return domain.PasswordResetToken{}, fmt.Errorf("get reset token: %w", err)
	}
	return rt, nil
}

func (s *PostgresStore) DeleteResetToken(ctx context.Context, token string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM password_reset_tokens WHERE token = $1`, token); err != nil {
		return fmt.Errorf("delete reset token: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePasswordAndConsumeReset(ctx context.Context, identityID int64, digest, token string, verifiedAt time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Completing a reset proves mailbox ownership, so it re-verifies the email.
	updateIdentity := `UPDATE identities
SET password_digest = $2, email_verified_at = $3, updated_at = now()
WHERE id = $1`
	if _, err := tx.Exec(ctx, updateIdentity, identityID, digest, verifiedAt); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	tag, err := tx.Exec(ctx, `UPDATE password_reset_tokens SET used = true WHERE token = $1 AND used = false`, token)
	if err != nil {
		return fmt.Errorf("consume reset token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("consume reset token: %w", pgx.ErrNoRows)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reset tx: %w", err)
	}
	return nil
}
