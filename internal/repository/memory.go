package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/harborauth/harbor/internal/domain"
)

// MemoryStore is an in-memory Store used by tests. It reports the same
// sentinel errors as the Postgres implementation so Classify behaves
// identically against it.
type MemoryStore struct {
	mu         sync.Mutex
	nextID     int64
	identities map[int64]domain.Identity
	accounts   []domain.LinkedAccount
	verifTokens map[string]domain.VerificationToken
	resetTokens map[string]domain.PasswordResetToken
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:      1,
		identities:  make(map[int64]domain.Identity),
		verifTokens: make(map[string]domain.VerificationToken),
		resetTokens: make(map[string]domain.PasswordResetToken),
	}
}

func (s *MemoryStore) IdentityByEmail(ctx context.Context, email string) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, identity := range s.identities {
		if strings.EqualFold(identity.Email, email) {
			return identity, nil
		}
	}
	return domain.Identity{}, pgx.ErrNoRows
}

func (s *MemoryStore) IdentityByID(ctx context.Context, id int64) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return domain.Identity{}, pgx.ErrNoRows
	}
	return identity, nil
}

func (s *MemoryStore) IdentityByLinkedAccount(ctx context.Context, provider domain.Provider, providerAccountID string) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.accounts {
		if account.Provider == provider && account.ProviderAccountID == providerAccountID {
			identity, ok := s.identities[account.IdentityID]
			if !ok {
				return domain.Identity{}, pgx.ErrNoRows
			}
			return identity, nil
		}
	}
	return domain.Identity{}, pgx.ErrNoRows
}

func (s *MemoryStore) LinkedAccounts(ctx context.Context, identityID int64) ([]domain.LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LinkedAccount
	for _, account := range s.accounts {
		if account.IdentityID == identityID {
			out = append(out, account)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateIdentity(ctx context.Context, identity domain.Identity) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.identities {
		if strings.EqualFold(existing.Email, identity.Email) {
			return domain.Identity{}, &pgconn.PgError{Code: "23505", ConstraintName: "identities_email_key"}
		}
	}
	if identity.ID == 0 {
		identity.ID = s.nextID
		s.nextID++
	}
	now := time.Now()
	identity.CreatedAt = now
	identity.UpdatedAt = now
	s.identities[identity.ID] = identity
	return identity, nil
}

func (s *MemoryStore) LinkAccount(ctx context.Context, account domain.LinkedAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.Provider == account.Provider && existing.ProviderAccountID == account.ProviderAccountID {
			return &pgconn.PgError{Code: "23505", ConstraintName: "linked_accounts_provider_key"}
		}
	}
	if account.ID == 0 {
		account.ID = s.nextID
		s.nextID++
	}
	account.CreatedAt = time.Now()
	s.accounts = append(s.accounts, account)
	return nil
}

func (s *MemoryStore) UpdateIdentity(ctx context.Context, identity domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.identities[identity.ID]
	if !ok {
		return pgx.ErrNoRows
	}
	identity.CreatedAt = existing.CreatedAt
	identity.UpdatedAt = time.Now()
	s.identities[identity.ID] = identity
	return nil
}

func (s *MemoryStore) SetEmailVerified(ctx context.Context, identityID int64, verifiedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[identityID]
	if !ok {
		return pgx.ErrNoRows
	}
	if identity.EmailVerifiedAt == nil {
		identity.EmailVerifiedAt = &verifiedAt
		identity.UpdatedAt = time.Now()
		s.identities[identityID] = identity
	}
	return nil
}

func (s *MemoryStore) SetOnboardingCompleted(ctx context.Context, identityID int64, completed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[identityID]
	if !ok {
		return pgx.ErrNoRows
	}
	identity.OnboardingCompleted = completed
	identity.UpdatedAt = time.Now()
	s.identities[identityID] = identity
	return nil
}

func (s *MemoryStore) CreateVerificationToken(ctx context.Context, token domain.VerificationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token.CreatedAt = time.Now()
	s.verifTokens[token.Token] = token
	return nil
}

func (s *MemoryStore) VerificationTokenByValue(ctx context.Context, token string) (domain.VerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vt, ok := s.verifTokens[token]
	if !ok {
		return domain.VerificationToken{}, pgx.ErrNoRows
	}
	return vt, nil
}

func (s *MemoryStore) DeleteVerificationToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.verifTokens, token)
	return nil
}

func (s *MemoryStore) DeleteVerificationTokensForIdentifier(ctx context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for value, vt := range s.verifTokens {
		if strings.EqualFold(vt.Identifier, identifier) {
			delete(s.verifTokens, value)
		}
	}
	return nil
}

func (s *MemoryStore) CreatePasswordResetToken(ctx context.Context, token domain.PasswordResetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token.CreatedAt = time.Now()
	s.resetTokens[token.Token] = token
	return nil
}

func (s *MemoryStore) ResetTokenByValue(ctx context.Context, token string) (domain.PasswordResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.resetTokens[token]
	if !ok {
		return domain.PasswordResetToken{}, pgx.ErrNoRows
	}
	return rt, nil
}

func (s *MemoryStore) DeleteResetToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resetTokens, token)
	return nil
}

func (s *MemoryStore) UpdatePasswordAndConsumeReset(ctx context.Context, identityID int64, digest, token string, verifiedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[identityID]
	if !ok {
		return pgx.ErrNoRows
	}
	rt, ok := s.resetTokens[token]
	if !ok || rt.Used {
		return pgx.ErrNoRows
	}
	identity.PasswordDigest = digest
	identity.EmailVerifiedAt = &verifiedAt
	identity.UpdatedAt = time.Now()
	s.identities[identityID] = identity
	rt.Used = true
	s.resetTokens[token] = rt
	return nil
}
