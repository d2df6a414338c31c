// Package session issues and validates the signed, stateless session token
// that carries identity claims across requests.
package session

import (
	"fmt"
	"strconv"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/harborauth/harbor/internal/apperror"
)

// DefaultMaxAge is the session token lifetime when none is configured.
const DefaultMaxAge = 30 * 24 * time.Hour

// Token is the decoded session payload. EmailVerifiedAt and
// OnboardingCompleted mirror the identity row as of the last refresh.
type Token struct {
	IdentityID          int64
	Email               string
	Name                string
	Image               string
	EmailVerifiedAt     *time.Time
	OnboardingCompleted bool
	IssuedAt            time.Time
	ExpiresAt           time.Time
}

// Verified reports whether the token carries a verification timestamp.
func (t Token) Verified() bool { return t.EmailVerifiedAt != nil }

type sessionClaims struct {
	Email               string     `json:"email"`
	Name                string     `json:"name,omitempty"`
	Picture             string     `json:"picture,omitempty"`
	EmailVerifiedAt     *time.Time `json:"email_verified_at,omitempty"`
	OnboardingCompleted bool       `json:"onboarding_completed"`
}

// Codec signs and verifies session tokens with a single symmetric key.
type Codec struct {
	secret []byte
	issuer string
	maxAge time.Duration

	now func() time.Time
}

// NewCodec constructs a codec. The secret must be at least 32 bytes; Load
// enforces that at startup.
func NewCodec(secret []byte, issuer string, maxAge time.Duration) *Codec {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Codec{secret: secret, issuer: issuer, maxAge: maxAge, now: time.Now}
}

// MaxAge returns the configured token lifetime.
func (c *Codec) MaxAge() time.Duration { return c.maxAge }

// Encode signs token, stamping IssuedAt and ExpiresAt from the codec clock
// when unset.
func (c *Codec) Encode(token Token) (string, error) {
	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.HS256, Key: c.secret},
		(&gojose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	now := c.now().UTC()
	if token.IssuedAt.IsZero() {
		token.IssuedAt = now
	}
	if token.ExpiresAt.IsZero() {
		token.ExpiresAt = token.IssuedAt.Add(c.maxAge)
	}

	std := gojwt.Claims{
		Subject:  strconv.FormatInt(token.IdentityID, 10),
		Issuer:   c.issuer,
		IssuedAt: gojwt.NewNumericDate(token.IssuedAt),
		Expiry:   gojwt.NewNumericDate(token.ExpiresAt),
	}
	custom := sessionClaims{
		Email:               token.Email,
		Name:                token.Name,
		Picture:             token.Image,
		EmailVerifiedAt:     token.EmailVerifiedAt,
		OnboardingCompleted: token.OnboardingCompleted,
	}

	raw, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize session token: %w", err)
	}
	return raw, nil
}

// Decode verifies the signature and expiry and returns the claims.
func (c *Codec) Decode(raw string) (Token, error) {
	parsed, err := gojwt.ParseSigned(raw, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return Token{}, apperror.Authentication("Invalid session token.")
	}

	var std gojwt.Claims
	var custom sessionClaims
	if err := parsed.Claims(c.secret, &std, &custom); err != nil {
		return Token{}, apperror.Authentication("Invalid session token.")
	}
	if err := std.Validate(gojwt.Expected{Issuer: c.issuer, Time: c.now()}); err != nil {
		return Token{}, apperror.Authentication("Session expired.")
	}

	id, err := strconv.ParseInt(std.Subject, 10, 64)
	if err != nil {
		return Token{}, apperror.Authentication("Invalid session token.")
	}

	token := Token{
		IdentityID:          id,
		Email:               custom.Email,
		Name:                custom.Name,
		Image:               custom.Picture,
		EmailVerifiedAt:     custom.EmailVerifiedAt,
		OnboardingCompleted: custom.OnboardingCompleted,
	}
	if std.IssuedAt != nil {
		token.IssuedAt = std.IssuedAt.Time()
	}
	if std.Expiry != nil {
		token.ExpiresAt = std.Expiry.Time()
	}
	return token, nil
}
