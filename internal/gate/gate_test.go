package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harborauth/harbor/internal/session"
)

func verifiedToken(onboarded bool) *session.Token {
	verifiedAt := time.Now().UTC()
	return &session.Token{
		IdentityID:          1,
		Email:               "user@example.com",
		EmailVerifiedAt:     &verifiedAt,
		OnboardingCompleted: onboarded,
	}
}

func unverifiedToken() *session.Token {
	return &session.Token{IdentityID: 1, Email: "user@example.com"}
}

func TestDecideTable(t *testing.T) {
	routes := DefaultRoutes()

	cases := []struct {
		name  string
		path  string
		token *session.Token
		want  Action
	}{
		{"auth api always passes", "/auth/signup", nil, Pass},
		{"auth api passes with unverified token", "/auth/verify-email", unverifiedToken(), Pass},
		{"verified token on signin page goes home", "/signin", verifiedToken(false), RedirectHome},
		{"verified token on signup page goes home", "/signup", verifiedToken(true), RedirectHome},
		{"unverified token forced to verify request", "/profile", unverifiedToken(), RedirectVerifyRequest},
		{"unverified token may sit on verify request", "/verify-request", unverifiedToken(), Pass},
		{"unverified token may open verify email", "/verify-email", unverifiedToken(), Pass},
		{"verified not onboarded blocked from settings", "/settings", verifiedToken(false), RedirectOnboarding},
		{"verified not onboarded blocked from profile subpage", "/profile/avatar", verifiedToken(false), RedirectOnboarding},
		{"onboarded token leaves onboarding page", "/onboarding", verifiedToken(true), RedirectHome},
		{"settings without token rejected", "/settings", nil, Reject},
		{"profile without token rejected", "/profile", nil, Reject},
		{"public page without token passes", "/", nil, Pass},
		{"onboarded token on settings passes", "/settings", verifiedToken(true), Pass},
		{"verified not onboarded on home passes", "/", verifiedToken(false), Pass},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Decide(routes, tc.path, tc.token))
		})
	}
}

func TestDecideDeterministic(t *testing.T) {
	routes := DefaultRoutes()
	token := verifiedToken(false)
	first := Decide(routes, "/settings", token)
	second := Decide(routes, "/settings", token)
	require.Equal(t, first, second)
}
