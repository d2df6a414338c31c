// Package gate decides, per request, whether the current session may reach
// a path or must be redirected through verification and onboarding first.
package gate

import (
	"strings"

	"github.com/harborauth/harbor/internal/session"
)

// Action is the gate's verdict for one request.
type Action int

const (
	Pass Action = iota
	RedirectHome
	RedirectVerifyRequest
	RedirectOnboarding
	Reject
)

func (a Action) String() string {
	switch a {
	case RedirectHome:
		return "redirect_home"
	case RedirectVerifyRequest:
		return "redirect_verify_request"
	case RedirectOnboarding:
		return "redirect_onboarding"
	case Reject:
		return "reject"
	default:
		return "pass"
	}
}

// Routes enumerates the path sets the decision table references. The sets
// are configuration; the table itself never changes.
type Routes struct {
	AuthAPIPrefix string
	Home          string
	SignIn        string
	SignUp        string
	VerifyRequest string
	VerifyEmail   string
	Onboarding    string
	Protected     []string
}

// DefaultRoutes matches the application's page layout.
func DefaultRoutes() Routes {
	return Routes{
		AuthAPIPrefix: "/auth",
		Home:          "/",
		SignIn:        "/signin",
		SignUp:        "/signup",
		VerifyRequest: "/verify-request",
		VerifyEmail:   "/verify-email",
		Onboarding:    "/onboarding",
		Protected:     []string{"/profile", "/settings"},
	}
}

func (r Routes) isAuthAPI(path string) bool {
	return strings.HasPrefix(path, r.AuthAPIPrefix)
}

func (r Routes) isAuthPage(path string) bool {
	switch path {
	case r.SignIn, r.SignUp, r.VerifyRequest, r.VerifyEmail:
		return true
	}
	return false
}

func (r Routes) isVerificationPage(path string) bool {
	return path == r.VerifyRequest || path == r.VerifyEmail
}

func (r Routes) isProtected(path string) bool {
	for _, p := range r.Protected {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Decide evaluates the decision table for one request. token is nil when
// the request carries no valid session. The table is ordered; the first
// matching row wins and no I/O happens here.
func Decide(routes Routes, path string, token *session.Token) Action {
	switch {
	case routes.isAuthAPI(path):
		return Pass
	case token != nil && routes.isAuthPage(path) && token.Verified():
		return RedirectHome
	case token != nil && !token.Verified() && !routes.isVerificationPage(path) && !routes.isAuthAPI(path):
		return RedirectVerifyRequest
	case token != nil && token.Verified() && !token.OnboardingCompleted && routes.isProtected(path):
		return RedirectOnboarding
	case token != nil && token.OnboardingCompleted && path == routes.Onboarding:
		return RedirectHome
	case routes.isProtected(path) && token == nil:
		return Reject
	default:
		return Pass
	}
}
