// Package handler exposes the authentication flows over HTTP.
package handler

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/harborauth/harbor/internal/apperror"
	"github.com/harborauth/harbor/internal/config"
	"github.com/harborauth/harbor/internal/domain"
	"github.com/harborauth/harbor/internal/gate"
	"github.com/harborauth/harbor/internal/service"
	"github.com/harborauth/harbor/internal/session"
)

// AuthHandler adapts the auth service to gin.
type AuthHandler struct {
	svc    *service.AuthService
	cfg    *config.Config
	logger *zap.Logger
}

// NewAuthHandler constructs the handler.
func NewAuthHandler(svc *service.AuthService, cfg *config.Config, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &AuthHandler{svc: svc, cfg: cfg, logger: logger}
}

type userPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Image string `json:"image,omitempty"`
}

func userFromIdentity(identity domain.Identity) userPayload {
	return userPayload{
		ID:    strconv.FormatInt(identity.ID, 10),
		Email: identity.Email,
		Name:  identity.Name,
		Image: identity.Image,
	}
}

// Signup handles POST /auth/signup.
func (h *AuthHandler) Signup(c *gin.Context) {
	var req struct {
		Email             string `json:"email"`
		Password          string `json:"password"`
		Name              string `json:"name"`
		ProfilePictureURL string `json:"profilePictureUrl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload."})
		return
	}

	result, err := h.svc.Signup(c.Request.Context(), service.SignupInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Image:    req.ProfilePictureURL,
	})
	h.rateHeaders(c, "signup", req.Email)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":   true,
		"user":      userFromIdentity(result.Identity),
		"emailSent": result.EmailSent,
	})
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload."})
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password are required."})
		return
	}

	raw, token, err := h.svc.LoginWithPassword(c.Request.Context(), req.Email, req.Password)
	h.rateHeaders(c, "login", req.Email)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.setSessionCookie(c, raw)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user": userPayload{
			ID:    strconv.FormatInt(token.IdentityID, 10),
			Email: token.Email,
			Name:  token.Name,
			Image: token.Image,
		},
	})
}

// ForgotPassword handles POST /auth/forgot-password. The success response
// is identical whether or not the email exists.
func (h *AuthHandler) ForgotPassword(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload."})
		return
	}

	err := h.svc.ForgotPassword(c.Request.Context(), req.Email)
	h.rateHeaders(c, "forgot-password", req.Email)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "If an account exists for this email, a reset link is on its way.",
	})
}

// ResetPassword handles POST /auth/reset-password.
func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload."})
		return
	}

	if err := h.svc.ResetPassword(c.Request.Context(), req.Token, req.Password); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ResendVerification handles POST /auth/resend-verification.
func (h *AuthHandler) ResendVerification(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload."})
		return
	}

	err := h.svc.ResendVerification(c.Request.Context(), req.Email, req.Password)
	h.rateHeaders(c, "resend-verification", req.Email)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// VerifyEmail handles GET /auth/verify-email. The browser lands here from
// the email link, so outcomes are redirects, not JSON.
func (h *AuthHandler) VerifyEmail(c *gin.Context) {
	token := c.Query("token")
	email := c.Query("email")

	if err := h.svc.VerifyEmail(c.Request.Context(), token, email); err != nil {
		h.logger.Info("email verification rejected", zap.Error(err))
		c.Redirect(http.StatusFound, "/verify-request?error="+url.QueryEscape(domain.ErrCodeVerification))
		return
	}
	c.Redirect(http.StatusFound, "/signin?verified=true")
}

// OAuthStart handles GET /auth/oauth/start?provider=.
func (h *AuthHandler) OAuthStart(c *gin.Context) {
	provider := domain.Provider(c.Query("provider"))
	callback := h.cfg.BaseURL + "/auth/oauth/callback?provider=" + url.QueryEscape(string(provider))

	authorizeURL, err := h.svc.StartOAuth(c.Request.Context(), provider, callback)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Redirect(http.StatusFound, authorizeURL)
}

// OAuthCallback handles GET /auth/oauth/callback.
func (h *AuthHandler) OAuthCallback(c *gin.Context) {
	provider := domain.Provider(c.Query("provider"))
	if errCode := c.Query("error"); errCode != "" {
		c.Redirect(http.StatusFound, "/signin?error="+url.QueryEscape(domain.ErrCodeAccessDenied))
		return
	}

	result := h.svc.CompleteOAuth(c.Request.Context(), provider, c.Query("state"), c.Query("code"))
	if result.Redirect != "" {
		c.Redirect(http.StatusFound, "/signin?error="+url.QueryEscape(result.Redirect))
		return
	}

	h.setSessionCookie(c, result.SessionToken)
	c.Redirect(http.StatusFound, "/")
}

// Me handles GET /auth/me.
func (h *AuthHandler) Me(c *gin.Context) {
	token := gate.TokenFrom(c)
	if token == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required."})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user": gin.H{
			"id":                  strconv.FormatInt(token.IdentityID, 10),
			"email":               token.Email,
			"name":                token.Name,
			"image":               token.Image,
			"emailVerified":       token.EmailVerifiedAt,
			"onboardingCompleted": token.OnboardingCompleted,
		},
	})
}

// CompleteOnboarding handles POST /auth/onboarding/complete.
func (h *AuthHandler) CompleteOnboarding(c *gin.Context) {
	token := gate.TokenFrom(c)
	if token == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required."})
		return
	}

	raw, refreshed, err := h.svc.CompleteOnboarding(c.Request.Context(), token.IdentityID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.setSessionCookie(c, raw)
	c.JSON(http.StatusOK, gin.H{"success": true, "onboardingCompleted": refreshed.OnboardingCompleted})
}

// Logout handles POST /auth/logout.
func (h *AuthHandler) Logout(c *gin.Context) {
	c.SetCookie(gate.SessionCookie, "", -1, "/", "", h.secureCookies(), true)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Health handles GET /healthz.
func (h *AuthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SetSession installs a rotated session token on the response. Used by the
// refresh middleware.
func (h *AuthHandler) SetSession(c *gin.Context, raw string) {
	h.setSessionCookie(c, raw)
}

func (h *AuthHandler) setSessionCookie(c *gin.Context, raw string) {
	c.SetCookie(gate.SessionCookie, raw, int(session.DefaultMaxAge.Seconds()), "/", "", h.secureCookies(), true)
}

func (h *AuthHandler) secureCookies() bool {
	return !h.cfg.IsDevelopment()
}

func (h *AuthHandler) rateHeaders(c *gin.Context, scope, email string) {
	status, limit := h.svc.LimitStatus(c.Request.Context(), scope, email)
	c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(status.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(status.ResetAt.Unix(), 10))
}

// respondError maps the error taxonomy onto HTTP. Causes stay server-side
// outside development.
func (h *AuthHandler) respondError(c *gin.Context, err error) {
	appErr := apperror.As(err)
	body := gin.H{"error": appErr.Message}
	if h.cfg.IsDevelopment() {
		if cause := appErr.Unwrap(); cause != nil {
			body["detail"] = cause.Error()
		}
	}
	if appErr.Status() >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Int("status", appErr.Status()), zap.Error(err))
	}
	c.JSON(appErr.Status(), body)
}
