package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harborauth/harbor/internal/adapter/cache"
	"github.com/harborauth/harbor/internal/adapter/oauth"
	"github.com/harborauth/harbor/internal/breaker"
	"github.com/harborauth/harbor/internal/config"
	"github.com/harborauth/harbor/internal/domain"
	"github.com/harborauth/harbor/internal/gate"
	"github.com/harborauth/harbor/internal/http/handler"
	"github.com/harborauth/harbor/internal/mailer"
	"github.com/harborauth/harbor/internal/ratelimit"
	"github.com/harborauth/harbor/internal/reconcile"
	"github.com/harborauth/harbor/internal/repository"
	"github.com/harborauth/harbor/internal/service"
	"github.com/harborauth/harbor/internal/session"
)

type capturedMail struct {
	messages []mailer.Message
	err      error
}

func (c *capturedMail) Send(ctx context.Context, msg mailer.Message) error {
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, msg)
	return nil
}

type stubProviders struct{}

func (stubProviders) ExchangeCode(ctx context.Context, provider domain.Provider, creds oauth.Credentials, code, codeVerifier, redirectURI string) (*oauth.TokenResponse, error) {
	return nil, errors.New("not wired in tests")
}

func (stubProviders) FetchUserInfo(ctx context.Context, provider domain.Provider, accessToken string) (*oauth.UserInfo, error) {
	return nil, errors.New("not wired in tests")
}

type app struct {
	router *gin.Engine
	store  *repository.MemoryStore
	mail   *capturedMail
}

func newApp(t *testing.T) *app {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	cfg := &config.Config{
		Environment:   "development",
		BaseURL:       "http://localhost:8080",
		ServiceName:   "harbor-auth",
		SessionSecret: "0123456789abcdef0123456789abcdef",
	}

	store := repository.NewMemoryStore()
	db := breaker.New("database", 5, 30*time.Second, logger)
	resilient := repository.NewResilientStore(store, db, logger)
	codec := session.NewCodec([]byte(cfg.SessionSecret), cfg.ServiceName, session.DefaultMaxAge)
	sessions := session.NewBuilder(resilient, codec, 24*time.Hour, logger)
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), logger)
	mail := &capturedMail{}
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := service.NewAuthService(
		resilient,
		reconcile.New(store, logger),
		sessions,
		limiter,
		mail,
		stubProviders{},
		cache.NewMemoryStateStore(),
		cfg,
		node,
		logger,
	)
	authHandler := handler.NewAuthHandler(svc, cfg, logger)
	router := NewRouter(cfg, authHandler, svc, codec, nil, logger)
	return &app{router: router, store: store, mail: mail}
}

func (a *app) postJSON(t *testing.T, path string, payload any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *app) get(t *testing.T, path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == gate.SessionCookie && cookie.Value != "" {
			return cookie
		}
	}
	t.Fatal("no session cookie issued")
	return nil
}

func TestSignupThenDuplicate(t *testing.T) {
	a := newApp(t)

	w := a.postJSON(t, "/auth/signup", gin.H{"email": "a@b.com", "password": "longenough1"})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, a.mail.messages, 1)
	require.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))

	w = a.postJSON(t, "/auth/signup", gin.H{"email": "a@b.com", "password": "longenough1"})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestForgotPasswordAntiEnumeration(t *testing.T) {
	a := newApp(t)
	w := a.postJSON(t, "/auth/signup", gin.H{"email": "a@b.com", "password": "longenough1"})
	require.Equal(t, http.StatusCreated, w.Code)

	known := a.postJSON(t, "/auth/forgot-password", gin.H{"email": "a@b.com"})
	unknown := a.postJSON(t, "/auth/forgot-password", gin.H{"email": "ghost@b.com"})
	require.Equal(t, http.StatusOK, known.Code)
	require.Equal(t, http.StatusOK, unknown.Code)
	require.JSONEq(t, known.Body.String(), unknown.Body.String())
}

func TestResetPasswordReplay(t *testing.T) {
	a := newApp(t)
	w := a.postJSON(t, "/auth/signup", gin.H{"email": "a@b.com", "password": "longenough1"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = a.postJSON(t, "/auth/forgot-password", gin.H{"email": "a@b.com"})
	require.Equal(t, http.StatusOK, w.Code)

	var token string
	for _, msg := range a.mail.messages {
		if msg.Subject == "Reset your password" {
			idx := strings.Index(msg.Text, "token=")
			require.GreaterOrEqual(t, idx, 0)
			rest := msg.Text[idx+len("token="):]
			token = strings.FieldsFunc(rest, func(r rune) bool { return r == '\n' || r == '&' || r == ' ' })[0]
		}
	}
	require.NotEmpty(t, token)

	w = a.postJSON(t, "/auth/reset-password", gin.H{"token": token, "password": "newpassword1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = a.postJSON(t, "/auth/reset-password", gin.H{"token": token, "password": "otherpass99"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "already been used")
}

func TestLoginRateLimitHeaders(t *testing.T) {
	a := newApp(t)
	w := a.postJSON(t, "/auth/signup", gin.H{"email": "a@b.com", "password": "longenough1"})
	require.Equal(t, http.StatusCreated, w.Code)

	for i := 0; i < 5; i++ {
		w = a.postJSON(t, "/auth/login", gin.H{"email": "a@b.com", "password": "wrong-password"})
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w = a.postJSON(t, "/auth/login", gin.H{"email": "a@b.com", "password": "wrong-password"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestLoginIssuesSessionAndMe(t *testing.T) {
	a := newApp(t)
	w := a.postJSON(t, "/auth/signup", gin.H{"email": "a@b.com", "password": "longenough1", "name": "Alice"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = a.postJSON(t, "/auth/login", gin.H{"email": "a@b.com", "password": "longenough1"})
	require.Equal(t, http.StatusOK, w.Code)
	cookie := sessionCookie(t, w)

	me := a.get(t, "/auth/me", cookie)
	require.Equal(t, http.StatusOK, me.Code)
	require.Contains(t, me.Body.String(), "a@b.com")
}

func TestVerifyEmailRedirects(t *testing.T) {
	a := newApp(t)
	w := a.postJSON(t, "/auth/signup", gin.H{"email": "a@b.com", "password": "longenough1"})
	require.Equal(t, http.StatusCreated, w.Code)

	var link string
	for _, msg := range a.mail.messages {
		if msg.Subject == "Verify your email address" {
			idx := strings.Index(msg.Text, "http://")
			require.GreaterOrEqual(t, idx, 0)
			link = strings.Fields(msg.Text[idx:])[0]
		}
	}
	require.NotEmpty(t, link)
	path := strings.TrimPrefix(link, "http://localhost:8080")

	resp := a.get(t, path)
	require.Equal(t, http.StatusFound, resp.Code)
	require.Equal(t, "/signin?verified=true", resp.Header().Get("Location"))

	// Token was consumed; the same link now lands on the error page.
	resp = a.get(t, path)
	require.Equal(t, http.StatusFound, resp.Code)
	require.Contains(t, resp.Header().Get("Location"), "/verify-request?error=")
}

func TestGateRejectsProtectedPathWithoutSession(t *testing.T) {
	a := newApp(t)
	w := a.get(t, "/settings")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGateForcesVerificationBeforeProtectedPages(t *testing.T) {
	a := newApp(t)
	w := a.postJSON(t, "/auth/signup", gin.H{"email": "a@b.com", "password": "longenough1"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = a.postJSON(t, "/auth/login", gin.H{"email": "a@b.com", "password": "longenough1"})
	require.Equal(t, http.StatusOK, w.Code)
	cookie := sessionCookie(t, w)

	resp := a.get(t, "/settings", cookie)
	require.Equal(t, http.StatusFound, resp.Code)
	require.Equal(t, "/verify-request", resp.Header().Get("Location"))
}

func TestOnboardingCompleteRotatesSession(t *testing.T) {
	a := newApp(t)
	w := a.postJSON(t, "/auth/signup", gin.H{"email": "a@b.com", "password": "longenough1"})
	require.Equal(t, http.StatusCreated, w.Code)

	// Verify via the emailed link so the gate lets the session through.
	var link string
	for _, msg := range a.mail.messages {
		if msg.Subject == "Verify your email address" {
			idx := strings.Index(msg.Text, "http://")
			link = strings.Fields(msg.Text[idx:])[0]
		}
	}
	a.get(t, strings.TrimPrefix(link, "http://localhost:8080"))

	w = a.postJSON(t, "/auth/login", gin.H{"email": "a@b.com", "password": "longenough1"})
	require.Equal(t, http.StatusOK, w.Code)
	cookie := sessionCookie(t, w)

	w = a.postJSON(t, "/auth/onboarding/complete", nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	rotated := sessionCookie(t, w)

	resp := a.get(t, "/settings", rotated)
	require.Equal(t, http.StatusNotFound, resp.Code) // passes the gate; no page route registered
}

func TestLogoutClearsCookie(t *testing.T) {
	a := newApp(t)
	w := a.postJSON(t, "/auth/logout", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cleared bool
	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == gate.SessionCookie && cookie.MaxAge < 0 {
			cleared = true
		}
	}
	require.True(t, cleared)
}
