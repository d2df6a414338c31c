// Package http wires the gin engine: middleware chain, route gate, and the
// authentication endpoints.
package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/harborauth/harbor/internal/config"
	"github.com/harborauth/harbor/internal/gate"
	"github.com/harborauth/harbor/internal/http/handler"
	"github.com/harborauth/harbor/internal/middleware"
	"github.com/harborauth/harbor/internal/service"
	"github.com/harborauth/harbor/internal/session"
)

// NewRouter wires gin routes and middleware.
func NewRouter(
	cfg *config.Config,
	authHandler *handler.AuthHandler,
	svc *service.AuthService,
	codec *session.Codec,
	throttle *middleware.Throttle,
	logger *zap.Logger,
) *gin.Engine {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	if throttle != nil {
		r.Use(throttle.Handler())
	}
	r.Use(otelgin.Middleware(cfg.ServiceName))

	routes := gate.DefaultRoutes()
	r.Use(gate.Middleware(routes, codec, logger))
	r.Use(SessionRefresh(svc, logger))

	r.GET("/healthz", authHandler.Health)

	authGroup := r.Group("/auth")
	{
		authGroup.POST("/signup", authHandler.Signup)
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/logout", authHandler.Logout)
		authGroup.POST("/forgot-password", authHandler.ForgotPassword)
		authGroup.POST("/reset-password", authHandler.ResetPassword)
		authGroup.POST("/resend-verification", authHandler.ResendVerification)
		authGroup.GET("/verify-email", authHandler.VerifyEmail)

		authGroup.GET("/oauth/start", authHandler.OAuthStart)
		authGroup.GET("/oauth/callback", authHandler.OAuthCallback)

		authGroup.GET("/me", authHandler.Me)
		authGroup.POST("/onboarding/complete", authHandler.CompleteOnboarding)
	}

	return r
}
