package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/harborauth/harbor/internal/gate"
	"github.com/harborauth/harbor/internal/service"
	"github.com/harborauth/harbor/internal/session"
)

// SessionRefresh rotates the session cookie when the token is due for its
// periodic re-sign. Rotation is throttled inside the session builder, so
// most requests pass straight through.
func SessionRefresh(svc *service.AuthService, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.L()
	}
	return func(c *gin.Context) {
		token := gate.TokenFrom(c)
		if token == nil {
			c.Next()
			return
		}

		raw, refreshed, rotated, err := svc.RefreshSession(c.Request.Context(), *token)
		if err != nil {
			logger.Warn("session refresh failed", zap.Int64("identity_id", token.IdentityID), zap.Error(err))
			c.Next()
			return
		}
		if rotated {
			c.SetCookie(gate.SessionCookie, raw, int(session.DefaultMaxAge.Seconds()), "/", "", c.Request.TLS != nil, true)
			*token = refreshed
		}
		c.Next()
	}
}
