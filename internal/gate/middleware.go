package gate

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/harborauth/harbor/internal/session"
)

// SessionCookie is the cookie carrying the signed session token.
const SessionCookie = "harbor_session"

const contextTokenKey = "harbor/session-token"

// TokenFrom returns the session token attached by Middleware, or nil.
func TokenFrom(c *gin.Context) *session.Token {
	value, ok := c.Get(contextTokenKey)
	if !ok {
		return nil
	}
	token, ok := value.(*session.Token)
	if !ok {
		return nil
	}
	return token
}

// Middleware decodes the session token, evaluates the decision table, and
// either forwards the request or issues the redirect. An invalid or expired
// token is treated as no token.
func Middleware(routes Routes, codec *session.Codec, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.L()
	}
	return func(c *gin.Context) {
		token := decodeToken(c, codec)
		if token != nil {
			c.Set(contextTokenKey, token)
		}

		action := Decide(routes, c.Request.URL.Path, token)
		switch action {
		case Pass:
			c.Next()
		case RedirectHome:
			c.Redirect(http.StatusFound, routes.Home)
			c.Abort()
		case RedirectVerifyRequest:
			c.Redirect(http.StatusFound, routes.VerifyRequest)
			c.Abort()
		case RedirectOnboarding:
			c.Redirect(http.StatusFound, routes.Onboarding)
			c.Abort()
		case Reject:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required."})
		}
	}
}

func decodeToken(c *gin.Context, codec *session.Codec) *session.Token {
	raw := ""
	if cookie, err := c.Cookie(SessionCookie); err == nil {
		raw = cookie
	} else if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		raw = strings.TrimPrefix(header, "Bearer ")
	}
	if raw == "" {
		return nil
	}
	token, err := codec.Decode(raw)
	if err != nil {
		return nil
	}
	return &token
}
