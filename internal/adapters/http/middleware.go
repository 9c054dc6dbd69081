package http

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/adapters/signal"
	"github.com/dkeye/Breakout/internal/auth"
	"github.com/dkeye/Breakout/internal/domain"
)

const sessionTokenKey = "token"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware pins a stable connection id in the "ct" cookie so a
// reconnecting socket replaces its previous registration.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set(signal.KeyClientToken, token)
		c.Next()
	}
}

func bearer(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// AuthMiddleware resolves the caller from the token query parameter, the
// Authorization header or the cookie session, in that order. A token seen
// on the request is remembered in the session for later reconnects.
func AuthMiddleware(issuer *auth.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token := bearer(c)
		fromRequest := token != ""
		if !fromRequest {
			token, _ = sess.Get(sessionTokenKey).(string)
		}
		if token == "" {
			abort(c, domain.ErrUnauthorized)
			return
		}
		user, err := issuer.ParseCaller(token)
		if err != nil {
			log.Info().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("rejected caller token")
			abort(c, err)
			return
		}
		if fromRequest {
			sess.Set(sessionTokenKey, token)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(signal.KeyCaller, user)
		c.Next()
	}
}

func caller(c *gin.Context) *domain.User {
	u, _ := c.Get(signal.KeyCaller)
	user, _ := u.(*domain.User)
	return user
}

func organizerOnly(c *gin.Context) {
	if !caller(c).IsOrganizer() {
		abort(c, domain.ErrUnauthorized)
		return
	}
	c.Next()
}

func status(err error) int {
	switch domain.Code(err) {
	case "unauthorized":
		return http.StatusUnauthorized
	case "permission_denied":
		return http.StatusForbidden
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "room_full", "room_closed", "invalid_transition":
		return http.StatusConflict
	case "timeout":
		return http.StatusGatewayTimeout
	case "connection":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(status(err), gin.H{"code": domain.Code(err), "message": err.Error()})
}
