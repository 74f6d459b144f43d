package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/gatewarden/gatewarden/pkg/constants"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

// ginKeyActorID is the gin context key under which the resolved actor is stored.
const ginKeyActorID = "actor_id"

// ActorMiddleware resolves the actor identity for rate limiting and audit.
// It prefers the sub claim of a bearer token and falls back to the client IP.
// The token is parsed without signature verification: authentication is the
// upstream gateway's job, the actor identity here only partitions rate-limit
// buckets.
func ActorMiddleware(log logger.Logger) gin.HandlerFunc {
	log = log.WithComponent("actor")
	return func(c *gin.Context) {
		actorID := resolveActor(c, log)

		c.Set(ginKeyActorID, actorID)
		ctx := context.WithValue(c.Request.Context(), constants.ContextKeyActorID, actorID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// ActorFromContext returns the actor resolved by ActorMiddleware, or empty.
func ActorFromContext(c *gin.Context) string {
	return c.GetString(ginKeyActorID)
}

func resolveActor(c *gin.Context, log logger.Logger) string {
	auth := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		if sub := subjectFromToken(c, after, log); sub != "" {
			return sub
		}
	}
	return c.ClientIP()
}

func subjectFromToken(c *gin.Context, raw string, log logger.Logger) string {
	token, _, err := new(jwt.Parser).ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		log.Debug(c.Request.Context(), "could not parse bearer token for actor resolution",
			logger.Error(err))
		return ""
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return strings.TrimSpace(sub)
}
