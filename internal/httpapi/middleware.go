package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"zackai/internal/storage"
)

const ctxUserKey = "user"

// sessionRequired resolves the session cookie to a user and stores it in the
// request context. A stale cookie is cleared on the way out.
func (a *API) sessionRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		sid, err := c.Cookie(sessionCookie)
		if err != nil || sid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Not logged in"})
			return
		}
		user, err := a.auth.SessionUser(c.Request.Context(), sid)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				a.clearSessionCookie(c)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Session expired"})
				return
			}
			a.fail(c, err)
			return
		}
		c.Set(ctxUserKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) storage.User {
	return c.MustGet(ctxUserKey).(storage.User)
}

// burstLimit is the hourly per-user guard in front of the AI endpoints. With
// no limiter configured it passes everything through.
func (a *API) burstLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.aiLimit == nil {
			c.Next()
			return
		}
		user := currentUser(c)
		allowed, _, resetAt, err := a.aiLimit.Allow(c.Request.Context(), user.ID, time.Now())
		if err != nil {
			// Redis being down must not take the AI endpoints with it.
			a.logger.Warn().Err(err).Msg("burst limiter unavailable")
			c.Next()
			return
		}
		if !allowed {
			a.metrics.BurstRejections.Inc()
			c.Header("Retry-After", fmt.Sprintf("%d", int(time.Until(resetAt).Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests. Try again later."})
			return
		}
		c.Next()
	}
}

func (a *API) setSessionCookie(c *gin.Context, sessionID string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, sessionID, int(a.sessionTTL.Seconds()), "/", "", a.secure, true)
}

func (a *API) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, "", -1, "/", "", a.secure, true)
}
