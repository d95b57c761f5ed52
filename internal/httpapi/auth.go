package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"zackai/internal/auth"
)

type registerBody struct {
	Email    string  `json:"email" binding:"required,email"`
	Password string  `json:"password" binding:"required,min=8,max=128"`
	Name     *string `json:"name" binding:"omitempty,max=80"`
}

func (a *API) register(c *gin.Context) {
	var body registerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if err := a.auth.Register(c.Request.Context(), body.Email, body.Password, body.Name); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"verification": "sent"})
}

type loginBody struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (a *API) login(c *gin.Context) {
	var body loginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	sess, err := a.auth.Login(c.Request.Context(), body.Email, body.Password)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.setSessionCookie(c, sess.ID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type verifyBody struct {
	Email string `json:"email" binding:"required,email"`
	Code  string `json:"code" binding:"required,min=6,max=12"`
}

func (a *API) verify(c *gin.Context) {
	var body verifyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	sess, err := a.auth.Verify(c.Request.Context(), body.Email, body.Code)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.setSessionCookie(c, sess.ID)
	c.JSON(http.StatusOK, gin.H{"status": "verified"})
}

type resendBody struct {
	Email string `json:"email" binding:"required,email"`
}

// resend always answers 200 for well-formed requests so it cannot be used to
// probe which addresses exist. The per-address hourly limit caps mail volume.
func (a *API) resend(c *gin.Context) {
	var body resendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	email := auth.NormalizeEmail(body.Email)

	if a.resendLimit != nil {
		allowed, _, _, err := a.resendLimit.Allow(c.Request.Context(), email, time.Now())
		if err != nil {
			a.logger.Warn().Err(err).Msg("resend limiter unavailable")
		} else if !allowed {
			a.metrics.BurstRejections.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests. Try again later."})
			return
		}
	}

	if err := a.auth.Resend(c.Request.Context(), email); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) logout(c *gin.Context) {
	if sid, err := c.Cookie(sessionCookie); err == nil && sid != "" {
		if err := a.auth.Logout(c.Request.Context(), sid); err != nil {
			a.logger.Warn().Err(err).Msg("session delete failed")
		}
	}
	a.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
