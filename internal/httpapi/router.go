// Package httpapi exposes the service over HTTP: auth, chat threads,
// uploads, the AI endpoints and credential settings.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"zackai/internal/auth"
	"zackai/internal/chat"
	"zackai/internal/config"
	"zackai/internal/metrics"
	"zackai/internal/ratelimit"
)

const sessionCookie = "zackai_session"

type API struct {
	auth        *auth.Service
	engine      *chat.Engine
	aiLimit     *ratelimit.Limiter
	resendLimit *ratelimit.Limiter
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	upload      config.UploadConfig
	sessionTTL  time.Duration
	secure      bool
}

type Config struct {
	Auth        *auth.Service
	Engine      *chat.Engine
	AILimiter   *ratelimit.Limiter
	ResendLimit *ratelimit.Limiter
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	Upload      config.UploadConfig
	SessionTTL  time.Duration
	// Secure marks the session cookie; leave false only for local http.
	Secure bool
}

func New(cfg Config) *API {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 14 * 24 * time.Hour
	}
	return &API{
		auth:        cfg.Auth,
		engine:      cfg.Engine,
		aiLimit:     cfg.AILimiter,
		resendLimit: cfg.ResendLimit,
		metrics:     m,
		logger:      cfg.Logger,
		upload:      cfg.Upload,
		sessionTTL:  cfg.SessionTTL,
		secure:      cfg.Secure,
	}
}

func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), a.requestLogger())
	r.HandleMethodNotAllowed = true

	r.GET("/healthz", a.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	authGrp := api.Group("/auth")
	{
		authGrp.POST("/register", a.register)
		authGrp.POST("/login", a.login)
		authGrp.POST("/verify", a.verify)
		authGrp.POST("/resend", a.resend)
		authGrp.POST("/logout", a.logout)
	}

	chats := api.Group("/chats", a.sessionRequired())
	{
		chats.POST("", a.createChat)
		chats.GET("", a.listChats)
		chats.GET("/:id", a.getChat)
		chats.DELETE("/:id", a.deleteChat)
		chats.POST("/:id/uploads", a.uploadToChat)
	}

	api.GET("/uploads/:id", a.sessionRequired(), a.serveUpload)

	ai := api.Group("/ai", a.sessionRequired(), a.burstLimit())
	{
		ai.POST("/chat", a.aiChat)
		ai.POST("/transcribe", a.aiTranscribe)
		ai.POST("/analyze-audio", a.aiAnalyzeAudio)
	}

	settings := api.Group("/settings", a.sessionRequired())
	{
		settings.GET("/api-key", a.credentialStatus)
		settings.PUT("/api-key", a.saveCredential)
		settings.DELETE("/api-key", a.deleteCredential)
	}

	return r
}

func (a *API) health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

// requestLogger is a small zerolog access log: method, path, status,
// duration.
func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}
