package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"zackai/internal/auth"
	"zackai/internal/chat"
	"zackai/internal/groq"
	"zackai/internal/storage"
)

type messageDTO struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Type      string    `json:"type"`
	Content   string    `json:"content,omitempty"`
	UploadID  *string   `json:"uploadId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func toMessageDTO(m storage.Message) messageDTO {
	return messageDTO{
		ID:        m.ID,
		Role:      m.Role,
		Type:      m.Type,
		Content:   m.Content,
		UploadID:  m.UploadID,
		CreatedAt: m.CreatedAt,
	}
}

type chatDTO struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toChatDTO(c storage.Chat) chatDTO {
	return chatDTO{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
}

// fail maps domain errors onto HTTP statuses. Unknown errors stay opaque to
// the client and go to the log instead.
func (a *API) fail(c *gin.Context, err error) {
	var perr *groq.ProviderError

	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrInvalidModel),
		errors.Is(err, chat.ErrUnsupportedUpload):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrQuotaExceeded):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "Tageslimit erreicht. Hinterlege einen eigenen API-Key oder versuche es morgen erneut.",
		})
	case errors.Is(err, chat.ErrNoCredential):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": "Kein API-Key verfügbar. Hinterlege einen eigenen Key in den Einstellungen.",
		})
	case errors.Is(err, chat.ErrConfiguration):
		a.logger.Error().Err(err).Msg("credential configuration error")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "Dein gespeicherter API-Key ist nicht nutzbar. Bitte speichere ihn erneut.",
		})
	case errors.Is(err, auth.ErrEmailTaken):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "Email is already registered"})
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
	case errors.Is(err, auth.ErrNotVerified):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":        "Email not verified",
			"verification": "sent",
		})
	case errors.Is(err, auth.ErrCodeMissing):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "No active code. Request a new one."})
	case errors.Is(err, auth.ErrCodeExpired):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Code expired. Request a new one."})
	case errors.Is(err, auth.ErrCodeMismatch):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Incorrect code"})
	case errors.Is(err, auth.ErrMailNotConfigured):
		a.logger.Error().Err(err).Msg("mail delivery unavailable")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Email delivery is unavailable"})
	case errors.As(err, &perr), errors.Is(err, groq.ErrEmptyResponse):
		a.logger.Error().Err(err).Msg("provider call failed")
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "KI-Anfrage fehlgeschlagen. Bitte versuche es erneut."})
	default:
		a.logger.Error().Err(err).Msg("request failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
