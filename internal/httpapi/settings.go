package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"zackai/internal/storage"
)

func (a *API) credentialStatus(c *gin.Context) {
	user := currentUser(c)
	exists, lastUsedAt, err := a.auth.CredentialStatus(c.Request.Context(), user.ID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": exists, "lastUsedAt": lastUsedAt})
}

type saveCredentialBody struct {
	APIKey string `json:"apiKey" binding:"required,min=8,max=256"`
}

func (a *API) saveCredential(c *gin.Context) {
	user := currentUser(c)

	var body saveCredentialBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if err := a.auth.SaveCredential(c.Request.Context(), user.ID, body.APIKey); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteCredential is idempotent: removing a key that does not exist is fine.
func (a *API) deleteCredential(c *gin.Context) {
	user := currentUser(c)
	if err := a.auth.DeleteCredential(c.Request.Context(), user.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
