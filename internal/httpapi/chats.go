package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (a *API) createChat(c *gin.Context) {
	user := currentUser(c)
	chatRow, err := a.engine.NewChat(c.Request.Context(), user.ID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toChatDTO(chatRow))
}

func (a *API) listChats(c *gin.Context) {
	user := currentUser(c)
	chats, err := a.engine.ListChats(c.Request.Context(), user.ID)
	if err != nil {
		a.fail(c, err)
		return
	}
	out := make([]chatDTO, 0, len(chats))
	for _, ch := range chats {
		out = append(out, toChatDTO(ch))
	}
	c.JSON(http.StatusOK, gin.H{"chats": out})
}

func (a *API) getChat(c *gin.Context) {
	user := currentUser(c)
	chatRow, msgs, err := a.engine.GetChat(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	dtos := make([]messageDTO, 0, len(msgs))
	for _, m := range msgs {
		dtos = append(dtos, toMessageDTO(m))
	}
	c.JSON(http.StatusOK, gin.H{"chat": toChatDTO(chatRow), "messages": dtos})
}

func (a *API) deleteChat(c *gin.Context) {
	user := currentUser(c)
	if err := a.engine.DeleteChat(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// uploadToChat accepts an image or audio attachment as multipart form data.
// The size cap depends on the declared type.
func (a *API) uploadToChat(c *gin.Context) {
	user := currentUser(c)

	fh, err := c.FormFile("file")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
		return
	}
	mimeType := fh.Header.Get("Content-Type")

	var maxBytes int64
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		maxBytes = a.upload.ImageMaxBytes
	case strings.HasPrefix(mimeType, "audio/"):
		maxBytes = a.upload.AudioMaxBytes
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "only image and audio uploads are supported"})
		return
	}
	if fh.Size > maxBytes {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	f, err := fh.Open()
	if err != nil {
		a.fail(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		a.fail(c, err)
		return
	}
	if int64(len(data)) > maxBytes {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	up, msg, err := a.engine.AttachUpload(c.Request.Context(), user.ID, c.Param("id"), mimeType, data)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"upload":  gin.H{"id": up.ID, "mimeType": up.MimeType},
		"message": toMessageDTO(msg),
	})
}

func (a *API) serveUpload(c *gin.Context) {
	user := currentUser(c)
	up, err := a.engine.GetUpload(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.Data(http.StatusOK, up.MimeType, up.Data)
}
