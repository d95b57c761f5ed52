package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"zackai/internal/chat"
)

type aiChatBody struct {
	ChatID  string `json:"chatId" binding:"required"`
	Message string `json:"message" binding:"required,max=8000"`
	Model   string `json:"model" binding:"omitempty,max=80"`
}

func (a *API) aiChat(c *gin.Context) {
	user := currentUser(c)

	var body aiChatBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	res, err := a.engine.SendMessage(c.Request.Context(), user.ID, chat.SendInput{
		ChatID:  body.ChatID,
		Message: body.Message,
		Model:   body.Model,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mode":             res.Mode,
		"userMessage":      toMessageDTO(res.UserMessage),
		"assistantMessage": toMessageDTO(res.AssistantMessage),
	})
}

// aiTranscribe turns a short audio clip into text for the input box. Nothing
// is persisted here.
func (a *API) aiTranscribe(c *gin.Context) {
	user := currentUser(c)

	fh, err := c.FormFile("audio")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "audio field is required"})
		return
	}
	mimeType := fh.Header.Get("Content-Type")
	if !strings.HasPrefix(mimeType, "audio/") {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "audio file required"})
		return
	}
	if fh.Size > a.upload.STTMaxBytes {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "audio too large"})
		return
	}

	f, err := fh.Open()
	if err != nil {
		a.fail(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, a.upload.STTMaxBytes+1))
	if err != nil {
		a.fail(c, err)
		return
	}
	if int64(len(data)) > a.upload.STTMaxBytes {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "audio too large"})
		return
	}

	tr, err := a.engine.TranscribeClip(c.Request.Context(), user.ID, data, mimeType, c.PostForm("language"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": tr.Text, "noSpeech": tr.NoSpeech})
}

type analyzeAudioBody struct {
	ChatID   string `json:"chatId" binding:"required"`
	UploadID string `json:"uploadId" binding:"required"`
}

func (a *API) aiAnalyzeAudio(c *gin.Context) {
	user := currentUser(c)

	var body analyzeAudioBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	msg, err := a.engine.AnalyzeAudio(c.Request.Context(), user.ID, body.ChatID, body.UploadID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assistantMessage": toMessageDTO(msg)})
}
