// Package chat orchestrates a single exchange: tier resolution, quota,
// history assembly, the model call and persistence of both turns.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"zackai/internal/config"
	"zackai/internal/groq"
	"zackai/internal/metrics"
	"zackai/internal/storage"
	"zackai/internal/vault"
)

const titleMaxRunes = 48

type Engine struct {
	store    *storage.Store
	vault    *vault.Manager
	provider *groq.Client
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	ai       config.AIConfig
}

type EngineConfig struct {
	Store    *storage.Store
	Vault    *vault.Manager
	Provider *groq.Client
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	AI       config.AIConfig
}

func NewEngine(cfg EngineConfig) *Engine {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Engine{
		store:    cfg.Store,
		vault:    cfg.Vault,
		provider: cfg.Provider,
		metrics:  m,
		logger:   cfg.Logger,
		ai:       cfg.AI,
	}
}

type SendInput struct {
	ChatID  string
	Message string
	// Model is an optional per-request override; it only applies in pro mode.
	Model string
}

type SendResult struct {
	UserMessage      storage.Message
	AssistantMessage storage.Message
	Mode             string
}

// SendMessage runs one full text exchange. Order matters: tier and quota are
// decided before anything is written, and the inbound user message stays
// persisted even when the model call fails afterwards.
func (e *Engine) SendMessage(ctx context.Context, userID string, in SendInput) (SendResult, error) {
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return SendResult{}, ErrEmptyMessage
	}

	chatRow, err := e.store.GetChat(ctx, in.ChatID, userID)
	if err != nil {
		return SendResult{}, err
	}

	t, err := e.resolveTier(ctx, userID, in.Model)
	if err != nil {
		return SendResult{}, err
	}

	now := time.Now().UTC()
	if t.Mode == ModeFree {
		if err := e.checkFreeQuota(ctx, userID, now); err != nil {
			return SendResult{}, err
		}
	}

	userMsg := storage.Message{
		ID:        uuid.NewString(),
		ChatID:    chatRow.ID,
		Role:      storage.RoleUser,
		Type:      storage.TypeText,
		Content:   text,
		CreatedAt: now,
	}
	if err := e.store.CreateMessage(ctx, userMsg); err != nil {
		return SendResult{}, err
	}

	if chatRow.Title == TitlePlaceholder {
		if _, err := e.store.RenameChatIfTitle(ctx, chatRow.ID, TitlePlaceholder, deriveTitle(text)); err != nil {
			e.logger.Warn().Err(err).Str("chat_id", chatRow.ID).Msg("chat rename failed")
		}
	}

	msgs, err := e.assembleContext(ctx, chatRow.ID, t.HistoryWindow, systemPrompt)
	if err != nil {
		return SendResult{}, err
	}

	answer, err := e.provider.ChatComplete(ctx, groq.ChatRequest{
		APIKey:      t.APIKey,
		Model:       t.Model,
		Messages:    msgs,
		MaxTokens:   t.MaxTokens,
		Temperature: e.ai.Temperature,
	})
	if err != nil {
		e.metrics.ProviderErrors.Inc()
		return SendResult{}, err
	}

	assistantMsg := storage.Message{
		ID:        uuid.NewString(),
		ChatID:    chatRow.ID,
		Role:      storage.RoleAssistant,
		Type:      storage.TypeText,
		Content:   answer,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateMessage(ctx, assistantMsg); err != nil {
		return SendResult{}, err
	}
	if err := e.store.TouchChat(ctx, chatRow.ID, assistantMsg.CreatedAt); err != nil {
		e.logger.Warn().Err(err).Str("chat_id", chatRow.ID).Msg("chat touch failed")
	}
	e.touchCredential(ctx, t)

	e.metrics.ChatRequests.WithLabelValues(t.Mode).Inc()
	e.logger.Debug().
		Str("chat_id", chatRow.ID).
		Str("mode", t.Mode).
		Str("model", t.Model).
		Msg("exchange completed")

	return SendResult{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Mode:             t.Mode,
	}, nil
}

// assembleContext builds the model input: the fixed system prompt followed by
// the most recent text turns in chronological order. Image and audio turns
// never enter the window.
func (e *Engine) assembleContext(ctx context.Context, chatID string, window int, system string) ([]groq.Message, error) {
	history, err := e.store.ListRecentTextMessages(ctx, chatID, window)
	if err != nil {
		return nil, err
	}

	out := make([]groq.Message, 0, len(history)+1)
	out = append(out, groq.Message{Role: "system", Content: system})
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, groq.Message{Role: history[i].Role, Content: history[i].Content})
	}
	return out, nil
}

// AttachUpload stores a binary blob and records it as a user turn in the
// chat. No model call happens here.
func (e *Engine) AttachUpload(ctx context.Context, userID, chatID, mimeType string, data []byte) (storage.Upload, storage.Message, error) {
	chatRow, err := e.store.GetChat(ctx, chatID, userID)
	if err != nil {
		return storage.Upload{}, storage.Message{}, err
	}

	var msgType string
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		msgType = storage.TypeImage
	case strings.HasPrefix(mimeType, "audio/"):
		msgType = storage.TypeAudio
	default:
		return storage.Upload{}, storage.Message{}, fmt.Errorf("%w: %q", ErrUnsupportedUpload, mimeType)
	}

	now := time.Now().UTC()
	up := storage.Upload{
		ID:        uuid.NewString(),
		UserID:    userID,
		ChatID:    chatRow.ID,
		MimeType:  mimeType,
		Data:      data,
		CreatedAt: now,
	}
	if err := e.store.CreateUpload(ctx, up); err != nil {
		return storage.Upload{}, storage.Message{}, err
	}

	msg := storage.Message{
		ID:        uuid.NewString(),
		ChatID:    chatRow.ID,
		Role:      storage.RoleUser,
		Type:      msgType,
		UploadID:  &up.ID,
		CreatedAt: now,
	}
	if err := e.store.CreateMessage(ctx, msg); err != nil {
		return storage.Upload{}, storage.Message{}, err
	}
	if err := e.store.TouchChat(ctx, chatRow.ID, now); err != nil {
		e.logger.Warn().Err(err).Str("chat_id", chatRow.ID).Msg("chat touch failed")
	}
	return up, msg, nil
}

// TranscribeClip turns raw audio into text for the input box. Nothing is
// persisted. An empty transcript is reported as NoSpeech, not an error.
func (e *Engine) TranscribeClip(ctx context.Context, userID string, audio []byte, mimeType, language string) (groq.Transcription, error) {
	t, err := e.resolveTier(ctx, userID, "")
	if err != nil {
		return groq.Transcription{}, err
	}

	tr, err := e.provider.Transcribe(ctx, groq.TranscribeRequest{
		APIKey:   t.APIKey,
		Audio:    audio,
		MimeType: mimeType,
		Model:    e.ai.STTModel,
		Language: language,
	})
	if err != nil {
		e.metrics.ProviderErrors.Inc()
		return groq.Transcription{}, err
	}
	e.metrics.Transcriptions.Inc()
	if tr.NoSpeech {
		e.metrics.NoSpeechResults.Inc()
	}
	e.touchCredential(ctx, t)
	return tr, nil
}

// AnalyzeAudio transcribes a stored audio upload and answers about its
// content. The transcript acts as a synthetic user turn that is never
// persisted; only the assistant's answer lands in the chat. The daily quota
// does not apply, and the analysis always runs on the free model budget.
func (e *Engine) AnalyzeAudio(ctx context.Context, userID, chatID, uploadID string) (storage.Message, error) {
	chatRow, err := e.store.GetChat(ctx, chatID, userID)
	if err != nil {
		return storage.Message{}, err
	}
	up, err := e.store.GetUpload(ctx, uploadID, userID)
	if err != nil {
		return storage.Message{}, err
	}
	if up.ChatID != chatRow.ID || !strings.HasPrefix(up.MimeType, "audio/") {
		return storage.Message{}, storage.ErrNotFound
	}

	t, err := e.resolveTier(ctx, userID, "")
	if err != nil {
		return storage.Message{}, err
	}

	tr, err := e.provider.Transcribe(ctx, groq.TranscribeRequest{
		APIKey:   t.APIKey,
		Audio:    up.Data,
		MimeType: up.MimeType,
		Model:    e.ai.STTModel,
	})
	if err != nil {
		e.metrics.ProviderErrors.Inc()
		return storage.Message{}, err
	}
	e.metrics.Transcriptions.Inc()

	var answer string
	if tr.NoSpeech {
		e.metrics.NoSpeechResults.Inc()
		answer = noSpeechReply
	} else {
		answer, err = e.provider.ChatComplete(ctx, groq.ChatRequest{
			APIKey: t.APIKey,
			Model:  e.ai.FreeModel,
			Messages: []groq.Message{
				{Role: "system", Content: audioSystemPrompt},
				{Role: "user", Content: tr.Text},
			},
			MaxTokens:   e.ai.FreeMaxTokens,
			Temperature: e.ai.Temperature,
		})
		if err != nil {
			e.metrics.ProviderErrors.Inc()
			return storage.Message{}, err
		}
	}

	msg := storage.Message{
		ID:        uuid.NewString(),
		ChatID:    chatRow.ID,
		Role:      storage.RoleAssistant,
		Type:      storage.TypeText,
		Content:   answer,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateMessage(ctx, msg); err != nil {
		return storage.Message{}, err
	}
	if err := e.store.TouchChat(ctx, chatRow.ID, msg.CreatedAt); err != nil {
		e.logger.Warn().Err(err).Str("chat_id", chatRow.ID).Msg("chat touch failed")
	}
	e.touchCredential(ctx, t)
	return msg, nil
}

// NewChat creates an empty chat with the placeholder title.
func (e *Engine) NewChat(ctx context.Context, userID string) (storage.Chat, error) {
	c := storage.Chat{
		ID:     uuid.NewString(),
		UserID: userID,
		Title:  TitlePlaceholder,
	}
	if err := e.store.CreateChat(ctx, c); err != nil {
		return storage.Chat{}, err
	}
	return e.store.GetChat(ctx, c.ID, userID)
}

func (e *Engine) ListChats(ctx context.Context, userID string) ([]storage.Chat, error) {
	return e.store.ListChats(ctx, userID)
}

// GetChat returns the chat with its full message sequence.
func (e *Engine) GetChat(ctx context.Context, userID, chatID string) (storage.Chat, []storage.Message, error) {
	c, err := e.store.GetChat(ctx, chatID, userID)
	if err != nil {
		return storage.Chat{}, nil, err
	}
	msgs, err := e.store.ListMessages(ctx, c.ID)
	if err != nil {
		return storage.Chat{}, nil, err
	}
	return c, msgs, nil
}

func (e *Engine) DeleteChat(ctx context.Context, userID, chatID string) error {
	return e.store.DeleteChat(ctx, chatID, userID)
}

func (e *Engine) GetUpload(ctx context.Context, userID, uploadID string) (storage.Upload, error) {
	return e.store.GetUpload(ctx, uploadID, userID)
}

// touchCredential records last use of a stored key. Failures only log; the
// exchange already succeeded.
func (e *Engine) touchCredential(ctx context.Context, t tier) {
	if t.CredentialID == "" {
		return
	}
	if err := e.store.TouchCredential(ctx, t.CredentialID, time.Now().UTC()); err != nil {
		e.logger.Warn().Err(err).Msg("credential touch failed")
	}
}

// deriveTitle takes the first runes of the first message; empty or
// whitespace-only input falls back to a generic name.
func deriveTitle(text string) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) > titleMaxRunes {
		r = r[:titleMaxRunes]
	}
	title := strings.TrimSpace(string(r))
	if title == "" {
		return "Chat"
	}
	return title
}
