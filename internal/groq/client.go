// Package groq is the single external model integration: chat completion
// and audio transcription against the Groq OpenAI-compatible API. It
// performs exactly one attempt per call and normalizes failures into typed
// errors; retry and timeout policy belong to the caller.
package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// ErrEmptyResponse means the provider answered 2xx but the completion
// content was missing or empty. Treated like a provider failure upstream.
var ErrEmptyResponse = errors.New("groq: provider returned an empty response")

// ProviderError carries the provider's own error message when it sent one.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	if strings.TrimSpace(e.Message) == "" {
		return fmt.Sprintf("groq: provider status %d", e.Status)
	}
	return fmt.Sprintf("groq: provider status %d: %s", e.Status, e.Message)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	APIKey      string
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type TranscribeRequest struct {
	APIKey   string
	Audio    []byte
	MimeType string
	Model    string
	Language string
}

// Transcription distinguishes "no speech detected" from a provider failure:
// an empty transcript is a valid outcome, not an error.
type Transcription struct {
	Text     string
	NoSpeech bool
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

func (c *Client) ChatComplete(ctx context.Context, req ChatRequest) (string, error) {
	payload := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	respBody, perr := c.do(httpReq)
	if perr != nil {
		return "", perr
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) Transcribe(ctx context.Context, req TranscribeRequest) (Transcription, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", "audio-"+strings.ReplaceAll(req.MimeType, "/", "."))
	if err != nil {
		return Transcription{}, fmt.Errorf("build multipart file: %w", err)
	}
	if _, err := part.Write(req.Audio); err != nil {
		return Transcription{}, fmt.Errorf("write audio bytes: %w", err)
	}
	if err := mw.WriteField("model", req.Model); err != nil {
		return Transcription{}, fmt.Errorf("write model field: %w", err)
	}
	if strings.TrimSpace(req.Language) != "" {
		if err := mw.WriteField("language", req.Language); err != nil {
			return Transcription{}, fmt.Errorf("write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return Transcription{}, fmt.Errorf("close multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return Transcription{}, fmt.Errorf("build transcribe request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	respBody, perr := c.do(httpReq)
	if perr != nil {
		return Transcription{}, perr
	}

	var resp struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Transcription{}, fmt.Errorf("decode transcription response: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return Transcription{NoSpeech: true}, nil
	}
	return Transcription{Text: text}, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("groq request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read groq response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderError{Status: resp.StatusCode, Message: providerMessage(body)}
	}
	return body, nil
}

func providerMessage(body []byte) string {
	var resp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	return strings.TrimSpace(resp.Error.Message)
}
