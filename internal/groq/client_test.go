package groq

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChatCompleteSuccess(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello there"}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	text, err := c.ChatComplete(context.Background(), ChatRequest{
		APIKey: "gsk_test",
		Model:  "llama-3.1-8b-instant",
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
		MaxTokens:   512,
		Temperature: 0.3,
	})
	if err != nil {
		t.Fatalf("chat complete: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("unexpected text %q", text)
	}
	if gotAuth != "Bearer gsk_test" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotPayload["model"] != "llama-3.1-8b-instant" {
		t.Fatalf("unexpected model %#v", gotPayload["model"])
	}
	msgs, ok := gotPayload["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("expected 2 messages in payload, got %#v", gotPayload["messages"])
	}
}

func TestChatCompleteProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid API Key"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	_, err := c.ChatComplete(context.Background(), ChatRequest{APIKey: "bad", Model: "m"})

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.Status != http.StatusUnauthorized || perr.Message != "Invalid API Key" {
		t.Fatalf("unexpected provider error %+v", perr)
	}
}

func TestChatCompleteEmptyContent(t *testing.T) {
	for _, body := range []string{
		`{"choices":[]}`,
		`{"choices":[{"message":{"content":""}}]}`,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		c := New(srv.URL, srv.Client())
		_, err := c.ChatComplete(context.Background(), ChatRequest{APIKey: "k", Model: "m"})
		srv.Close()
		if !errors.Is(err, ErrEmptyResponse) {
			t.Fatalf("body %s: expected ErrEmptyResponse, got %v", body, err)
		}
	}
}

func TestTranscribeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-large-v3-turbo" {
			t.Errorf("unexpected model field %q", got)
		}
		if got := r.FormValue("language"); got != "de" {
			t.Errorf("unexpected language field %q", got)
		}
		_, _ = w.Write([]byte(`{"text":"guten morgen"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	tr, err := c.Transcribe(context.Background(), TranscribeRequest{
		APIKey:   "gsk_test",
		Audio:    []byte{0x01, 0x02},
		MimeType: "audio/webm",
		Model:    "whisper-large-v3-turbo",
		Language: "de",
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if tr.NoSpeech || tr.Text != "guten morgen" {
		t.Fatalf("unexpected transcription %+v", tr)
	}
}

func TestTranscribeEmptyIsNoSpeechNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"text":"  "}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	tr, err := c.Transcribe(context.Background(), TranscribeRequest{APIKey: "k", Model: "m"})
	if err != nil {
		t.Fatalf("empty transcript must not be an error, got %v", err)
	}
	if !tr.NoSpeech || tr.Text != "" {
		t.Fatalf("expected NoSpeech outcome, got %+v", tr)
	}
}

func TestTranscribeProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream busy"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	_, err := c.Transcribe(context.Background(), TranscribeRequest{APIKey: "k", Model: "m"})

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.Message != "upstream busy" {
		t.Fatalf("unexpected message %q", perr.Message)
	}
}
