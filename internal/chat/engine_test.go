package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"zackai/internal/config"
	"zackai/internal/groq"
	"zackai/internal/storage"
	"zackai/internal/vault"
)

type chatPayload struct {
	Model    string         `json:"model"`
	Messages []groq.Message `json:"messages"`
}

// fakeProvider plays the model API for tests: fixed answers, recorded
// requests.
type fakeProvider struct {
	mu sync.Mutex

	chatStatus  int
	chatContent string
	chatCalls   int
	lastAuth    string
	lastChat    chatPayload

	transcribeStatus int
	transcribeText   string
	transcribeCalls  int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		chatStatus:       http.StatusOK,
		chatContent:      "antwort",
		transcribeStatus: http.StatusOK,
		transcribeText:   "hallo welt",
	}
}

func (f *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.HasSuffix(r.URL.Path, "/chat/completions"):
		f.chatCalls++
		f.lastAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&f.lastChat)
		if f.chatStatus != http.StatusOK {
			w.WriteHeader(f.chatStatus)
			fmt.Fprint(w, `{"error":{"message":"boom"}}`)
			return
		}
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, f.chatContent)
	case strings.HasSuffix(r.URL.Path, "/audio/transcriptions"):
		f.transcribeCalls++
		f.lastAuth = r.Header.Get("Authorization")
		if f.transcribeStatus != http.StatusOK {
			w.WriteHeader(f.transcribeStatus)
			fmt.Fprint(w, `{"error":{"message":"boom"}}`)
			return
		}
		fmt.Fprintf(w, `{"text":%q}`, f.transcribeText)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeProvider) snapshot() (int, chatPayload, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatCalls, f.lastChat, f.lastAuth
}

type testEnv struct {
	engine   *Engine
	store    *storage.Store
	vault    *vault.Manager
	provider *fakeProvider
	userID   string
}

func newTestEnv(t *testing.T, sharedKey string, mutate func(*config.AIConfig)) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, "sqlite", ":memory:", true, "")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	vm, err := vault.NewManager("k1", map[string][]byte{"k1": key})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	fp := newFakeProvider()
	srv := httptest.NewServer(fp)
	t.Cleanup(srv.Close)

	ai := config.AIConfig{
		BaseURL:        srv.URL,
		SharedAPIKey:   sharedKey,
		FreeModel:      "llama-3.1-8b-instant",
		FreeDailyLimit: 10,
		FreeMaxTokens:  512,
		ProMaxTokens:   2048,
		FreeHistory:    8,
		ProHistory:     20,
		Temperature:    0.3,
		STTModel:       "whisper-large-v3-turbo",
	}
	if mutate != nil {
		mutate(&ai)
	}

	engine := NewEngine(EngineConfig{
		Store:    store,
		Vault:    vm,
		Provider: groq.New(srv.URL, srv.Client()),
		Logger:   zerolog.Nop(),
		AI:       ai,
	})

	userID := uuid.NewString()
	if err := store.CreateUser(ctx, storage.User{
		ID:           userID,
		Email:        userID + "@example.com",
		PasswordHash: "x",
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	return &testEnv{engine: engine, store: store, vault: vm, provider: fp, userID: userID}
}

func (env *testEnv) newChat(t *testing.T) storage.Chat {
	t.Helper()
	c, err := env.engine.NewChat(context.Background(), env.userID)
	if err != nil {
		t.Fatalf("new chat: %v", err)
	}
	if c.Title != TitlePlaceholder {
		t.Fatalf("new chat title = %q, want %q", c.Title, TitlePlaceholder)
	}
	return c
}

func (env *testEnv) storeCredential(t *testing.T, apiKey string) {
	t.Helper()
	sealed, err := env.vault.SealString(apiKey)
	if err != nil {
		t.Fatalf("seal key: %v", err)
	}
	if err := env.store.UpsertCredential(context.Background(), storage.Credential{
		ID:        uuid.NewString(),
		UserID:    env.userID,
		Provider:  storage.ProviderGroq,
		EncAPIKey: sealed,
	}); err != nil {
		t.Fatalf("upsert credential: %v", err)
	}
}

func (env *testEnv) seedTextMessage(t *testing.T, chatID, role, content string, at time.Time) {
	t.Helper()
	if err := env.store.CreateMessage(context.Background(), storage.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      role,
		Type:      storage.TypeText,
		Content:   content,
		CreatedAt: at,
	}); err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

func TestSendMessagePersistsBothTurns(t *testing.T) {
	env := newTestEnv(t, "shared-key", nil)
	ctx := context.Background()
	c := env.newChat(t)

	res, err := env.engine.SendMessage(ctx, env.userID, SendInput{ChatID: c.ID, Message: "Wie plane ich einen Umzug?"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Mode != ModeFree {
		t.Fatalf("mode = %q, want %q", res.Mode, ModeFree)
	}
	if res.AssistantMessage.Content != "antwort" {
		t.Fatalf("assistant content = %q", res.AssistantMessage.Content)
	}

	msgs, err := env.store.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != storage.RoleUser || msgs[1].Role != storage.RoleAssistant {
		t.Fatalf("roles = %q, %q", msgs[0].Role, msgs[1].Role)
	}

	got, err := env.store.GetChat(ctx, c.ID, env.userID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if got.Title != "Wie plane ich einen Umzug?" {
		t.Fatalf("title = %q", got.Title)
	}

	_, _, auth := env.provider.snapshot()
	if auth != "Bearer shared-key" {
		t.Fatalf("auth = %q", auth)
	}
}

func TestSendMessageTitleSetOnlyOnce(t *testing.T) {
	env := newTestEnv(t, "shared-key", nil)
	ctx := context.Background()
	c := env.newChat(t)

	long := strings.Repeat("a", 60)
	if _, err := env.engine.SendMessage(ctx, env.userID, SendInput{ChatID: c.ID, Message: long}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := env.engine.SendMessage(ctx, env.userID, SendInput{ChatID: c.ID, Message: "zweite Nachricht"}); err != nil {
		t.Fatalf("second send: %v", err)
	}

	got, err := env.store.GetChat(ctx, c.ID, env.userID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	want := strings.Repeat("a", 48)
	if got.Title != want {
		t.Fatalf("title = %q, want first 48 chars of first message", got.Title)
	}
}

func TestSendMessageFreeQuota(t *testing.T) {
	env := newTestEnv(t, "shared-key", func(ai *config.AIConfig) { ai.FreeDailyLimit = 2 })
	ctx := context.Background()
	c := env.newChat(t)

	now := time.Now().UTC()
	env.seedTextMessage(t, c.ID, storage.RoleUser, "eins", now.Add(-2*time.Hour))
	env.seedTextMessage(t, c.ID, storage.RoleUser, "zwei", now.Add(-time.Hour))

	_, err := env.engine.SendMessage(ctx, env.userID, SendInput{ChatID: c.ID, Message: "drei"})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}

	msgs, err := env.store.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("rejected request persisted a message, have %d", len(msgs))
	}

	// A stored key lifts the request to pro mode, where the quota does not
	// apply.
	env.storeCredential(t, "user-key")
	res, err := env.engine.SendMessage(ctx, env.userID, SendInput{ChatID: c.ID, Message: "drei"})
	if err != nil {
		t.Fatalf("pro send: %v", err)
	}
	if res.Mode != ModePro {
		t.Fatalf("mode = %q, want %q", res.Mode, ModePro)
	}
}

func TestSendMessageQuotaWindowRolls(t *testing.T) {
	env := newTestEnv(t, "shared-key", func(ai *config.AIConfig) { ai.FreeDailyLimit = 1 })
	ctx := context.Background()
	c := env.newChat(t)

	// One message just outside the 24h window does not count.
	env.seedTextMessage(t, c.ID, storage.RoleUser, "alt", time.Now().UTC().Add(-25*time.Hour))

	if _, err := env.engine.SendMessage(ctx, env.userID, SendInput{ChatID: c.ID, Message: "neu"}); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestSendMessageNoCredential(t *testing.T) {
	env := newTestEnv(t, "", nil)
	ctx := context.Background()
	c := env.newChat(t)

	_, err := env.engine.SendMessage(ctx, env.userID, SendInput{ChatID: c.ID, Message: "hallo"})
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential", err)
	}

	msgs, err := env.store.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("rejected request persisted %d messages", len(msgs))
	}
}

func TestSendMessageCorruptCredentialFailsClosed(t *testing.T) {
	env := newTestEnv(t, "shared-key", nil)
	ctx := context.Background()
	c := env.newChat(t)

	if err := env.store.UpsertCredential(ctx, storage.Credential{
		ID:        uuid.NewString(),
		UserID:    env.userID,
		Provider:  storage.ProviderGroq,
		EncAPIKey: "not an envelope",
	}); err != nil {
		t.Fatalf("upsert credential: %v", err)
	}

	// The shared key is available, but a broken stored credential must not
	// silently downgrade to free mode.
	_, err := env.engine.SendMessage(ctx, env.userID, SendInput{ChatID: c.ID, Message: "hallo"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}

	calls, _, _ := env.provider.snapshot()
	if calls != 0 {
		t.Fatalf("provider was called %d times", calls)
	}
}

func TestSendMessageHistoryWindow(t *testing.T) {
	env := newTestEnv(t, "shared-key", func(ai *config.AIConfig) { ai.FreeHistory = 4 })
	ctx := context.Background()
	c := env.newChat(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		role := storage.RoleUser
		if i%2 == 1 {
			role = storage.RoleAssistant
		}
		env.seedTextMessage(t, c.ID, role, fmt.Sprintf("turn-%02d", i), base.Add(time.Duration(i)*time.Second))
	}
	upID := uuid.NewString()
	if err := env.store.CreateUpload(ctx, storage.Upload{
		ID: upID, UserID: env.userID, ChatID: c.ID, MimeType: "image/png", Data: []byte{1},
	}); err != nil {
		t.Fatalf("create upload: %v", err)
	}
	if err := env.store.CreateMessage(ctx, storage.Message{
		ID: uuid.NewString(), ChatID: c.ID, Role: storage.RoleUser, Type: storage.TypeImage,
		UploadID: &upID, CreatedAt: base.Add(30 * time.Second),
	}); err != nil {
		t.Fatalf("create image message: %v", err)
	}

	if _, err := env.engine.SendMessage(ctx, env.userID, SendInput{ChatID: c.ID, Message: "aktuell"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	_, payload, _ := env.provider.snapshot()
	// system + 4 most recent text turns; the new message is the last one.
	if len(payload.Messages) != 5 {
		t.Fatalf("payload has %d messages, want 5", len(payload.Messages))
	}
	if payload.Messages[0].Role != "system" {
		t.Fatalf("first payload message role = %q", payload.Messages[0].Role)
	}
	want := []string{"turn-07", "turn-08", "turn-09", "aktuell"}
	for i, w := range want {
		if got := payload.Messages[i+1].Content; got != w {
			t.Fatalf("payload message %d = %q, want %q", i+1, got, w)
		}
	}
	for _, m := range payload.Messages {
		if m.Content == "" {
			t.Fatalf("image turn leaked into payload")
		}
	}
}

func TestSendMessageProviderFailureKeepsInbound(t *testing.T) {
	env := newTestEnv(t, "shared-key", nil)
	env.provider.chatStatus = http.StatusInternalServerError
	ctx := context.Background()
	c := env.newChat(t)

	_, err := env.engine.SendMessage(ctx, env.userID, SendInput{ChatID: c.ID, Message: "hallo"})
	var perr *groq.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *groq.ProviderError", err)
	}

	msgs, err := env.store.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != storage.RoleUser {
		t.Fatalf("want only the inbound user message, got %d", len(msgs))
	}
}

func TestSendMessageProOverridesModelAndTouchesCredential(t *testing.T) {
	env := newTestEnv(t, "shared-key", nil)
	ctx := context.Background()
	c := env.newChat(t)
	env.storeCredential(t, "user-key")

	res, err := env.engine.SendMessage(ctx, env.userID, SendInput{ChatID: c.ID, Message: "hallo", Model: "llama-3.3-70b-versatile"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Mode != ModePro {
		t.Fatalf("mode = %q, want %q", res.Mode, ModePro)
	}

	_, payload, auth := env.provider.snapshot()
	if payload.Model != "llama-3.3-70b-versatile" {
		t.Fatalf("model = %q", payload.Model)
	}
	if auth != "Bearer user-key" {
		t.Fatalf("auth = %q", auth)
	}

	cred, err := env.store.GetCredential(ctx, env.userID, storage.ProviderGroq)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if cred.LastUsedAt == nil {
		t.Fatalf("credential last_used_at not set")
	}
}

func TestSendMessageRejectsOverlongModelOverride(t *testing.T) {
	env := newTestEnv(t, "shared-key", nil)
	c := env.newChat(t)
	env.storeCredential(t, "user-key")

	_, err := env.engine.SendMessage(context.Background(), env.userID, SendInput{
		ChatID:  c.ID,
		Message: "hallo",
		Model:   strings.Repeat("m", 81),
	})
	if !errors.Is(err, ErrInvalidModel) {
		t.Fatalf("err = %v, want ErrInvalidModel", err)
	}
}

func TestAttachUpload(t *testing.T) {
	env := newTestEnv(t, "shared-key", nil)
	ctx := context.Background()
	c := env.newChat(t)

	up, msg, err := env.engine.AttachUpload(ctx, env.userID, c.ID, "image/png", []byte{0x89, 0x50})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if msg.Type != storage.TypeImage || msg.UploadID == nil || *msg.UploadID != up.ID {
		t.Fatalf("unexpected message %+v", msg)
	}

	calls, _, _ := env.provider.snapshot()
	if calls != 0 {
		t.Fatalf("attachment triggered a model call")
	}

	if _, _, err := env.engine.AttachUpload(ctx, env.userID, c.ID, "application/pdf", []byte{1}); !errors.Is(err, ErrUnsupportedUpload) {
		t.Fatalf("err = %v, want ErrUnsupportedUpload", err)
	}
}

func TestTranscribeClipPersistsNothing(t *testing.T) {
	env := newTestEnv(t, "shared-key", nil)
	ctx := context.Background()
	c := env.newChat(t)

	tr, err := env.engine.TranscribeClip(ctx, env.userID, []byte{1, 2, 3}, "audio/webm", "de")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if tr.NoSpeech || tr.Text != "hallo welt" {
		t.Fatalf("transcription = %+v", tr)
	}

	msgs, err := env.store.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("transcription persisted %d messages", len(msgs))
	}
}

func TestAnalyzeAudio(t *testing.T) {
	env := newTestEnv(t, "shared-key", func(ai *config.AIConfig) { ai.FreeDailyLimit = 1 })
	env.provider.chatContent = "Zusammenfassung der Aufnahme"
	ctx := context.Background()
	c := env.newChat(t)

	// Exhaust the daily quota; analysis must still run.
	env.seedTextMessage(t, c.ID, storage.RoleUser, "voll", time.Now().UTC())

	up, _, err := env.engine.AttachUpload(ctx, env.userID, c.ID, "audio/webm", []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	msg, err := env.engine.AnalyzeAudio(ctx, env.userID, c.ID, up.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if msg.Role != storage.RoleAssistant || msg.Content != "Zusammenfassung der Aufnahme" {
		t.Fatalf("unexpected message %+v", msg)
	}

	// The transcript acts as a synthetic turn and is never stored.
	msgs, err := env.store.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	var texts int
	for _, m := range msgs {
		if m.Type == storage.TypeText {
			texts++
		}
	}
	if texts != 2 { // seeded quota message + assistant answer
		t.Fatalf("got %d text messages, want 2", texts)
	}
}

func TestAnalyzeAudioNoSpeech(t *testing.T) {
	env := newTestEnv(t, "shared-key", nil)
	env.provider.transcribeText = "   "
	ctx := context.Background()
	c := env.newChat(t)

	up, _, err := env.engine.AttachUpload(ctx, env.userID, c.ID, "audio/webm", []byte{1})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	msg, err := env.engine.AnalyzeAudio(ctx, env.userID, c.ID, up.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if msg.Content != noSpeechReply {
		t.Fatalf("content = %q, want the fixed clarifying reply", msg.Content)
	}

	calls, _, _ := env.provider.snapshot()
	if calls != 0 {
		t.Fatalf("no-speech result still called the chat model")
	}
}

func TestAnalyzeAudioRejectsForeignUpload(t *testing.T) {
	env := newTestEnv(t, "shared-key", nil)
	ctx := context.Background()
	c1 := env.newChat(t)
	c2 := env.newChat(t)

	up, _, err := env.engine.AttachUpload(ctx, env.userID, c1.ID, "audio/webm", []byte{1})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	// Upload belongs to another chat.
	if _, err := env.engine.AnalyzeAudio(ctx, env.userID, c2.ID, up.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	// Image uploads are not analyzable.
	img, _, err := env.engine.AttachUpload(ctx, env.userID, c1.ID, "image/png", []byte{1})
	if err != nil {
		t.Fatalf("attach image: %v", err)
	}
	if _, err := env.engine.AnalyzeAudio(ctx, env.userID, c1.ID, img.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteChatCascades(t *testing.T) {
	env := newTestEnv(t, "shared-key", nil)
	ctx := context.Background()
	c := env.newChat(t)

	if _, err := env.engine.SendMessage(ctx, env.userID, SendInput{ChatID: c.ID, Message: "hallo"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	up, _, err := env.engine.AttachUpload(ctx, env.userID, c.ID, "image/png", []byte{1})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := env.engine.DeleteChat(ctx, env.userID, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := env.engine.GetChat(ctx, env.userID, c.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("chat still readable after delete: %v", err)
	}
	if _, err := env.engine.GetUpload(ctx, env.userID, up.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("upload still readable after delete: %v", err)
	}
}
