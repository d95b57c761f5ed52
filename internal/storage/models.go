package storage

import (
	"errors"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	TypeText  = "text"
	TypeImage = "image"
	TypeAudio = "audio"

	PurposeEmailVerification = "email_verification"

	ProviderGroq = "groq"
)

type User struct {
	ID              string
	Email           string
	PasswordHash    string
	Name            *string
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
}

type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type VerificationToken struct {
	ID        int64
	UserID    string
	Purpose   string
	CodeHash  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type Credential struct {
	ID         string
	UserID     string
	Provider   string
	EncAPIKey  string
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

type Chat struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one turn in a chat. The type discriminant decides which fields
// are required: text turns carry content and no upload, image and audio
// turns carry an upload reference and empty content.
type Message struct {
	ID        string
	ChatID    string
	Role      string
	Type      string
	Content   string
	UploadID  *string
	CreatedAt time.Time
}

type Upload struct {
	ID        string
	UserID    string
	ChatID    string
	MimeType  string
	Data      []byte
	CreatedAt time.Time
}

var errInvalidMessage = errors.New("invalid message")

// Validate enforces the per-variant field requirements at construction time
// instead of leaving them to convention.
func (m Message) Validate() error {
	if m.ChatID == "" {
		return errInvalidMessage
	}
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return errInvalidMessage
	}
	switch m.Type {
	case TypeText:
		if m.Content == "" || m.UploadID != nil {
			return errInvalidMessage
		}
	case TypeImage, TypeAudio:
		if m.Content != "" || m.UploadID == nil || *m.UploadID == "" {
			return errInvalidMessage
		}
	default:
		return errInvalidMessage
	}
	return nil
}
