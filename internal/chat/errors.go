package chat

import "errors"

var (
	// ErrQuotaExceeded: the free-tier rolling 24h message count is at or
	// above the configured limit. Nothing was persisted.
	ErrQuotaExceeded = errors.New("chat: free daily limit reached")

	// ErrNoCredential: no stored user key and no shared fallback key.
	ErrNoCredential = errors.New("chat: no provider credential configured")

	// ErrConfiguration: a stored credential exists but cannot be decrypted.
	// This is fail-closed on purpose: a corrupt credential is an operator
	// problem, never a silent downgrade to free mode.
	ErrConfiguration = errors.New("chat: credential configuration error")

	// ErrInvalidModel: the requested model override is unusable.
	ErrInvalidModel = errors.New("chat: invalid model override")

	// ErrEmptyMessage: a text exchange needs non-blank input.
	ErrEmptyMessage = errors.New("chat: message must not be empty")

	// ErrUnsupportedUpload: the attachment MIME type is neither image nor
	// audio.
	ErrUnsupportedUpload = errors.New("chat: unsupported upload type")
)
