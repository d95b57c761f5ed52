// Package auth implements registration, email verification, login, sessions
// and stored-credential management.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"zackai/internal/mail"
	"zackai/internal/metrics"
	"zackai/internal/storage"
	"zackai/internal/vault"
)

var (
	ErrEmailTaken         = errors.New("auth: email already registered")
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	// ErrNotVerified carries the "a fresh code was just sent" semantics: the
	// password was correct but the account still needs email verification.
	ErrNotVerified = errors.New("auth: email not verified")
	// The three code failures are distinct so the client can offer
	// "resend" (missing/expired) versus "retype" (mismatch).
	ErrCodeMissing  = errors.New("auth: no verification code issued")
	ErrCodeExpired  = errors.New("auth: verification code expired")
	ErrCodeMismatch = errors.New("auth: verification code incorrect")
	// ErrMailNotConfigured is an operator problem, not a user one.
	ErrMailNotConfigured = errors.New("auth: smtp is not configured")
)

const codeLength = 6

type Service struct {
	store      *storage.Store
	vault      *vault.Manager
	mailer     mail.Sender
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	sessionTTL time.Duration
	codeTTL    time.Duration
}

type Config struct {
	Store      *storage.Store
	Vault      *vault.Manager
	Mailer     mail.Sender
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	SessionTTL time.Duration
	CodeTTL    time.Duration
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 14 * 24 * time.Hour
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 15 * time.Minute
	}
	return &Service{
		store:      cfg.Store,
		vault:      cfg.Vault,
		mailer:     cfg.Mailer,
		metrics:    m,
		logger:     cfg.Logger,
		sessionTTL: cfg.SessionTTL,
		codeTTL:    cfg.CodeTTL,
	}
}

// NormalizeEmail is the single place email case-folding happens; every
// lookup and every insert goes through it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an unverified account and emails a verification code.
// Registering an existing unverified address re-issues the code instead of
// failing; a verified address is a conflict.
func (s *Service) Register(ctx context.Context, email, password string, name *string) error {
	email = NormalizeEmail(email)

	existing, err := s.store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.EmailVerifiedAt != nil {
			return ErrEmailTaken
		}
		return s.issueCode(ctx, existing.ID, email)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user := storage.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Name:         name,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return s.issueCode(ctx, user.ID, email)
}

// Login verifies the password. Unverified accounts get a fresh code and
// ErrNotVerified; verified accounts get a session.
func (s *Service) Login(ctx context.Context, email, password string) (storage.Session, error) {
	email = NormalizeEmail(email)

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Session{}, ErrInvalidCredentials
		}
		return storage.Session{}, err
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return storage.Session{}, ErrInvalidCredentials
	}

	if user.EmailVerifiedAt == nil {
		if err := s.issueCode(ctx, user.ID, email); err != nil {
			return storage.Session{}, err
		}
		return storage.Session{}, ErrNotVerified
	}

	return s.createSession(ctx, user.ID)
}

// Verify consumes the active code, stamps the verification timestamp and
// logs the user in.
func (s *Service) Verify(ctx context.Context, email, code string) (storage.Session, error) {
	email = NormalizeEmail(email)
	code = digitsOnly(code)

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, err
	}

	token, err := s.store.LatestVerificationToken(ctx, user.ID, storage.PurposeEmailVerification)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Session{}, ErrCodeMissing
		}
		return storage.Session{}, err
	}
	if token.ExpiresAt.Before(time.Now().UTC()) {
		return storage.Session{}, ErrCodeExpired
	}
	if token.CodeHash != vault.HashCode(code) {
		return storage.Session{}, ErrCodeMismatch
	}

	if err := s.store.MarkEmailVerified(ctx, user.ID, time.Now().UTC()); err != nil {
		return storage.Session{}, err
	}
	if err := s.store.DeleteVerificationTokens(ctx, user.ID, storage.PurposeEmailVerification); err != nil {
		return storage.Session{}, err
	}

	return s.createSession(ctx, user.ID)
}

// Resend re-issues a code for an unverified account. Unknown or already
// verified addresses are silently ignored so the endpoint does not confirm
// account existence.
func (s *Service) Resend(ctx context.Context, email string) error {
	email = NormalizeEmail(email)

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if user.EmailVerifiedAt != nil {
		return nil
	}
	return s.issueCode(ctx, user.ID, email)
}

func (s *Service) Logout(ctx context.Context, sessionID string) error {
	return s.store.DeleteSession(ctx, sessionID)
}

// SessionUser resolves a session token to its user. Expired sessions are
// deleted on sight; there is no background sweep.
func (s *Service) SessionUser(ctx context.Context, sessionID string) (storage.User, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return storage.User{}, err
	}
	if sess.ExpiresAt.Before(time.Now().UTC()) {
		_ = s.store.DeleteSession(ctx, sess.ID)
		return storage.User{}, storage.ErrNotFound
	}
	return s.store.GetUserByID(ctx, sess.UserID)
}

// SaveCredential encrypts and stores the user's provider key. Replacing an
// existing key resets its last-used marker.
func (s *Service) SaveCredential(ctx context.Context, userID, apiKey string) error {
	sealed, err := s.vault.SealString(apiKey)
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	return s.store.UpsertCredential(ctx, storage.Credential{
		ID:        uuid.NewString(),
		UserID:    userID,
		Provider:  storage.ProviderGroq,
		EncAPIKey: sealed,
	})
}

func (s *Service) DeleteCredential(ctx context.Context, userID string) error {
	return s.store.DeleteCredential(ctx, userID, storage.ProviderGroq)
}

// CredentialStatus reports whether a key is stored and when it was last
// used, without ever decrypting it.
func (s *Service) CredentialStatus(ctx context.Context, userID string) (exists bool, lastUsedAt *time.Time, err error) {
	cred, err := s.store.GetCredential(ctx, userID, storage.ProviderGroq)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil, nil
		}
		return false, nil, err
	}
	return true, cred.LastUsedAt, nil
}

func (s *Service) issueCode(ctx context.Context, userID, email string) error {
	if s.mailer == nil {
		return ErrMailNotConfigured
	}
	code, err := vault.GenerateCode(codeLength)
	if err != nil {
		return err
	}
	minutes := int(s.codeTTL.Minutes())
	if err := s.store.ReplaceVerificationToken(ctx, storage.VerificationToken{
		UserID:    userID,
		Purpose:   storage.PurposeEmailVerification,
		CodeHash:  vault.HashCode(code),
		ExpiresAt: time.Now().UTC().Add(s.codeTTL),
	}); err != nil {
		return fmt.Errorf("store verification token: %w", err)
	}
	if err := s.mailer.SendVerificationCode(email, code, minutes); err != nil {
		s.logger.Error().Err(err).Str("email", email).Msg("verification mail failed")
		return fmt.Errorf("%w: %v", ErrMailNotConfigured, err)
	}
	s.metrics.VerificationEmails.Inc()
	return nil
}

func (s *Service) createSession(ctx context.Context, userID string) (storage.Session, error) {
	sess := storage.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		ExpiresAt: time.Now().UTC().Add(s.sessionTTL),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return storage.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
