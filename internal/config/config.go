package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultFreeModel = "llama-3.1-8b-instant"
	DefaultSTTModel  = "whisper-large-v3-turbo"
)

var (
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingMasterKey   = errors.New("at least one master key is required")
)

type Config struct {
	ListenAddr string
	// SecureCookies marks session cookies Secure; enable behind TLS.
	SecureCookies bool

	DB     DBConfig
	Redis  RedisConfig
	Crypto CryptoConfig
	AI     AIConfig
	Upload UploadConfig
	Auth   AuthConfig
	SMTP   SMTPConfig
	Rate   RateConfig
	Log    LogConfig
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

// AIConfig carries everything the tier resolver and model invoker need.
// SharedAPIKey is the process-wide fallback credential; when empty, users
// without a stored key cannot chat at all.
type AIConfig struct {
	BaseURL        string
	SharedAPIKey   string
	FreeModel      string
	ProModel       string
	FreeDailyLimit int
	FreeMaxTokens  int
	ProMaxTokens   int
	FreeHistory    int
	ProHistory     int
	Temperature    float64
	STTModel       string
	ClientTimeout  time.Duration
}

type UploadConfig struct {
	ImageMaxBytes int64
	AudioMaxBytes int64
	STTMaxBytes   int64
}

type AuthConfig struct {
	SessionTTL time.Duration
	CodeTTL    time.Duration
}

type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// Ready reports whether outbound mail is configured at all. Registration
// refuses to issue codes it cannot deliver.
func (s SMTPConfig) Ready() bool {
	return s.User != "" && s.Pass != "" && s.From != ""
}

type RateConfig struct {
	AIBurstPerHour int64
	ResendPerHour  int64
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:    mustEnv("LISTEN_ADDR", ":8080"),
		SecureCookies: mustBool("COOKIE_SECURE", false),
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "file:zackai.db?_pragma=busy_timeout(5000)"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		},
		AI: AIConfig{
			BaseURL:        mustEnv("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
			SharedAPIKey:   mustEnv("GROQ_API_KEY", ""),
			FreeModel:      mustEnv("FREE_MODEL", DefaultFreeModel),
			ProModel:       mustEnv("PRO_MODEL", ""),
			FreeDailyLimit: mustInt("FREE_DAILY_LIMIT", 10),
			FreeMaxTokens:  mustInt("FREE_MAX_TOKENS", 512),
			ProMaxTokens:   mustInt("PRO_MAX_TOKENS", 2048),
			FreeHistory:    mustInt("FREE_HISTORY_WINDOW", 8),
			ProHistory:     mustInt("PRO_HISTORY_WINDOW", 20),
			Temperature:    mustFloat("AI_TEMPERATURE", 0.3),
			STTModel:       mustEnv("STT_MODEL", DefaultSTTModel),
			ClientTimeout:  mustDuration("AI_HTTP_TIMEOUT", 60*time.Second),
		},
		Upload: UploadConfig{
			ImageMaxBytes: megabytes(mustInt("IMAGE_MAX_MB", 4)),
			AudioMaxBytes: megabytes(mustInt("AUDIO_MAX_MB", 20)),
			STTMaxBytes:   megabytes(mustInt("STT_MAX_MB", 10)),
		},
		Auth: AuthConfig{
			SessionTTL: time.Duration(mustInt("SESSION_TTL_DAYS", 14)) * 24 * time.Hour,
			CodeTTL:    time.Duration(mustInt("CODE_TTL_MINUTES", 15)) * time.Minute,
		},
		SMTP: SMTPConfig{
			Host: mustEnv("SMTP_HOST", "smtp-relay.brevo.com"),
			Port: mustInt("SMTP_PORT", 587),
			User: mustEnv("SMTP_USER", ""),
			Pass: mustEnv("SMTP_PASS", ""),
			From: mustEnv("SMTP_FROM", "no-reply@example.com"),
		},
		Rate: RateConfig{
			AIBurstPerHour: int64(mustInt("AI_BURST_PER_HOUR", 30)),
			ResendPerHour:  int64(mustInt("RESEND_PER_HOUR", 3)),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.AI.FreeDailyLimit < 1 {
		cfg.AI.FreeDailyLimit = 1
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

// loadCryptoConfig accepts either a single MASTER_KEY_B64, per-id
// MASTER_KEY_<ID>_B64 variables, or a MASTER_KEYS_JSON map. Every key must
// decode to exactly 32 bytes; anything else is a startup failure.
func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k, v := parts[0], parts[1]
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		if k == "MASTER_KEY_B64" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func megabytes(n int) int64 {
	if n < 1 {
		n = 1
	}
	return int64(n) * 1024 * 1024
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustFloat(key string, def float64) float64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
