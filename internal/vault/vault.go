// Package vault protects provider credentials at rest and implements the
// one-time verification code primitives. Plaintext secrets only ever exist
// transiently in memory for the request that needs them.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrIntegrity means the authentication tag did not verify: the blob was
	// tampered with or encrypted under a different key.
	ErrIntegrity = errors.New("vault: ciphertext integrity check failed")
	// ErrFormat means the blob is not a well-formed envelope.
	ErrFormat = errors.New("vault: malformed ciphertext envelope")
)

type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Manager holds the process-wide master keys. Keys are fixed after
// construction; rotating a key means restarting with a new key map.
type Manager struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewManager(currentKeyID string, keys map[string][]byte) (*Manager, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Manager{currentKeyID: currentKeyID, keys: cp}, nil
}

func (m *Manager) Encrypt(plaintext []byte) (Envelope, error) {
	key := m.keys[m.currentKeyID]
	aead, err := newAEAD(key)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return Envelope{
		KeyID:      m.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

func (m *Manager) Decrypt(env Envelope) ([]byte, error) {
	key, ok := m.keys[env.KeyID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key id %q", ErrFormat, env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: decode nonce: %v", ErrFormat, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decode ciphertext: %v", ErrFormat, err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce length %d", ErrFormat, len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}

// SealString encrypts value and returns the JSON-serialized envelope,
// suitable for storing as an opaque column.
func (m *Manager) SealString(value string) (string, error) {
	env, err := m.Encrypt([]byte(value))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

// OpenString reverses SealString. Never returns partial plaintext on failure.
func (m *Manager) OpenString(raw string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFormat, err)
	}
	pt, err := m.Decrypt(env)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// ReEncrypt re-seals an existing blob under the current key. Used after a
// restart that introduced a new current key.
func (m *Manager) ReEncrypt(raw string) (string, error) {
	plain, err := m.OpenString(raw)
	if err != nil {
		return "", err
	}
	return m.SealString(plain)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

// HashCode digests a verification code so only the hash is ever stored.
// Deterministic so a presented code can be compared against the stored digest.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(code)))
	return hex.EncodeToString(sum[:])
}

// GenerateCode returns a zero-padded numeric code uniformly distributed over
// [0, 10^length). length must be between 1 and 18.
func GenerateCode(length int) (string, error) {
	if length < 1 || length > 18 {
		return "", fmt.Errorf("invalid code length %d", length)
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}
