package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/goliatone/go-erpsync/core"
)

// SealedPrefix marks config values that hold an encrypted credential.
const SealedPrefix = "erpsync.secret.v1:"

// SecretProvider encrypts and decrypts credential payloads.
type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type Option func(*AppKeySealer)

// AppKeySealer seals credentials with AES-GCM under a local application key.
type AppKeySealer struct {
	key     []byte
	keyID   string
	version int
}

type envelope struct {
	KeyID      string `json:"kid"`
	Version    int    `json:"ver"`
	Algorithm  string `json:"alg"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

func WithKeyID(id string) Option {
	return func(s *AppKeySealer) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			s.keyID = trimmed
		}
	}
}

func WithVersion(version int) Option {
	return func(s *AppKeySealer) {
		if version > 0 {
			s.version = version
		}
	}
}

func NewAppKeySealer(keyMaterial []byte, opts ...Option) (*AppKeySealer, error) {
	key := bytes.TrimSpace(keyMaterial)
	if len(key) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	sealer := &AppKeySealer{key: normalizeKey(key), keyID: "app-key", version: 1}
	for _, opt := range opts {
		if opt != nil {
			opt(sealer)
		}
	}
	return sealer, nil
}

func NewAppKeySealerFromString(key string, opts ...Option) (*AppKeySealer, error) {
	return NewAppKeySealer([]byte(key), opts...)
}

func (s *AppKeySealer) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("security: sealer is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	data, err := json.Marshal(envelope{
		KeyID:      s.keyID,
		Version:    s.version,
		Algorithm:  "aes-256-gcm",
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	})
	if err != nil {
		return nil, fmt.Errorf("security: encode envelope: %w", err)
	}
	return append([]byte(SealedPrefix), data...), nil
}

func (s *AppKeySealer) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("security: sealer is nil")
	}
	payload := strings.TrimPrefix(strings.TrimSpace(string(ciphertext)), SealedPrefix)
	if payload == "" {
		return nil, fmt.Errorf("security: ciphertext is required")
	}

	var parsed envelope
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, fmt.Errorf("security: decode envelope: %w", err)
	}
	if parsed.KeyID != "" && parsed.KeyID != s.keyID {
		return nil, fmt.Errorf("security: key id mismatch: got %q want %q", parsed.KeyID, s.keyID)
	}
	if parsed.Version > 0 && parsed.Version != s.version {
		return nil, fmt.Errorf("security: key version mismatch: got %d want %d", parsed.Version, s.version)
	}
	nonce, err := base64.StdEncoding.DecodeString(parsed.Nonce)
	if err != nil {
		return nil, fmt.Errorf("security: decode nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(parsed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("security: decode ciphertext: %w", err)
	}
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

func (s *AppKeySealer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}

func normalizeKey(value []byte) []byte {
	if len(value) == 16 || len(value) == 24 || len(value) == 32 {
		return append([]byte(nil), value...)
	}
	sum := sha256.Sum256(value)
	return sum[:]
}

// IsSealed reports whether value carries the sealed credential prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), SealedPrefix)
}

// Seal encrypts a credential into the string form stored in config files.
func Seal(ctx context.Context, provider SecretProvider, plaintext string) (string, error) {
	if provider == nil {
		return "", fmt.Errorf("security: secret provider is required")
	}
	sealed, err := provider.Encrypt(ctx, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return string(sealed), nil
}

// UnsealConfig decrypts the sealed credentials of cfg in place. Plain values
// are left untouched; a sealed value without a provider is an error.
func UnsealConfig(ctx context.Context, provider SecretProvider, cfg *core.Config) error {
	if cfg == nil {
		return nil
	}
	fields := []struct {
		name  string
		value *string
	}{
		{"sap.password", &cfg.SAP.Password},
		{"shopify.access_token", &cfg.Shopify.AccessToken},
	}
	for _, field := range fields {
		if !IsSealed(*field.value) {
			continue
		}
		if provider == nil {
			return fmt.Errorf("security: %s is sealed but no app key is configured", field.name)
		}
		plaintext, err := provider.Decrypt(ctx, []byte(*field.value))
		if err != nil {
			return fmt.Errorf("security: unseal %s: %w", field.name, err)
		}
		*field.value = string(plaintext)
	}
	return nil
}

var _ SecretProvider = (*AppKeySealer)(nil)
