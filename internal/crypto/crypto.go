// Package crypto encrypts payment-provider tokens (Stripe customer
// IDs, Chargebee subscription tokens, anything a paymentprovider
// adapter needs to persist) before they reach durable storage. A
// single master key, read from the environment variable named by
// Encryption.KeyEnvVar, is stretched with HKDF into a fresh AES key
// per encryption call so no two ciphertexts share key material even
// though they share a master secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"

	"github.com/flowbill/entitlements/internal/config"
	ierr "github.com/flowbill/entitlements/internal/errors"
)

const (
	saltSize = 16
	keySize  = 32
	hkdfInfo = "flowbill/entitlements/payment-token"
)

// Box encrypts and decrypts opaque secrets with a master key loaded
// once at construction time.
type Box struct {
	masterKey []byte
}

// NewBox reads the master key from the environment variable
// cfg.Encryption.KeyEnvVar. The key must decode from base64 to at
// least 32 bytes; NewBox fails closed rather than silently running
// with a weak or missing key.
func NewBox(cfg *config.Configuration) (*Box, error) {
	envVar := cfg.Encryption.KeyEnvVar
	if envVar == "" {
		envVar = "ENCRYPTION_KEY"
	}

	raw := os.Getenv(envVar)
	if raw == "" {
		return nil, ierr.NewError("encryption key not configured").
			WithHint("set the environment variable referenced by encryption.key_env_var").
			WithReportableDetails(map[string]any{"env_var": envVar}).
			Mark(ierr.ErrValidation)
	}

	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("encryption key must be base64-encoded").
			Mark(ierr.ErrValidation)
	}
	if len(key) < keySize {
		return nil, ierr.NewError("encryption key too short").
			WithHint("master key must decode to at least 32 bytes").
			Mark(ierr.ErrValidation)
	}

	return &Box{masterKey: key}, nil
}

// Encrypt returns a base64-encoded blob of salt || nonce || ciphertext.
// A fresh per-call AES key is derived from the master key via HKDF-SHA256
// keyed on a random salt, so the same plaintext never yields the same
// ciphertext twice.
func (b *Box) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", ierr.WithError(err).Mark(ierr.ErrSystem)
	}

	gcm, err := b.gcmFor(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", ierr.WithError(err).Mark(ierr.ErrSystem)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func (b *Box) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ierr.WithError(err).WithHint("ciphertext is not valid base64").Mark(ierr.ErrValidation)
	}
	if len(raw) < saltSize {
		return "", ierr.NewError("ciphertext too short").Mark(ierr.ErrValidation)
	}

	salt := raw[:saltSize]
	rest := raw[saltSize:]

	gcm, err := b.gcmFor(salt)
	if err != nil {
		return "", err
	}
	if len(rest) < gcm.NonceSize() {
		return "", ierr.NewError("ciphertext too short").Mark(ierr.ErrValidation)
	}

	nonce := rest[:gcm.NonceSize()]
	body := rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ierr.WithError(err).WithHint("decryption failed, wrong key or tampered ciphertext").Mark(ierr.ErrPermissionDenied)
	}
	return string(plaintext), nil
}

func (b *Box) gcmFor(salt []byte) (cipher.AEAD, error) {
	derived := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, b.masterKey, salt, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrSystem)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrSystem)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrSystem)
	}
	return gcm, nil
}
