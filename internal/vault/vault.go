// Package vault encrypts and decrypts credentials stored at rest.
//
// Ciphertext is base64(nonce || sealed) produced by AES-256-GCM with a fresh
// random nonce per call, so equal plaintexts never produce equal ciphertexts.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/canonica-labs/dbtester/internal/errors"
)

// KeySize is the required key length in bytes.
const KeySize = 32

// MaxPlaintextSize bounds what Encrypt accepts.
const MaxPlaintextSize = 4096

// Cipher encrypts and decrypts secrets.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Vault is the AES-256-GCM Cipher. It is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
	rand io.Reader
}

var _ Cipher = (*Vault)(nil)

// New creates a Vault from a configured key. The key may be base64 or hex
// encoded 32 bytes, or exactly 32 raw characters. Anything else is a
// configuration error.
func New(key string) (*Vault, error) {
	raw, err := DecodeKey(key)
	if err != nil {
		return nil, err
	}
	return NewFromBytes(raw)
}

// NewFromBytes creates a Vault from a raw 32 byte key.
func NewFromBytes(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, errors.NewConfigurationError("vault.key",
			fmt.Sprintf("key must be %d bytes, got %d", KeySize, len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewConfigurationError("vault.key", err.Error())
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewConfigurationError("vault.key", err.Error())
	}
	return &Vault{aead: aead, rand: rand.Reader}, nil
}

// DecodeKey accepts the supported key encodings and returns the raw key.
func DecodeKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.NewConfigurationError("vault.key", "encryption key is not configured")
	}
	if b, err := base64.StdEncoding.DecodeString(key); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b, err := hex.DecodeString(key); err == nil && len(b) == KeySize {
		return b, nil
	}
	if len(key) == KeySize {
		return []byte(key), nil
	}
	return nil, errors.NewConfigurationError("vault.key",
		fmt.Sprintf("key must decode to %d bytes (base64, hex or raw)", KeySize))
}

// GenerateKey returns a new random key, base64 encoded.
func GenerateKey() (string, error) {
	b := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Encrypt seals plaintext. The empty string encrypts to the empty string.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if len(plaintext) > MaxPlaintextSize {
		return "", errors.NewValidation("plaintext",
			fmt.Sprintf("exceeds %d bytes", MaxPlaintextSize))
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(v.rand, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)

	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt. Tampered or truncated input is
// an error; the error never echoes the input.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.NewValidation("ciphertext", "not valid base64")
	}
	ns := v.aead.NonceSize()
	if len(data) < ns+v.aead.Overhead() {
		return "", errors.NewValidation("ciphertext", "too short")
	}
	plain, err := v.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", errors.NewValidation("ciphertext", "authentication failed")
	}
	return string(plain), nil
}
