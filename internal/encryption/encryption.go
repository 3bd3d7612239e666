// Package encryption protects API-key secrets at rest. Secrets are sealed with
// XChaCha20-Poly1305 and indexed by a keyed BLAKE2b digest so the store can
// enforce uniqueness without decrypting.
package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the required size of the encryption key.
	KeySize = chacha20poly1305.KeySize

	// EncryptedPrefix marks values sealed by Encryptor.
	EncryptedPrefix = "enc:v2:"
)

var (
	// ErrInvalidKeySize is returned when the encryption key has an invalid size.
	ErrInvalidKeySize = errors.New("encryption key must be exactly 32 bytes")
	// ErrNoEncryptionKey is returned when no encryption key is configured.
	ErrNoEncryptionKey = errors.New("no encryption key configured")
	// ErrDecryptionFailed is returned when authentication of the ciphertext fails.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrInvalidCiphertext is returned for truncated or badly encoded values.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
)

// FieldEncryptor encrypts and decrypts single column values.
type FieldEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Encryptor seals values with XChaCha20-Poly1305. Safe for concurrent use.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an Encryptor from a 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// NewEncryptorFromBase64Key creates an Encryptor from a base64 encoded key.
func NewEncryptorFromBase64Key(base64Key string) (*Encryptor, error) {
	key, err := DecodeKey(base64Key)
	if err != nil {
		return nil, err
	}
	return NewEncryptor(key)
}

// DecodeKey decodes a standard base64 key and checks its length.
func DecodeKey(base64Key string) ([]byte, error) {
	if base64Key == "" {
		return nil, ErrNoEncryptionKey
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Key))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	return key, nil
}

// Encrypt seals plaintext and returns EncryptedPrefix + base64(nonce|ciphertext).
// Empty strings are returned unchanged.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values without the prefix were
// stored before encryption was enabled and are returned as-is.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if !IsEncrypted(ciphertext) {
		return ciphertext, nil
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext[len(EncryptedPrefix):])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	ns := e.aead.NonceSize()
	if len(data) < ns+e.aead.Overhead()+1 {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether value carries EncryptedPrefix.
func IsEncrypted(value string) bool {
	return len(value) > len(EncryptedPrefix) && strings.HasPrefix(value, EncryptedPrefix)
}

// GenerateKeyBase64 returns a fresh random key encoded as standard base64.
func GenerateKeyBase64() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// NullEncryptor stores values in plaintext.
type NullEncryptor struct{}

// NewNullEncryptor returns a FieldEncryptor that does nothing.
func NewNullEncryptor() *NullEncryptor { return &NullEncryptor{} }

// Encrypt returns plaintext unchanged.
func (NullEncryptor) Encrypt(plaintext string) (string, error) { return plaintext, nil }

// Decrypt returns ciphertext unchanged.
func (NullEncryptor) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }
