// Package encryption provides AES-256-GCM encryption of cached payloads at
// rest and bcrypt hashing of management tokens.
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the required size for AES-256 encryption keys (32 bytes).
	KeySize = 32

	// NonceSize is the size of the GCM nonce (12 bytes).
	NonceSize = 12
)

// EncryptedPrefix marks sealed payloads so that plaintext written before
// encryption was enabled can still be told apart.
var EncryptedPrefix = []byte("enc:v1:")

var (
	// ErrInvalidKeySize is returned when the encryption key has an invalid size.
	ErrInvalidKeySize = errors.New("encryption key must be exactly 32 bytes")

	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrNoEncryptionKey is returned when no encryption key is configured.
	ErrNoEncryptionKey = errors.New("no encryption key configured")

	// ErrInvalidCiphertext is returned when the ciphertext is invalid.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
)

// Encryptor seals and opens payloads.
// It is safe for concurrent use - cipher.AEAD implementations are thread-safe.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor creates a new Encryptor with the given 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{gcm: gcm}, nil
}

// NewEncryptorFromBase64Key creates a new Encryptor from a base64-encoded key.
func NewEncryptorFromBase64Key(base64Key string) (*Encryptor, error) {
	if base64Key == "" {
		return nil, ErrNoEncryptionKey
	}

	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}

	return NewEncryptor(key)
}

// Seal encrypts plaintext. The output is prefix || nonce || ciphertext.
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(EncryptedPrefix)+NonceSize+len(plaintext)+e.gcm.Overhead())
	out = append(out, EncryptedPrefix...)
	out = append(out, nonce...)
	return e.gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal.
func (e *Encryptor) Open(sealed []byte) ([]byte, error) {
	if !IsEncrypted(sealed) {
		return nil, ErrInvalidCiphertext
	}
	data := sealed[len(EncryptedPrefix):]

	// nonce + tag at minimum
	if len(data) < NonceSize+e.gcm.Overhead() {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := e.gcm.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// IsEncrypted checks if a payload has the encryption prefix.
func IsEncrypted(value []byte) bool {
	return len(value) > len(EncryptedPrefix) && bytes.HasPrefix(value, EncryptedPrefix)
}

// GenerateKey generates a new random 32-byte encryption key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// GenerateKeyBase64 generates a new random encryption key and returns it as base64.
func GenerateKeyBase64() (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
