// Package crypto provides per-user authenticated encryption for field-level data.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeyLength is the derived AES-256 key size in bytes.
	KeyLength = 32
	// IVLength is the GCM nonce size in bytes.
	IVLength = 12

	aadPrefix = "chronos-v1:"
	hkdfSalt  = "chronos-hkdf-v1!"
)

var (
	ErrInvalidKey       = errors.New("encryption key must be 32 bytes")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Encryptor derives per-user keys from a process-wide master secret and
// encrypts/decrypts individual field values with AES-256-GCM.
//
// Ciphertext layout: base64(iv(12) || ciphertext || tag(16)). The user id is
// bound into the AAD so ciphertext cannot be replayed across users.
type Encryptor struct {
	masterKey []byte
}

// NewEncryptor creates an encryptor from the master secret.
func NewEncryptor(masterKey string) (*Encryptor, error) {
	if masterKey == "" {
		return nil, errors.New("master key must not be empty")
	}
	return &Encryptor{masterKey: []byte(masterKey)}, nil
}

// DeriveKey derives the 32-byte encryption key for a user via HKDF-SHA256
// with a fixed salt and the user id as the info parameter.
func (e *Encryptor) DeriveKey(userID string) ([]byte, error) {
	r := hkdf.New(sha256.New, e.masterKey, []byte(hkdfSalt), []byte(userID))
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func buildAAD(userID string) []byte {
	return append([]byte(aadPrefix), userID...)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt encrypts plaintext under the user's derived key.
func (e *Encryptor) Encrypt(plaintext, userID string) (string, error) {
	key, err := e.DeriveKey(userID)
	if err != nil {
		return "", err
	}
	return e.EncryptWithKey(plaintext, userID, key)
}

// EncryptWithKey encrypts with a pre-derived key. The key must come from
// DeriveKey for the same user; it is interchangeable with on-the-fly derivation.
func (e *Encryptor) EncryptWithKey(plaintext, userID string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, IVLength)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(iv, iv, []byte(plaintext), buildAAD(userID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts a token produced by Encrypt for the same user.
// Any malformed input, tag mismatch or non-UTF-8 plaintext fails with
// ErrDecryptionFailed.
func (e *Encryptor) Decrypt(token, userID string) (string, error) {
	key, err := e.DeriveKey(userID)
	if err != nil {
		return "", err
	}
	return e.DecryptWithKey(token, userID, key)
}

// DecryptWithKey decrypts with a pre-derived key.
func (e *Encryptor) DecryptWithKey(token, userID string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	if len(data) < IVLength+gcm.Overhead() {
		return "", ErrDecryptionFailed
	}

	iv, sealed := data[:IVLength], data[IVLength:]
	plaintext, err := gcm.Open(nil, iv, sealed, buildAAD(userID))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	if !utf8.Valid(plaintext) {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
