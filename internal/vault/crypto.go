// Package vault implements C1, the secret vault: symmetric authenticated
// encryption of user provider credentials at rest.
//
// Encrypted values are prefixed with "enc:" followed by base64-encoded
// ciphertext (nonce + sealed data), making it trivial to distinguish
// encrypted values from legacy plaintext on read.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/rakunlabs/opennotebook/internal/apperr"
)

const encPrefix = "enc:"

// Encrypt encrypts plaintext using AES-256-GCM and returns
// "enc:<base64(nonce+ciphertext)>". Returns the empty string unchanged.
// key must be exactly 32 bytes.
func Encrypt(plaintext string, key []byte) (string, error) {
	if plaintext == "" {
		return plaintext, nil
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts a value previously produced by Encrypt. A value lacking
// the "enc:" prefix is returned as-is (plaintext passthrough, for rows
// written before encryption was enabled). A tampered or wrong-key
// ciphertext surfaces apperr.InvalidCredential, per spec §4.1.
func Decrypt(ciphertext string, key []byte) (string, error) {
	if !IsEncrypted(ciphertext) {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, encPrefix))
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidCredential, err, "decode ciphertext")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", apperr.New(apperr.InvalidCredential, "ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidCredential, err, "authentication failed")
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether value carries the "enc:" prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// DeriveKey derives a 32-byte AES-256 key from an arbitrary-length
// passphrase via SHA-256. Errors on an empty passphrase.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, apperr.New(apperr.InvalidInput, "encryption key must not be empty")
	}

	hash := sha256.Sum256([]byte(passphrase))

	return hash[:], nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidCredential, err, "create cipher")
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidCredential, err, "create GCM")
	}

	return gcm, nil
}
