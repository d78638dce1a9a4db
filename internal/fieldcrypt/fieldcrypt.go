// Package fieldcrypt provides symmetric field encryption for stored records.
//
// Fields are sealed with AES-256-GCM under a key derived per call from the
// requesting tenant's secret. The package is stateless and thread-safe: no
// derived key is ever cached, so the secret's lifetime is bounded by the
// request that carried it.
//
// Wire format: base64( nonce[12] || AES-GCM ciphertext+tag ).
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/fyrsmithlabs/recalld/internal/tenant"
)

var (
	// ErrEncrypt indicates encryption failure.
	ErrEncrypt = errors.New("encryption failed")

	// ErrDecrypt indicates malformed or tampered ciphertext, or a wrong key.
	// Callers never receive unauthenticated plaintext.
	ErrDecrypt = errors.New("decryption failed")

	// ErrEmptySecret indicates a missing tenant secret.
	ErrEmptySecret = errors.New("tenant secret is empty")
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // GCM standard nonce
)

// keyInfo is the HKDF domain separation string. Changing it invalidates
// all existing ciphertext.
const keyInfo = "recalld/fieldcrypt/v1"

// deriveKey expands the tenant secret into a fixed-size AES key via
// HKDF-SHA256. The derivation is the single point to harden (salt,
// stretching) without touching call sites.
func deriveKey(secret tenant.Secret) ([]byte, error) {
	if secret.Value() == "" {
		return nil, ErrEmptySecret
	}
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(secret.Value()), nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

func newGCM(secret tenant.Secret) (cipher.AEAD, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}

// Encrypt seals plaintext under the tenant secret.
//
// A random nonce is drawn per call, so encrypting the same plaintext twice
// yields different ciphertext. Both decrypt to the same plaintext under the
// same secret.
func Encrypt(plaintext string, secret tenant.Secret) (string, error) {
	gcm, err := newGCM(secret)
	if errors.Is(err, ErrEmptySecret) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncrypt, err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrEncrypt, err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt.
//
// Fails with ErrDecrypt when the blob is malformed or the authentication
// tag does not verify (wrong secret or tampered data).
func Decrypt(blob string, secret tenant.Secret) (string, error) {
	gcm, err := newGCM(secret)
	if errors.Is(err, ErrEmptySecret) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: malformed base64", ErrDecrypt)
	}
	if len(sealed) < nonceSize+gcm.Overhead() {
		return "", fmt.Errorf("%w: blob too short", ErrDecrypt)
	}

	nonce, payload := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, payload, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecrypt)
	}
	return string(plaintext), nil
}
