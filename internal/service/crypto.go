package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrDecryptionFailed hides the cause of a failed decrypt so callers cannot distinguish
// a wrong key from tampered input.
var ErrDecryptionFailed = errors.New("failed to decrypt credential")

// EncryptionService handles AES-256-GCM encryption/decryption of stored secrets.
// It satisfies core.Codec.
type EncryptionService struct {
	aead cipher.AEAD
}

// NewEncryptionService accepts either a base64 encoded 32 byte key or any passphrase of at
// least 32 characters, which is stretched with SHA-256.
func NewEncryptionService(keyStr string) (*EncryptionService, error) {
	if len(keyStr) < 32 {
		return nil, errors.New("key must be at least 32 characters")
	}

	key, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil || len(key) != 32 {
		sum := sha256.Sum256([]byte(keyStr))
		key = sum[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &EncryptionService{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext). Empty input stays empty so optional
// secrets round-trip without special casing.
func (s *EncryptionService) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (s *EncryptionService) Decrypt(cryptoText string) (string, error) {
	if cryptoText == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(cryptoText)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrDecryptionFailed
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}
