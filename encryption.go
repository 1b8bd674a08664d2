package driftline

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	encKeyLen     = 32 // AES-256
	encSaltLen    = 32
	encNonceLen   = 12
	encIterations = 100_000
)

// Encryptor provides AES-256-GCM encryption for payload snapshots at rest.
// The key is derived from a passphrase via PBKDF2; the salt is persisted
// alongside the store so the same passphrase reopens existing data.
type Encryptor struct {
	aead cipher.AEAD
	salt []byte
}

// NewEncryptor derives a key from passphrase with a fresh random salt.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	salt := make([]byte, encSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return NewEncryptorWithSalt(passphrase, salt)
}

// NewEncryptorWithSalt derives a key from passphrase and an existing salt.
func NewEncryptorWithSalt(passphrase string, salt []byte) (*Encryptor, error) {
	if passphrase == "" {
		return nil, errors.New("encryption: passphrase must not be empty")
	}
	if len(salt) != encSaltLen {
		return nil, fmt.Errorf("encryption: salt must be %d bytes, got %d", encSaltLen, len(salt))
	}
	key := pbkdf2.Key([]byte(passphrase), salt, encIterations, encKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: aead, salt: salt}, nil
}

// Salt returns the key-derivation salt for persistence.
func (e *Encryptor) Salt() []byte { return e.salt }

// Encrypt seals plaintext, prepending the random nonce to the ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, encNonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	if len(data) < encNonceLen {
		return nil, errors.New("encryption: ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:encNonceLen], data[encNonceLen:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
