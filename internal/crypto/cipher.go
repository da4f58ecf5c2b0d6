// Package crypto provides the versioned AES-256-GCM cipher and master key
// registry used to protect agent credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/agentbus/buskeeper/pkg/models"
)

const nonceLen = 12 // AES-GCM standard nonce size

// ErrCrypto is returned when decryption fails authentication: tampered
// ciphertext or the wrong key. It must never be treated as a wrong secret.
var ErrCrypto = errors.New("decryption failed")

// Cipher encrypts and decrypts credential strings with the registry's keys.
// Encryption always uses the current version; decryption resolves the
// version tagged on the ciphertext. Stateless and safe for concurrent use.
type Cipher struct {
	registry *Registry
}

// NewCipher creates a Cipher over the given key registry.
func NewCipher(registry *Registry) *Cipher {
	return &Cipher{registry: registry}
}

// Encrypt seals plaintext under the current master key and tags the result
// with that key's version.
func (c *Cipher) Encrypt(plaintext string) (models.Ciphertext, error) {
	version, key := c.registry.Current()
	data, err := seal(key, []byte(plaintext))
	if err != nil {
		return models.Ciphertext{}, err
	}
	return models.Ciphertext{KeyVersion: version, Data: data}, nil
}

// EncryptWith seals plaintext under a specific key version. Used by rotation
// to re-encrypt records under the new current version explicitly.
func (c *Cipher) EncryptWith(plaintext string, version int) (models.Ciphertext, error) {
	key, err := c.registry.Resolve(version)
	if err != nil {
		return models.Ciphertext{}, err
	}
	data, err := seal(key, []byte(plaintext))
	if err != nil {
		return models.Ciphertext{}, err
	}
	return models.Ciphertext{KeyVersion: version, Data: data}, nil
}

// Decrypt opens a ciphertext using the key version it was sealed under.
func (c *Cipher) Decrypt(ct models.Ciphertext) (string, error) {
	key, err := c.registry.Resolve(ct.KeyVersion)
	if err != nil {
		return "", err
	}
	plain, err := open(key, ct.Data)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// seal performs AES-256-GCM encryption with a fresh random nonce.
// Returns nonce (12 bytes) || ciphertext+tag.
func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open performs AES-256-GCM decryption. Expects nonce || ciphertext+tag.
// An authentication failure surfaces as ErrCrypto, never as garbage output.
func open(key, data []byte) ([]byte, error) {
	if len(data) < nonceLen {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCrypto)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, data[:nonceLen], data[nonceLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return plaintext, nil
}
