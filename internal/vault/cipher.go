// Package vault stores provider credentials encrypted at rest with
// AES-256-GCM and keeps an audit trail of every mutation.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const keyDerivationLabel = "credential-vault"

var ErrDecryptFailed = errors.New("credential decryption failed")

// Envelope is the stored form of an encrypted credential. All fields
// are lower-case hex.
type Envelope struct {
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
	Ciphertext string `json:"ciphertext"`
}

// Cipher seals and opens credential values with a key derived from
// the platform secret.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the 32-byte vault key from the platform secret.
// An empty secret generates an ephemeral random key, for tests only.
func NewCipher(platformSecret string) (*Cipher, error) {
	var key []byte
	if platformSecret == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate ephemeral vault key: %w", err)
		}
	} else {
		mac := hmac.New(sha256.New, []byte(platformSecret))
		mac.Write([]byte(keyDerivationLabel))
		key = mac.Sum(nil)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init vault cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init vault gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plain with a fresh random 12-byte IV per call.
func (c *Cipher) Encrypt(plain string) (Envelope, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("generate iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, []byte(plain), nil)
	// GCM appends the 16-byte tag; store it separately.
	tagStart := len(sealed) - 16
	return Envelope{
		IV:         hex.EncodeToString(iv),
		AuthTag:    hex.EncodeToString(sealed[tagStart:]),
		Ciphertext: hex.EncodeToString(sealed[:tagStart]),
	}, nil
}

// Decrypt opens an envelope, failing closed on any tampering with the
// IV, tag, or ciphertext.
func (c *Cipher) Decrypt(env Envelope) (string, error) {
	iv, err := hex.DecodeString(env.IV)
	if err != nil || len(iv) != c.aead.NonceSize() {
		return "", ErrDecryptFailed
	}
	tag, err := hex.DecodeString(env.AuthTag)
	if err != nil || len(tag) != 16 {
		return "", ErrDecryptFailed
	}
	ct, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return "", ErrDecryptFailed
	}

	plain, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plain), nil
}
