package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// SecretBox seals and opens driver secrets at rest. The key material from
// configuration is stretched to 32 bytes with SHA-256; the nonce is prepended
// to the ciphertext.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox derives a box from the configured key material. An empty key
// is refused; secrets must never persist in the clear.
func NewSecretBox(keyMaterial string) (*SecretBox, error) {
	if keyMaterial == "" {
		return nil, fmt.Errorf("secret key material is empty")
	}

	key := sha256.Sum256([]byte(keyMaterial))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SecretBox{aead: aead}, nil
}

// Seal encrypts plaintext. Nil input seals to nil.
func (b *SecretBox) Seal(plaintext []byte) ([]byte, error) {
	if plaintext == nil {
		return nil, nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed blob. Nil input opens to nil.
func (b *SecretBox) Open(sealed []byte) ([]byte, error) {
	if sealed == nil {
		return nil, nil
	}
	if len(sealed) < b.aead.NonceSize() {
		return nil, fmt.Errorf("sealed secret too short")
	}
	nonce, ciphertext := sealed[:b.aead.NonceSize()], sealed[b.aead.NonceSize():]
	return b.aead.Open(nil, nonce, ciphertext, nil)
}
