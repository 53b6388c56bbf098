package audit

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// PayloadCipher seals audit payloads with XChaCha20-Poly1305. The entry id
// is bound as additional data so a sealed payload cannot be moved to another entry.
type PayloadCipher struct {
	aead cipher.AEAD
}

// NewPayloadCipher creates a cipher from a 32 byte key.
func NewPayloadCipher(key []byte) (*PayloadCipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("audit cipher: %w", err)
	}
	return &PayloadCipher{aead: aead}, nil
}

// Seal returns nonce || ciphertext.
func (c *PayloadCipher) Seal(plaintext []byte, entryID string) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("audit cipher nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, []byte(entryID)), nil
}

// Open reverses Seal.
func (c *PayloadCipher) Open(sealed []byte, entryID string) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("audit cipher: payload shorter than nonce")
	}
	plain, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(entryID))
	if err != nil {
		return nil, fmt.Errorf("audit cipher: %w", err)
	}
	return plain, nil
}
