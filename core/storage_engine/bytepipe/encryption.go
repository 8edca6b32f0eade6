package bytepipe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// AESGCM encrypts pages with AES-GCM. The nonce is prepended to the ciphertext.
type AESGCM struct {
	gcm cipher.AEAD
}

// NewAESGCM accepts a 16, 24 or 32 byte key (AES-128/192/256).
func NewAESGCM(key []byte) (*AESGCM, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &AESGCM{gcm: gcm}, nil
}

func (a *AESGCM) Name() string { return "aes-gcm" }

func (a *AESGCM) Encode(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, a.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return a.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (a *AESGCM) Decode(ciphertext []byte) ([]byte, error) {
	n := a.gcm.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("ciphertext is too short")
	}
	nonce, sealed := ciphertext[:n], ciphertext[n:]
	plaintext, err := a.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
