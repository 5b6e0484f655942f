// Package seal provides the pre-shared-key AEAD used for artifact frames.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = chacha20poly1305.KeySize

	// Overhead is the number of bytes Seal adds to a plaintext.
	Overhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

	hkdfInfo = "meshdeploy artifact channel v1"
)

var ErrOpen = errors.New("seal: message authentication failed")

// Cipher seals frames as nonce || XChaCha20-Poly1305(plaintext).
type Cipher struct {
	aead cipher.AEAD
}

func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("seal: key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("seal: nonce: %w", err)
	}
	return c.aead.Seal(out, out, plaintext, nil), nil
}

// Open reverses Seal. Any tampering or a wrong key yields ErrOpen.
func (c *Cipher) Open(frame []byte) ([]byte, error) {
	if len(frame) < Overhead {
		return nil, ErrOpen
	}
	nonce, ct := frame[:chacha20poly1305.NonceSizeX], frame[chacha20poly1305.NonceSizeX:]
	pt, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

// GenerateKey returns a fresh random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveKey stretches a shared passphrase into a key. Every peer given the
// same passphrase derives the same key.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("seal: empty secret")
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncodeKey and DecodeKey use standard base64, the form stored in config files.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func DecodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("seal: decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("seal: key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}
