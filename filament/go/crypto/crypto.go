// Package crypto seals printer LAN access codes at rest.
//
// Codes are encrypted with AES-256-GCM under a key derived from the
// application secret. The sealed form is base64 so it can be stored in a
// TEXT column.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"go.filafarm.org/infra/go/skerr"
)

// Sealer encrypts and decrypts short secrets.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a sealing key from the given application secret.
func NewSealer(appSecretKey string) (*Sealer, error) {
	if appSecretKey == "" {
		return nil, skerr.Fmt("app secret key is empty")
	}
	key := sha256.Sum256([]byte(appSecretKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns a base64 string of nonce||ciphertext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", skerr.Wrap(err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", skerr.Wrapf(err, "decoding sealed value")
	}
	if len(raw) < s.aead.NonceSize() {
		return "", skerr.Fmt("sealed value too short: %d bytes", len(raw))
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", skerr.Wrapf(err, "opening sealed value")
	}
	return string(plaintext), nil
}
