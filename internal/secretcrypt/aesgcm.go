// Package secretcrypt decrypts host credentials at rest. No library in
// the retrieved corpus wraps symmetric authenticated encryption for
// small secrets; crypto/aes and crypto/cipher are the standard-library
// primitives for exactly this and have no idiomatic third-party
// substitute, so this package is built directly on them.
package secretcrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/gravitational/trace"
)

// Decrypter decrypts AES-256-GCM-sealed secrets with a single
// process-wide key. Ciphertexts are expected in nonce||sealed form, as
// produced by Encrypt.
type Decrypter struct {
	aead cipher.AEAD
}

// NewDecrypter builds a Decrypter from a 32-byte key.
func NewDecrypter(key [32]byte) (*Decrypter, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, trace.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Decrypter{aead: aead}, nil
}

// DecryptSecret implements gateway.SecretDecrypter.
func (d *Decrypter) DecryptSecret(ctx context.Context, encrypted []byte) ([]byte, error) {
	nonceLen := d.aead.NonceSize()
	if len(encrypted) < nonceLen {
		return nil, trace.BadParameter("encrypted secret is shorter than the nonce")
	}
	nonce, sealed := encrypted[:nonceLen], encrypted[nonceLen:]
	plain, err := d.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return plain, nil
}

// Encrypt seals plaintext for storage. It is used by operator tooling
// that provisions host credentials, not by the gateway core itself.
func (d *Decrypter) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, d.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, trace.Wrap(err)
	}
	return d.aead.Seal(nonce, nonce, plaintext, nil), nil
}
