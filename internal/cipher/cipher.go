// Package cipher encrypts note payloads into a self-describing text envelope.
//
// Envelope layout: base64(iv) + "|" + base64(ciphertext || tag), using
// AES-256-GCM with a fresh 12-byte nonce per call.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/starford/sealbook/internal/apperr"
)

// Separator splits the iv from the ciphertext inside an envelope.
const Separator = "|"

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

// Decrypt failure reasons.
const (
	reasonMalformed   = "malformed envelope"
	reasonIVEncoding  = "bad iv encoding"
	reasonCTEncoding  = "bad ciphertext encoding"
	reasonIVLength    = "bad iv length"
	reasonAuthFailure = "authentication failed"
)

// Key lends raw key bytes to fn for the duration of the call.
// *keyvault.KeyHandle implements it.
type Key interface {
	Use(fn func(key []byte) error) error
}

// ContentCipher encrypts and decrypts note payloads.
type ContentCipher interface {
	Encrypt(plaintext string, key Key) (string, error)
	Decrypt(envelope string, key Key) (string, error)
}

// GCM implements ContentCipher with AES-256-GCM.
type GCM struct{}

// New returns the default content cipher.
func New() *GCM {
	return &GCM{}
}

// Encrypt seals plaintext under key and returns the envelope.
func (GCM) Encrypt(plaintext string, key Key) (string, error) {
	if key == nil {
		return "", apperr.NewCryptoError("encrypt", "nil key", nil)
	}
	var out string
	err := key.Use(func(raw []byte) error {
		aead, err := newAEAD(raw)
		if err != nil {
			return err
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("generate nonce: %w", err)
		}
		sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
		out = base64.StdEncoding.EncodeToString(nonce) + Separator + base64.StdEncoding.EncodeToString(sealed)
		return nil
	})
	if err != nil {
		return "", apperr.NewCryptoError("encrypt", "seal failed", err)
	}
	return out, nil
}

// Decrypt opens an envelope produced by Encrypt. Any malformed envelope, wrong
// key, or tag mismatch yields a *apperr.CryptoError.
func (GCM) Decrypt(envelope string, key Key) (string, error) {
	if key == nil {
		return "", apperr.NewCryptoError("decrypt", "nil key", nil)
	}
	ivPart, ctPart, ok := strings.Cut(strings.TrimSpace(envelope), Separator)
	if !ok || ivPart == "" || ctPart == "" {
		return "", apperr.NewCryptoError("decrypt", reasonMalformed, nil)
	}
	nonce, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil {
		return "", apperr.NewCryptoError("decrypt", reasonIVEncoding, err)
	}
	sealed, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return "", apperr.NewCryptoError("decrypt", reasonCTEncoding, err)
	}

	var out string
	reason := reasonAuthFailure
	err = key.Use(func(raw []byte) error {
		aead, err := newAEAD(raw)
		if err != nil {
			reason = "bad key"
			return err
		}
		if len(nonce) != aead.NonceSize() {
			reason = reasonIVLength
			return fmt.Errorf("iv must be %d bytes, got %d", aead.NonceSize(), len(nonce))
		}
		plain, err := aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			return err
		}
		out = string(plain)
		return nil
	})
	if err != nil {
		return "", apperr.NewCryptoError("decrypt", reason, err)
	}
	return out, nil
}

func newAEAD(key []byte) (stdcipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("AES-256 requires a %d-byte key, got %d bytes", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// IsMalformed reports whether err is a decrypt failure caused by input that is
// not shaped like an envelope, as opposed to a wrong key or a tampered one.
func IsMalformed(err error) bool {
	var ce *apperr.CryptoError
	if !errors.As(err, &ce) || ce.Op != "decrypt" {
		return false
	}
	switch ce.Reason {
	case reasonMalformed, reasonIVEncoding, reasonCTEncoding, reasonIVLength:
		return true
	}
	return false
}
