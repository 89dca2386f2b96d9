// Package pii provides encryption, hashing and masking of personal data
// (email addresses) kept at rest by the user service.
package pii

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm selects the AEAD construction.
type Algorithm string

// Supported algorithms.
const (
	AlgorithmAESGCM   Algorithm = "aes-256-gcm"
	AlgorithmChaCha20 Algorithm = "chacha20-poly1305"
)

const keySize = 32

// Cipher errors.
var (
	ErrInvalidKeySize       = errors.New("encryption key must be exactly 32 bytes")
	ErrUnsupportedAlgorithm = errors.New("unsupported encryption algorithm")
	ErrMalformedInput       = errors.New("malformed encrypted input")
	ErrDecryptionFailed     = errors.New("decryption failed")
)

// Sealed is the base64 encoded output of Encrypt, stored as three columns.
type Sealed struct {
	Ciphertext string
	IV         string
	Tag        string
}

// Cipher performs authenticated encryption of short strings.
// It is stateless and safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
	alg  Algorithm
}

// NewCipher creates a cipher for the given algorithm. An empty algorithm
// defaults to AES-256-GCM.
func NewCipher(key []byte, alg Algorithm) (*Cipher, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKeySize
	}

	if alg == "" {
		alg = AlgorithmAESGCM
	}

	var (
		aead cipher.AEAD
		err  error
	)
	switch alg {
	case AlgorithmAESGCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create aes cipher: %w", err)
		}
		aead, err = cipher.NewGCM(block)
	case AlgorithmChaCha20:
		aead, err = chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s aead: %w", alg, err)
	}

	return &Cipher{aead: aead, alg: alg}, nil
}

// Algorithm returns the configured algorithm.
func (c *Cipher) Algorithm() Algorithm {
	return c.alg
}

// Encrypt seals plaintext with a fresh random nonce and splits the tag off
// the ciphertext.
func (c *Cipher) Encrypt(plaintext string) (Sealed, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}

	out := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	tagStart := len(out) - c.aead.Overhead()

	return Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(out[:tagStart]),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(out[tagStart:]),
	}, nil
}

// Decrypt opens a value produced by Encrypt. The returned error never
// contains the ciphertext or the plaintext.
func (c *Cipher) Decrypt(ciphertext, iv, tag string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext is not base64", ErrMalformedInput)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("%w: iv is not base64", ErrMalformedInput)
	}
	authTag, err := base64.StdEncoding.DecodeString(tag)
	if err != nil {
		return "", fmt.Errorf("%w: tag is not base64", ErrMalformedInput)
	}

	if len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: iv must be %d bytes, got %d", ErrMalformedInput, c.aead.NonceSize(), len(nonce))
	}
	if len(authTag) != c.aead.Overhead() {
		return "", fmt.Errorf("%w: tag must be %d bytes, got %d", ErrMalformedInput, c.aead.Overhead(), len(authTag))
	}

	sealed := make([]byte, 0, len(ct)+len(authTag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, authTag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// Hash returns the hex encoded SHA-256 of the normalized email, used for
// lookups without decrypting.
func Hash(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}
