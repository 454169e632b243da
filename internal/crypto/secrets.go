// Package crypto encrypts stored credentials at rest: downstream API keys,
// the Plex token, and the TMDB key. Values are AES-256-GCM sealed under a
// key derived from the configured application secret and carry a version
// prefix so unencrypted rows written before encryption was enabled still
// read back as-is.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// EncryptedPrefix marks sealed values in the database.
const EncryptedPrefix = "enc:v1:"

const (
	pbkdf2Iterations = 100000
	keyLength        = 32 // AES-256

	// derivationSalt is fixed: the derivation input is the operator-held
	// application secret, so the salt only needs to separate this use of it
	// from the JWT signing use.
	derivationSalt = "fetcharr.secrets.v1"
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Codec seals and opens credential strings.
type Codec struct {
	key []byte
}

// NewCodec derives the sealing key from the application secret.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("application secret is required for credential encryption")
	}
	key := pbkdf2.Key([]byte(secret), []byte(derivationSalt), pbkdf2Iterations, keyLength, sha256.New)
	return &Codec{key: key}, nil
}

// Encrypt seals a plaintext credential. Empty values stay empty.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed credential. Values without the prefix are returned
// unchanged so rows written before encryption was enabled keep working.
func (c *Codec) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a value carries the encryption prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}
