// Package keycrypt encrypts upstream API key material at rest with
// AES-256-GCM, the same construction the teacher used to protect OIDC
// client secrets: the configured secret is SHA-256-derived into a 32-byte
// key whenever it isn't already exactly 32 bytes.
package keycrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Cipher encrypts and decrypts upstream key material with a fixed 32-byte
// AES key derived from the configured KEY_ENCRYPTION_SECRET.
type Cipher struct {
	key [32]byte
}

// New derives a Cipher from secret. Any secret length is accepted; secrets
// that are not already 32 bytes are passed through SHA-256 to produce a
// valid AES-256 key.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("keycrypt: empty encryption secret")
	}
	var key [32]byte
	if len(secret) == 32 {
		copy(key[:], secret)
	} else {
		key = sha256.Sum256([]byte(secret))
	}
	return &Cipher{key: key}, nil
}

// Encrypt returns a base64-encoded nonce||ciphertext blob suitable for
// storage in UpstreamKey.EncryptedKeyMaterial.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("keycrypt: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("keycrypt: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("keycrypt: nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. It is called only from the Key Pool: when a
// key's credits are refreshed, and when a selected key is handed to the
// upstream call. The returned value is used only as the credential of the
// provider request it was decrypted for.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("keycrypt: decode: %w", err)
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("keycrypt: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("keycrypt: new gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("keycrypt: ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("keycrypt: decrypt: %w", err)
	}
	return string(plaintext), nil
}
