package apps

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// EncryptionKeyEnv names the variable holding the at-rest encryption secret
const EncryptionKeyEnv = "PGQL_APPS_ENCRYPTION_KEY"

const encPrefix = "enc:v1:"

var errDecrypt = errors.New("credential decryption failed")

// KeyCipher encrypts stored credentials with a key derived from a secret
type KeyCipher struct {
	key [32]byte
}

// NewKeyCipher derives a secretbox key from secret
func NewKeyCipher(secret string) (*KeyCipher, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	c := &KeyCipher{}
	r := hkdf.New(sha256.New, []byte(secret), []byte("kartoza-pgql"), []byte("apps api keys"))
	if _, err := io.ReadFull(r, c.key[:]); err != nil {
		return nil, err
	}
	return c, nil
}

// Encrypt seals plaintext; the result carries the enc:v1: prefix
func (c *KeyCipher) Encrypt(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return encPrefix + base64.StdEncoding.EncodeToString(box), nil
}

// Encrypted reports whether value was produced by Encrypt
func Encrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// Decrypt opens a value produced by Encrypt. Values without the prefix are
// returned unchanged.
func (c *KeyCipher) Decrypt(value string) (string, error) {
	if !Encrypted(value) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil || len(raw) < 24+secretbox.Overhead {
		return "", errDecrypt
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &c.key)
	if !ok {
		return "", errDecrypt
	}
	return string(plain), nil
}
