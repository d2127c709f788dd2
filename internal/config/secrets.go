package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
)

const secretKeySize = 32

// Cipher seals and opens secret setting values with a symmetric key
// kept in a 0600 file next to the database. The key is generated on
// first boot.
type Cipher struct {
	key [secretKeySize]byte
}

// LoadOrCreateCipher reads the key file at path, creating it with a
// fresh random key when missing.
func LoadOrCreateCipher(path string) (*Cipher, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return createCipher(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read secret key: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if len(raw) != secretKeySize {
		return nil, fmt.Errorf("secret key is %d bytes, want %d", len(raw), secretKeySize)
	}
	c := &Cipher{}
	copy(c.key[:], raw)
	return c, nil
}

func createCipher(path string) (*Cipher, error) {
	c := &Cipher{}
	if _, err := rand.Read(c.key[:]); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	encoded := base64.StdEncoding.EncodeToString(c.key[:])
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("write secret key: %w", err)
	}
	return c, nil
}

// Seal encrypts plaintext with a random nonce and returns a base64
// string safe to store in the settings table.
func (c *Cipher) Seal(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (c *Cipher) Open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode secret value: %w", err)
	}
	if len(raw) < 24 {
		return "", errors.New("secret value too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &c.key)
	if !ok {
		return "", errors.New("secret value failed to decrypt")
	}
	return string(plain), nil
}
