// Package secrets implements envelope encryption for API key material.
// Each credential row carries its own data encryption key (DEK) wrapped
// by the master key; both layers are AES-256-GCM with the nonce
// prefixed to the ciphertext.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const keySize = 32

// Keeper holds the master key and performs wrap/unwrap operations.
type Keeper struct {
	master []byte
}

// NewKeeper decodes a base64 master key and validates its length.
func NewKeeper(masterBase64 string) (*Keeper, error) {
	master, err := base64.StdEncoding.DecodeString(masterBase64)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(master) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(master))
	}
	return &Keeper{master: master}, nil
}

// NewDEK generates a fresh data encryption key and its wrapped form.
func (k *Keeper) NewDEK() (dek, wrapped []byte, err error) {
	dek = make([]byte, keySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, fmt.Errorf("generate dek: %w", err)
	}
	wrapped, err = seal(k.master, dek)
	if err != nil {
		return nil, nil, err
	}
	return dek, wrapped, nil
}

// UnwrapDEK recovers a data encryption key from its wrapped form.
func (k *Keeper) UnwrapDEK(wrapped []byte) ([]byte, error) {
	dek, err := open(k.master, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap dek: %w", err)
	}
	if len(dek) != keySize {
		return nil, fmt.Errorf("unwrapped dek has wrong length %d", len(dek))
	}
	return dek, nil
}

// EncryptSecret seals a plaintext secret under a DEK.
func EncryptSecret(dek []byte, plaintext string) ([]byte, error) {
	return seal(dek, []byte(plaintext))
}

// DecryptSecret opens a sealed secret with its DEK.
func DecryptSecret(dek, ciphertext []byte) (string, error) {
	plain, err := open(dek, ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authenticated decryption failed: %w", err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
