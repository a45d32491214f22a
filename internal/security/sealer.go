package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const nonceSize = 12

var ErrUnseal = errors.New("cannot unseal secret")

// Sealer encrypts escrow secret keys at rest with AES-256-GCM under a key
// derived from the vault passphrase with argon2id.
type Sealer struct {
	aead cipher.AEAD
}

// DeriveKey stretches a passphrase into a 32-byte key.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

// NewSealer derives the vault key and prepares the cipher.
func NewSealer(passphrase, salt string) (*Sealer, error) {
	if passphrase == "" || salt == "" {
		return nil, fmt.Errorf("vault passphrase and salt are required")
	}
	block, err := aes.NewCipher(DeriveKey([]byte(passphrase), []byte(salt)))
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext bound to aad (the account address) and returns
// ciphertext and a fresh nonce.
func (s *Sealer) Seal(plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return s.aead.Seal(nil, nonce, plaintext, aad), nonce, nil
}

// Open reverses Seal.
func (s *Sealer) Open(ciphertext, nonce, aad []byte) ([]byte, error) {
	if len(nonce) != nonceSize {
		return nil, ErrUnseal
	}
	out, err := s.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrUnseal
	}
	return out, nil
}
