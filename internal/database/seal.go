package database

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrSealed     = errors.New("stored value is sealed and no encryption key is configured")
	ErrUnsealable = errors.New("stored value could not be unsealed")
)

type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("couldn't create cipher: %v", err)
	}
	return &sealer{aead: aead}, nil
}

// seal encrypts value bound to the row key, returning nonce || ciphertext.
func (s *sealer) seal(rowKey string, value []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("couldn't generate nonce: %v", err)
	}
	return s.aead.Seal(nonce, nonce, value, []byte(rowKey)), nil
}

func (s *sealer) open(rowKey string, sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, ErrUnsealable
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	value, err := s.aead.Open(nil, nonce, ciphertext, []byte(rowKey))
	if err != nil {
		return nil, ErrUnsealable
	}
	return value, nil
}
