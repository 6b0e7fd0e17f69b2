package idtokentest

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

// Keys holds the signing material of a test issuer.
type Keys struct {
	SigningKey *rsa.PrivateKey
	KeyID      string
	HMACSecret []byte
}

var (
	sharedKeys     *Keys
	sharedKeysOnce sync.Once
)

// SharedKeys returns a cached key set. RSA key generation is slow, so tests
// that don't need isolated keys should share these.
func SharedKeys() *Keys {
	sharedKeysOnce.Do(func() {
		keys, err := NewKeys()
		if err != nil {
			panic("idtokentest: failed to generate keys: " + err.Error())
		}
		sharedKeys = keys
	})
	return sharedKeys
}

// NewKeys generates a fresh RSA 2048 signing key with a random kid and a
// 256-bit HMAC secret.
func NewKeys() (*Keys, error) {
	signingKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return &Keys{
		SigningKey: signingKey,
		KeyID:      uuid.NewString(),
		HMACSecret: secret,
	}, nil
}

// PublicJWK is the verification key as an issuer would publish it.
func (k *Keys) PublicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       &k.SigningKey.PublicKey,
		KeyID:     k.KeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

// JWKS is the key set a test server publishes for these keys.
func (k *Keys) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{k.PublicJWK()},
	}
}
