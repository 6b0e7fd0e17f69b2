package idtokentest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// Claims is an ID token payload under construction.
type Claims map[string]any

// DefaultClaims returns a payload that passes validation for domain and
// clientID at now: issued 10 seconds ago, expiring in an hour.
func DefaultClaims(domain string, clientID string, now time.Time) Claims {
	return Claims{
		"iss": fmt.Sprintf("https://%s/", domain),
		"sub": "user|alice",
		"aud": clientID,
		"exp": now.Unix() + 3600,
		"iat": now.Unix() - 10,
	}
}

// With returns a copy of c with key set to value.
func (c Claims) With(key string, value any) Claims {
	out := make(Claims, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	out[key] = value
	return out
}

// Without returns a copy of c with key removed.
func (c Claims) Without(key string) Claims {
	out := make(Claims, len(c))
	for k, v := range c {
		if k != key {
			out[k] = v
		}
	}
	return out
}

// SignRS256 mints an RS256 ID token whose header carries the key's kid.
func (k *Keys) SignRS256(claims Claims) (string, error) {
	return k.SignRS256WithKeyID(claims, k.KeyID)
}

// SignRS256WithKeyID signs with the key but advertises kid in the header.
func (k *Keys) SignRS256WithKeyID(claims Claims, kid string) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: jose.RS256,
			Key:       jose.JSONWebKey{Key: k.SigningKey, KeyID: kid},
		},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %v", err)
	}
	return sign(signer, claims)
}

// SignHS256 mints an HS256 ID token with the key's HMAC secret.
func (k *Keys) SignHS256(claims Claims) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: k.HMACSecret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %v", err)
	}
	return sign(signer, claims)
}

func sign(signer jose.Signer, claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("json marshal failure: %v", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %v", err)
	}
	return jws.CompactSerialize()
}

// Unsigned builds a compact token from an arbitrary header and payload with
// a placeholder signature, for algorithm-policy tests.
func Unsigned(header map[string]any, claims Claims) string {
	return fmt.Sprintf("%s.%s.%s",
		encodeSection(header),
		encodeSection(claims),
		base64.RawURLEncoding.EncodeToString([]byte("signature")),
	)
}

// TamperSignature replaces the signature segment of token with a different,
// well-formed signature of the same length.
func TamperSignature(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return token
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(signature) == 0 {
		return token
	}
	for i := range signature {
		signature[i] ^= 0xFF
	}
	parts[2] = base64.RawURLEncoding.EncodeToString(signature)
	return strings.Join(parts, ".")
}

func encodeSection(section any) string {
	data, err := json.Marshal(section)
	if err != nil {
		panic("idtokentest: json marshal failure: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(data)
}
