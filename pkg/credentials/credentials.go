package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"git.sr.ht/~jakintosh/idcreds/pkg/clock"
)

var (
	ErrNoAccessToken = errors.New("token response has no access_token")
	ErrNoExpiry      = errors.New("token response has neither expires_in nor expiresAt")
	ErrMalformed     = errors.New("stored credentials are malformed")
)

// Credentials is the token set a client holds for one user session.
// ExpiresAt is always an absolute instant in epoch seconds.
type Credentials struct {
	IDToken      string `json:"idToken"`
	AccessToken  string `json:"accessToken"`
	TokenType    string `json:"tokenType"`
	ExpiresAt    int64  `json:"expiresAt"`
	RefreshToken string `json:"refreshToken,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenResponse is a raw token endpoint response. Servers send the relative
// expires_in; previously normalized records carry the absolute expiresAt.
type TokenResponse struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    *int64 `json:"expires_in,omitempty"`
	ExpiresAt    *int64 `json:"expiresAt,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// FromTokenResponse normalizes resp into Credentials. A relative expires_in
// is resolved against c; an absolute expiresAt wins when both are present.
func FromTokenResponse(resp TokenResponse, c clock.Clock) (*Credentials, error) {
	if resp.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	if c == nil {
		c = clock.System()
	}

	var expiresAt int64
	switch {
	case resp.ExpiresAt != nil:
		expiresAt = *resp.ExpiresAt
	case resp.ExpiresIn != nil:
		expiresAt = clock.EpochSeconds(c) + *resp.ExpiresIn
	default:
		return nil, ErrNoExpiry
	}

	return &Credentials{
		IDToken:      resp.IDToken,
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		ExpiresAt:    expiresAt,
		RefreshToken: resp.RefreshToken,
		Scope:        resp.Scope,
	}, nil
}

// IsExpired reports whether the credentials expire within minTTL of now.
// Sub-second parts of minTTL are ignored.
func (c *Credentials) IsExpired(now time.Time, minTTL time.Duration) bool {
	return now.Unix()+int64(minTTL/time.Second) >= c.ExpiresAt
}

func (c *Credentials) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

// ExpiresAtTime is ExpiresAt as a time.Time.
func (c *Credentials) ExpiresAtTime() time.Time {
	return time.Unix(c.ExpiresAt, 0)
}

// Marshal encodes the credentials as the flat JSON record kept in storage.
func (c *Credentials) Marshal() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("json marshal failure: %v", err)
	}
	return string(data), nil
}

// Parse decodes a stored record.
func Parse(record string) (*Credentials, error) {
	creds := &Credentials{}
	if err := json.Unmarshal([]byte(record), creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing accessToken", ErrMalformed)
	}
	return creds, nil
}
