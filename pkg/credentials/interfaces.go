package credentials

import "context"

// Storage is a string key-value store. Get reports ok=false for a missing
// key; err is reserved for storage failures.
type Storage interface {
	Save(ctx context.Context, key string, value string) error
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Remove(ctx context.Context, key string) error
}

// RefreshRequest asks the authorization server to redeem a refresh token.
type RefreshRequest struct {
	RefreshToken string
	Scope        string
	Parameters   map[string]string
}

// AuthenticationProvider redeems refresh tokens. On success the returned
// Credentials replace the stored ones in full.
type AuthenticationProvider interface {
	RefreshToken(ctx context.Context, req RefreshRequest) (*Credentials, error)
}
