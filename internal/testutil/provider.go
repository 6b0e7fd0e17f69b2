package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.sr.ht/~jakintosh/idcreds/pkg/clock"
	"git.sr.ht/~jakintosh/idcreds/pkg/credentials"
)

// ErrInvalidGrant is returned by RotatingProvider for a refresh token it
// didn't issue or that was already redeemed.
var ErrInvalidGrant = errors.New("invalid_grant")

// ScriptedProvider is a credentials.AuthenticationProvider whose replies
// come from Respond. It records every request.
type ScriptedProvider struct {
	Respond func(ctx context.Context, req credentials.RefreshRequest) (*credentials.Credentials, error)

	mu       sync.Mutex
	requests []credentials.RefreshRequest
}

func (p *ScriptedProvider) RefreshToken(
	ctx context.Context,
	req credentials.RefreshRequest,
) (
	*credentials.Credentials,
	error,
) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.Respond == nil {
		return nil, ErrInvalidGrant
	}
	return p.Respond(ctx, req)
}

func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *ScriptedProvider) Requests() []credentials.RefreshRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]credentials.RefreshRequest(nil), p.requests...)
}

// FailingProvider always fails with err.
func FailingProvider(err error) *ScriptedProvider {
	return &ScriptedProvider{
		Respond: func(context.Context, credentials.RefreshRequest) (*credentials.Credentials, error) {
			return nil, err
		},
	}
}

// RotatingProvider accepts only the most recently issued refresh token,
// starting with initial, and rotates it on every redemption. Issued
// credentials live for lifetime from c's current time.
func RotatingProvider(c clock.Clock, lifetime time.Duration, initial string) *ScriptedProvider {
	var (
		mu      sync.Mutex
		current = initial
		issued  int
	)
	return &ScriptedProvider{
		Respond: func(ctx context.Context, req credentials.RefreshRequest) (*credentials.Credentials, error) {
			mu.Lock()
			defer mu.Unlock()
			if req.RefreshToken != current {
				return nil, ErrInvalidGrant
			}
			issued++
			current = fmt.Sprintf("refresh-%d", issued)
			return &credentials.Credentials{
				IDToken:      fmt.Sprintf("id-%d", issued),
				AccessToken:  fmt.Sprintf("access-%d", issued),
				TokenType:    "Bearer",
				ExpiresAt:    c.Now().Add(lifetime).Unix(),
				RefreshToken: current,
				Scope:        req.Scope,
			}, nil
		},
	}
}
