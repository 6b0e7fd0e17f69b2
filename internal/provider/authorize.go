package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"git.sr.ht/~jakintosh/idcreds/pkg/credentials"
)

var ErrStateMismatch = errors.New("authorization response state does not match")

// AuthorizeOptions override the client defaults for one login.
type AuthorizeOptions struct {
	Scope    string
	Audience string
	// MaxAge, in seconds, bounds how long ago the user may have
	// authenticated; the returned ID token must carry auth_time.
	MaxAge     *int
	Parameters map[string]string
}

// Authorization is a pending login. It holds the secrets needed to finish
// it and must be kept on the device until Exchange.
type Authorization struct {
	URL          string `json:"url"`
	State        string `json:"state"`
	Nonce        string `json:"nonce"`
	CodeVerifier string `json:"codeVerifier"`
	MaxAge       *int   `json:"maxAge,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Authorize starts an authorization code + PKCE login. The caller sends the
// user to the returned URL.
func (p *Provider) Authorize(opts AuthorizeOptions) (*Authorization, error) {
	auth := &Authorization{
		State:        uuid.NewString(),
		Nonce:        uuid.NewString(),
		CodeVerifier: oauth2.GenerateVerifier(),
		MaxAge:       opts.MaxAge,
		Scope:        strings.Join(scopes(p.cfg.Scope), " "),
	}
	if opts.Scope != "" {
		auth.Scope = strings.Join(scopes(opts.Scope), " ")
	}

	params := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(auth.CodeVerifier),
		oauth2.SetAuthURLParam("nonce", auth.Nonce),
		oauth2.SetAuthURLParam("scope", auth.Scope),
	}
	audience := p.cfg.Audience
	if opts.Audience != "" {
		audience = opts.Audience
	}
	if audience != "" {
		params = append(params, oauth2.SetAuthURLParam("audience", audience))
	}
	if opts.MaxAge != nil {
		if *opts.MaxAge < 0 {
			return nil, fmt.Errorf("max_age must not be negative")
		}
		params = append(params, oauth2.SetAuthURLParam("max_age", strconv.Itoa(*opts.MaxAge)))
	}
	for k, v := range opts.Parameters {
		params = append(params, oauth2.SetAuthURLParam(k, v))
	}

	auth.URL = p.oauth.AuthCodeURL(auth.State, params...)
	return auth, nil
}

// CheckState compares the state returned on the redirect with the one the
// login started with.
func (a *Authorization) CheckState(state string) error {
	if state == "" || state != a.State {
		return ErrStateMismatch
	}
	return nil
}

// Exchange redeems an authorization code for credentials. The returned ID
// token is verified against the authorization's nonce and max age.
func (p *Provider) Exchange(
	ctx context.Context,
	code string,
	auth *Authorization,
) (
	*credentials.Credentials,
	error,
) {
	token, err := p.oauth.Exchange(
		p.clientContext(ctx),
		code,
		oauth2.VerifierOption(auth.CodeVerifier),
	)
	if err != nil {
		return nil, p.exchangeError(err)
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return nil, fmt.Errorf("%w: no id_token in code exchange response", ErrTokenResponse)
	}
	if err := p.verifier.VerifyToken(ctx, idToken, p.verifyOptions(auth.Nonce, auth.MaxAge)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenResponse, err)
	}

	resp := credentials.TokenResponse{
		IDToken:      idToken,
		AccessToken:  token.AccessToken,
		TokenType:    token.Type(),
		RefreshToken: token.RefreshToken,
	}
	if scope, ok := token.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	switch {
	case token.ExpiresIn > 0:
		resp.ExpiresIn = &token.ExpiresIn
	case !token.Expiry.IsZero():
		expiresAt := token.Expiry.Unix()
		resp.ExpiresAt = &expiresAt
	}

	creds, err := credentials.FromTokenResponse(resp, p.clock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenResponse, err)
	}

	p.logger.Info("authorization code exchanged",
		zap.String("domain", p.cfg.Domain),
		zap.String("client_id", p.cfg.ClientID),
		zap.Int64("expires_at", creds.ExpiresAt),
		zap.Bool("refreshable", creds.HasRefreshToken()),
	)
	return creds, nil
}

func (p *Provider) exchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := retrieveErr.ErrorCode
		if code == "" {
			code = "unknown_error"
		}
		statusCode := 0
		if retrieveErr.Response != nil {
			statusCode = retrieveErr.Response.StatusCode
		}
		return &ResponseError{
			StatusCode:  statusCode,
			Code:        code,
			Description: retrieveErr.ErrorDescription,
		}
	}
	return fmt.Errorf("%w: %v", ErrTokenRequest, err)
}
