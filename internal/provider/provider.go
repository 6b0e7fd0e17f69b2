// Package provider talks to an OIDC authorization server on behalf of a
// native client: it starts the authorization code + PKCE flow, exchanges
// codes, and redeems refresh tokens.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"git.sr.ht/~jakintosh/idcreds/pkg/clock"
	"git.sr.ht/~jakintosh/idcreds/pkg/credentials"
	"git.sr.ht/~jakintosh/idcreds/pkg/idtoken"
)

var (
	ErrTokenRequest  = errors.New("failed to fetch token")
	ErrTokenResponse = errors.New("invalid token response")
	ErrDiscovery     = errors.New("couldn't discover authorization server")
)

// ResponseError is an OAuth error returned by the token endpoint.
type ResponseError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *ResponseError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("token endpoint returned %d: %s: %s", e.StatusCode, e.Code, e.Description)
}

func (e *ResponseError) Unwrap() error { return ErrTokenRequest }

// Config describes one client registration.
type Config struct {
	Domain      string
	ClientID    string
	RedirectURL string
	// Scope is space separated; "openid" is always requested.
	Scope    string
	Audience string
	// Leeway, in seconds, for ID token time checks.
	Leeway *int
}

// Provider is bound to one client registration at one issuer.
type Provider struct {
	cfg        Config
	oauth      *oauth2.Config
	tokenURL   string
	httpClient *http.Client
	verifier   *idtoken.Verifier
	clock      clock.Clock
	logger     *zap.Logger
}

type Option func(*Provider)

func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.httpClient = client }
}

// WithVerifier replaces the ID token verifier; by default one is built on
// the provider's HTTP client and clock.
func WithVerifier(verifier *idtoken.Verifier) Option {
	return func(p *Provider) { p.verifier = verifier }
}

func WithClock(c clock.Clock) Option {
	return func(p *Provider) { p.clock = c }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

var _ credentials.AuthenticationProvider = (*Provider)(nil)

// Discover fetches the issuer's discovery document and builds a Provider
// for cfg from its endpoints.
func Discover(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	p := &Provider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: idtoken.DefaultFetchTimeout},
		clock:      clock.System(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.verifier == nil {
		p.verifier = idtoken.NewVerifier(
			idtoken.WithClient(p.httpClient),
			idtoken.WithClock(p.clock),
			idtoken.WithLogger(p.logger),
		)
	}

	keys := idtoken.NewRemoteKeys(idtoken.WithHTTPClient(p.httpClient))
	discovery, err := keys.FetchDiscovery(ctx, cfg.Domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	if discovery.AuthURL == "" || discovery.TokenURL == "" {
		return nil, fmt.Errorf("%w: discovery document lacks authorization or token endpoint", ErrDiscovery)
	}

	endpoint := discovery.NewProvider(ctx).Endpoint()
	// public clients authenticate with client_id in the form body
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	p.tokenURL = endpoint.TokenURL
	p.oauth = &oauth2.Config{
		ClientID:    cfg.ClientID,
		Endpoint:    endpoint,
		RedirectURL: cfg.RedirectURL,
		Scopes:      scopes(cfg.Scope),
	}

	p.logger.Debug("discovered authorization server",
		zap.String("domain", cfg.Domain),
		zap.String("authorization_endpoint", endpoint.AuthURL),
		zap.String("token_endpoint", endpoint.TokenURL),
	)
	return p, nil
}

func (p *Provider) Domain() string   { return p.cfg.Domain }
func (p *Provider) ClientID() string { return p.cfg.ClientID }

func (p *Provider) verifyOptions(nonce string, maxAge *int) idtoken.Options {
	return idtoken.Options{
		Domain:   p.cfg.Domain,
		ClientID: p.cfg.ClientID,
		Nonce:    nonce,
		MaxAge:   maxAge,
		Leeway:   p.cfg.Leeway,
		Clock:    p.clock,
	}
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func scopes(scope string) []string {
	fields := strings.Fields(scope)
	for _, s := range fields {
		if s == "openid" {
			return fields
		}
	}
	return append([]string{"openid"}, fields...)
}
