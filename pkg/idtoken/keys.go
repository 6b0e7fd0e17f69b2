package idtoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"

	"git.sr.ht/~jakintosh/idcreds/pkg/clock"
)

// DefaultFetchTimeout bounds each discovery or JWKS request.
const DefaultFetchTimeout = 10 * time.Second

const maxDocumentBytes = 1 << 20

var (
	errKeyNotFound = errors.New("key not found")
	errBadStatus   = errors.New("unexpected status")
)

// JWK is a single JSON Web Key as published by an issuer.
type JWK struct {
	KeyID     string `json:"kid"`
	KeyType   string `json:"kty"`
	Use       string `json:"use"`
	Algorithm string `json:"alg,omitempty"`
	N         string `json:"n"`
	E         string `json:"e"`
}

// Eligible reports whether the key may verify an RS256 ID token signature.
func (k JWK) Eligible() bool {
	return k.Use == "sig" && k.KeyType == "RSA" && k.N != "" && k.E != ""
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// Find returns the eligible key with the given key id.
func (s *JWKS) Find(kid string) (JWK, bool) {
	for _, key := range s.Keys {
		if key.Eligible() && key.KeyID == kid {
			return key, true
		}
	}
	return JWK{}, false
}

// KeyProvider resolves the signing key an issuer domain published under kid.
type KeyProvider interface {
	Key(ctx context.Context, domain string, kid string) (JWK, error)
}

// DiscoveryURL is where an issuer domain publishes its OIDC metadata.
func DiscoveryURL(domain string) string {
	return fmt.Sprintf("https://%s/.well-known/openid-configuration", domain)
}

// RemoteKeys fetches the discovery document and JWKS of an issuer domain.
// With a cache TTL set, key sets are reused per domain; a cached set that
// lacks the requested kid is always refetched.
type RemoteKeys struct {
	httpClient   *http.Client
	fetchTimeout time.Duration
	cacheTTL     time.Duration
	clock        clock.Clock
	logger       *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedKeySet
}

type cachedKeySet struct {
	keys    *JWKS
	expires time.Time
}

type RemoteKeysOption func(*RemoteKeys)

func WithHTTPClient(client *http.Client) RemoteKeysOption {
	return func(r *RemoteKeys) { r.httpClient = client }
}

func WithFetchTimeout(timeout time.Duration) RemoteKeysOption {
	return func(r *RemoteKeys) { r.fetchTimeout = timeout }
}

func WithKeyCacheTTL(ttl time.Duration) RemoteKeysOption {
	return func(r *RemoteKeys) { r.cacheTTL = ttl }
}

func WithKeysClock(c clock.Clock) RemoteKeysOption {
	return func(r *RemoteKeys) { r.clock = c }
}

func WithKeysLogger(logger *zap.Logger) RemoteKeysOption {
	return func(r *RemoteKeys) { r.logger = logger }
}

func NewRemoteKeys(opts ...RemoteKeysOption) *RemoteKeys {
	r := &RemoteKeys{
		httpClient:   http.DefaultClient,
		fetchTimeout: DefaultFetchTimeout,
		clock:        clock.System(),
		logger:       zap.NewNop(),
		cache:        make(map[string]cachedKeySet),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RemoteKeys) Key(
	ctx context.Context,
	domain string,
	kid string,
) (
	JWK,
	error,
) {
	if keys, ok := r.cached(domain); ok {
		if key, found := keys.Find(kid); found {
			return key, nil
		}
		r.logger.Debug("cached key set lacks kid, refetching",
			zap.String("domain", domain),
			zap.String("kid", kid),
		)
	}

	keys, err := r.FetchKeySet(ctx, domain)
	if err != nil {
		return JWK{}, err
	}
	r.store(domain, keys)

	key, found := keys.Find(kid)
	if !found {
		return JWK{}, fmt.Errorf("%w: kid %q", errKeyNotFound, kid)
	}
	return key, nil
}

// FetchDiscovery retrieves and decodes the OIDC discovery document of domain.
func (r *RemoteKeys) FetchDiscovery(
	ctx context.Context,
	domain string,
) (
	*oidc.ProviderConfig,
	error,
) {
	discovery := &oidc.ProviderConfig{}
	if err := r.getJSON(ctx, DiscoveryURL(domain), discovery); err != nil {
		return nil, fmt.Errorf("couldn't fetch discovery document: %w", err)
	}
	return discovery, nil
}

// FetchKeySet retrieves the JWKS referenced by the domain's discovery
// document, bypassing the cache.
func (r *RemoteKeys) FetchKeySet(
	ctx context.Context,
	domain string,
) (
	*JWKS,
	error,
) {
	discovery, err := r.FetchDiscovery(ctx, domain)
	if err != nil {
		return nil, err
	}
	if discovery.JWKSURL == "" {
		return nil, fmt.Errorf("discovery document for %s has no jwks_uri", domain)
	}

	keys := &JWKS{}
	if err := r.getJSON(ctx, discovery.JWKSURL, keys); err != nil {
		return nil, fmt.Errorf("couldn't fetch key set: %w", err)
	}
	return keys, nil
}

func (r *RemoteKeys) getJSON(ctx context.Context, url string, value any) error {
	if r.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.fetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	res, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %s returned %d", errBadStatus, url, res.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, maxDocumentBytes)).Decode(value); err != nil {
		return fmt.Errorf("not valid JSON: %v", err)
	}
	return nil
}

func (r *RemoteKeys) cached(domain string) (*JWKS, bool) {
	if r.cacheTTL <= 0 {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[domain]
	if !ok || !r.clock.Now().Before(entry.expires) {
		delete(r.cache, domain)
		return nil, false
	}
	return entry.keys, true
}

func (r *RemoteKeys) store(domain string, keys *JWKS) {
	if r.cacheTTL <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[domain] = cachedKeySet{
		keys:    keys,
		expires: r.clock.Now().Add(r.cacheTTL),
	}
}
