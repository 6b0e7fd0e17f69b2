package idtoken

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"git.sr.ht/~jakintosh/idcreds/pkg/clock"
)

// Verifier runs the full ID token pipeline: decode, signature check, then
// claims validation.
type Verifier struct {
	signatures *SignatureVerifier
	clock      clock.Clock
	logger     *zap.Logger
}

type verifierConfig struct {
	keys         KeyProvider
	httpClient   *http.Client
	fetchTimeout time.Duration
	cacheTTL     time.Duration
	clock        clock.Clock
	logger       *zap.Logger
}

type Option func(*verifierConfig)

// WithKeyProvider replaces the remote discovery + JWKS lookup. The HTTP,
// timeout, and cache options are ignored when a key provider is supplied.
func WithKeyProvider(keys KeyProvider) Option {
	return func(c *verifierConfig) { c.keys = keys }
}

func WithClient(client *http.Client) Option {
	return func(c *verifierConfig) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *verifierConfig) { c.fetchTimeout = timeout }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(c *verifierConfig) { c.cacheTTL = ttl }
}

func WithClock(clk clock.Clock) Option {
	return func(c *verifierConfig) { c.clock = clk }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *verifierConfig) { c.logger = logger }
}

func NewVerifier(opts ...Option) *Verifier {
	cfg := &verifierConfig{
		httpClient:   &http.Client{Timeout: DefaultFetchTimeout},
		fetchTimeout: DefaultFetchTimeout,
		clock:        clock.System(),
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.keys == nil {
		cfg.keys = NewRemoteKeys(
			WithHTTPClient(cfg.httpClient),
			WithFetchTimeout(cfg.fetchTimeout),
			WithKeyCacheTTL(cfg.cacheTTL),
			WithKeysClock(cfg.clock),
			WithKeysLogger(cfg.logger),
		)
	}

	return &Verifier{
		signatures: NewSignatureVerifier(cfg.keys, cfg.logger),
		clock:      cfg.clock,
		logger:     cfg.logger,
	}
}

// VerifyToken accepts idToken only if it decodes, its signature passes the
// algorithm policy, and every applicable claim validates. An empty idToken
// means the flow returned none and is accepted as a no-op. The first failure
// is returned unmodified as a *VerificationError.
func (v *Verifier) VerifyToken(
	ctx context.Context,
	idToken string,
	opts Options,
) error {
	if idToken == "" {
		return nil
	}
	if opts.Clock == nil {
		opts.Clock = v.clock
	}

	claims, err := v.signatures.Verify(ctx, idToken, opts.Domain)
	if err != nil {
		v.logFailure(opts, err)
		return err
	}

	if err := ValidateClaims(claims, opts); err != nil {
		v.logFailure(opts, err)
		return err
	}
	return nil
}

func (v *Verifier) logFailure(opts Options, err error) {
	kind, _ := KindOf(err)
	v.logger.Debug("ID token rejected",
		zap.String("domain", opts.Domain),
		zap.String("client_id", opts.ClientID),
		zap.String("kind", string(kind)),
		zap.String("code", kind.Code()),
		zap.String("reason", err.Error()),
	)
}

// VerifyToken runs the pipeline with a freshly built default Verifier.
func VerifyToken(
	ctx context.Context,
	idToken string,
	opts Options,
	verifierOpts ...Option,
) error {
	return NewVerifier(verifierOpts...).VerifyToken(ctx, idToken, opts)
}
