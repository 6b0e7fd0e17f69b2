package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"git.sr.ht/~jakintosh/idcreds/internal/config"
	"git.sr.ht/~jakintosh/idcreds/internal/database"
	"git.sr.ht/~jakintosh/idcreds/internal/logging"
	"git.sr.ht/~jakintosh/idcreds/internal/provider"
	"git.sr.ht/~jakintosh/idcreds/pkg/credentials"
	"git.sr.ht/~jakintosh/idcreds/pkg/idtoken"
)

// app holds what every command shares: config, logger, catalog, and store.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	catalog    *config.Catalog
	store      *database.SQLiteStore
	httpClient *http.Client
	verifier   *idtoken.Verifier

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	mu       sync.Mutex
	managers map[string]managerEntry
}

type managerEntry struct {
	client  config.Client
	manager *credentials.Manager
}

func newApp(
	configPath string,
	stdin io.Reader,
	stdout io.Writer,
	stderr io.Writer,
) (
	*app,
	error,
) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("couldn't load config: %w", err)
	}

	logger, err := logging.NewTo(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	catalog, err := config.LoadCatalog(cfg.ClientsDir, logger)
	if err != nil {
		return nil, err
	}

	httpClient, err := cfg.Verification.HTTPClient()
	if err != nil {
		return nil, err
	}

	key, err := cfg.Storage.Key()
	if err != nil {
		return nil, err
	}
	var storeOpts []database.Option
	if key != nil {
		storeOpts = append(storeOpts, database.WithEncryptionKey(key))
	}
	store, err := database.NewSQLiteStore(cfg.Storage.Path, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("couldn't open credential store: %w", err)
	}

	verifier := idtoken.NewVerifier(
		idtoken.WithClient(httpClient),
		idtoken.WithTimeout(cfg.Verification.FetchTimeout),
		idtoken.WithCacheTTL(cfg.Verification.JWKSCacheTTL),
		idtoken.WithLogger(logger),
	)

	return &app{
		cfg:        cfg,
		logger:     logger,
		catalog:    catalog,
		store:      store,
		httpClient: httpClient,
		verifier:   verifier,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		managers:   make(map[string]managerEntry),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("couldn't close credential store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// discover builds the Provider for a catalog client.
func (a *app) discover(ctx context.Context, client *config.Client) (*provider.Provider, error) {
	return provider.Discover(ctx, provider.Config{
		Domain:      client.Domain,
		ClientID:    client.ClientID,
		RedirectURL: client.RedirectURL,
		Scope:       client.Scope,
		Audience:    client.Audience,
		Leeway:      a.cfg.Verification.Leeway,
	},
		provider.WithHTTPClient(a.httpClient),
		provider.WithVerifier(a.verifier),
		provider.WithLogger(a.logger.With(zap.String("client", client.Name))),
	)
}

// manager returns the credentials manager for a client's storage slot, one
// per slot so concurrent refreshes of it coalesce. A changed client
// definition gets a new manager. Discovery is deferred until a refresh
// actually needs the provider.
func (a *app) manager(client *config.Client) *credentials.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := client.StorageKey()
	if entry, ok := a.managers[key]; ok && entry.client == *client {
		return entry.manager
	}

	bound := *client
	lazy := &lazyProvider{discover: func(ctx context.Context) (*provider.Provider, error) {
		return a.discover(ctx, &bound)
	}}
	m := credentials.NewManager(a.store, lazy,
		credentials.WithStorageKey(key),
		credentials.WithLogger(a.logger.With(zap.String("client", client.Name))),
	)
	a.managers[key] = managerEntry{client: bound, manager: m}
	return m
}

var _ credentials.AuthenticationProvider = (*lazyProvider)(nil)

type lazyProvider struct {
	discover func(ctx context.Context) (*provider.Provider, error)

	mu       sync.Mutex
	provider *provider.Provider
}

func (l *lazyProvider) RefreshToken(
	ctx context.Context,
	req credentials.RefreshRequest,
) (
	*credentials.Credentials,
	error,
) {
	l.mu.Lock()
	if l.provider == nil {
		p, err := l.discover(ctx)
		if err != nil {
			l.mu.Unlock()
			return nil, err
		}
		l.provider = p
	}
	p := l.provider
	l.mu.Unlock()

	return p.RefreshToken(ctx, req)
}
