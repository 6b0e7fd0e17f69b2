package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"git.sr.ht/~jakintosh/idcreds/pkg/clock"
)

// DefaultStorageKey is the slot credentials are kept under unless
// WithStorageKey says otherwise.
const DefaultStorageKey = "credentials"

var (
	ErrNoCredentials  = errors.New("no credentials stored")
	ErrNoRefreshToken = errors.New("credentials expired and no refresh token is available")
	// ErrNoRenewedCredentials is returned when a provider reports success
	// without credentials. The slot is cleared as for any failed refresh.
	ErrNoRenewedCredentials = errors.New("authentication provider returned no credentials")
)

// Manager keeps one set of credentials in Storage and renews it through an
// AuthenticationProvider when it expires.
//
// Concurrent renewals of the same slot are coalesced: every caller that
// finds the credentials stale while a refresh is in flight waits for that
// refresh instead of redeeming the refresh token a second time.
type Manager struct {
	storage  Storage
	provider AuthenticationProvider
	clock    clock.Clock
	key      string
	logger   *zap.Logger

	refreshes singleflight.Group
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithStorageKey(key string) Option {
	return func(m *Manager) { m.key = key }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(
	storage Storage,
	provider AuthenticationProvider,
	opts ...Option,
) *Manager {
	m := &Manager{
		storage:  storage,
		provider: provider,
		clock:    clock.System(),
		key:      DefaultStorageKey,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StorageKey is the slot this manager owns.
func (m *Manager) StorageKey() string { return m.key }

// GetOptions tune a GetCredentials call.
type GetOptions struct {
	// Scope is requested on refresh; empty keeps the server default.
	Scope string
	// MinTTL treats credentials expiring within it as already expired.
	MinTTL time.Duration
	// Parameters are sent as extra refresh request parameters.
	Parameters map[string]string
	// ForceRefresh renews even unexpired credentials.
	ForceRefresh bool
}

// SaveCredentials overwrites the stored credentials.
func (m *Manager) SaveCredentials(ctx context.Context, creds *Credentials) error {
	record, err := creds.Marshal()
	if err != nil {
		return err
	}
	if err := m.storage.Save(ctx, m.key, record); err != nil {
		return fmt.Errorf("couldn't save credentials: %w", err)
	}
	return nil
}

// GetCredentials returns the stored credentials, renewing them first when
// they are expired (per opts.MinTTL) or opts.ForceRefresh is set.
//
// A failed renewal removes the stored credentials and returns the
// provider's error unchanged.
func (m *Manager) GetCredentials(ctx context.Context, opts GetOptions) (*Credentials, error) {
	creds, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	if !opts.ForceRefresh && !creds.IsExpired(m.clock.Now(), opts.MinTTL) {
		return creds, nil
	}
	if !creds.HasRefreshToken() {
		return nil, ErrNoRefreshToken
	}

	return m.refresh(ctx, creds.RefreshToken, opts)
}

// HasValidCredentials reports whether GetCredentials could currently
// produce credentials: stored ones are unexpired, or renewable.
func (m *Manager) HasValidCredentials(ctx context.Context, minTTL time.Duration) (bool, error) {
	creds, err := m.load(ctx)
	if errors.Is(err, ErrNoCredentials) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !creds.IsExpired(m.clock.Now(), minTTL) {
		return true, nil
	}
	return creds.HasRefreshToken(), nil
}

// ClearCredentials removes the stored credentials, if any.
func (m *Manager) ClearCredentials(ctx context.Context) error {
	if err := m.storage.Remove(ctx, m.key); err != nil {
		return fmt.Errorf("couldn't remove credentials: %w", err)
	}
	return nil
}

func (m *Manager) load(ctx context.Context) (*Credentials, error) {
	record, ok, err := m.storage.Get(ctx, m.key)
	if err != nil {
		return nil, fmt.Errorf("couldn't read credentials: %w", err)
	}
	if !ok {
		return nil, ErrNoCredentials
	}
	return Parse(record)
}

func (m *Manager) refresh(
	ctx context.Context,
	observed string,
	opts GetOptions,
) (
	*Credentials,
	error,
) {
	// the shared refresh outlives any single caller giving up
	detached := context.WithoutCancel(ctx)
	results := m.refreshes.DoChan(m.key, func() (any, error) {
		return m.redeem(detached, observed, opts)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return nil, result.Err
		}
		shared := *result.Val.(*Credentials)
		return &shared, nil
	}
}

func (m *Manager) clearAfterFailure(ctx context.Context, err error) {
	if rmErr := m.storage.Remove(ctx, m.key); rmErr != nil {
		m.logger.Error("couldn't clear credentials after failed refresh",
			zap.String("storage_key", m.key),
			zap.Error(rmErr),
		)
	}
	m.logger.Warn("refresh failed, credentials cleared",
		zap.String("storage_key", m.key),
		zap.Error(err),
	)
}

func (m *Manager) redeem(
	ctx context.Context,
	observed string,
	opts GetOptions,
) (
	*Credentials,
	error,
) {
	// another refresh may have completed since the caller read the slot
	current, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	if current.RefreshToken != observed {
		if !current.IsExpired(m.clock.Now(), opts.MinTTL) {
			return current, nil
		}
		if !current.HasRefreshToken() {
			return nil, ErrNoRefreshToken
		}
	}

	renewed, err := m.provider.RefreshToken(ctx, RefreshRequest{
		RefreshToken: current.RefreshToken,
		Scope:        opts.Scope,
		Parameters:   opts.Parameters,
	})
	if err == nil && renewed == nil {
		err = ErrNoRenewedCredentials
	}
	if err != nil {
		m.clearAfterFailure(ctx, err)
		return nil, err
	}

	if err := m.SaveCredentials(ctx, renewed); err != nil {
		return nil, err
	}
	m.logger.Info("credentials refreshed",
		zap.String("storage_key", m.key),
		zap.Int64("expires_at", renewed.ExpiresAt),
		zap.Bool("rotated", renewed.RefreshToken != "" && renewed.RefreshToken != current.RefreshToken),
	)
	return renewed, nil
}
