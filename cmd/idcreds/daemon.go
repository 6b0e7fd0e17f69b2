package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"git.sr.ht/~jakintosh/idcreds/pkg/credentials"
)

// runDaemon renews every catalog client's stored credentials before they
// expire, until ctx is done. Catalog changes are picked up as they happen.
func runDaemon(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("daemon")
	interval := fs.Duration("interval", time.Minute, "how often stored credentials are checked")
	minTTL := fs.Duration("min-ttl", 5*time.Minute, "refresh credentials expiring within this duration")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *interval <= 0 {
		return fmt.Errorf("%w: -interval must be positive", errUsage)
	}

	if err := a.catalog.Watch(ctx, nil); err != nil {
		return fmt.Errorf("couldn't watch client catalog: %w", err)
	}

	a.logger.Info("daemon started",
		zap.Duration("interval", *interval),
		zap.Duration("min_ttl", *minTTL),
	)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		a.renewAll(ctx, *minTTL)
		select {
		case <-ctx.Done():
			a.logger.Info("daemon stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// renewAll refreshes each client slot that is within minTTL of expiry.
// Clients without stored credentials are skipped.
func (a *app) renewAll(ctx context.Context, minTTL time.Duration) {
	for _, name := range a.catalog.Names() {
		if ctx.Err() != nil {
			return
		}
		client, err := a.catalog.Client(name)
		if err != nil {
			continue
		}
		logger := a.logger.With(zap.String("client", name))

		_, err = a.manager(client).GetCredentials(ctx, credentials.GetOptions{MinTTL: minTTL})
		switch {
		case err == nil:
		case errors.Is(err, credentials.ErrNoCredentials):
			logger.Debug("no stored credentials")
		case errors.Is(err, credentials.ErrNoRefreshToken):
			logger.Warn("credentials expiring and not renewable, log in again")
		default:
			logger.Warn("couldn't renew credentials", zap.Error(err))
		}
	}
}
