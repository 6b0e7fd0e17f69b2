// Package credentials stores a native client's OAuth credentials and keeps
// them fresh.
//
// A Manager owns one storage slot and moves it through four states:
//
//   - Empty: nothing stored, GetCredentials returns ErrNoCredentials
//   - Valid: stored and not expired, returned as is
//   - Stale: expired, renewed with the refresh token on the next read
//   - Refreshing: one renewal in flight, shared by every concurrent reader
//
// # Usage
//
//	manager := credentials.NewManager(store, provider,
//	    credentials.WithStorageKey("credentials:myapp"),
//	    credentials.WithLogger(logger),
//	)
//
//	creds, err := manager.GetCredentials(ctx, credentials.GetOptions{
//	    MinTTL: time.Minute,
//	})
//	switch {
//	case errors.Is(err, credentials.ErrNoCredentials),
//	    errors.Is(err, credentials.ErrNoRefreshToken):
//	    // the user has to log in again
//	case err != nil:
//	    // the provider's own error; stored credentials were cleared
//	}
//
// A renewal replaces the stored record in full with what the provider
// returns. Providers that rotate refresh tokens return the new one; a
// provider that omits it leaves the renewed credentials without one.
package credentials
