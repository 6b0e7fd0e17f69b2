// Package testutil provides test environments and fakes for idcreds tests.
package testutil

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"git.sr.ht/~jakintosh/idcreds/internal/provider"
	"git.sr.ht/~jakintosh/idcreds/pkg/credentials"
	"git.sr.ht/~jakintosh/idcreds/pkg/idtokentest"
)

const (
	TestClientID    = "test-client"
	TestRedirectURL = "http://127.0.0.1:8765/callback"
)

// TestEnv wires a running test authorization server to a discovered
// provider and a manager over in-memory storage.
type TestEnv struct {
	Server   *idtokentest.Server
	Storage  *MemoryStorage
	Provider *provider.Provider
	Manager  *credentials.Manager
}

// SetupTestEnv creates an isolated environment with its own server.
func SetupTestEnv(
	t *testing.T,
	managerOpts ...credentials.Option,
) *TestEnv {
	t.Helper()

	// use cached signing keys (generated once across all tests)
	server := idtokentest.NewServer(idtokentest.SharedKeys(), TestClientID)
	t.Cleanup(server.Close)

	p, err := provider.Discover(context.Background(), provider.Config{
		Domain:      server.Domain(),
		ClientID:    TestClientID,
		RedirectURL: TestRedirectURL,
		Scope:       "openid profile offline_access",
	}, provider.WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("failed to discover test server: %v", err)
	}

	storage := NewMemoryStorage()
	return &TestEnv{
		Server:   server,
		Storage:  storage,
		Provider: p,
		Manager:  credentials.NewManager(storage, p, managerOpts...),
	}
}

// Login runs an authorization code + PKCE flow against the test server and
// returns the exchanged credentials without storing them.
func (env *TestEnv) Login(
	t *testing.T,
	opts provider.AuthorizeOptions,
) *credentials.Credentials {
	t.Helper()

	auth, err := env.Provider.Authorize(opts)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	code := env.FollowAuthorize(t, auth)
	creds, err := env.Provider.Exchange(context.Background(), code, auth)
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	return creds
}

// FollowAuthorize visits the authorization URL and returns the code from
// the redirect, checking state on the way.
func (env *TestEnv) FollowAuthorize(
	t *testing.T,
	auth *provider.Authorization,
) string {
	t.Helper()

	client := *env.Server.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	res, err := client.Get(auth.URL)
	if err != nil {
		t.Fatalf("authorize request failed: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusSeeOther {
		t.Fatalf("expected redirect (303), got %d", res.StatusCode)
	}

	location, err := url.Parse(res.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid redirect location: %v", err)
	}
	if err := auth.CheckState(location.Query().Get("state")); err != nil {
		t.Fatalf("state check failed: %v", err)
	}
	code := location.Query().Get("code")
	if code == "" {
		t.Fatal("redirect carries no code")
	}
	return code
}

// StoreLogin logs in and saves the credentials through the manager.
func (env *TestEnv) StoreLogin(t *testing.T) *credentials.Credentials {
	t.Helper()
	creds := env.Login(t, provider.AuthorizeOptions{})
	if err := env.Manager.SaveCredentials(context.Background(), creds); err != nil {
		t.Fatalf("SaveCredentials failed: %v", err)
	}
	return creds
}

// StoreCredentials saves creds directly, failing the test on error.
func StoreCredentials(
	t *testing.T,
	storage credentials.Storage,
	key string,
	creds *credentials.Credentials,
) {
	t.Helper()
	record, err := creds.Marshal()
	if err != nil {
		t.Fatalf("failed to marshal credentials: %v", err)
	}
	if err := storage.Save(context.Background(), key, record); err != nil {
		t.Fatalf("failed to store credentials: %v", err)
	}
}

// StoredCredentials reads back what is under key, or nil.
func StoredCredentials(
	t *testing.T,
	storage *MemoryStorage,
	key string,
) *credentials.Credentials {
	t.Helper()
	record, ok := storage.Value(key)
	if !ok {
		return nil
	}
	creds, err := credentials.Parse(record)
	if err != nil {
		t.Fatalf("stored credentials malformed: %v", err)
	}
	return creds
}
