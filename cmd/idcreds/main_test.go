package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/idcreds/pkg/credentials"
	"git.sr.ht/~jakintosh/idcreds/pkg/idtokentest"
)

const (
	testClientName = "app"
	testClientID   = "cli-client"
	testRedirect   = "http://127.0.0.1:8765/callback"
)

type cliEnv struct {
	server     *idtokentest.Server
	configPath string
}

// setupCLI starts a test authorization server and writes a config, CA
// bundle, and one-client catalog pointing at it.
func setupCLI(t *testing.T) *cliEnv {
	t.Helper()

	server := idtokentest.NewServer(idtokentest.SharedKeys(), testClientID)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	clientsDir := filepath.Join(dir, "clients")
	if err := os.Mkdir(clientsDir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	caFile := filepath.Join(dir, "ca.pem")
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.CertificateDER()})
	writeTestFile(t, caFile, string(caPEM))

	writeTestFile(t, filepath.Join(clientsDir, testClientName+".json"), fmt.Sprintf(`{
		"display": "CLI App",
		"domain": %q,
		"client_id": %q,
		"redirect_url": %q,
		"scope": "openid profile offline_access"
	}`, server.Domain(), testClientID, testRedirect))

	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	configPath := filepath.Join(dir, "idcreds.yaml")
	writeTestFile(t, configPath, fmt.Sprintf(`
log:
  level: error
storage:
  path: %s
  encryption_key: %s
verification:
  ca_file: %s
clients_dir: %s
`, filepath.Join(dir, "credentials.db"), key, caFile, clientsDir))

	return &cliEnv{server: server, configPath: configPath}
}

func writeTestFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// run invokes the CLI and returns its exit code and output.
func (env *cliEnv) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return env.runWithInput(t, "", args...)
}

func (env *cliEnv) runWithInput(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	all := append([]string{"-config", env.configPath}, args...)
	code := run(context.Background(), all, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// login runs authorize, follows the authorization URL, and exchanges the
// callback.
func (env *cliEnv) login(t *testing.T) {
	t.Helper()

	code, stdout, stderr := env.run(t, "authorize", "-client", testClientName, "-login-hint", "user|bob")
	if code != 0 {
		t.Fatalf("authorize exited %d: %s", code, stderr)
	}
	authURL := strings.TrimSpace(stdout)

	client := *env.server.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	res, err := client.Get(authURL)
	if err != nil {
		t.Fatalf("authorize request failed: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusSeeOther {
		t.Fatalf("expected redirect (303), got %d", res.StatusCode)
	}

	code, stdout, stderr = env.run(t, "exchange", "-client", testClientName, "-callback", res.Header.Get("Location"))
	if code != 0 {
		t.Fatalf("exchange exited %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "logged in to app") {
		t.Errorf("unexpected exchange output %q", stdout)
	}
}

func (env *cliEnv) credentials(t *testing.T, args ...string) *credentials.Credentials {
	t.Helper()
	code, stdout, stderr := env.run(t, append([]string{"credentials", "-client", testClientName}, args...)...)
	if code != 0 {
		t.Fatalf("credentials exited %d: %s", code, stderr)
	}
	creds, err := credentials.Parse(stdout)
	if err != nil {
		t.Fatalf("credentials output is not a credentials record: %v\n%s", err, stdout)
	}
	return creds
}

func TestRun_Usage(t *testing.T) {
	t.Parallel()
	env := setupCLI(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"frobnicate"}},
		{"missing client", []string{"credentials", "-min-ttl", "1m"}},
		{"unknown flag", []string{"clients", "-verbose"}},
		{"stray argument", []string{"clear", "-client", testClientName, "extra"}},
		{"bad max-age", []string{"authorize", "-client", testClientName, "-max-age", "-5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := env.run(t, tt.args...); code != 2 {
				t.Errorf("exit code = %d, want 2", code)
			}
		})
	}
}

func TestRun_BadConfig(t *testing.T) {
	t.Parallel()
	var stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "missing.yaml")

	code := run(context.Background(), []string{"-config", missing, "clients"}, strings.NewReader(""), &bytes.Buffer{}, &stderr)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "couldn't load config") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestClients(t *testing.T) {
	t.Parallel()
	env := setupCLI(t)

	code, stdout, stderr := env.run(t, "clients")
	if code != 0 {
		t.Fatalf("clients exited %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, testClientName) || !strings.Contains(stdout, testClientID) {
		t.Errorf("unexpected clients output:\n%s", stdout)
	}
}

func TestApp_ManagerPerSlot(t *testing.T) {
	t.Parallel()
	env := setupCLI(t)

	a, err := newApp(env.configPath, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.Close()

	client, err := a.catalog.Client(testClientName)
	if err != nil {
		t.Fatalf("client lookup failed: %v", err)
	}

	first := a.manager(client)
	if again := a.manager(client); again != first {
		t.Fatalf("expected the same manager for an unchanged client")
	}

	changed := *client
	changed.Scope = "openid"
	if a.manager(&changed) == first {
		t.Fatalf("expected a new manager after the client changed")
	}

	other := *client
	other.Name = "other"
	if a.manager(&other) == a.manager(&changed) {
		t.Fatalf("expected separate managers per storage slot")
	}
}

func TestLoginLifecycle(t *testing.T) {
	t.Parallel()
	env := setupCLI(t)

	// nothing stored yet
	if code, stdout, _ := env.run(t, "status", "-client", testClientName); code != 1 || strings.TrimSpace(stdout) != "invalid" {
		t.Fatalf("status before login = %d %q", code, stdout)
	}

	env.login(t)

	// status is answered from storage alone
	discoveries := env.server.DiscoveryRequests()
	if code, stdout, stderr := env.run(t, "status", "-client", testClientName); code != 0 || strings.TrimSpace(stdout) != "valid" {
		t.Fatalf("status after login = %d %q %s", code, stdout, stderr)
	}
	if env.server.DiscoveryRequests() != discoveries {
		t.Error("status should not contact the authorization server")
	}

	creds := env.credentials(t)
	if creds.AccessToken == "" || creds.RefreshToken == "" || creds.IDToken == "" {
		t.Fatalf("incomplete credentials: %+v", creds)
	}

	// the stored ID token verifies and carries the login hint subject
	code, stdout, stderr := env.run(t, "verify", "-client", testClientName)
	if code != 0 {
		t.Fatalf("verify exited %d: %s", code, stderr)
	}
	var claims map[string]any
	if err := json.Unmarshal([]byte(stdout), &claims); err != nil {
		t.Fatalf("verify output is not JSON: %v", err)
	}
	if claims["sub"] != "user|bob" {
		t.Errorf("sub = %v, want user|bob", claims["sub"])
	}

	// forcing a refresh rotates the tokens in storage
	refreshed := env.credentials(t, "-force")
	if refreshed.RefreshToken == creds.RefreshToken || refreshed.AccessToken == creds.AccessToken {
		t.Error("expected rotated tokens after forced refresh")
	}
	if again := env.credentials(t); again.AccessToken != refreshed.AccessToken {
		t.Error("refreshed credentials were not stored")
	}

	// clear removes them
	if code, _, stderr := env.run(t, "clear", "-client", testClientName); code != 0 {
		t.Fatalf("clear exited %d: %s", code, stderr)
	}
	if code, _, stderr := env.run(t, "credentials", "-client", testClientName); code != 1 ||
		!strings.Contains(stderr, credentials.ErrNoCredentials.Error()) {
		t.Errorf("credentials after clear = %d %q", code, stderr)
	}
}

func TestCredentials_RejectedRefreshClears(t *testing.T) {
	t.Parallel()
	env := setupCLI(t)
	env.login(t)

	env.server.FailRefresh("invalid_grant")
	code, _, stderr := env.run(t, "credentials", "-client", testClientName, "-force")
	if code != 1 || !strings.Contains(stderr, "invalid_grant") {
		t.Fatalf("credentials with rejected refresh = %d %q", code, stderr)
	}
	if code, stdout, _ := env.run(t, "status", "-client", testClientName); code != 1 || strings.TrimSpace(stdout) != "invalid" {
		t.Errorf("status after rejected refresh = %d %q", code, stdout)
	}
}

func TestExchange_WithoutAuthorize(t *testing.T) {
	t.Parallel()
	env := setupCLI(t)

	code, _, stderr := env.run(t, "exchange", "-client", testClientName, "-callback", testRedirect+"?code=abc&state=xyz")
	if code != 1 || !strings.Contains(stderr, ErrNoPendingAuthorization.Error()) {
		t.Errorf("exchange = %d %q", code, stderr)
	}
}

func TestExchange_StateMismatch(t *testing.T) {
	t.Parallel()
	env := setupCLI(t)

	if code, _, stderr := env.run(t, "authorize", "-client", testClientName); code != 0 {
		t.Fatalf("authorize exited %d: %s", code, stderr)
	}
	code, _, stderr := env.run(t, "exchange", "-client", testClientName, "-callback", testRedirect+"?code=abc&state=forged")
	if code != 1 || !strings.Contains(stderr, "state") {
		t.Errorf("exchange = %d %q", code, stderr)
	}

	// the pending authorization is consumed
	code, _, stderr = env.run(t, "exchange", "-client", testClientName, "-callback", testRedirect+"?code=abc&state=forged")
	if code != 1 || !strings.Contains(stderr, ErrNoPendingAuthorization.Error()) {
		t.Errorf("second exchange = %d %q", code, stderr)
	}
}

func TestExchange_Denied(t *testing.T) {
	t.Parallel()
	env := setupCLI(t)

	if code, _, stderr := env.run(t, "authorize", "-client", testClientName); code != 0 {
		t.Fatalf("authorize exited %d: %s", code, stderr)
	}
	code, _, stderr := env.run(t, "exchange", "-client", testClientName, "-callback", testRedirect+"?error=access_denied")
	if code != 1 || !strings.Contains(stderr, "access_denied") {
		t.Errorf("exchange = %d %q", code, stderr)
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()
	env := setupCLI(t)

	token, err := env.server.IDToken("user|carol", idtokentest.Claims{"nonce": "n-1"})
	if err != nil {
		t.Fatalf("IDToken failed: %v", err)
	}

	tests := []struct {
		name     string
		input    string
		args     []string
		wantCode int
		wantErr  string
	}{
		{"from flag", "", []string{"-token", token}, 0, ""},
		{"from stdin", token + "\n", []string{"-token", "-"}, 0, ""},
		{"nonce checked", "", []string{"-token", token, "-nonce", "n-1"}, 0, ""},
		{"nonce mismatch", "", []string{"-token", token, "-nonce", "other"}, 1, "a0.idtoken.invalid_nonce_claim"},
		{"tampered", "", []string{"-token", idtokentest.TamperSignature(token)}, 1, "a0.idtoken.invalid_signature"},
		{"not a jwt", "", []string{"-token", "garbage"}, 1, "a0.idtoken.token_decoding_error"},
		{"max age without auth_time", "", []string{"-token", token, "-max-age", "60"}, 1, "a0.idtoken.missing_authorization_time_claim"},
		{"nothing stored", "", nil, 1, credentials.ErrNoCredentials.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"verify", "-client", testClientName}, tt.args...)
			code, _, stderr := env.runWithInput(t, tt.input, args...)
			if code != tt.wantCode {
				t.Fatalf("exit code = %d, want %d (%s)", code, tt.wantCode, stderr)
			}
			if tt.wantErr != "" && !strings.Contains(stderr, tt.wantErr) {
				t.Errorf("stderr = %q, want it to contain %q", stderr, tt.wantErr)
			}
		})
	}
}

func TestDaemon_RenewsExpiringCredentials(t *testing.T) {
	t.Parallel()
	env := setupCLI(t)
	env.server.AccessTokenLifetime = 30 * time.Second
	env.login(t)
	before := env.server.RefreshRequests()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan int, 1)
	go func() {
		args := []string{"-config", env.configPath, "daemon", "-interval", "50ms", "-min-ttl", "1m"}
		done <- run(ctx, args, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for env.server.RefreshRequests() == before {
		if time.Now().After(deadline) {
			t.Fatal("daemon did not refresh credentials")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case code := <-done:
		if code != 0 {
			t.Errorf("daemon exited %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
