// Package testharness runs idcreds-testserver as a child process so tests
// outside this module can exercise idcreds against a real OIDC server
// over TLS.
package testharness

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"testing"
	"time"
)

// Config holds configuration for starting the test harness.
type Config struct {
	RedirectURL         string // required
	ClientName          string
	ClientID            string
	ClientDisplay       string
	ClientScope         string
	AccessTokenLifetime time.Duration
	ListenAddr          string
	DataDir             string
	Keep                bool
	BinaryPath          string
	Quiet               bool
}

// Harness represents a running idcreds-testserver instance.
type Harness struct {
	BaseURL        string
	Domain         string
	Issuer         string
	ClientsDir     string
	CAFile         string
	CertificateDER []byte
	SigningKeyID   string
	ClientName     string
	ClientID       string
	ClientRedirect string
	ClientScope    string

	// Internal state
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// outputContract matches the JSON structure from idcreds-testserver
type outputContract struct {
	BaseURL string       `json:"base_url"`
	Domain  string       `json:"domain"`
	Issuer  string       `json:"issuer"`
	Paths   outputPaths  `json:"paths"`
	Client  outputClient `json:"client"`
	Keys    outputKeys   `json:"keys"`
}

type outputPaths struct {
	DataDir    string `json:"data_dir"`
	ClientsDir string `json:"clients_dir"`
	CAFile     string `json:"ca_file"`
}

type outputClient struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Display  string `json:"display"`
	Redirect string `json:"redirect"`
	Scope    string `json:"scope"`
}

type outputKeys struct {
	SigningKeyID         string `json:"signing_key_id"`
	CertificateDERBase64 string `json:"certificate_der_base64"`
}

// Start spawns an idcreds-testserver and returns a handle to it. The test
// is skipped when the binary can't be found. It registers cleanup with
// t.Cleanup().
func Start(t *testing.T, cfg Config) *Harness {
	t.Helper()

	if cfg.RedirectURL == "" {
		t.Fatal("RedirectURL is required")
	}

	// Find binary
	binaryPath := findBinary(cfg.BinaryPath)
	if binaryPath == "" {
		t.Skip("idcreds-testserver binary not found (check PATH or set Config.BinaryPath or IDCREDS_TESTSERVER_BIN)")
	}

	// Build arguments
	args := buildArgs(cfg)

	// Create context for process lifecycle
	ctx, cancel := context.WithCancel(context.Background())

	// Start process
	cmd := exec.CommandContext(ctx, binaryPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		t.Fatalf("failed to create stdout pipe: %v", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		t.Fatalf("failed to create stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("failed to start idcreds-testserver: %v", err)
	}

	// Read first line (JSON contract) from stdout
	scanner := bufio.NewScanner(stdout)
	if !scanner.Scan() {
		cancel()
		cmd.Wait()
		t.Fatal("failed to read JSON contract from idcreds-testserver")
	}

	var contract outputContract
	if err := json.Unmarshal(scanner.Bytes(), &contract); err != nil {
		cancel()
		cmd.Wait()
		t.Fatalf("failed to parse JSON contract: %v", err)
	}

	certificateDER, err := base64.StdEncoding.DecodeString(contract.Keys.CertificateDERBase64)
	if err != nil {
		cancel()
		cmd.Wait()
		t.Fatalf("failed to decode certificate: %v", err)
	}

	// Stream remaining logs to test output if not quiet
	if !cfg.Quiet {
		go func() {
			for scanner.Scan() {
				t.Logf("[idcreds-testserver] %s", scanner.Text())
			}
		}()

		go func() {
			stderrScanner := bufio.NewScanner(stderr)
			for stderrScanner.Scan() {
				t.Logf("[idcreds-testserver stderr] %s", stderrScanner.Text())
			}
		}()
	}

	harness := &Harness{
		BaseURL:        contract.BaseURL,
		Domain:         contract.Domain,
		Issuer:         contract.Issuer,
		ClientsDir:     contract.Paths.ClientsDir,
		CAFile:         contract.Paths.CAFile,
		CertificateDER: certificateDER,
		SigningKeyID:   contract.Keys.SigningKeyID,
		ClientName:     contract.Client.Name,
		ClientID:       contract.Client.ID,
		ClientRedirect: contract.Client.Redirect,
		ClientScope:    contract.Client.Scope,
		cmd:            cmd,
		cancel:         cancel,
	}

	// Register cleanup
	t.Cleanup(func() {
		if err := harness.Close(); err != nil {
			t.Logf("warning: harness cleanup failed: %v", err)
		}
	})

	return harness
}

// Client returns an HTTP client that trusts the server's certificate.
func (h *Harness) Client() (*http.Client, error) {
	certificate, err := x509.ParseCertificate(h.CertificateDER)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(certificate)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{RootCAs: roots}
	return &http.Client{Transport: transport, Timeout: 10 * time.Second}, nil
}

// Close terminates the idcreds-testserver process.
func (h *Harness) Close() error {
	if h.cancel != nil {
		h.cancel()
	}

	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}

	// Wait for graceful shutdown with timeout
	done := make(chan error, 1)
	go func() {
		done <- h.cmd.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		// Force kill if graceful shutdown takes too long
		if err := h.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("force kill: %w", err)
		}
		return fmt.Errorf("timeout waiting for graceful shutdown, process killed")
	}
}

func findBinary(configPath string) string {
	// Check config path first
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	// Check environment variable
	if envPath := os.Getenv("IDCREDS_TESTSERVER_BIN"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	// Check PATH
	if pathBinary, err := exec.LookPath("idcreds-testserver"); err == nil {
		return pathBinary
	}

	return ""
}

func buildArgs(cfg Config) []string {
	args := []string{
		"--client-redirect", cfg.RedirectURL,
	}

	if cfg.ClientName != "" {
		args = append(args, "--client-name", cfg.ClientName)
	}

	if cfg.ClientID != "" {
		args = append(args, "--client-id", cfg.ClientID)
	}

	if cfg.ClientDisplay != "" {
		args = append(args, "--client-display", cfg.ClientDisplay)
	}

	if cfg.ClientScope != "" {
		args = append(args, "--client-scope", cfg.ClientScope)
	}

	if cfg.AccessTokenLifetime > 0 {
		args = append(args, "--access-token-lifetime", cfg.AccessTokenLifetime.String())
	}

	if cfg.ListenAddr != "" {
		args = append(args, "--listen", cfg.ListenAddr)
	}

	if cfg.DataDir != "" {
		args = append(args, "--data-dir", cfg.DataDir)
	}

	if cfg.Keep {
		args = append(args, "--keep")
	}

	if cfg.Quiet {
		args = append(args, "--quiet")
	}

	return args
}
