package main

import (
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"git.sr.ht/~jakintosh/idcreds/pkg/idtokentest"
)

// Config holds all command-line configuration
type Config struct {
	ListenAddr          string
	ClientName          string
	ClientID            string
	ClientDisplay       string
	ClientRedirect      string
	ClientScope         string
	AccessTokenLifetime time.Duration
	DataDir             string
	Keep                bool
	Quiet               bool
}

// OutputContract is the JSON structure emitted on stdout
type OutputContract struct {
	BaseURL string       `json:"base_url"`
	Domain  string       `json:"domain"`
	Issuer  string       `json:"issuer"`
	Paths   OutputPaths  `json:"paths"`
	Client  OutputClient `json:"client"`
	Keys    OutputKeys   `json:"keys"`
}

type OutputPaths struct {
	DataDir    string `json:"data_dir"`
	ClientsDir string `json:"clients_dir"`
	CAFile     string `json:"ca_file"`
}

type OutputClient struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Display  string `json:"display"`
	Redirect string `json:"redirect"`
	Scope    string `json:"scope"`
}

type OutputKeys struct {
	SigningKeyID         string `json:"signing_key_id"`
	CertificateDERBase64 string `json:"certificate_der_base64"`
}

func main() {
	// Parse flags
	cfg := parseFlags()

	// Suppress logs if requested
	if cfg.Quiet {
		log.SetOutput(io.Discard)
	}

	// Create workspace
	workspace, cleanup, err := createWorkspace(cfg)
	if err != nil {
		log.Fatalf("failed to create workspace: %v\n", err)
	}
	defer cleanup()

	// Generate keys
	keys, err := idtokentest.NewKeys()
	if err != nil {
		log.Fatalf("failed to generate keys: %v\n", err)
	}

	// Start TLS server on the requested address
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("failed to listen: %v\n", err)
	}
	server := idtokentest.New(keys, cfg.ClientID)
	server.AccessTokenLifetime = cfg.AccessTokenLifetime
	server.StartOn(listener)
	defer server.Close()

	// Write the CA bundle and client definition for idcreds
	if err := writeCertificate(workspace.CAFile, server.CertificateDER()); err != nil {
		log.Fatalf("failed to write certificate: %v\n", err)
	}
	if err := writeClientDefinition(workspace.ClientsDir, server.Domain(), cfg); err != nil {
		log.Fatalf("failed to write client definition: %v\n", err)
	}

	// Emit JSON contract to stdout
	contract := OutputContract{
		BaseURL: server.URL(),
		Domain:  server.Domain(),
		Issuer:  server.Issuer(),
		Paths: OutputPaths{
			DataDir:    workspace.DataDir,
			ClientsDir: workspace.ClientsDir,
			CAFile:     workspace.CAFile,
		},
		Client: OutputClient{
			Name:     cfg.ClientName,
			ID:       cfg.ClientID,
			Display:  cfg.ClientDisplay,
			Redirect: cfg.ClientRedirect,
			Scope:    cfg.ClientScope,
		},
		Keys: OutputKeys{
			SigningKeyID:         keys.KeyID,
			CertificateDERBase64: base64.StdEncoding.EncodeToString(server.CertificateDER()),
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if err := encoder.Encode(contract); err != nil {
		log.Fatalf("failed to encode JSON contract: %v\n", err)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("received signal %v, shutting down\n", sig)
}

func parseFlags() Config {
	var cfg Config

	flag.StringVar(&cfg.ListenAddr, "listen", "127.0.0.1:0", "Listen address (default uses ephemeral port)")
	flag.StringVar(&cfg.ClientName, "client-name", "test-app", "Client name (used as catalog filename)")
	flag.StringVar(&cfg.ClientID, "client-id", "test-client", "OAuth client_id accepted by the server")
	flag.StringVar(&cfg.ClientDisplay, "client-display", "Test App", "Client display name")
	flag.StringVar(&cfg.ClientRedirect, "client-redirect", "", "Client redirect URL (required)")
	flag.StringVar(&cfg.ClientScope, "client-scope", "openid profile offline_access", "Client scope")
	flag.DurationVar(&cfg.AccessTokenLifetime, "access-token-lifetime", time.Hour, "Lifetime of issued access tokens")
	flag.StringVar(&cfg.DataDir, "data-dir", "", "Data directory (uses temp dir if not set)")
	flag.BoolVar(&cfg.Keep, "keep", false, "Keep data directory on exit")
	flag.BoolVar(&cfg.Quiet, "quiet", false, "Suppress log output")

	flag.Parse()

	if cfg.ClientRedirect == "" {
		log.Fatal("--client-redirect is required")
	}
	if cfg.AccessTokenLifetime <= 0 {
		log.Fatal("--access-token-lifetime must be positive")
	}

	return cfg
}

type Workspace struct {
	DataDir    string
	ClientsDir string
	CAFile     string
}

func createWorkspace(cfg Config) (*Workspace, func(), error) {
	var dataDir string
	var shouldCleanup bool

	if cfg.DataDir != "" {
		dataDir = cfg.DataDir
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, nil, err
		}
	} else {
		tempDir, err := os.MkdirTemp("", "idcreds-testserver-*")
		if err != nil {
			return nil, nil, err
		}
		dataDir = tempDir
		shouldCleanup = !cfg.Keep
	}

	workspace := &Workspace{
		DataDir:    dataDir,
		ClientsDir: filepath.Join(dataDir, "clients"),
		CAFile:     filepath.Join(dataDir, "ca.pem"),
	}
	if err := os.MkdirAll(workspace.ClientsDir, 0755); err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		if shouldCleanup {
			os.RemoveAll(dataDir)
		}
	}

	return workspace, cleanup, nil
}

func writeCertificate(path string, der []byte) error {
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return os.WriteFile(path, data, 0644)
}

func writeClientDefinition(clientsDir string, domain string, cfg Config) error {
	client := map[string]string{
		"display":      cfg.ClientDisplay,
		"domain":       domain,
		"client_id":    cfg.ClientID,
		"redirect_url": cfg.ClientRedirect,
		"scope":        cfg.ClientScope,
	}

	data, err := json.MarshalIndent(client, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal client JSON: %w", err)
	}

	clientPath := filepath.Join(clientsDir, cfg.ClientName+".json")
	if err := os.WriteFile(clientPath, data, 0644); err != nil {
		return fmt.Errorf("write client file: %w", err)
	}

	return nil
}
