package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/idcreds/internal/config"
)

const testClientJSON = `{
	"display": "Test App",
	"domain": "tenant.example.com",
	"client_id": "client123",
	"redirect_url": "http://127.0.0.1:8765/callback",
	"scope": "openid offline_access",
	"audience": "https://api.example.com"
}`

func TestLoadCatalog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "test-app.json", testClientJSON)
	writeFile(t, dir, "README.md", "not a client")
	if err := os.Mkdir(filepath.Join(dir, "nested.json"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	catalog, err := config.LoadCatalog(dir, nil)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	// only regular .json files are clients, named without extension
	if names := catalog.Names(); len(names) != 1 || names[0] != "test-app" {
		t.Fatalf("names = %v, want [test-app]", names)
	}
	client, err := catalog.Client("test-app")
	if err != nil {
		t.Fatalf("Client failed: %v", err)
	}
	if client.Display != "Test App" || client.Domain != "tenant.example.com" ||
		client.ClientID != "client123" || client.Audience != "https://api.example.com" {
		t.Errorf("unexpected client: %+v", client)
	}
	if client.StorageKey() != "credentials:test-app" {
		t.Errorf("StorageKey = %q", client.StorageKey())
	}
}

func TestCatalog_ClientNotFound(t *testing.T) {
	t.Parallel()
	catalog, err := config.LoadCatalog(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	if _, err := catalog.Client("nonexistent"); !errors.Is(err, config.ErrClientNotFound) {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}
}

func TestLoadCatalog_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{"},
		{"no domain", `{"client_id":"c"}`},
		{"no client id", `{"domain":"tenant.example.com"}`},
		{"domain is url", `{"domain":"https://tenant.example.com/","client_id":"c"}`},
		{"relative redirect", `{"domain":"tenant.example.com","client_id":"c","redirect_url":"/callback"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "bad.json", tt.content)
			if _, err := config.LoadCatalog(dir, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadCatalog_MissingDir(t *testing.T) {
	t.Parallel()

	if _, err := config.LoadCatalog(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestCatalog_ReloadSkipsInvalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "a.json", testClientJSON)
	catalog, err := config.LoadCatalog(dir, nil)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	// a broken file is left out, valid ones still load
	writeFile(t, dir, "b.json", "{")
	writeFile(t, dir, "c.json", testClientJSON)
	if err := catalog.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	names := catalog.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "c" {
		t.Errorf("names = %v, want [a c]", names)
	}
}

func TestCatalog_Watch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	catalog, err := config.LoadCatalog(dir, nil)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan struct{}, 8)
	if err := catalog.Watch(ctx, func() { reloaded <- struct{}{} }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// a new client shows up after the debounce
	writeFile(t, dir, "new-app.json", testClientJSON)
	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("catalog was not reloaded")
	}
	if _, err := catalog.Client("new-app"); err != nil {
		t.Errorf("Client after reload failed: %v", err)
	}

	// removal is picked up too
	if err := os.Remove(filepath.Join(dir, "new-app.json")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		if _, err := catalog.Client("new-app"); errors.Is(err, config.ErrClientNotFound) {
			break
		}
		select {
		case <-reloaded:
		case <-deadline:
			t.Fatal("removed client still in catalog")
		}
	}
}
