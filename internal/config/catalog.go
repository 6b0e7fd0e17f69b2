package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var ErrClientNotFound = errors.New("client not found")

// Client is one client registration from the catalog directory.
type Client struct {
	Name        string `json:"-"`
	Display     string `json:"display"`
	Domain      string `json:"domain"`
	ClientID    string `json:"client_id"`
	RedirectURL string `json:"redirect_url"`
	Scope       string `json:"scope"`
	Audience    string `json:"audience"`
}

// StorageKey is the credentials slot owned by the client.
func (c *Client) StorageKey() string {
	return "credentials:" + c.Name
}

func (c *Client) validate() error {
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if strings.Contains(c.Domain, "/") {
		return fmt.Errorf("domain must be a host, got %q", c.Domain)
	}
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.RedirectURL != "" {
		redirect, err := url.Parse(c.RedirectURL)
		if err != nil || redirect.Scheme == "" {
			return fmt.Errorf("redirect_url %q is not an absolute URL", c.RedirectURL)
		}
	}
	return nil
}

// Catalog holds the client registrations of a directory, one JSON file per
// client, named after the file without its extension.
type Catalog struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// LoadCatalog reads every client in dir. Unlike Reload it fails on the
// first invalid file.
func LoadCatalog(
	dir string,
	logger *zap.Logger,
) (
	*Catalog,
	error,
) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clients, errs, err := readClients(dir)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, errs[0]
	}

	logger.Info("loaded client catalog", zap.String("dir", dir), zap.Int("clients", len(clients)))
	return &Catalog{dir: dir, logger: logger, clients: clients}, nil
}

func (c *Catalog) Client(name string) (*Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if client, ok := c.clients[name]; ok {
		copied := *client
		return &copied, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrClientNotFound, name)
}

// Names lists the catalog in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.clients))
	for name := range c.clients {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Reload rereads the directory. Invalid files are logged and left out; the
// catalog is only kept as is when the directory itself can't be read.
func (c *Catalog) Reload() error {
	clients, errs, err := readClients(c.dir)
	if err != nil {
		c.logger.Warn("couldn't reload client catalog", zap.String("dir", c.dir), zap.Error(err))
		return err
	}
	for _, err := range errs {
		c.logger.Warn("skipping client definition", zap.Error(err))
	}

	c.mu.Lock()
	c.clients = clients
	c.mu.Unlock()

	c.logger.Info("reloaded client catalog", zap.String("dir", c.dir), zap.Int("clients", len(clients)))
	return nil
}

func readClients(dir string) (map[string]*Client, []error, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read clients directory '%s': %w", dir, err)
	}

	clients := make(map[string]*Client)
	var errs []error
	for _, file := range files {
		if !file.Type().IsRegular() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		name := strings.TrimSuffix(file.Name(), ".json")
		client, err := loadClient(filepath.Join(dir, file.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		client.Name = name
		clients[name] = client
	}
	return clients, errs, nil
}

func loadClient(
	clientDefPath string,
) (
	*Client,
	error,
) {
	file, err := os.ReadFile(clientDefPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load client definition: %w", err)
	}

	client := &Client{}
	if err := json.Unmarshal(file, client); err != nil {
		return nil, fmt.Errorf("failed to parse json of '%s': %w", clientDefPath, err)
	}
	if err := client.validate(); err != nil {
		return nil, fmt.Errorf("invalid client '%s': %w", clientDefPath, err)
	}
	return client, nil
}
