// Package catalogue lists the tunnels the launcher knows: API tunnels fetched
// from the web service and custom tunnels from the config file.
package catalogue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/chmlapi"
	"github.com/chmlfrp/frplauncher/internal/config"
	"github.com/chmlfrp/frplauncher/internal/tunnel"
)

// ErrUnknownTunnel is returned for keys the catalogue does not list.
var ErrUnknownTunnel = errors.New("tunnel not found")

// Fetcher lists the remote tunnels of a user.
type Fetcher interface {
	FetchTunnels(ctx context.Context, token string) ([]chmlapi.Tunnel, error)
}

// Catalogue is safe for concurrent use.
type Catalogue struct {
	fetcher Fetcher
	creds   tunnel.Credentials
	custom  []*config.CustomTunnel
	resolve func(string) string
	logger  *zap.Logger

	mu        sync.RWMutex
	api       []tunnel.Info
	refreshed time.Time
}

// New creates a catalogue. resolve turns relative custom config paths into
// absolute ones; nil leaves them untouched.
func New(fetcher Fetcher, creds tunnel.Credentials, custom []*config.CustomTunnel, resolve func(string) string, logger *zap.Logger) *Catalogue {
	if resolve == nil {
		resolve = func(p string) string { return p }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalogue{
		fetcher: fetcher,
		creds:   creds,
		custom:  custom,
		resolve: resolve,
		logger:  logger,
	}
}

// Refresh reloads the API tunnels. Without a login the API list is cleared
// and tunnel.ErrNotAuthenticated returned; custom tunnels stay available.
func (c *Catalogue) Refresh(ctx context.Context) error {
	token, ok := c.creds.Token()
	if !ok {
		c.mu.Lock()
		c.api = nil
		c.mu.Unlock()
		return tunnel.ErrNotAuthenticated
	}

	remote, err := c.fetcher.FetchTunnels(ctx, token)
	if err != nil {
		c.logger.Warn("Failed to refresh tunnel list", zap.Error(err))
		return fmt.Errorf("refresh tunnels: %w", err)
	}

	entries := make([]tunnel.Info, 0, len(remote))
	for _, t := range remote {
		entries = append(entries, tunnel.Info{
			Key:       tunnel.APIKey(t.ID),
			Name:      t.Name,
			Type:      t.Type,
			LocalIP:   t.LocalIP,
			LocalPort: t.LocalPort,
			Node:      t.Node,
			Remote:    t.RemotePort,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key.ID < entries[j].Key.ID })

	c.mu.Lock()
	c.api = entries
	c.refreshed = time.Now()
	c.mu.Unlock()

	c.logger.Debug("Tunnel list refreshed", zap.Int("count", len(entries)))
	return nil
}

// Refreshed returns when the API list was last loaded.
func (c *Catalogue) Refreshed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshed
}

// Entries returns API tunnels followed by custom tunnels.
func (c *Catalogue) Entries() []tunnel.Info {
	c.mu.RLock()
	out := make([]tunnel.Info, 0, len(c.api)+len(c.custom))
	out = append(out, c.api...)
	c.mu.RUnlock()

	for _, ct := range c.custom {
		name := ct.Name
		if name == "" {
			name = fmt.Sprintf("custom-%d", ct.ID)
		}
		out = append(out, tunnel.Info{
			Key:        tunnel.Key{Source: tunnel.SourceCustom, ID: ct.ID},
			Name:       name,
			Type:       "custom",
			ConfigFile: c.resolve(ct.ConfigFile),
		})
	}
	return out
}

// Keys returns the key of every known tunnel.
func (c *Catalogue) Keys() []tunnel.Key {
	entries := c.Entries()
	keys := make([]tunnel.Key, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

// Require returns the tunnel for key or ErrUnknownTunnel.
func (c *Catalogue) Require(key tunnel.Key) (tunnel.Info, error) {
	if info, ok := c.Lookup(key); ok {
		return info, nil
	}
	return tunnel.Info{}, fmt.Errorf("%s: %w", key, ErrUnknownTunnel)
}

// Lookup finds a tunnel by key.
func (c *Catalogue) Lookup(key tunnel.Key) (tunnel.Info, bool) {
	for _, e := range c.Entries() {
		if e.Key == key {
			return e, true
		}
	}
	return tunnel.Info{}, false
}

// ConfigFile returns the frpc configuration of custom tunnel id.
func (c *Catalogue) ConfigFile(id int) (string, error) {
	for _, ct := range c.custom {
		if ct.ID != id {
			continue
		}
		path := c.resolve(ct.ConfigFile)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("配置文件不存在: %s", path)
		}
		return path, nil
	}
	return "", fmt.Errorf("custom tunnel %d: %w", id, ErrUnknownTunnel)
}
