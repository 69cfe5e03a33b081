package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/conductor/internal/agent"
)

// Config holds the MCP section of the engine configuration.
type Config struct {
	Enabled bool           `yaml:"enabled" json:"enabled"`
	Servers []ServerConfig `yaml:"servers" json:"servers"`
}

// Validate checks every server entry and rejects duplicate names.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Servers))
	for i := range c.Servers {
		if err := c.Servers[i].Validate(); err != nil {
			return err
		}
		if _, dup := seen[c.Servers[i].Name]; dup {
			return fmt.Errorf("duplicate mcp server name %q", c.Servers[i].Name)
		}
		seen[c.Servers[i].Name] = struct{}{}
	}
	return nil
}

// Manager owns the lifecycle of all configured MCP server connections.
type Manager struct {
	config *Config
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager creates a manager for the given configuration.
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  cfg,
		logger:  logger.With("component", "mcp"),
		clients: make(map[string]*Client),
	}
}

// Start connects to every configured server. A server that fails to connect
// is logged and skipped so one broken server does not take the rest down.
func (m *Manager) Start(ctx context.Context) error {
	if m.config == nil || !m.config.Enabled {
		m.logger.Debug("mcp disabled")
		return nil
	}
	for i := range m.config.Servers {
		name := m.config.Servers[i].Name
		if err := m.Connect(ctx, name); err != nil {
			m.logger.Error("failed to connect to mcp server", "server", name, "error", err)
		}
	}
	return nil
}

// Stop disconnects all servers.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Error("failed to close mcp client", "server", name, "error", err)
		}
		delete(m.clients, name)
	}
	return nil
}

// Connect connects to one configured server by name. Connecting an already
// connected server is a no-op.
func (m *Manager) Connect(ctx context.Context, name string) error {
	var serverCfg *ServerConfig
	for i := range m.config.Servers {
		if m.config.Servers[i].Name == name {
			serverCfg = &m.config.Servers[i]
			break
		}
	}
	if serverCfg == nil {
		return fmt.Errorf("mcp server %q not configured", name)
	}

	m.mu.RLock()
	_, exists := m.clients[name]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	client, err := NewClient(serverCfg, m.logger)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.clients[name] = client
	m.mu.Unlock()
	return nil
}

// Disconnect closes one server connection. Unknown names are a no-op.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, exists := m.clients[name]
	if !exists {
		return nil
	}
	if err := client.Close(); err != nil {
		return err
	}
	delete(m.clients, name)
	m.logger.Info("disconnected from mcp server", "server", name)
	return nil
}

// Client returns the client for a connected server.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, exists := m.clients[name]
	return client, exists
}

// RegisterTools bridges every connected server's tools into the registry
// and returns the registered names, sorted.
func (m *Manager) RegisterTools(registry *agent.ToolRegistry) []string {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	m.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].Name() < clients[j].Name() })

	var names []string
	for _, client := range clients {
		names = append(names, BridgeTools(registry, client, client.Name(), client.Tools())...)
	}
	return names
}

// ServerStatus describes one configured server for status displays.
type ServerStatus struct {
	Name      string     `json:"name"`
	Connected bool       `json:"connected"`
	Server    ServerInfo `json:"server"`
	Tools     int        `json:"tools"`
}

// Status reports every configured server, connected or not.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return nil
	}
	statuses := make([]ServerStatus, 0, len(m.config.Servers))
	for i := range m.config.Servers {
		status := ServerStatus{Name: m.config.Servers[i].Name}
		if client, exists := m.clients[m.config.Servers[i].Name]; exists {
			status.Connected = client.Connected()
			status.Server = client.ServerInfo()
			status.Tools = len(client.Tools())
		}
		statuses = append(statuses, status)
	}
	return statuses
}
