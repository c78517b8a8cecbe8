package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/acolita/sshkit/internal/events"
)

// ErrSessionNotFound is returned for an unknown session key.
var ErrSessionNotFound = errors.New("session not found")

// Manager holds many clients keyed by session key, all publishing to one
// registry.
type Manager struct {
	registry    *events.Registry
	maxSessions int

	mu         sync.RWMutex
	opts       Options
	clients    map[string]*Client
	connecting map[string]bool
}

// NewManager creates a manager. maxSessions caps live clients; zero means
// no cap. opts is the template for every client it creates.
func NewManager(opts Options, maxSessions int) *Manager {
	if opts.Registry == nil {
		opts.Registry = events.NewRegistry()
	}
	return &Manager{
		registry:    opts.Registry,
		opts:        opts,
		maxSessions: maxSessions,
		clients:     make(map[string]*Client),
		connecting:  make(map[string]bool),
	}
}

// Registry returns the registry shared by the manager's clients.
func (m *Manager) Registry() *events.Registry { return m.registry }

// SetOptions replaces the template for clients created afterwards. The
// registry is kept.
func (m *Manager) SetOptions(opts Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	opts.Registry = m.registry
	m.opts = opts
}

// Connect creates a client, connects it and registers it under its key.
// At the cap, clients whose connection has dropped are evicted first.
func (m *Manager) Connect(ctx context.Context, opts ConnectOptions) (*Client, error) {
	m.mu.Lock()
	var evicted []string
	if m.maxSessions > 0 && len(m.clients) >= m.maxSessions {
		evicted = m.evictLocked()
	}
	if m.maxSessions > 0 && len(m.clients) >= m.maxSessions {
		m.mu.Unlock()
		m.drop(evicted)
		return nil, &Error{Kind: ConnectionError, Op: "connect", Err: fmt.Errorf("max sessions reached (%d)", m.maxSessions)}
	}
	c := New(m.opts)
	// Reserve the slot while connecting.
	m.clients[c.Key()] = c
	m.connecting[c.Key()] = true
	m.mu.Unlock()
	m.drop(evicted)

	err := c.Connect(ctx, opts)
	m.mu.Lock()
	delete(m.connecting, c.Key())
	if err != nil {
		delete(m.clients, c.Key())
	}
	m.mu.Unlock()
	if err != nil {
		m.registry.Drop(c.Key())
		return nil, err
	}
	return c, nil
}

// evictLocked forgets clients that are neither connected nor connecting
// and returns their keys. m.mu must be held.
func (m *Manager) evictLocked() []string {
	var keys []string
	for key, c := range m.clients {
		if m.connecting[key] || c.Connected() {
			continue
		}
		delete(m.clients, key)
		keys = append(keys, key)
	}
	return keys
}

func (m *Manager) drop(keys []string) {
	for _, key := range keys {
		slog.Info("evicted disconnected session", slog.String("session", key))
		m.registry.Drop(key)
	}
}

// Get returns the client for key.
func (m *Manager) Get(key string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	return c, nil
}

// Close disconnects and forgets the client for key. Its event log is
// dropped.
func (m *Manager) Close(key string) error {
	m.mu.Lock()
	c, ok := m.clients[key]
	delete(m.clients, key)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	err := c.Disconnect()
	m.registry.Drop(key)
	return err
}

// CloseAll disconnects every client.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()
	for key, c := range clients {
		c.Disconnect()
		m.registry.Drop(key)
	}
}

// List returns the keys of registered clients, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.clients))
	for key := range m.clients {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// SessionCount returns the number of registered clients.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}
