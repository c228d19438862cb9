// Package registry holds the relay's shared state: live connections, client
// lifecycle and tab lifecycle. Each registry serializes its own mutations and
// returns copies.
package registry

import (
	"sync"
	"time"

	"github.com/kandev/tabrelay/internal/relay/models"
)

// ConnectionManager tracks live agent connections by connId.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*models.ConnectionState
}

// NewConnectionManager creates an empty connection registry.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{conns: make(map[string]*models.ConnectionState)}
}

// Register records a connection and its send capability.
func (m *ConnectionManager) Register(connID, clientID string, sender models.Sender, now time.Time) models.ConnectionState {
	conn := &models.ConnectionState{
		ConnID:      connID,
		ClientID:    clientID,
		ConnectedAt: models.UnixMs(now),
		Sender:      sender,
	}

	m.mu.Lock()
	m.conns[connID] = conn
	m.mu.Unlock()

	return *conn
}

// Unregister removes a connection and returns what was stored.
func (m *ConnectionManager) Unregister(connID string) (models.ConnectionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return models.ConnectionState{}, false
	}
	delete(m.conns, connID)
	return *conn, true
}

// Bind points an existing connection at clientID.
func (m *ConnectionManager) Bind(connID, clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return false
	}
	conn.ClientID = clientID
	return true
}

// Get returns the connection with connID.
func (m *ConnectionManager) Get(connID string) (models.ConnectionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[connID]
	if !ok {
		return models.ConnectionState{}, false
	}
	return *conn, true
}

// Count returns the number of live connections.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
