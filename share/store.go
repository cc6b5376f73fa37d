package olshare

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SessionStore persists the association between an internal session id and
// the public clientId served by that session
type SessionStore interface {
	// Bind records that sessionID serves clientID
	Bind(sessionID, clientID string) error

	// ClientID returns the clientId stored for sessionID
	ClientID(sessionID string) (string, bool)

	// SessionID returns the session that serves clientID
	SessionID(clientID string) (string, bool)
}

// MemoryStore is a SessionStore that lives only as long as the process
type MemoryStore struct {
	mu        sync.RWMutex
	clients   map[string]string
	bySession map[string]string
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:   make(map[string]string),
		bySession: make(map[string]string),
	}
}

// Bind implements SessionStore
func (m *MemoryStore) Bind(sessionID, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.bySession[sessionID]; ok {
		delete(m.clients, old)
	}
	m.bySession[sessionID] = clientID
	m.clients[clientID] = sessionID
	return nil
}

// ClientID implements SessionStore
func (m *MemoryStore) ClientID(sessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySession[sessionID]
	return id, ok
}

// SessionID implements SessionStore
func (m *MemoryStore) SessionID(clientID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.clients[clientID]
	return id, ok
}

// FileStore is a SessionStore persisted as a JSON object of sessionID to
// clientId. Every Bind rewrites the file atomically.
type FileStore struct {
	mem  *MemoryStore
	path string
	wmu  sync.Mutex
}

// OpenFileStore loads path if it exists, or starts empty
func OpenFileStore(path string) (*FileStore, error) {
	f := &FileStore{mem: NewMemoryStore(), path: path}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("session store: %w", err)
	}
	var saved map[string]string
	if len(b) > 0 {
		if err := json.Unmarshal(b, &saved); err != nil {
			return nil, fmt.Errorf("session store %s: %w", path, err)
		}
	}
	for sessionID, clientID := range saved {
		f.mem.Bind(sessionID, clientID)
	}
	return f, nil
}

// Bind implements SessionStore
func (f *FileStore) Bind(sessionID, clientID string) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.mem.Bind(sessionID, clientID)

	f.mem.mu.RLock()
	b, err := json.MarshalIndent(f.mem.bySession, "", "  ")
	f.mem.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".sessions-*")
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("session store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("session store: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("session store: %w", err)
	}
	return nil
}

// ClientID implements SessionStore
func (f *FileStore) ClientID(sessionID string) (string, bool) {
	return f.mem.ClientID(sessionID)
}

// SessionID implements SessionStore
func (f *FileStore) SessionID(clientID string) (string, bool) {
	return f.mem.SessionID(clientID)
}
