package olshare

import "sync"

// Registry maps clientIds to live Session actors. The id mapping itself is
// kept in a SessionStore so that it outlives the actors.
type Registry struct {
	Logger
	store      SessionStore
	clientIDs  IDGenerator
	sessionIDs IDGenerator
	newConfig  func(clientID string) SessionConfig

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates a Registry. newConfig supplies the settings for each
// session actor it creates.
func NewRegistry(logger Logger, store SessionStore, clientIDs IDGenerator,
	newConfig func(clientID string) SessionConfig) *Registry {
	return &Registry{
		Logger:     logger,
		store:      store,
		clientIDs:  clientIDs,
		sessionIDs: &RandomIDs{},
		newConfig:  newConfig,
		sessions:   make(map[string]*Session),
	}
}

// Establish returns the session a new control channel should attach to.
// A requested clientId is reused when the store already knows it; otherwise,
// including for an unknown or stale requested id, a fresh one is minted.
func (r *Registry) Establish(requestedClientID string) (*Session, error) {
	if requestedClientID != "" {
		if sessionID, ok := r.store.SessionID(requestedClientID); ok {
			r.DLogf("Resuming clientId %s", requestedClientID)
			return r.sessionFor(sessionID, requestedClientID)
		}
		r.ILogf("Unknown clientId %s requested, assigning a new one", requestedClientID)
	}

	var clientID string
	for i := 0; ; i++ {
		clientID = r.clientIDs.NewID()
		if _, taken := r.store.SessionID(clientID); !taken {
			break
		}
		if i >= 16 {
			return nil, r.WLogErrorf("could not allocate an unused clientId after %d tries", i+1)
		}
	}
	sessionID := r.sessionIDs.NewID()
	if err := r.store.Bind(sessionID, clientID); err != nil {
		return nil, r.ELogErrorf("could not bind clientId %s: %s", clientID, err)
	}
	return r.sessionFor(sessionID, clientID)
}

// Lookup returns the session serving clientID, recreating its actor if it is
// persisted but not running. Unknown ids yield ErrTunnelNotFound.
func (r *Registry) Lookup(clientID string) (*Session, error) {
	sessionID, ok := r.store.SessionID(clientID)
	if !ok {
		return nil, ErrTunnelNotFound
	}
	return r.sessionFor(sessionID, clientID)
}

func (r *Registry) sessionFor(sessionID, clientID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClientUnavailable
	}
	if s, ok := r.sessions[sessionID]; ok && !s.IsStartedShutdown() {
		return s, nil
	}
	s := NewSession(r.Logger, sessionID, clientID, r.newConfig(clientID))
	r.sessions[sessionID] = s
	return s, nil
}

// Len returns the number of live session actors
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll shuts down every session actor and refuses to create new ones
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.StartShutdown(nil)
	}
	for _, s := range sessions {
		s.WaitShutdown()
	}
}
