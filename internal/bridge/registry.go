package bridge

import "sync"

// Registry is the process-wide map of live sessions, keyed by stream SID and
// by session ID. The escalation endpoint reaches running sessions through it.
// A session appears here from the moment its start event is processed until
// teardown. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	byStream  map[string]*Session
	bySession map[string]*Session
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		byStream:  make(map[string]*Session),
		bySession: make(map[string]*Session),
	}
}

// Insert registers a session under its stream SID and session ID. Re-inserting
// the same keys overwrites the previous entry.
func (r *Registry) Insert(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sid := s.StreamSID(); sid != "" {
		r.byStream[sid] = s
	}
	r.bySession[s.ID] = s
}

// Remove deregisters a session. Removing an absent session is a no-op.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sid := s.StreamSID(); sid != "" && r.byStream[sid] == s {
		delete(r.byStream, sid)
	}
	if r.bySession[s.ID] == s {
		delete(r.bySession, s.ID)
	}
}

// Lookup returns the session registered under the given stream SID, or nil.
func (r *Registry) Lookup(streamSID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byStream[streamSID]
}

// LookupSession returns the session registered under the given session ID,
// or nil.
func (r *Registry) LookupSession(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySession[sessionID]
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

// CloseAll terminates every registered session. Used during server shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.bySession))
	for _, s := range r.bySession {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Terminate()
	}
}
