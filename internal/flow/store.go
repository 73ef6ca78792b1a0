package flow

import (
	"sync"

	"github.com/taliaworks/pipecat-bridge/pkg/llm"
	"github.com/taliaworks/pipecat-bridge/pkg/mediastream"
)

// Conversation is the flow-engine side of one call. The bridge creates it on
// the telephony start event and removes it at session close; the turn webhook
// drives it in between. All mutation happens inside Manager.Turn, which holds
// the conversation lock; the exported metadata fields are set once at
// creation and read-only afterwards.
type Conversation struct {
	SessionID      string
	StreamSID      string
	CallerPhone    string
	BusinessStatus mediastream.BusinessStatus

	// State is the booking state mutated by node handlers. Guarded by mu
	// through Manager.Turn.
	State State

	mu      sync.Mutex
	node    *Node
	history []llm.Message
	done    bool
}

// Node returns the name of the conversation's current node.
func (c *Conversation) Node() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node.Name
}

// Done reports whether the conversation reached a terminal node.
func (c *Conversation) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Store holds the live conversations of the process, keyed by stream SID and
// by session ID. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	byStream  map[string]*Conversation
	bySession map[string]*Conversation
}

// NewStore returns an empty, ready-to-use Store.
func NewStore() *Store {
	return &Store{
		byStream:  make(map[string]*Conversation),
		bySession: make(map[string]*Conversation),
	}
}

// Put registers a conversation under both of its keys.
func (s *Store) Put(c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.StreamSID != "" {
		s.byStream[c.StreamSID] = c
	}
	if c.SessionID != "" {
		s.bySession[c.SessionID] = c
	}
}

// Remove deregisters a conversation. Removing an absent one is a no-op.
func (s *Store) Remove(c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byStream[c.StreamSID] == c {
		delete(s.byStream, c.StreamSID)
	}
	if s.bySession[c.SessionID] == c {
		delete(s.bySession, c.SessionID)
	}
}

// Lookup returns the conversation registered under the given stream SID, or
// nil.
func (s *Store) Lookup(streamSID string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byStream[streamSID]
}

// LookupSession returns the conversation registered under the given session
// ID, or nil.
func (s *Store) LookupSession(sessionID string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bySession[sessionID]
}

// Len returns the number of registered conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySession)
}
