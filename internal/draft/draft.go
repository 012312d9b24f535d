// Package draft keeps per-conversation unsent input text. Drafts have a
// lifecycle independent of messages: they are cleared when a send starts
// and restored if that send fails.
package draft

import "sync"

// Persister is the optional write-through target so drafts survive daemon
// restarts. A nil Persister keeps drafts in memory only.
type Persister interface {
	SaveDraft(conversationID, body string) error
	DeleteDraft(conversationID string) error
}

// Store is the draft store. Empty string means "no draft".
type Store struct {
	mu      sync.Mutex
	drafts  map[string]string
	persist Persister
}

// NewStore creates a draft store with an optional persister.
func NewStore(p Persister) *Store {
	return &Store{
		drafts:  make(map[string]string),
		persist: p,
	}
}

// Seed loads previously persisted drafts, typically at daemon start. It
// does not write back to the persister.
func (s *Store) Seed(drafts map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, body := range drafts {
		if body != "" {
			s.drafts[id] = body
		}
	}
}

// Get returns the draft text for a conversation, or "" if there is none.
func (s *Store) Get(conversationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[conversationID]
}

// Set stores draft text. Setting "" is equivalent to Clear.
func (s *Store) Set(conversationID, body string) {
	if body == "" {
		s.Clear(conversationID)
		return
	}
	s.mu.Lock()
	s.drafts[conversationID] = body
	s.mu.Unlock()
	if s.persist != nil {
		_ = s.persist.SaveDraft(conversationID, body)
	}
}

// Clear discards the draft for a conversation.
func (s *Store) Clear(conversationID string) {
	s.mu.Lock()
	delete(s.drafts, conversationID)
	s.mu.Unlock()
	if s.persist != nil {
		_ = s.persist.DeleteDraft(conversationID)
	}
}
