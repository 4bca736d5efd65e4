// Package presence holds the client-side view of who else is in a document.
package presence

import (
	"sort"
	"sync"
	"time"

	"mneumonicore/internal/models"
)

// Collaborator is a remote user's presence record. The local user is never one.
type Collaborator struct {
	UserID   string        `json:"userId"`
	Username string        `json:"username"`
	Avatar   string        `json:"avatar,omitempty"`
	Color    string        `json:"color"`
	Cursor   models.Cursor `json:"cursor"`
	IsTyping bool          `json:"isTyping"`
	LastSeen time.Time     `json:"lastSeen"`
}

// Store is keyed by userID. It refuses entries for its own user.
type Store struct {
	mu      sync.RWMutex
	self    string
	entries map[string]*Collaborator
}

func NewStore(selfID string) *Store {
	return &Store{
		self:    selfID,
		entries: make(map[string]*Collaborator),
	}
}

// SetSelf changes the local identity and evicts any entry that now matches it.
func (s *Store) SetSelf(selfID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self = selfID
	delete(s.entries, selfID)
}

// Upsert inserts c or refreshes the username and avatar of an existing entry.
// Color, cursor and typing state of an existing entry are kept. It reports
// whether the store changed.
func (s *Store) Upsert(c Collaborator) bool {
	if c.UserID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.UserID == s.self {
		return false
	}

	if existing, ok := s.entries[c.UserID]; ok {
		existing.Username = c.Username
		if c.Avatar != "" {
			existing.Avatar = c.Avatar
		}
		existing.LastSeen = c.LastSeen
		return true
	}

	cp := c
	s.entries[c.UserID] = &cp
	return true
}

// UpdateCursor applies a cursor event. Unknown users are not materialized:
// it returns false and leaves the store untouched.
func (s *Store) UpdateCursor(userID string, cursor models.Cursor, isTyping bool, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userID == s.self {
		return false
	}
	c, ok := s.entries[userID]
	if !ok {
		return false
	}
	c.Cursor = cursor
	c.IsTyping = isTyping
	c.LastSeen = at
	return true
}

func (s *Store) Remove(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[userID]; !ok {
		return false
	}
	delete(s.entries, userID)
	return true
}

func (s *Store) Get(userID string) (Collaborator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.entries[userID]
	if !ok {
		return Collaborator{}, false
	}
	return *c, true
}

// Snapshot returns copies of every entry ordered by username, then userID.
func (s *Store) Snapshot() []Collaborator {
	s.mu.RLock()
	out := make([]Collaborator, 0, len(s.entries))
	for _, c := range s.entries {
		out = append(out, *c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Collaborator)
}
