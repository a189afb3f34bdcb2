// Package session tracks each user's currently selected shop.
//
// State is in-memory only and is lost on restart; users re-select via
// /start. A session holds at most one selection; selecting again
// overwrites the previous value with no other side effects.
package session

import "sync"

// Store maps a user id to the id of the selected shop. Selections are
// references into the catalog; the relay resolves them at use time, so a
// dangling reference surfaces there, not here.
type Store struct {
	mu  sync.RWMutex
	sel map[int64]string
}

func NewStore() *Store {
	return &Store{sel: make(map[int64]string)}
}

// Select records shopID as the active selection for userID, overwriting any
// prior value. Last write wins.
func (s *Store) Select(userID int64, shopID string) {
	s.mu.Lock()
	s.sel[userID] = shopID
	s.mu.Unlock()
}

// Current returns the selected shop id, or ok=false when the user has not
// selected one yet.
func (s *Store) Current(userID int64) (string, bool) {
	s.mu.RLock()
	id, ok := s.sel[userID]
	s.mu.RUnlock()
	return id, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sel)
}
