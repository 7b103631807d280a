// Package linkstate holds short-lived state tokens for the
// connection-linking handshake. The store is injected rather than
// process-global so multi-process deployments can swap in a shared
// backend.
package linkstate

import (
	"sync"
	"time"
)

// Store maps a random nonce to opaque handshake state for a bounded
// lifetime. Take is one-shot: a token is consumed on first read.
type Store interface {
	Put(token string, value string, ttl time.Duration)
	Take(token string) (string, bool)
}

type entry struct {
	value   string
	expires time.Time
}

// MemoryStore is the in-memory Store. Expired entries are dropped
// lazily on access and by an occasional sweep during Put.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
	puts    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]entry), now: time.Now}
}

func (s *MemoryStore) Put(token, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = entry{value: value, expires: s.now().Add(ttl)}
	s.puts++
	if s.puts%64 == 0 {
		s.sweep()
	}
}

func (s *MemoryStore) Take(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok {
		return "", false
	}
	delete(s.entries, token)
	if s.now().After(e.expires) {
		return "", false
	}
	return e.value, true
}

func (s *MemoryStore) sweep() {
	now := s.now()
	for token, e := range s.entries {
		if now.After(e.expires) {
			delete(s.entries, token)
		}
	}
}
