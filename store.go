package evoagent

import (
	"sync"
)

// ──────────────────────────────────────────────
// SessionStore — optional write-through observability sink
// ──────────────────────────────────────────────
//
// The engine's state of record is in-process; a SessionStore, when provided,
// receives transcript appends and persona/memory snapshots so external
// tooling can observe a session. Data is organized by namespace (the session
// ID) and key.

// SessionStore is the pluggable backend interface.
type SessionStore interface {
	// KV operations
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
	Delete(namespace, key string) error

	// List operations (ordered sequences, used for the transcript)
	Append(namespace, key, value string) error
	GetList(namespace, key string, limit, offset int) ([]string, error)
	TrimList(namespace, key string, maxSize int) error
	ListLength(namespace, key string) (int, error)
}

// Well-known store keys written by the engine.
const (
	StoreKeyTranscript = "transcript"
	StoreKeyMemories   = "memories"
	StoreKeyPersona    = "persona"
)

// InMemorySessionStore is a thread-safe in-memory SessionStore for
// development and tests. Data is lost on restart.
type InMemorySessionStore struct {
	mu    sync.RWMutex
	kv    map[string]map[string]string
	lists map[string]map[string][]string
}

// NewInMemorySessionStore creates a new in-memory store.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{
		kv:    make(map[string]map[string]string),
		lists: make(map[string]map[string][]string),
	}
}

func (s *InMemorySessionStore) Get(namespace, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ns, ok := s.kv[namespace]; ok {
		return ns[key], nil
	}
	return "", nil
}

func (s *InMemorySessionStore) Set(namespace, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kv[namespace] == nil {
		s.kv[namespace] = make(map[string]string)
	}
	s.kv[namespace][key] = value
	return nil
}

func (s *InMemorySessionStore) Delete(namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, ok := s.kv[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

func (s *InMemorySessionStore) Append(namespace, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lists[namespace] == nil {
		s.lists[namespace] = make(map[string][]string)
	}
	s.lists[namespace][key] = append(s.lists[namespace][key], value)
	return nil
}

func (s *InMemorySessionStore) GetList(namespace, key string, limit, offset int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []string
	if ns, ok := s.lists[namespace]; ok {
		items = ns[key]
	}
	if offset >= len(items) {
		return []string{}, nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	out := make([]string, len(items))
	copy(out, items)
	return out, nil
}

func (s *InMemorySessionStore) TrimList(namespace, key string, maxSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, ok := s.lists[namespace]; ok {
		if lst, ok := ns[key]; ok && len(lst) > maxSize {
			ns[key] = append([]string(nil), lst[len(lst)-maxSize:]...)
		}
	}
	return nil
}

func (s *InMemorySessionStore) ListLength(namespace, key string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ns, ok := s.lists[namespace]; ok {
		return len(ns[key]), nil
	}
	return 0, nil
}
