package kv

import (
	"errors"
	"sync"
	"time"
)

// ErrVersionConflict is returned by Put when the caller's version token no
// longer matches the stored document.
var ErrVersionConflict = errors.New("kv: version conflict")

type entry struct {
	value     []byte
	version   uint64
	updatedAt time.Time
}

// Store is an in-memory document store with optimistic concurrency. Every
// successful Put bumps the key's version; version 0 means "absent".
type Store struct {
	mu   sync.RWMutex
	data map[string]*entry
}

func NewStore() *Store {
	return &Store{data: make(map[string]*entry)}
}

// Get returns a copy of the document and its version token.
func (s *Store) Get(key string) ([]byte, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok {
		return nil, 0, false
	}
	return append([]byte(nil), e.value...), e.version, true
}

// Put stores val if the key's current version equals expect. Use 0 to
// create a document that must not exist yet.
func (s *Store) Put(key string, val []byte, expect uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current uint64
	if e, ok := s.data[key]; ok {
		current = e.version
	}
	if current != expect {
		return current, ErrVersionConflict
	}
	next := current + 1
	s.data[key] = &entry{value: append([]byte(nil), val...), version: next, updatedAt: time.Now()}
	return next, nil
}

func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return false
	}
	delete(s.data, key)
	return true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// UpdatedAt reports when key was last written.
func (s *Store) UpdatedAt(key string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok {
		return time.Time{}, false
	}
	return e.updatedAt, true
}
