package store

import (
	"context"
	"sync"

	"protoedit/editcore/pkg/wire"
)

// MemoryStore keeps cloned documents in a map. It does not survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*wire.Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*wire.Document)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*wire.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, doc *wire.Document) error {
	if err := validateID(doc.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc.Clone()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
