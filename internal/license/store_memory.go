package license

import "sync"

// MemoryStore is a process-local store for tests and ephemeral runs.
type MemoryStore struct {
	mu   sync.Mutex
	code string
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Get() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, nil
}

func (s *MemoryStore) Put(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = code
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = ""
	return nil
}

func (s *MemoryStore) Close() error { return nil }
