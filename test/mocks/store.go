package mocks

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// MemoryStore is an in-process remote store with failure injection. It
// satisfies store.RemoteStore.
type MemoryStore struct {
	mu     sync.RWMutex
	data   []byte
	puts   int
	putErr error
	getErr error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Name() string { return "memory" }

// Get decodes the stored document. found is false until the first Put.
func (s *MemoryStore) Get(_ context.Context) (models.Population, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.getErr != nil {
		return nil, false, s.getErr
	}
	if s.data == nil {
		return models.Population{}, false, nil
	}
	var pop models.Population
	if err := json.Unmarshal(s.data, &pop); err != nil {
		return nil, true, err
	}
	return pop, true, nil
}

// Put stores an encoded copy of pop.
func (s *MemoryStore) Put(_ context.Context, pop models.Population) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.putErr != nil {
		return s.putErr
	}
	if pop == nil {
		pop = models.Population{}
	}
	data, err := json.MarshalIndent(pop, "", "  ")
	if err != nil {
		return err
	}
	s.data = data
	s.puts++
	return nil
}

// FailPuts makes every following Put return err. A nil err clears it.
func (s *MemoryStore) FailPuts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putErr = err
}

// FailGets makes every following Get return err. A nil err clears it.
func (s *MemoryStore) FailGets(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
}

// Puts returns how many writes succeeded.
func (s *MemoryStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

// Raw returns the stored document.
func (s *MemoryStore) Raw() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.data...)
}

func (s *MemoryStore) Close() error { return nil }
