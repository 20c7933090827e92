package taskq

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and single-node development.
// TTLs are ignored; nothing expires.
type MemStore struct {
	mu     sync.Mutex
	groups map[string][]string
	states map[string]State
}

func NewMemStore() *MemStore {
	return &MemStore{
		groups: map[string][]string{},
		states: map[string]State{},
	}
}

func (s *MemStore) CreateGroup(_ context.Context, groupID string, taskIDs []string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(taskIDs))
	copy(ids, taskIDs)
	s.groups[groupID] = ids
	return nil
}

func (s *MemStore) GroupMembers(_ context.Context, groupID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.groups[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

func (s *MemStore) SetTaskState(_ context.Context, taskID string, state State, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[taskID] = state
	return nil
}

func (s *MemStore) TaskState(_ context.Context, taskID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[taskID]
	if !ok {
		return "", ErrNotFound
	}
	return state, nil
}
