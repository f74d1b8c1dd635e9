package credentials

import (
	"errors"
	"sync"
)

var _ Repo = (*InMemoryRepo)(nil)

// InMemoryRepo keeps slots for the lifetime of the process.
type InMemoryRepo struct {
	mu    sync.RWMutex
	slots map[string]Slot
}

// NewInMemoryRepo creates an empty in-memory slot repository
func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		slots: make(map[string]Slot),
	}
}

// Put stores all slots under a single lock
func (r *InMemoryRepo) Put(slots ...Slot) error {
	for _, s := range slots {
		if s.Name == "" {
			return errors.New("slot name cannot be empty")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range slots {
		r.slots[s.Name] = s
	}
	return nil
}

// Get returns a copy of the named slot
func (r *InMemoryRepo) Get(name string) (*Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.slots[name]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

// GetAll copies the named slots under one read lock
func (r *InMemoryRepo) GetAll(names ...string) (map[string]Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Slot, len(names))
	for _, name := range names {
		if s, ok := r.slots[name]; ok {
			out[name] = s
		}
	}
	return out, nil
}

// Delete removes the named slots
func (r *InMemoryRepo) Delete(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		delete(r.slots, name)
	}
	return nil
}
