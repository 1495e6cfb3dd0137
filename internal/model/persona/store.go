package persona

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a persona id is unknown.
var ErrNotFound = errors.New("persona not found")

// Store exposes persona retrieval.
type Store interface {
	List() []Persona
	FindByID(id string) (Persona, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Persona
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied personas.
func NewMemoryStore(items []Persona) *MemoryStore {
	return &MemoryStore{items: append([]Persona(nil), items...)}
}

// List returns the predefined persona list.
func (s *MemoryStore) List() []Persona {
	return append([]Persona(nil), s.items...)
}

// FindByID looks up a persona by identifier.
func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Persona{}, false
}

// Resolve returns the persona with id, or ErrNotFound.
func Resolve(s Store, id string) (Persona, error) {
	p, ok := s.FindByID(id)
	if !ok {
		return Persona{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}
