package catalog

import (
	"sync/atomic"
)

// Store holds the active catalog snapshot. Readers take a snapshot once per
// tick and keep it for the whole evaluation; reloads swap the pointer and
// never mutate a published snapshot.
type Store struct {
	current atomic.Pointer[Catalog]
	version atomic.Uint64
}

// NewStore creates a store holding c.
func NewStore(c *Catalog) *Store {
	s := &Store{}
	s.Swap(c)
	return s
}

// Snapshot returns the active catalog. It never returns nil once the store
// has been created with a catalog.
func (s *Store) Snapshot() *Catalog {
	return s.current.Load()
}

// Swap installs c and returns the previous snapshot.
func (s *Store) Swap(c *Catalog) *Catalog {
	old := s.current.Swap(c)
	s.version.Add(1)
	return old
}

// Generation counts swaps since creation, starting at 1.
func (s *Store) Generation() uint64 {
	return s.version.Load()
}
