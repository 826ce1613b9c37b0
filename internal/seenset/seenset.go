package seenset

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidDSN     = errors.New("invalid seen store dsn")
	ErrNotImplemented = errors.New("not implemented")
)

// Snapshot is the complete persisted set, in first-seen order.
type Snapshot struct {
	IDs []string
}

// Store persists the whole set on every Save. Load returns nil when nothing
// has been persisted yet.
type Store interface {
	Load() (*Snapshot, error)
	Save(snapshot *Snapshot) error
}

type storeCloser interface {
	Close() error
}

// Set is the in-memory view of the processed file identifiers. It is not
// safe for concurrent use; one run owns it.
type Set struct {
	store Store
	ids   []string
	index map[string]struct{}
}

// Open loads the set. A store with no prior state is initialised with an
// empty set before returning.
func Open(store Store) (*Set, error) {
	if store == nil {
		return nil, fmt.Errorf("seen store is required")
	}
	s := &Set{store: store, index: map[string]struct{}{}}
	snapshot, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load seen set: %w", err)
	}
	if snapshot == nil {
		if err := store.Save(&Snapshot{IDs: []string{}}); err != nil {
			return nil, fmt.Errorf("initialise seen set: %w", err)
		}
		return s, nil
	}
	for _, id := range snapshot.IDs {
		s.add(id)
	}
	return s, nil
}

func (s *Set) Contains(id string) bool {
	_, ok := s.index[strings.TrimSpace(id)]
	return ok
}

// MarkSeen records id and rewrites the store with the full set. Marking an
// id twice is a no-op. If the write fails the id is not kept in memory.
func (s *Set) MarkSeen(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("seen id is empty")
	}
	if s.Contains(id) {
		return nil
	}
	s.add(id)
	if err := s.store.Save(&Snapshot{IDs: s.IDs()}); err != nil {
		s.ids = s.ids[:len(s.ids)-1]
		delete(s.index, id)
		return fmt.Errorf("persist seen set: %w", err)
	}
	return nil
}

func (s *Set) Len() int {
	return len(s.ids)
}

func (s *Set) IDs() []string {
	return append([]string(nil), s.ids...)
}

func (s *Set) Close() error {
	if closer, ok := s.store.(storeCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *Set) add(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	if _, ok := s.index[id]; ok {
		return
	}
	s.index[id] = struct{}{}
	s.ids = append(s.ids, id)
}
