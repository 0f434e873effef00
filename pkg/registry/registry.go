// Package registry provides a small concurrency-safe store of uniquely
// named items. The tool registry builds on it; anything that hands out
// components by name can.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Store maps unique names to items of type T. All methods are safe for
// concurrent use. The zero value is ready to use.
type Store[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewStore returns an empty store.
func NewStore[T any]() *Store[T] {
	return &Store[T]{}
}

// Register adds item under name, refusing names that are empty or
// already taken. Use Set to replace an existing entry.
func (s *Store[T]) Register(name string, item T) error {
	if name == "" {
		return fmt.Errorf("registry: name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.items[name]; taken {
		return fmt.Errorf("registry: %q is already registered", name)
	}
	if s.items == nil {
		s.items = make(map[string]T)
	}
	s.items[name] = item
	return nil
}

// Set stores item under name, replacing any existing entry.
func (s *Store[T]) Set(name string, item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items == nil {
		s.items = make(map[string]T)
	}
	s.items[name] = item
}

// Get returns the item registered under name.
func (s *Store[T]) Get(name string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[name]
	return item, ok
}

// Delete removes name and reports whether it was present.
func (s *Store[T]) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[name]
	delete(s.items, name)
	return ok
}

// Len returns the number of registered items.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Names returns all registered names, sorted.
func (s *Store[T]) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.items))
	for name := range s.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Items returns the registered items in unspecified order.
func (s *Store[T]) Items() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]T, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item)
	}
	return items
}

// Clear removes every item.
func (s *Store[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.items)
}
