// Package hijack keeps a table of registered overrides. Each entry maps a
// target name to a replacement and an optional predicate deciding whether
// the replacement applies to a given subject.
package hijack

import (
	"fmt"
	"slices"
	"sync"
)

type entry[F any] struct {
	replacement F
	when        func(subject any) bool
}

// Table is a registered override table. The zero value is not usable; use
// New.
type Table[F any] struct {
	mu      sync.RWMutex
	entries map[string]entry[F]
}

func New[F any]() *Table[F] {
	return &Table[F]{entries: make(map[string]entry[F])}
}

// Register adds replacement for name. A nil predicate always applies.
// Registering a name twice is an error.
func (t *Table[F]) Register(name string, replacement F, when func(subject any) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[name]; ok {
		return fmt.Errorf("override %q already registered", name)
	}
	t.entries[name] = entry[F]{replacement: replacement, when: when}
	return nil
}

func (t *Table[F]) Unregister(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, name)
}

// Lookup returns the replacement for name when one is registered and its
// predicate accepts subject.
func (t *Table[F]) Lookup(name string, subject any) (F, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[name]
	if !ok || (e.when != nil && !e.when(subject)) {
		var zero F
		return zero, false
	}
	return e.replacement, true
}

// Names returns the registered names in sorted order.
func (t *Table[F]) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (t *Table[F]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
