// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keylock provides one mutex per key.
//
// The processor serializes all work on an identifier by locking its
// prefix, while work on different identifiers runs in parallel. Locks
// are created on first use and released when the last holder or
// waiter unlocks, so the map does not grow with the number of
// identifiers ever seen.
package keylock

import "sync"

// Map hands out per-key mutexes. The zero value is ready to use.
type Map[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

type entry struct {
	mu sync.Mutex

	// references counts holders plus waiters. Guarded by Map.mu.
	references int
}

// Lock blocks until key is held and returns the function that
// releases it.
func (m *Map[K]) Lock(key K) (unlock func()) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[K]*entry)
	}
	held, ok := m.locks[key]
	if !ok {
		held = &entry{}
		m.locks[key] = held
	}
	held.references++
	m.mu.Unlock()

	held.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			held.mu.Unlock()
			m.mu.Lock()
			held.references--
			if held.references == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
