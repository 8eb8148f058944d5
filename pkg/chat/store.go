// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import "sync"

// Snapshot is a versioned State. Version increases by one on every change.
type Snapshot struct {
	Version uint64
	State   State
}

// Store holds the authoritative State and fans out snapshots.
//
// # Description
//
// Store replaces its State wholesale on every change; it never edits the
// current value. Subscribers receive the latest Snapshot on a channel with
// room for one item: a slow subscriber may miss intermediate snapshots but
// always ends up holding the newest.
//
// # Thread Safety
//
// Safe for concurrent use. Update callbacks run under the store lock and
// must not call back into the Store.
type Store struct {
	mu      sync.Mutex
	current Snapshot
	subs    map[int]chan Snapshot
	nextSub int
}

// NewStore creates a store seeded with initial.
func NewStore(initial State) *Store {
	return &Store{
		current: Snapshot{State: initial},
		subs:    make(map[int]chan Snapshot),
	}
}

// Snapshot returns the current versioned state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Update replaces the state with fn(current). If fn returns an error the
// state is left unchanged and the error is returned.
func (s *Store) Update(fn func(State) (State, error)) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.current.State)
	if err != nil {
		return s.current, err
	}
	s.setLocked(next)
	return s.current, nil
}

// Reset replaces the state unconditionally.
func (s *Store) Reset(state State) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(state)
	return s.current
}

// Subscribe registers for snapshots. The current snapshot is delivered
// immediately. Call the returned func to unsubscribe; it closes the channel.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Snapshot, 1)
	ch <- s.current

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

func (s *Store) setLocked(state State) {
	s.current = Snapshot{Version: s.current.Version + 1, State: state}
	for _, ch := range s.subs {
		// Replace a stale unread snapshot with the latest one.
		select {
		case <-ch:
		default:
		}
		ch <- s.current
	}
}
