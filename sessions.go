// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sort"
	"sync"
)

// Sessions is the set of Connected sessions known to the broker.
type Sessions struct {
	internal map[*Session]struct{}
	sync.RWMutex
}

// NewSessions returns an instance of Sessions.
func NewSessions() *Sessions {
	return &Sessions{
		internal: make(map[*Session]struct{}),
	}
}

// Add adds a session to the set.
func (ss *Sessions) Add(s *Session) {
	ss.Lock()
	defer ss.Unlock()
	ss.internal[s] = struct{}{}
}

// Delete removes a session from the set, returning true if it was present.
func (ss *Sessions) Delete(s *Session) bool {
	ss.Lock()
	defer ss.Unlock()
	_, ok := ss.internal[s]
	delete(ss.internal, s)
	return ok
}

// Has returns true if the session is in the set.
func (ss *Sessions) Has(s *Session) bool {
	ss.RLock()
	defer ss.RUnlock()
	_, ok := ss.internal[s]
	return ok
}

// Len returns the number of sessions in the set.
func (ss *Sessions) Len() int {
	ss.RLock()
	defer ss.RUnlock()
	return len(ss.internal)
}

// GetAll returns all sessions in the set, ordered by client id.
func (ss *Sessions) GetAll() []*Session {
	ss.RLock()
	out := make([]*Session, 0, len(ss.internal))
	for s := range ss.internal {
		out = append(out, s)
	}
	ss.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})

	return out
}

// GetByListener returns the sessions accepted on the given listener.
func (ss *Sessions) GetByListener(id string) []*Session {
	out := make([]*Session, 0)
	for _, s := range ss.GetAll() {
		if s.Net.Listener == id {
			out = append(out, s)
		}
	}

	return out
}

// GetByID returns the sessions using the given client id.
func (ss *Sessions) GetByID(id string) []*Session {
	out := make([]*Session, 0)
	for _, s := range ss.GetAll() {
		if s.ID == id {
			out = append(out, s)
		}
	}

	return out
}
