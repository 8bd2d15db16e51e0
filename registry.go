// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sync"
)

// Subscription is a single registry entry binding an exact topic to the
// session which requested it. Entries for the same (topic, session) pair are
// kept as distinct entries and are each delivered to.
type Subscription struct {
	Session *Session // the owning session
	Topic   string   // the exact topic name, no wildcards
	ID      uint64   // monotonic entry id, defines delivery order within a topic
	Qos     byte     // the granted qos
}

// Registry is a dual-indexed store of subscription entries, indexed both by
// topic (for fan-out) and by owning session (for teardown).
type Registry struct {
	mu        sync.RWMutex
	seq       uint64
	byTopic   map[string][]*Subscription
	bySession map[*Session][]*Subscription
}

// NewRegistry returns a new instance of Registry.
func NewRegistry() *Registry {
	return &Registry{
		byTopic:   map[string][]*Subscription{},
		bySession: map[*Session][]*Subscription{},
	}
}

// Insert adds a new entry for the session on the topic and returns a copy of it.
func (r *Registry) Insert(topic string, s *Session, qos byte) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	sub := &Subscription{
		ID:      r.seq,
		Topic:   topic,
		Session: s,
		Qos:     qos,
	}

	r.byTopic[topic] = append(r.byTopic[topic], sub)
	r.bySession[s] = append(r.bySession[s], sub)

	return *sub
}

// RemoveByTopic removes every entry on the exact topic, regardless of the
// owning session, and returns the removed entries in id order.
func (r *Registry) RemoveByTopic(topic string) []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.byTopic[topic]
	if !ok {
		return nil
	}
	delete(r.byTopic, topic)

	removed := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		r.bySession[sub.Session] = without(r.bySession[sub.Session], sub)
		if len(r.bySession[sub.Session]) == 0 {
			delete(r.bySession, sub.Session)
		}
		removed = append(removed, *sub)
	}

	return removed
}

// RemoveBySession removes every entry owned by the session and returns the
// removed entries in id order.
func (r *Registry) RemoveBySession(s *Session) []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.bySession[s]
	if !ok {
		return nil
	}
	delete(r.bySession, s)

	removed := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		r.byTopic[sub.Topic] = without(r.byTopic[sub.Topic], sub)
		if len(r.byTopic[sub.Topic]) == 0 {
			delete(r.byTopic, sub.Topic)
		}
		removed = append(removed, *sub)
	}

	return removed
}

// Matching returns every entry on the exact topic in insertion order.
func (r *Registry) Matching(topic string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.byTopic[topic]
	out := make([]Subscription, len(subs))
	for i, sub := range subs {
		out[i] = *sub
	}

	return out
}

// Len returns the total number of entries in the registry.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int
	for _, subs := range r.byTopic {
		n += len(subs)
	}

	return n
}

// SessionLen returns the number of entries owned by a session.
func (r *Registry) SessionLen(s *Session) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession[s])
}

// TopicLen returns the number of entries on a topic.
func (r *Registry) TopicLen(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTopic[topic])
}

// without returns subs with the given entry removed, preserving order.
func without(subs []*Subscription, sub *Subscription) []*Subscription {
	for i, v := range subs {
		if v == sub {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}

	return subs
}
