// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"github.com/tinybroker/server/hooks/storage"
)

// Record returns the journal record of the session.
func (s *Session) Record() storage.Session {
	rec := storage.Session{
		ID:              storage.SessionRecordKey(s.ID),
		T:               storage.SessionKey,
		Client:          s.ID,
		Handle:          s.Handle,
		Remote:          s.Net.Remote,
		Listener:        s.Net.Listener,
		Username:        s.Properties.Username,
		Connected:       s.Properties.Connected,
		Keepalive:       s.Properties.Keepalive,
		ProtocolVersion: s.Properties.ProtocolVersion,
		Clean:           s.Properties.Clean,
	}

	if s.Closed() {
		rec.Disconnected = s.closedAt.Load()
		if err := s.StopCause(); err != nil {
			rec.Cause = err.Error()
		}
	}

	return rec
}

// Record returns the journal record of the subscription entry.
func (sub Subscription) Record() storage.Subscription {
	rec := storage.Subscription{
		ID:    storage.SubscriptionRecordKey(sub.ID),
		T:     storage.SubscriptionKey,
		Topic: sub.Topic,
		Entry: sub.ID,
		Qos:   sub.Qos,
	}

	if sub.Session != nil {
		rec.Client = sub.Session.ID
		rec.Handle = sub.Session.Handle
	}

	return rec
}
