// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sync/atomic"
)

// release removes every trace of a closed session from the broker. It runs at
// most once per session no matter how many paths close it: the session is
// removed from the active set and its registry entries are removed under the
// same lock, so fan-out never observes one without the other. The release
// hook runs after the lock is dropped, in registry change order.
func (b *Broker) release(s *Session, cause error) {
	s.releaseOnce.Do(func() {
		var t uint64
		b.mu.Lock()
		present := b.Sessions.Delete(s)
		removed := b.Registry.RemoveBySession(s)
		if present {
			t = b.journal.ticket()
		}
		b.mu.Unlock()

		if present {
			b.journal.run(t, func() {
				b.ops.hooks.OnSessionReleased(s, removed)
			})
		}

		if len(removed) > 0 {
			atomic.AddInt64(&b.ops.info.Subscriptions, -int64(len(removed)))
		}

		if !present {
			return
		}

		atomic.AddInt64(&b.ops.info.ClientsConnected, -1)
		b.ops.log.Debug("session released", "client", s.ID, "remote", s.Net.Remote, "subscriptions", len(removed), "cause", cause)
		b.ops.hooks.OnDisconnect(s, cause)
	})
}
