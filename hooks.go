// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, thedevop, dgduncan

package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinybroker/server/hooks/storage"
	"github.com/tinybroker/server/packets"
	"github.com/tinybroker/server/system"
)

const (
	SetOptions byte = iota
	OnSysInfoTick
	OnStarted
	OnStopped
	OnSessionEstablished
	OnDisconnect
	OnPacketRead
	OnPacketSent
	OnPacketProcessed
	OnSubscribed
	OnUnsubscribed
	OnPublished
	OnPublishDropped
	OnSessionReleased
	StoredSessions
	StoredSubscriptions
	StoredSysInfo
)

var (
	// ErrInvalidConfigType indicates a different Type of config value was expected to what was received.
	ErrInvalidConfigType = errors.New("invalid config type provided")
)

// HookLoadConfig contains the hook and configuration as loaded from a configuration (usually file).
type HookLoadConfig struct {
	Hook   Hook
	Config any
}

// Hook provides an interface of handlers for different events which occur
// during the lifecycle of the broker. Hooks which observe registry changes
// (OnSubscribed, OnUnsubscribed, OnSessionReleased) are called after the
// broker lock is released, one at a time and in the order the changes were
// applied. They must not subscribe, unsubscribe or close sessions themselves.
type Hook interface {
	ID() string
	Provides(b byte) bool
	Init(config any) error
	Stop() error
	SetOpts(l *slog.Logger, o *HookOptions)
	OnStarted()
	OnStopped()
	OnSysInfoTick(*system.Info)
	OnSessionEstablished(s *Session, pk packets.Packet)
	OnDisconnect(s *Session, err error)
	OnPacketRead(s *Session, pk packets.Packet)                 // triggers when a new packet is received by a session, before it is processed
	OnPacketSent(s *Session, pk packets.Packet, b []byte)       // triggers when packet bytes have been written to the client
	OnPacketProcessed(s *Session, pk packets.Packet, err error) // triggers after a packet from the client has been processed
	OnSubscribed(s *Session, pk packets.Packet, added []Subscription)
	OnUnsubscribed(s *Session, pk packets.Packet, removed []Subscription)
	OnPublished(s *Session, pk packets.Packet, delivered int)
	OnPublishDropped(s *Session, pk packets.Packet, err error)
	OnSessionReleased(s *Session, removed []Subscription)
	StoredSessions() ([]storage.Session, error)
	StoredSubscriptions() ([]storage.Subscription, error)
	StoredSysInfo() (storage.SystemInfo, error)
}

// HookOptions contains values which are inherited from the server on initialisation.
type HookOptions struct {
	Capabilities *Capabilities
}

// Hooks is a slice of Hook interfaces to be called in sequence.
type Hooks struct {
	Log        *slog.Logger   // a logger for the hook (from the server)
	internal   atomic.Value   // a slice of []Hook
	wg         sync.WaitGroup // a waitgroup for syncing hook shutdown
	qty        int64          // the number of hooks in use
	sync.Mutex                // a mutex for locking when adding hooks
}

// Len returns the number of hooks added.
func (h *Hooks) Len() int64 {
	return atomic.LoadInt64(&h.qty)
}

// Provides returns true if any one hook provides any of the requested hook methods.
func (h *Hooks) Provides(b ...byte) bool {
	for _, hook := range h.GetAll() {
		for _, hb := range b {
			if hook.Provides(hb) {
				return true
			}
		}
	}

	return false
}

// Add adds and initializes a new hook.
func (h *Hooks) Add(hook Hook, config any) error {
	h.Lock()
	defer h.Unlock()

	err := hook.Init(config)
	if err != nil {
		return fmt.Errorf("failed initialising %s hook: %w", hook.ID(), err)
	}

	i, ok := h.internal.Load().([]Hook)
	if !ok {
		i = []Hook{}
	}

	i = append(i, hook)
	h.internal.Store(i)
	atomic.AddInt64(&h.qty, 1)
	h.wg.Add(1)

	return nil
}

// GetAll returns a slice of all the hooks.
func (h *Hooks) GetAll() []Hook {
	i, ok := h.internal.Load().([]Hook)
	if !ok {
		return []Hook{}
	}

	return i
}

// Stop indicates all attached hooks to gracefully end.
func (h *Hooks) Stop() {
	go func() {
		for _, hook := range h.GetAll() {
			h.Log.Info("stopping hook", "hook", hook.ID())
			if err := hook.Stop(); err != nil {
				h.Log.Debug("problem stopping hook", "error", err, "hook", hook.ID())
			}

			h.wg.Done()
		}
	}()

	h.wg.Wait()
}

// OnSysInfoTick is called when the $SYS topic values are published out.
func (h *Hooks) OnSysInfoTick(sys *system.Info) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSysInfoTick) {
			hook.OnSysInfoTick(sys)
		}
	}
}

// OnStarted is called when the server has successfully started.
func (h *Hooks) OnStarted() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStarted) {
			hook.OnStarted()
		}
	}
}

// OnStopped is called when the server has successfully stopped.
func (h *Hooks) OnStopped() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStopped) {
			hook.OnStopped()
		}
	}
}

// OnSessionEstablished is called when a session has been promoted and its CONNACK sent.
func (h *Hooks) OnSessionEstablished(s *Session, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSessionEstablished) {
			hook.OnSessionEstablished(s, pk)
		}
	}
}

// OnDisconnect is called when a connected session is closed for any reason.
func (h *Hooks) OnDisconnect(s *Session, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnDisconnect) {
			hook.OnDisconnect(s, err)
		}
	}
}

// OnPacketRead is called when a packet is received from a client.
func (h *Hooks) OnPacketRead(s *Session, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPacketRead) {
			hook.OnPacketRead(s, pk)
		}
	}
}

// OnPacketSent is called when a packet has been sent to a client. It takes a bytes parameter
// containing the bytes sent.
func (h *Hooks) OnPacketSent(s *Session, pk packets.Packet, b []byte) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPacketSent) {
			hook.OnPacketSent(s, pk, b)
		}
	}
}

// OnPacketProcessed is called when a packet has been received and handled by the broker.
func (h *Hooks) OnPacketProcessed(s *Session, pk packets.Packet, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPacketProcessed) {
			hook.OnPacketProcessed(s, pk, err)
		}
	}
}

// OnSubscribed is called when a session has subscribed to one or more topics,
// with the registry entries which were created.
func (h *Hooks) OnSubscribed(s *Session, pk packets.Packet, added []Subscription) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSubscribed) {
			hook.OnSubscribed(s, pk, added)
		}
	}
}

// OnUnsubscribed is called when a session has unsubscribed from one or more topics.
// The removed entries may belong to any session.
func (h *Hooks) OnUnsubscribed(s *Session, pk packets.Packet, removed []Subscription) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnUnsubscribed) {
			hook.OnUnsubscribed(s, pk, removed)
		}
	}
}

// OnPublished is called when a publish has been fanned out to subscribers.
func (h *Hooks) OnPublished(s *Session, pk packets.Packet, delivered int) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPublished) {
			hook.OnPublished(s, pk, delivered)
		}
	}
}

// OnPublishDropped is called when a message could not be queued for a subscriber.
func (h *Hooks) OnPublishDropped(s *Session, pk packets.Packet, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPublishDropped) {
			hook.OnPublishDropped(s, pk, err)
		}
	}
}

// OnSessionReleased is called once per session, after it has been removed from
// the active set and all of its registry entries have been removed.
func (h *Hooks) OnSessionReleased(s *Session, removed []Subscription) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSessionReleased) {
			hook.OnSessionReleased(s, removed)
		}
	}
}

// StoredSessions returns the journaled session records of the first hook which has any.
func (h *Hooks) StoredSessions() (v []storage.Session, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredSessions) {
			v, err := hook.StoredSessions()
			if err != nil {
				h.Log.Error("failed to load sessions", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// StoredSubscriptions returns the journaled subscription records of the first hook which has any.
func (h *Hooks) StoredSubscriptions() (v []storage.Subscription, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredSubscriptions) {
			v, err := hook.StoredSubscriptions()
			if err != nil {
				h.Log.Error("failed to load subscriptions", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// StoredSysInfo returns a set of system info values.
func (h *Hooks) StoredSysInfo() (v storage.SystemInfo, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredSysInfo) {
			v, err := hook.StoredSysInfo()
			if err != nil {
				h.Log.Error("failed to load $SYS info", "error", err, "hook", hook.ID())
				return v, err
			}

			if v.Version != "" {
				return v, nil
			}
		}
	}

	return
}

// HookBase provides a set of default methods for each hook. It should be embedded in
// all hooks.
type HookBase struct {
	Hook
	Log  *slog.Logger
	Opts *HookOptions
}

// ID returns the ID of the hook.
func (h *HookBase) ID() string {
	return "base"
}

// Provides indicates which methods a hook provides. The default is none - this method
// should be overridden by the embedding hook.
func (h *HookBase) Provides(b byte) bool {
	return false
}

// Init performs any pre-start initializations for the hook, such as connecting to databases
// or opening files.
func (h *HookBase) Init(config any) error {
	return nil
}

// SetOpts is called by the server to propagate internal values and generally should
// not be called manually.
func (h *HookBase) SetOpts(l *slog.Logger, opts *HookOptions) {
	h.Log = l
	h.Opts = opts
}

// Stop is called to gracefully shut down the hook.
func (h *HookBase) Stop() error {
	return nil
}

// OnStarted is called when the server starts.
func (h *HookBase) OnStarted() {}

// OnStopped is called when the server stops.
func (h *HookBase) OnStopped() {}

// OnSysInfoTick is called when the server publishes system info.
func (h *HookBase) OnSysInfoTick(*system.Info) {}

// OnSessionEstablished is called when a session is established.
func (h *HookBase) OnSessionEstablished(s *Session, pk packets.Packet) {}

// OnDisconnect is called when a session is disconnected.
func (h *HookBase) OnDisconnect(s *Session, err error) {}

// OnPacketRead is called when a packet is received.
func (h *HookBase) OnPacketRead(s *Session, pk packets.Packet) {}

// OnPacketSent is called immediately after a packet is written to a client.
func (h *HookBase) OnPacketSent(s *Session, pk packets.Packet, b []byte) {}

// OnPacketProcessed is called immediately after a packet from a client is processed.
func (h *HookBase) OnPacketProcessed(s *Session, pk packets.Packet, err error) {}

// OnSubscribed is called when a session subscribes to one or more topics.
func (h *HookBase) OnSubscribed(s *Session, pk packets.Packet, added []Subscription) {}

// OnUnsubscribed is called when a session unsubscribes from one or more topics.
func (h *HookBase) OnUnsubscribed(s *Session, pk packets.Packet, removed []Subscription) {}

// OnPublished is called when a session has published a message to subscribers.
func (h *HookBase) OnPublished(s *Session, pk packets.Packet, delivered int) {}

// OnPublishDropped is called when a message to a session is dropped.
func (h *HookBase) OnPublishDropped(s *Session, pk packets.Packet, err error) {}

// OnSessionReleased is called when a session's registry entries have been released.
func (h *HookBase) OnSessionReleased(s *Session, removed []Subscription) {}

// StoredSessions returns all stored session records.
func (h *HookBase) StoredSessions() (v []storage.Session, err error) {
	return
}

// StoredSubscriptions returns all stored subscription records.
func (h *HookBase) StoredSubscriptions() (v []storage.Subscription, err error) {
	return
}

// StoredSysInfo returns the stored system info.
func (h *HookBase) StoredSysInfo() (v storage.SystemInfo, err error) {
	return
}
