// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package debug

import (
	"fmt"
	"strings"

	"log/slog"

	mqtt "github.com/tinybroker/server"
	"github.com/tinybroker/server/hooks/storage"
	"github.com/tinybroker/server/packets"
)

// Options contains configuration settings for the debug output.
type Options struct {
	Enable         bool `yaml:"enable" json:"enable"`                     // non-zero field for enabling hook using file-based config
	ShowPacketData bool `yaml:"show_packet_data" json:"show_packet_data"` // include decoded packet data (default false)
	ShowPings      bool `yaml:"show_pings" json:"show_pings"`             // show ping requests and responses (default false)
	ShowPasswords  bool `yaml:"show_passwords" json:"show_passwords"`     // show connecting user passwords (default false)
}

// Hook is a debugging hook which logs additional low-level information from the server.
type Hook struct {
	mqtt.HookBase
	config *Options
	Log    *slog.Logger
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "debug"
}

// Provides indicates that this hook provides all methods.
func (h *Hook) Provides(b byte) bool {
	return true
}

// Init is called when the hook is initialized.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)

	return nil
}

// SetOpts is called when the hook receives inheritable server parameters.
func (h *Hook) SetOpts(l *slog.Logger, opts *mqtt.HookOptions) {
	h.Log = l
	h.Log.Debug("", "method", "SetOpts")
}

// Stop is called when the hook is stopped.
func (h *Hook) Stop() error {
	h.Log.Debug("", "method", "Stop")
	return nil
}

// OnStarted is called when the server starts.
func (h *Hook) OnStarted() {
	h.Log.Debug("", "method", "OnStarted")
}

// OnStopped is called when the server stops.
func (h *Hook) OnStopped() {
	h.Log.Debug("", "method", "OnStopped")
}

// OnSessionEstablished is called when a session has been promoted and acknowledged.
func (h *Hook) OnSessionEstablished(s *mqtt.Session, pk packets.Packet) {
	h.Log.Debug("session established", "method", "OnSessionEstablished", "client", s.ID, "handle", s.Handle, "listener", s.Net.Listener)
}

// OnDisconnect is called when a session has been released.
func (h *Hook) OnDisconnect(s *mqtt.Session, err error) {
	h.Log.Debug("session disconnected", "method", "OnDisconnect", "client", s.ID, "handle", s.Handle, "error", err)
}

// OnPacketRead is called when a new packet is received from a client.
func (h *Hook) OnPacketRead(s *mqtt.Session, pk packets.Packet) {
	if pk.FixedHeader.Type == packets.Pingreq && !h.config.ShowPings {
		return
	}

	h.Log.Debug(fmt.Sprintf("%s << %s", strings.ToUpper(packets.PacketNames[pk.FixedHeader.Type]), s.ID), "m", h.packetMeta(pk))
}

// OnPacketSent is called when a packet is sent to a client.
func (h *Hook) OnPacketSent(s *mqtt.Session, pk packets.Packet, b []byte) {
	if pk.FixedHeader.Type == packets.Pingresp && !h.config.ShowPings {
		return
	}

	h.Log.Debug(fmt.Sprintf("%s >> %s", strings.ToUpper(packets.PacketNames[pk.FixedHeader.Type]), s.ID), "m", h.packetMeta(pk), "bytes", len(b))
}

// OnSubscribed is called when a session has been granted subscriptions.
func (h *Hook) OnSubscribed(s *mqtt.Session, pk packets.Packet, added []mqtt.Subscription) {
	h.Log.Debug("subscribed", "method", "OnSubscribed", "client", s.ID, "entries", len(added))
}

// OnUnsubscribed is called when a session removed topics for every subscriber.
func (h *Hook) OnUnsubscribed(s *mqtt.Session, pk packets.Packet, removed []mqtt.Subscription) {
	h.Log.Debug("unsubscribed", "method", "OnUnsubscribed", "client", s.ID, "topics", pk.Topics, "entries", len(removed))
}

// OnPublished is called when a publish has been fanned out.
func (h *Hook) OnPublished(s *mqtt.Session, pk packets.Packet, delivered int) {
	h.Log.Debug("published", "method", "OnPublished", "client", s.ID, "topic", pk.TopicName, "delivered", delivered)
}

// OnPublishDropped is called when a publish could not be queued for a subscriber.
func (h *Hook) OnPublishDropped(s *mqtt.Session, pk packets.Packet, err error) {
	h.Log.Debug("publish dropped", "method", "OnPublishDropped", "client", s.ID, "topic", pk.TopicName, "error", err)
}

// OnSessionReleased is called when a closed session's entries have been removed.
func (h *Hook) OnSessionReleased(s *mqtt.Session, removed []mqtt.Subscription) {
	h.Log.Debug("session released", "method", "OnSessionReleased", "client", s.ID, "entries", len(removed))
}

// StoredSessions is called when the server reads the session journal.
func (h *Hook) StoredSessions() (v []storage.Session, err error) {
	h.Log.Debug("", "method", "StoredSessions")
	return v, nil
}

// StoredSubscriptions is called when the server reads the subscription journal.
func (h *Hook) StoredSubscriptions() (v []storage.Subscription, err error) {
	h.Log.Debug("", "method", "StoredSubscriptions")
	return v, nil
}

// StoredSysInfo is called when the server restores system info from a store.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	h.Log.Debug("", "method", "StoredSysInfo")
	return v, nil
}

// packetMeta adds additional type-specific metadata to the debug logs.
func (h *Hook) packetMeta(pk packets.Packet) map[string]any {
	m := map[string]any{}
	switch pk.FixedHeader.Type {
	case packets.Connect:
		m["id"] = pk.ClientIdentifier
		m["clean"] = pk.CleanSession
		m["keepalive"] = pk.Keepalive
		m["version"] = pk.ProtocolVersion
		m["username"] = string(pk.Username)
		if h.config.ShowPasswords {
			m["password"] = string(pk.Password)
		}
	case packets.Publish:
		m["topic"] = pk.TopicName
		m["payload"] = string(pk.Payload)
		m["raw"] = pk.Payload
		m["qos"] = pk.FixedHeader.Qos
		m["id"] = pk.PacketID
	case packets.Connack:
		m["present"] = pk.SessionPresent
		m["code"] = pk.ReturnCode
	case packets.Puback, packets.Pubrec, packets.Pubrel, packets.Pubcomp, packets.Unsuback:
		m["id"] = pk.PacketID
	case packets.Subscribe:
		f := map[string]int{}
		for i, topic := range pk.Topics {
			f[topic] = int(pk.Qoss[i])
		}
		m["id"] = pk.PacketID
		m["topics"] = f
	case packets.Unsubscribe:
		m["id"] = pk.PacketID
		m["topics"] = pk.Topics
	case packets.Suback:
		r := []int{}
		for _, v := range pk.ReturnCodes {
			r = append(r, int(v))
		}
		m["id"] = pk.PacketID
		m["codes"] = r
	}

	if h.config.ShowPacketData {
		m["packet"] = pk
	}

	return m
}
