// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package debug

import (
	"bytes"
	"errors"
	"testing"

	"log/slog"

	"github.com/stretchr/testify/require"

	mqtt "github.com/tinybroker/server"
	"github.com/tinybroker/server/packets"
)

func newTestHook(t *testing.T, opts *Options) (*Hook, *bytes.Buffer) {
	t.Helper()
	buf := new(bytes.Buffer)
	h := new(Hook)
	require.NoError(t, h.Init(opts))
	h.SetOpts(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), nil)
	buf.Reset()
	return h, buf
}

func TestID(t *testing.T) {
	h := new(Hook)
	require.Equal(t, "debug", h.ID())
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(mqtt.OnPacketRead))
	require.True(t, h.Provides(mqtt.StoredSysInfo))
}

func TestInit(t *testing.T) {
	h := new(Hook)
	require.NoError(t, h.Init(nil))
	require.NotNil(t, h.config)

	require.NoError(t, h.Init(&Options{ShowPings: true}))
	require.True(t, h.config.ShowPings)
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	err := h.Init(map[string]any{})
	require.ErrorIs(t, err, mqtt.ErrInvalidConfigType)
}

func TestOnPacketRead(t *testing.T) {
	h, buf := newTestHook(t, nil)
	s := &mqtt.Session{ID: "zen"}

	h.OnPacketRead(s, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
		TopicName:   "a/b",
		Payload:     []byte("hello"),
		PacketID:    7,
	})

	require.Contains(t, buf.String(), "PUBLISH << zen")
	require.Contains(t, buf.String(), "topic:a/b")
}

func TestOnPacketReadHidesPings(t *testing.T) {
	h, buf := newTestHook(t, nil)
	h.OnPacketRead(&mqtt.Session{ID: "zen"}, packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}})
	require.Empty(t, buf.String())

	h, buf = newTestHook(t, &Options{ShowPings: true})
	h.OnPacketRead(&mqtt.Session{ID: "zen"}, packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}})
	require.Contains(t, buf.String(), "PINGREQ << zen")
}

func TestOnPacketSent(t *testing.T) {
	h, buf := newTestHook(t, nil)
	h.OnPacketSent(&mqtt.Session{ID: "zen"}, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Suback},
		PacketID:    3,
		ReturnCodes: []byte{0, 1},
	}, []byte{0x90, 4, 0, 3, 0, 1})

	require.Contains(t, buf.String(), "SUBACK >> zen")
	require.Contains(t, buf.String(), "bytes=6")
}

func TestPacketMetaPasswords(t *testing.T) {
	pk := packets.Packet{
		FixedHeader:      packets.FixedHeader{Type: packets.Connect},
		ClientIdentifier: "zen",
		Username:         []byte("mochi"),
		Password:         []byte("secret"),
	}

	h, _ := newTestHook(t, nil)
	require.NotContains(t, h.packetMeta(pk), "password")

	h, _ = newTestHook(t, &Options{ShowPasswords: true})
	require.Equal(t, "secret", h.packetMeta(pk)["password"])
}

func TestPacketMetaSubscribe(t *testing.T) {
	h, _ := newTestHook(t, &Options{ShowPacketData: true})
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe},
		PacketID:    5,
		Topics:      []string{"t1", "t2"},
		Qoss:        []byte{1, 2},
	}

	m := h.packetMeta(pk)
	require.Equal(t, map[string]int{"t1": 1, "t2": 2}, m["topics"])
	require.Equal(t, pk, m["packet"])
}

func TestLifecycleEvents(t *testing.T) {
	h, buf := newTestHook(t, nil)
	s := &mqtt.Session{ID: "zen"}

	h.OnSessionEstablished(s, packets.Packet{})
	h.OnSubscribed(s, packets.Packet{}, []mqtt.Subscription{{Topic: "t1"}})
	h.OnUnsubscribed(s, packets.Packet{Topics: []string{"t1"}}, nil)
	h.OnPublished(s, packets.Packet{TopicName: "t1"}, 2)
	h.OnPublishDropped(s, packets.Packet{TopicName: "t1"}, errors.New("full"))
	h.OnSessionReleased(s, nil)
	h.OnDisconnect(s, packets.CodeDisconnect)

	for _, msg := range []string{
		"session established",
		"subscribed",
		"unsubscribed",
		"published",
		"publish dropped",
		"session released",
		"session disconnected",
	} {
		require.Contains(t, buf.String(), msg)
	}
}

func TestStored(t *testing.T) {
	h, _ := newTestHook(t, nil)

	sessions, err := h.StoredSessions()
	require.NoError(t, err)
	require.Empty(t, sessions)

	subs, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Empty(t, subs)

	_, err = h.StoredSysInfo()
	require.NoError(t, err)
}
