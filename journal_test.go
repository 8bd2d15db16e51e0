// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinybroker/server/hooks/storage"
)

func TestSessionRecord(t *testing.T) {
	sc, cc := net.Pipe()
	defer cc.Close()

	s := newServer().Broker.NewSession(sc, "tcp1")
	s.Properties.Username = []byte("mochi")
	s.Properties.ProtocolVersion = 4
	require.NoError(t, s.Promote("zen", true, 30))

	rec := s.Record()
	require.Equal(t, "SESS_zen", rec.ID)
	require.Equal(t, storage.SessionKey, rec.T)
	require.Equal(t, "zen", rec.Client)
	require.Equal(t, s.Handle, rec.Handle)
	require.Equal(t, "pipe", rec.Remote)
	require.Equal(t, "tcp1", rec.Listener)
	require.Equal(t, []byte("mochi"), rec.Username)
	require.Equal(t, uint16(30), rec.Keepalive)
	require.Equal(t, byte(4), rec.ProtocolVersion)
	require.True(t, rec.Clean)
	require.NotZero(t, rec.Connected)
	require.Zero(t, rec.Disconnected)
	require.Empty(t, rec.Cause)

	s.Close(ErrKeepaliveExpired)
	rec = s.Record()
	require.NotZero(t, rec.Disconnected)
	require.Equal(t, ErrKeepaliveExpired.Error(), rec.Cause)
}

func TestSessionRecordClosedWithoutCause(t *testing.T) {
	s := newServer().Broker.NewSession(nil, "tcp1")
	require.NoError(t, s.Promote("zen", true, 0))
	s.Close(nil)

	rec := s.Record()
	require.NotZero(t, rec.Disconnected)
	require.Empty(t, rec.Cause)
}

func TestSubscriptionRecord(t *testing.T) {
	s := newServer().Broker.NewSession(nil, "tcp1")
	require.NoError(t, s.Promote("zen", true, 0))
	defer s.Close(nil)

	r := NewRegistry()
	r.Insert("a/b", s, 0)
	sub := r.Insert("a/c", s, 2)

	rec := sub.Record()
	require.Equal(t, "SUB_2", rec.ID)
	require.Equal(t, storage.SubscriptionKey, rec.T)
	require.Equal(t, "zen", rec.Client)
	require.Equal(t, s.Handle, rec.Handle)
	require.Equal(t, "a/c", rec.Topic)
	require.Equal(t, uint64(2), rec.Entry)
	require.Equal(t, byte(2), rec.Qos)
}

func TestSubscriptionRecordNoSession(t *testing.T) {
	rec := Subscription{ID: 12, Topic: "a/b", Qos: 1}.Record()
	require.Equal(t, "SUB_12", rec.ID)
	require.Empty(t, rec.Client)
	require.Empty(t, rec.Handle)
}
