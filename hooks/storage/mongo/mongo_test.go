// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mongo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/require"

	mqtt "github.com/tinybroker/server"
	"github.com/tinybroker/server/hooks/storage"
	"github.com/tinybroker/server/packets"
	"github.com/tinybroker/server/system"
)

// uriEnv names the environment variable holding the uri of a live deployment.
const uriEnv = "TINYBROKER_MONGO_URI"

var (
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	pkf = packets.Packet{Topics: []string{"a/b/c"}, Qoss: []byte{1}}
)

func newSession(t *testing.T, id string) (*mqtt.Broker, *mqtt.Session) {
	t.Helper()
	b := mqtt.New(&mqtt.Options{Logger: logger}).Broker
	s := b.NewSession(nil, "tcp1")
	require.NoError(t, s.Promote(id, true, 30))
	return b, s
}

// newHook connects to the deployment named by uriEnv, using a throwaway database.
func newHook(t *testing.T) *Hook {
	t.Helper()
	uri := os.Getenv(uriEnv)
	if uri == "" {
		t.Skipf("%s not set", uriEnv)
	}

	h := new(Hook)
	h.SetOpts(logger, nil)
	err := h.Init(&Options{
		URI:      uri,
		Database: "tinybroker_test_" + xid.New().String(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.coll.Database().Drop(ctx)
		_ = h.Stop()
	})

	return h
}

func TestID(t *testing.T) {
	h := new(Hook)
	require.Equal(t, "mongo-db", h.ID())
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(mqtt.OnSessionEstablished))
	require.True(t, h.Provides(mqtt.OnDisconnect))
	require.True(t, h.Provides(mqtt.OnSubscribed))
	require.True(t, h.Provides(mqtt.OnUnsubscribed))
	require.True(t, h.Provides(mqtt.OnSessionReleased))
	require.True(t, h.Provides(mqtt.OnSysInfoTick))
	require.True(t, h.Provides(mqtt.StoredSessions))
	require.True(t, h.Provides(mqtt.StoredSubscriptions))
	require.True(t, h.Provides(mqtt.StoredSysInfo))
	require.False(t, h.Provides(mqtt.OnPacketSent))
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	err := h.Init(map[string]any{})
	require.ErrorIs(t, err, mqtt.ErrInvalidConfigType)
}

func TestInitBadURI(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	err := h.Init(&Options{URI: "not-a-uri"})
	require.Error(t, err)
}

func TestStopNotConnected(t *testing.T) {
	h := new(Hook)
	require.NoError(t, h.Stop())
}

func TestNoDB(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	b, s := newSession(t, "zen")
	h.OnSessionEstablished(s, packets.Packet{})
	h.OnSubscribed(s, pkf, []mqtt.Subscription{b.Registry.Insert("a/b/c", s, 1)})
	h.OnSessionReleased(s, b.Registry.RemoveBySession(s))
	h.OnSysInfoTick(new(system.Info))

	_, err := h.StoredSessions()
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)

	_, err = h.StoredSubscriptions()
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)

	_, err = h.StoredSysInfo()
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)
}

func TestSessionJournal(t *testing.T) {
	h := newHook(t)
	_, s := newSession(t, "zen")

	h.OnSessionEstablished(s, packets.Packet{})

	r, err := h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, r, 1)
	require.Equal(t, "zen", r[0].Client)
	require.Zero(t, r[0].Disconnected)

	cause := errors.New("test")
	s.Close(cause)
	h.OnDisconnect(s, cause)

	r, err = h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, r, 1)
	require.NotZero(t, r[0].Disconnected)
	require.Equal(t, "test", r[0].Cause)
}

func TestSubscriptionJournal(t *testing.T) {
	h := newHook(t)
	b, s := newSession(t, "zen")

	added := []mqtt.Subscription{
		b.Registry.Insert("a/b/c", s, 1),
		b.Registry.Insert("d/e/f", s, 0),
	}
	h.OnSubscribed(s, pkf, added)

	subs, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 2)
	require.Equal(t, "a/b/c", subs[0].Topic)
	require.Equal(t, "d/e/f", subs[1].Topic)

	h.OnUnsubscribed(s, pkf, b.Registry.RemoveByTopic("a/b/c"))
	subs, err = h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)

	h.OnSessionReleased(s, b.Registry.RemoveBySession(s))
	subs, err = h.StoredSubscriptions()
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestSysInfoJournal(t *testing.T) {
	h := newHook(t)

	r, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "", r.ID)

	h.OnSysInfoTick(&system.Info{Version: "2.0.0", BytesSent: 12})

	r, err = h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "2.0.0", r.Version)
	require.Equal(t, int64(12), r.BytesSent)
}
