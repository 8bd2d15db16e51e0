// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: werbenhu

// Package pebble journals sessions, subscription entries and $SYS snapshots to a pebble store.
package pebble

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	pebbledb "github.com/cockroachdb/pebble"

	mqtt "github.com/tinybroker/server"
	"github.com/tinybroker/server/hooks/storage"
	"github.com/tinybroker/server/packets"
	"github.com/tinybroker/server/system"
)

const (
	// defaultDbFile is the default file path for the pebble db file.
	defaultDbFile = ".pebble"
)

const (
	NoSync = "NoSync" // NoSync specifies the default write options for writes which do not synchronize to disk.
	Sync   = "Sync"   // Sync specifies the default write options for writes which synchronize to disk.
)

// keyUpperBound returns the upper bound for a given byte slice by incrementing the last byte.
// It returns nil if all bytes are incremented and equal to 0.
func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Options contains configuration settings for the pebble DB instance.
type Options struct {
	Options *pebbledb.Options `yaml:"-" json:"-"`
	Mode    string            `yaml:"mode" json:"mode"`
	Path    string            `yaml:"path" json:"path"`
}

// Hook is a journal storage hook using a pebble DB file store as a backend.
type Hook struct {
	mqtt.HookBase
	config *Options               // options for configuring the pebble DB instance.
	db     *pebbledb.DB           // the pebble DB instance
	mode   *pebbledb.WriteOptions // mode holds the optional per-query parameters for Set and Delete operations
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "pebble-db"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
		mqtt.OnSessionReleased,
		mqtt.OnSysInfoTick,
		mqtt.StoredSessions,
		mqtt.StoredSubscriptions,
		mqtt.StoredSysInfo,
	}, []byte{b})
}

// Init initializes and connects to the pebble instance.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		h.config = new(Options)
	} else {
		h.config = config.(*Options)
	}

	if len(h.config.Path) == 0 {
		h.config.Path = defaultDbFile
	}

	if h.config.Options == nil {
		h.config.Options = &pebbledb.Options{}
	}

	if h.config.Options.Logger == nil {
		h.config.Options.Logger = h
	}

	h.mode = pebbledb.NoSync
	if strings.EqualFold(h.config.Mode, Sync) {
		h.mode = pebbledb.Sync
	}

	var err error
	h.db, err = pebbledb.Open(h.config.Path, h.config.Options)
	return err
}

// Stop closes the pebble instance.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	err := h.db.Close()
	h.db = nil
	return err
}

// OnSessionEstablished journals a session when it has been promoted.
func (h *Hook) OnSessionEstablished(s *mqtt.Session, _ packets.Packet) {
	h.updateSession(s)
}

// OnDisconnect records the release time and cause of a session.
func (h *Hook) OnDisconnect(s *mqtt.Session, _ error) {
	h.updateSession(s)
}

// updateSession writes the session record to the store.
func (h *Hook) updateSession(s *mqtt.Session) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := s.Record()
	_ = h.setKv(in.ID, &in)
}

// OnSubscribed adds one record per new subscription entry.
func (h *Hook) OnSubscribed(_ *mqtt.Session, _ packets.Packet, added []mqtt.Subscription) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	for _, sub := range added {
		in := sub.Record()
		_ = h.setKv(in.ID, &in)
	}
}

// OnUnsubscribed deletes the records of entries removed by an unsubscribe.
func (h *Hook) OnUnsubscribed(_ *mqtt.Session, _ packets.Packet, removed []mqtt.Subscription) {
	h.deleteSubscriptions(removed)
}

// OnSessionReleased deletes the records of entries owned by a released session.
func (h *Hook) OnSessionReleased(_ *mqtt.Session, removed []mqtt.Subscription) {
	h.deleteSubscriptions(removed)
}

func (h *Hook) deleteSubscriptions(removed []mqtt.Subscription) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	for _, sub := range removed {
		_ = h.delKv(storage.SubscriptionRecordKey(sub.ID))
	}
}

// OnSysInfoTick stores the latest system info in the store.
func (h *Hook) OnSysInfoTick(sys *system.Info) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := &storage.SystemInfo{
		ID:   storage.SysInfoKey,
		T:    storage.SysInfoKey,
		Info: *sys.Clone(),
	}
	_ = h.setKv(in.ID, in)
}

// StoredSessions returns all journalled sessions from the store.
func (h *Hook) StoredSessions() (v []storage.Session, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return v, storage.ErrDBFileNotOpen
	}

	err = h.iterKv(storage.SessionKey, func(value []byte) error {
		obj := storage.Session{}
		err := obj.UnmarshalBinary(value)
		if err == nil {
			v = append(v, obj)
		}
		return err
	})
	return
}

// StoredSubscriptions returns all journalled subscription entries from the store.
func (h *Hook) StoredSubscriptions() (v []storage.Subscription, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return v, storage.ErrDBFileNotOpen
	}

	v = make([]storage.Subscription, 0)
	err = h.iterKv(storage.SubscriptionKey, func(value []byte) error {
		obj := storage.Subscription{}
		err := obj.UnmarshalBinary(value)
		if err == nil {
			v = append(v, obj)
		}
		return err
	})
	return
}

// StoredSysInfo returns the system info from the store.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return v, storage.ErrDBFileNotOpen
	}

	err = h.getKv(storage.SysInfoKey, &v)
	if err != nil && !errors.Is(err, pebbledb.ErrNotFound) {
		return
	}

	return v, nil
}

// Infof satisfies the pebble interface for an info logger.
func (h *Hook) Infof(m string, v ...any) {
	h.Log.Info(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...))
}

// Errorf satisfies the pebble interface for an error logger.
func (h *Hook) Errorf(m string, v ...any) {
	h.Log.Error(fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...))
}

// Fatalf satisfies the pebble interface for a fatal logger. Pebble does not
// expect Fatalf to return, so it panics after logging.
func (h *Hook) Fatalf(m string, v ...any) {
	msg := fmt.Sprintf(strings.ToLower(strings.Trim(m, "\n")), v...)
	h.Log.Error(msg, "fatal", true)
	panic(msg)
}

// delKv deletes a key-value pair from the database.
func (h *Hook) delKv(k string) error {
	err := h.db.Delete([]byte(k), h.mode)
	if err != nil {
		h.Log.Error("failed to delete data", "error", err, "key", k)
		return err
	}
	return nil
}

// setKv stores a key-value pair in the database.
func (h *Hook) setKv(k string, v storage.Serializable) error {
	bs, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	err = h.db.Set([]byte(k), bs, h.mode)
	if err != nil {
		h.Log.Error("failed to update data", "error", err, "key", k)
		return err
	}
	return nil
}

// getKv retrieves the value associated with a key from the database.
func (h *Hook) getKv(k string, v storage.Serializable) error {
	value, closer, err := h.db.Get([]byte(k))
	if err != nil {
		return err
	}

	defer func() {
		if closer != nil {
			_ = closer.Close()
		}
	}()
	return v.UnmarshalBinary(value)
}

// iterKv visits the value of every key carrying the record type prefix.
func (h *Hook) iterKv(prefix string, visit func([]byte) error) error {
	p := []byte(prefix + "_")
	iter, err := h.db.NewIter(&pebbledb.IterOptions{
		LowerBound: p,
		UpperBound: keyUpperBound(p),
	})
	if err != nil {
		h.Log.Error("failed to iter data", "error", err, "prefix", prefix)
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := visit(iter.Value()); err != nil {
			return err
		}
	}

	return iter.Error()
}
